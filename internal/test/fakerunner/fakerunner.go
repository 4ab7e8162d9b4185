// Package fakerunner provides a scripted stand-in for process.Runner that
// records every command it is asked to run.
package fakerunner

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/mausys/gclient/internal/process"
)

type rule struct {
	prefix string
	fn     func(process.Command) (string, error)
}

type Runner struct {
	mu       sync.Mutex
	rules    []rule
	commands []process.Command
}

func New() *Runner {
	return &Runner{}
}

// On makes every command whose space-joined arguments start with prefix
// succeed with output. Rules are matched in registration order.
func (r *Runner) On(prefix, output string) *Runner {
	return r.OnFunc(prefix, func(process.Command) (string, error) { return output, nil })
}

// Fail makes matching commands fail like an exhausted process.Runner would.
func (r *Runner) Fail(prefix string, code int, output string) *Runner {
	return r.OnFunc(prefix, func(c process.Command) (string, error) {
		return output, &process.Failure{Args: c.Args, Dir: c.Dir, ExitCode: code, Output: output, Attempts: max(c.MaxAttempts, 1)}
	})
}

func (r *Runner) OnFunc(prefix string, fn func(process.Command) (string, error)) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{prefix: prefix, fn: fn})
	return r
}

// Execute records the command and answers with the first matching rule.
// Unmatched commands succeed with empty output.
func (r *Runner) Execute(_ context.Context, c process.Command) (string, error) {
	r.mu.Lock()
	r.commands = append(r.commands, c)
	rules := slices.Clone(r.rules)
	r.mu.Unlock()

	line := strings.Join(c.Args, " ")
	for _, rl := range rules {
		if strings.HasPrefix(line, rl.prefix) {
			return rl.fn(c)
		}
	}
	return "", nil
}

func (r *Runner) Commands() []process.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.commands)
}

// Calls returns the recorded commands as space-joined argument strings.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := make([]string, len(r.commands))
	for i, c := range r.commands {
		calls[i] = strings.Join(c.Args, " ")
	}
	return calls
}

// CallsIn returns the calls made with the given working directory.
func (r *Runner) CallsIn(dir string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var calls []string
	for _, c := range r.commands {
		if c.Dir == dir {
			calls = append(calls, strings.Join(c.Args, " "))
		}
	}
	return calls
}
