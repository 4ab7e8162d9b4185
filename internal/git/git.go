// Package git is a thin wrapper over the git executable. Every invocation goes
// through a Runner so that retries, output streaming and heartbeats are handled
// in one place.
package git

import (
	"context"
	"runtime"
	"slices"
	"strings"

	"github.com/mausys/gclient/internal/process"
)

const defaultBranch = "master"

// Runner executes a command, typically a *process.Runner.
type Runner interface {
	Execute(ctx context.Context, c process.Command) (string, error)
}

// Opts tune a single git invocation. Zero values use the runner defaults.
type Opts struct {
	Dir        string
	Attempts   int
	Classifier process.Classifier
	Env        map[string]string
}

type Git struct {
	runner     Runner
	executable []string
	cache      []string
}

func New(runner Runner) *Git {
	exe := "git"
	if runtime.GOOS == "windows" {
		exe = "git.bat"
	}
	return &Git{
		runner:     runner,
		executable: []string{exe},
		cache:      []string{"git-cache"},
	}
}

// WithExecutable overrides the git command line prefix.
func (g *Git) WithExecutable(args ...string) *Git {
	if len(args) > 0 {
		g.executable = slices.Clone(args)
	}
	return g
}

// WithCacheCommand sets the command that "git cache ..." invocations are redirected to.
func (g *Git) WithCacheCommand(args ...string) *Git {
	if len(args) > 0 {
		g.cache = slices.Clone(args)
	}
	return g
}

func (g *Git) Run(ctx context.Context, dir string, args ...string) (string, error) {
	return g.RunWith(ctx, Opts{Dir: dir}, args...)
}

func (g *Git) RunWith(ctx context.Context, o Opts, args ...string) (string, error) {
	return g.runner.Execute(ctx, process.Command{
		Args:        g.commandLine(args),
		Dir:         o.Dir,
		Env:         o.Env,
		Classifier:  o.Classifier,
		MaxAttempts: o.Attempts,
	})
}

func (g *Git) commandLine(args []string) []string {
	if len(args) > 0 && args[0] == "cache" {
		return append(slices.Clone(g.cache), args[1:]...)
	}
	return append(slices.Clone(g.executable), args...)
}

// RevParse resolves rev in dir to a full commit id.
func (g *Git) RevParse(ctx context.Context, dir, rev string) (string, error) {
	out, err := g.Run(ctx, dir, "rev-parse", rev)
	return strings.TrimSpace(out), err
}

// ForceCheckout checks out revision, which is either "<rev>" or "<branch>:<rev>".
// A concrete revision is checked out directly. An empty or HEAD revision checks
// out the tip of the branch: origin/<branch>, or the ref itself when the branch
// is spelled as refs/....
func (g *Git) ForceCheckout(ctx context.Context, dir, revision string) error {
	branch := defaultBranch
	if b, rev, ok := strings.Cut(revision, ":"); ok {
		branch, revision = b, rev
	}

	if revision != "" && !strings.EqualFold(revision, "HEAD") {
		_, err := g.Run(ctx, dir, "checkout", "--force", revision)
		return err
	}

	ref := branch
	if !strings.HasPrefix(branch, "refs/") {
		ref = "origin/" + branch
	}
	_, err := g.Run(ctx, dir, "checkout", "--force", ref)
	return err
}

// Clean removes untracked files and directories, including nested repositories.
func (g *Git) Clean(ctx context.Context, dir string) error {
	_, err := g.Run(ctx, dir, "clean", "-dff")
	return err
}

// LsFiles reports the tracked files matching paths.
func (g *Git) LsFiles(ctx context.Context, dir string, paths ...string) ([]string, error) {
	out, err := g.Run(ctx, dir, append([]string{"ls-files"}, paths...)...)
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}
