// Package process runs external commands with retries, live output streaming
// and a heartbeat that dumps the process tree when a command goes quiet.
// Only one command runs at a time per Runner; the Runner is not thread-safe.
package process

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mausys/gclient/internal/logging"
	"github.com/mausys/gclient/internal/metrics"
)

const (
	defaultMaxAttempts = 5
	defaultBackoffBase = 4.0
	defaultHeartbeat   = 5 * time.Minute

	jitterFraction = 0.2
)

// Verdict is the outcome a Classifier assigns to a finished attempt.
type Verdict int

const (
	Success Verdict = iota
	Retry
	Fail
)

func (v Verdict) String() string {
	switch v {
	case Success:
		return "Success"
	case Retry:
		return "Retry"
	case Fail:
		return "Fail"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// Classifier decides from the exit code and the combined output whether an
// attempt succeeded, should be retried, or failed for good.
type Classifier func(exitCode int, output string) Verdict

// DefaultClassifier treats exit code zero as success and anything else as retryable.
func DefaultClassifier(exitCode int, _ string) Verdict {
	if exitCode == 0 {
		return Success
	}
	return Retry
}

// Command describes a single external invocation. Zero values select the
// Runner's defaults.
type Command struct {
	Args        []string
	Dir         string
	Env         map[string]string
	Stdin       string
	Classifier  Classifier
	MaxAttempts int
}

func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Failure is returned when a command exhausted its attempts or was classified as Fail.
type Failure struct {
	Args     []string
	Dir      string
	ExitCode int
	Output   string
	Attempts int
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failed with code %d in %s after %d attempts.", strings.Join(f.Args, " "), f.ExitCode, f.Dir, f.Attempts)
}

// Runner executes commands. Command output is streamed to the configured
// writer while being collected for the caller.
type Runner struct {
	mu          sync.Mutex // serializes writes to out
	out         io.Writer
	log         *logging.Logger
	maxAttempts int
	backoffBase float64
	heartbeat   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
	jitter      func() float64
	snapshot    func(ctx context.Context) string
}

func New() *Runner {
	return &Runner{
		out:         os.Stdout,
		log:         logging.NewNop(),
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		heartbeat:   defaultHeartbeat,
		sleep:       sleep,
		now:         time.Now,
		jitter:      rand.Float64,
		snapshot:    processTree,
	}
}

func (r *Runner) WithOutput(w io.Writer) *Runner {
	r.out = w
	return r
}

func (r *Runner) WithLogger(log *logging.Logger) *Runner {
	r.log = log
	return r
}

func (r *Runner) WithMaxAttempts(n int) *Runner {
	r.maxAttempts = cmp.Or(n, defaultMaxAttempts)
	return r
}

func (r *Runner) WithBackoffBase(base float64) *Runner {
	r.backoffBase = cmp.Or(base, defaultBackoffBase)
	return r
}

func (r *Runner) WithHeartbeat(d time.Duration) *Runner {
	r.heartbeat = cmp.Or(d, defaultHeartbeat)
	return r
}

// WithSleep replaces the function used to wait between attempts.
func (r *Runner) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Runner {
	r.sleep = fn
	return r
}

func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// WithJitter replaces the random source; fn must return values in [0, 1).
func (r *Runner) WithJitter(fn func() float64) *Runner {
	r.jitter = fn
	return r
}

// WithSnapshot replaces the process tree dump written on heartbeat.
func (r *Runner) WithSnapshot(fn func(ctx context.Context) string) *Runner {
	r.snapshot = fn
	return r
}

// Execute runs the command until the classifier reports success, the classifier
// reports Fail, or the attempts are exhausted. It returns the combined output of
// the last attempt with line endings normalized to "\n".
func (r *Runner) Execute(ctx context.Context, c Command) (string, error) {
	if len(c.Args) == 0 {
		return "", errors.New("empty command")
	}

	classify := c.Classifier
	if classify == nil {
		classify = DefaultClassifier
	}
	maxAttempts := cmp.Or(c.MaxAttempts, r.maxAttempts)
	executable := filepath.Base(c.Args[0])

	for attempt := 1; ; attempt++ {
		if len(c.Env) > 0 {
			r.printf("===Injecting Environment Variables===\n")
			for _, k := range slices.Sorted(maps.Keys(c.Env)) {
				r.printf("%s: %s\n", k, c.Env[k])
			}
		}
		r.printf("===Running %s (attempt #%d)===\n", c, attempt)
		if c.Dir != "" {
			r.printf("In directory: %s\n", c.Dir)
		}

		start := r.now()
		metrics.ProcessAttempted(executable)

		code, output, err := r.run(ctx, c)
		if err != nil {
			return output, fmt.Errorf("%s: %w", c, err)
		}

		elapsed := r.now().Sub(start).Minutes()
		verdict := classify(code, output)
		if verdict == Success {
			r.printf("===Succeeded in %.1f mins===\n\n", elapsed)
			return output, nil
		}
		r.printf("===Failed in %.1f mins===\n\n", elapsed)

		if verdict == Fail || attempt >= maxAttempts {
			metrics.ProcessFailed(executable)
			return output, &Failure{
				Args:     slices.Clone(c.Args),
				Dir:      c.Dir,
				ExitCode: code,
				Output:   output,
				Attempts: attempt,
			}
		}

		d := r.backoff(attempt)
		r.log.Debugf("%s exited with code %d, retrying in %v", executable, code, d)
		r.printf("Sleeping for %.1f seconds.\n", d.Seconds())
		if err := r.sleep(ctx, d); err != nil {
			return output, err
		}
	}
}

// backoff returns base^attempt seconds scaled by a random factor in [0.8, 1.2).
func (r *Runner) backoff(attempt int) time.Duration {
	secs := math.Pow(r.backoffBase, float64(attempt))
	secs *= 1 + jitterFraction*(2*r.jitter()-1)
	return time.Duration(secs * float64(time.Second))
}

// run executes a single attempt. The returned error is non-nil only when the
// process could not be started or the context was cancelled.
func (r *Runner) run(ctx context.Context, c Command) (int, string, error) {
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), c.Env)
	}
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return 0, "", err
	}

	var (
		buf     bytes.Buffer
		waitErr error
		beat    = make(chan struct{}, 1)
		done    = make(chan struct{})
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(done)
		norm := &crNormalizer{}
		chunk := make([]byte, 32*1024)
		for {
			n, err := pr.Read(chunk)
			if n > 0 {
				select {
				case beat <- struct{}{}:
				default:
				}
				data := norm.Normalize(chunk[:n])
				buf.Write(data)
				r.write(data)
			}
			if err != nil {
				if tail := norm.Flush(); len(tail) > 0 {
					buf.Write(tail)
					r.write(tail)
				}
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	})

	g.Go(func() error {
		timer := time.NewTimer(r.heartbeat)
		defer timer.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-beat:
				timer.Reset(r.heartbeat)
			case <-timer.C:
				r.printf("\nNo output for %v, dumping process tree:\n%s\n", r.heartbeat, r.snapshot(gctx))
				timer.Reset(r.heartbeat)
			}
		}
	})

	g.Go(func() error {
		waitErr = cmd.Wait()
		return pw.Close()
	})

	if err := g.Wait(); err != nil {
		return 0, buf.String(), err
	}

	if err := ctx.Err(); err != nil {
		return 0, buf.String(), err
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		return 0, buf.String(), nil
	case errors.As(waitErr, &exitErr):
		return exitErr.ExitCode(), buf.String(), nil
	default:
		return 0, buf.String(), waitErr
	}
}

func (r *Runner) write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = r.out.Write(p)
}

func (r *Runner) printf(format string, args ...any) {
	r.write(fmt.Appendf(nil, format, args...))
}

func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[k]; ok {
			continue
		}
		env = append(env, kv)
	}
	for _, k := range slices.Sorted(maps.Keys(overrides)) {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
