// gitsync package brings the checkout of each solution to a pinned revision.
// Solutions are cloned from the shared git cache, never from the remote. This
// package implements no threadpooling: solutions are checked out one after the
// other. The Synchronizer is not thread-safe.
package gitsync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mausys/gclient/internal/config"
	"github.com/mausys/gclient/internal/fs"
	"github.com/mausys/gclient/internal/git"
	"github.com/mausys/gclient/internal/gitcache"
	"github.com/mausys/gclient/internal/logging"
	"github.com/mausys/gclient/internal/metrics"
	"github.com/mausys/gclient/internal/process"
)

const (
	defaultAttempts   = 60
	defaultRetryDelay = 5 * time.Second
)

// ErrFatal marks checkout failures that are not worth retrying.
var ErrFatal = errors.New("fatal checkout failure")

// Synchronizer checks out a single solution.
type Synchronizer struct {
	buildDir   string
	solution   config.Solution
	revision   string
	shallow    bool
	refs       []string
	git        *git.Git
	cache      *gitcache.Fetcher
	attempts   int
	retryDelay time.Duration
	fatal      []*regexp.Regexp
	largeRepo  string
	sleep      func(ctx context.Context, d time.Duration) error
	log        *logging.Logger
}

// New creates a Synchronizer for the solution that checks out revision
// ("<rev>", "<branch>:<rev>" or HEAD) into buildDir/<solution name>.
func New(buildDir string, sln config.Solution, revision string, g *git.Git, cache *gitcache.Fetcher) *Synchronizer {
	return &Synchronizer{
		buildDir:   buildDir,
		solution:   sln,
		revision:   revision,
		git:        g,
		cache:      cache,
		attempts:   defaultAttempts,
		retryDelay: defaultRetryDelay,
		largeRepo:  config.DefaultLargeRepoURL,
		sleep:      sleep,
		log:        logging.NewNop(),
	}
}

func (s *Synchronizer) WithShallow(shallow bool) *Synchronizer {
	s.shallow = shallow
	return s
}

// WithRefs adds refspecs fetched on top of the default branches.
func (s *Synchronizer) WithRefs(refs []string) *Synchronizer {
	s.refs = refs
	return s
}

func (s *Synchronizer) WithAttempts(n int) *Synchronizer {
	s.attempts = cmp.Or(n, defaultAttempts)
	return s
}

func (s *Synchronizer) WithRetryDelay(d time.Duration) *Synchronizer {
	s.retryDelay = cmp.Or(d, defaultRetryDelay)
	return s
}

// WithFatalPatterns makes failures whose output matches any pattern stop the
// retry loop at once.
func (s *Synchronizer) WithFatalPatterns(patterns []*regexp.Regexp) *Synchronizer {
	s.fatal = patterns
	return s
}

// WithLargeRepo sets the URL of the repository that is never cloned shallow.
func (s *Synchronizer) WithLargeRepo(url string) *Synchronizer {
	s.largeRepo = cmp.Or(url, config.DefaultLargeRepoURL)
	return s
}

func (s *Synchronizer) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Synchronizer {
	s.sleep = fn
	return s
}

func (s *Synchronizer) WithLogger(log *logging.Logger) *Synchronizer {
	s.log = log
	return s
}

func (s *Synchronizer) Dir() string {
	return filepath.Join(s.buildDir, s.solution.Dir())
}

// Execute clones or refreshes the solution from its cache mirror and force
// checks out the pinned revision. Any failure moves the checkout aside and
// starts over, until the attempts are exhausted or the failure is fatal.
func (s *Synchronizer) Execute(ctx context.Context) error {
	startTime := time.Now()

	if err := s.execute(ctx); err != nil {
		return fmt.Errorf("solution %q: git checkout: %v: %w", s.solution.Name, s.solution.URL, err)
	}

	metrics.SolutionCheckoutSucceeded(s.solution.Dir(), startTime)
	return nil
}

func (s *Synchronizer) execute(ctx context.Context) error {
	dir := s.Dir()

	for attempt := 1; ; attempt++ {
		metrics.SolutionCheckoutAttempted(s.solution.Dir())

		err := s.checkout(ctx, dir)
		if err == nil {
			break
		}
		metrics.SolutionCheckoutFailed(s.solution.Dir())
		// The mirror may predate the pinned revision.
		s.cache.Forget(s.solution.URL)

		if err := s.classify(err); err != nil {
			return err
		}
		if attempt >= s.attempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		s.log.Warnf("checkout of %s failed (attempt %d of %d), retrying in %v: %v", s.solution.Name, attempt, s.attempts, s.retryDelay, err)

		if fs.Exists(dir) {
			dead, err := fs.MoveAside(fs.DeadDir(s.buildDir), dir)
			if err != nil {
				return fmt.Errorf("failed to move %s aside: %w", dir, err)
			}
			s.log.Debugf("moved %s to %s", dir, dead)
		}

		if err := s.sleep(ctx, s.retryDelay); err != nil {
			return err
		}
	}

	return s.git.Clean(ctx, dir)
}

func (s *Synchronizer) checkout(ctx context.Context, dir string) error {
	shallow := s.shallow && !s.isLargeRepo()

	mirror, err := s.cache.Mirror(ctx, s.solution.URL, shallow, s.refs)
	if err != nil {
		return err
	}

	if !fs.Exists(dir) {
		if _, err := s.git.Run(ctx, "", "clone", "--no-checkout", "--local", "--shared", mirror, dir); err != nil {
			return err
		}
	} else {
		if _, err := s.git.Run(ctx, dir, "remote", "set-url", "origin", mirror); err != nil {
			return err
		}
		if _, err := s.git.Run(ctx, dir, "fetch", "origin"); err != nil {
			return err
		}
	}

	for _, ref := range s.refs {
		refspec := ref + ":" + strings.TrimLeft(ref, "+")
		if _, err := s.git.Run(ctx, dir, "fetch", "origin", refspec); err != nil {
			return err
		}
	}

	return s.git.ForceCheckout(ctx, dir, s.revision)
}

// classify returns nil for failures worth another attempt, and the error
// marked fatal otherwise. Failed commands and a mirror missing after populate
// are retried; a failed command whose output matches a fatal pattern is not.
// Anything else, such as a cancelled context, ends the loop.
func (s *Synchronizer) classify(err error) error {
	if errors.Is(err, gitcache.ErrNoMirror) {
		return nil
	}
	var pf *process.Failure
	if !errors.As(err, &pf) {
		return err
	}
	for _, re := range s.fatal {
		if re.MatchString(pf.Output) {
			return fmt.Errorf("%w: output matches %q: %w", ErrFatal, re.String(), err)
		}
	}
	return nil
}

// isLargeRepo reports whether the solution is the large repository, which
// gains little from shallow clones.
func (s *Synchronizer) isLargeRepo() bool {
	return s.solution.URL == s.largeRepo || s.solution.URL+".git" == s.largeRepo
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
