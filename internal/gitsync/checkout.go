package gitsync

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/mausys/gclient/internal/config"
	"github.com/mausys/gclient/internal/git"
	"github.com/mausys/gclient/internal/gitcache"
	"github.com/mausys/gclient/internal/logging"
	"github.com/mausys/gclient/internal/progress"
	"github.com/mausys/gclient/internal/revision"
)

// Options tune the per-solution retry loop.
type Options struct {
	Attempts      int
	RetryDelay    time.Duration
	FatalPatterns []*regexp.Regexp
	LargeRepo     string
}

// Checkout checks out every solution of a build directory.
type Checkout struct {
	buildDir string
	git      *git.Git
	cache    *gitcache.Fetcher
	opts     Options
	sleep    func(ctx context.Context, d time.Duration) error
	bar      *progress.Bar
	log      *logging.Logger
}

func NewCheckout(buildDir string, g *git.Git, cache *gitcache.Fetcher) *Checkout {
	return &Checkout{buildDir: buildDir, git: g, cache: cache, sleep: sleep, log: logging.NewNop()}
}

func (c *Checkout) WithOptions(o Options) *Checkout {
	c.opts = o
	return c
}

func (c *Checkout) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Checkout {
	c.sleep = fn
	return c
}

func (c *Checkout) WithProgress(bar *progress.Bar) *Checkout {
	c.bar = bar
	return c
}

func (c *Checkout) WithLogger(log *logging.Logger) *Checkout {
	c.log = log
	return c
}

// Checkout breaks stale cache locks, then checks out the solutions in order.
// It returns the commit the first solution ended up at.
func (c *Checkout) Checkout(ctx context.Context, solutions []config.Solution, revisions revision.Map, shallow bool, refs []string) (string, error) {
	if err := c.cache.UnlockAll(ctx); err != nil {
		return "", err
	}

	var first string
	for i, sln := range solutions {
		rev := revisions.Resolve(sln.Name, sln.URL)
		c.bar.Describe(sln.Dir())
		c.log.Infof("checking out %s (%s) at %s", sln.Name, sln.URL, rev)

		s := New(c.buildDir, sln, rev, c.git, c.cache).
			WithShallow(shallow).
			WithRefs(refs).
			WithAttempts(c.opts.Attempts).
			WithRetryDelay(c.opts.RetryDelay).
			WithFatalPatterns(c.opts.FatalPatterns).
			WithLargeRepo(c.opts.LargeRepo).
			WithSleep(c.sleep).
			WithLogger(c.log.With("solution", sln.Dir()))

		if err := s.Execute(ctx); err != nil {
			return "", err
		}
		c.bar.Add(1)

		if i == 0 {
			out, err := c.git.Run(ctx, s.Dir(), "log", "--format=%H", "--max-count=1")
			if err != nil {
				return "", fmt.Errorf("solution %q: %w", sln.Name, err)
			}
			first = strings.TrimSpace(out)
		}
	}
	c.bar.Finish()
	return first, nil
}

// PinDeps force checks out every dependency that has an explicit pin. deps
// maps checkout paths, as reported by the sync tool, to repository URLs.
// Solutions are skipped; they were pinned by Checkout. Dependencies without a
// pin stay where the sync left them.
func (c *Checkout) PinDeps(ctx context.Context, deps map[string]string, solutions []string, revisions revision.Map) error {
	for _, path := range slices.Sorted(maps.Keys(deps)) {
		if slices.Contains(solutions, strings.Trim(path, "/")) {
			continue
		}
		rev, ok := revisions.Lookup(path, deps[path])
		if !ok {
			continue
		}

		dir := filepath.Join(c.buildDir, path)
		c.log.Infof("pinning %s to %s", path, rev)
		if _, err := c.git.Run(ctx, dir, "fetch", "origin"); err != nil {
			return fmt.Errorf("dependency %q: %w", path, err)
		}
		if err := c.git.ForceCheckout(ctx, dir, rev); err != nil {
			return fmt.Errorf("dependency %q: %w", path, err)
		}
	}
	return nil
}
