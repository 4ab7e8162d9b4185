package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/mausys/gclient/internal/activation"
	"github.com/mausys/gclient/internal/config"
	"github.com/mausys/gclient/internal/depsync"
	"github.com/mausys/gclient/internal/diskspace"
	"github.com/mausys/gclient/internal/fs"
	"github.com/mausys/gclient/internal/git"
	"github.com/mausys/gclient/internal/gitcache"
	"github.com/mausys/gclient/internal/gitsync"
	"github.com/mausys/gclient/internal/gotrevision"
	"github.com/mausys/gclient/internal/logging"
	"github.com/mausys/gclient/internal/metrics"
	"github.com/mausys/gclient/internal/patch"
	"github.com/mausys/gclient/internal/progress"
	"github.com/mausys/gclient/internal/result"
	"github.com/mausys/gclient/internal/revision"
)

// BranchHeadsRefspec is the extra refspec that makes the sync tool fetch
// release branches too.
const BranchHeadsRefspec = "+refs/branch-heads/*"

// Options describe one checkout run.
type Options struct {
	BuildDir        string
	CacheDir        string
	Specs           *config.Specs
	Revisions       []string // name@rev, url@rev or rev, comma separated lists allowed
	PatchRoot       string
	Patch           patch.Request // nil when there is nothing to patch
	Host            activation.Host
	Force           bool
	Clobber         bool
	Shallow         bool
	NoShallow       bool
	Refs            []string
	RevisionMapping map[string]string // Checkout dir to property name, merged over the configured mapping.
	OutputManifest  bool
	RunHooks        bool
	GypEnv          []string
}

// Checkout brings a build directory to the state described by its options:
// solutions cloned from the cache and pinned, the patch applied around the
// dependency sync and dependencies pinned. The outcome is reported through a
// result emitter and the flag file.
type Checkout struct {
	opts     Options
	cfg      *config.Root
	git      *git.Git
	cache    *gitcache.Fetcher
	checkout *gitsync.Checkout
	deps     *depsync.Client
	patcher  *patch.Applier
	resolver *gotrevision.Resolver
	policy   *activation.Policy
	emitter  *result.Emitter
	flag     result.Flag
	disk     func(path string) (total, free uint64, err error)
	log      *logging.Logger

	state     State
	history   []State
	decided   bool
	active    bool
	shallow   bool
	revisions revision.Map
	stepText  string
}

// New wires the checkout components around runner, which executes every
// external command.
func New(runner git.Runner, opts Options, cfg *config.Root) (*Checkout, error) {
	if opts.Specs == nil || len(opts.Specs.Solutions) == 0 {
		return nil, errors.New("no solutions to check out")
	}
	if cfg == nil {
		cfg = &config.Root{}
	}
	tuning := cfg.Tuning.WithDefaults()
	fatal, err := tuning.CompileFatalPatterns()
	if err != nil {
		return nil, err
	}

	g := git.New(runner).WithExecutable(cfg.Tools.Git...).WithCacheCommand(cfg.Tools.GitCache...)
	cache := gitcache.New(g, opts.CacheDir)

	c := &Checkout{
		opts:  opts,
		cfg:   cfg,
		git:   g,
		cache: cache,
		checkout: gitsync.NewCheckout(opts.BuildDir, g, cache).WithOptions(gitsync.Options{
			Attempts:      tuning.SolutionAttempts,
			RetryDelay:    time.Duration(tuning.SolutionRetryDelay),
			FatalPatterns: fatal,
			LargeRepo:     tuning.LargeRepoURL,
		}),
		deps:     depsync.New(runner, opts.BuildDir).WithExecutable(cfg.Tools.Sync...),
		patcher:  patch.New(runner, g).WithDir(opts.BuildDir).WithTool(cfg.Tools.Patch...),
		resolver: gotrevision.New(opts.BuildDir),
		flag:     result.NewFlag(""),
		disk:     diskspace.Usage,
		log:      logging.NewNop(),
		state:    StateStart,
		history:  []State{StateStart},
	}
	return c, nil
}

func (c *Checkout) WithPolicy(p *activation.Policy) *Checkout {
	c.policy = p
	return c
}

func (c *Checkout) WithEmitter(e *result.Emitter) *Checkout {
	c.emitter = e
	return c
}

func (c *Checkout) WithFlag(f result.Flag) *Checkout {
	c.flag = f
	return c
}

// WithDiskUsage replaces the query for the size of the build filesystem.
func (c *Checkout) WithDiskUsage(fn func(path string) (total, free uint64, err error)) *Checkout {
	c.disk = fn
	return c
}

func (c *Checkout) WithResolver(r *gotrevision.Resolver) *Checkout {
	c.resolver = r
	return c
}

func (c *Checkout) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Checkout {
	c.checkout.WithSleep(fn)
	return c
}

func (c *Checkout) WithProgress(bar *progress.Bar) *Checkout {
	c.checkout.WithProgress(bar)
	return c
}

func (c *Checkout) WithLogger(log *logging.Logger) *Checkout {
	c.log = log
	c.cache.WithLogger(log)
	c.checkout.WithLogger(log)
	c.deps.WithLogger(log)
	c.patcher.WithLogger(log)
	c.resolver.WithLogger(log)
	return c
}

func (c *Checkout) State() State {
	return c.state
}

// History returns every state the run went through, in order.
func (c *Checkout) History() []State {
	return slices.Clone(c.history)
}

// Active reports whether Prepare decided that this host runs the checkout.
func (c *Checkout) Active() bool {
	return c.active
}

// Shallow reports whether solutions are cloned shallow.
func (c *Checkout) Shallow() bool {
	return c.shallow
}

func (c *Checkout) Revisions() revision.Map {
	return c.revisions
}

// Execute prepares and runs the checkout. Whatever happens after activation
// is decided, the flag file is written before Execute returns.
func (c *Checkout) Execute(ctx context.Context) (err error) {
	startTime := time.Now()

	defer func() {
		if c.decided {
			if ferr := c.flag.Record(c.active); ferr != nil {
				c.log.Errorf("failed to write flag file %s: %v", c.flag.Path(), ferr)
				err = errors.Join(err, ferr)
			}
		}
		if err != nil && c.state != StatePatchFailed {
			c.transition(StateFailed)
		}
		metrics.RunFinished(c.state.String(), startTime)
	}()

	if err := c.Prepare(ctx); err != nil {
		return err
	}
	return c.Run(ctx)
}

// Prepare decides on activation, clears the build directory when the
// activation changed since the last run, and works out shallowness and the
// revision pins.
func (c *Checkout) Prepare(ctx context.Context) error {
	c.opts.Specs.Prepare(c.log)
	names := c.opts.Specs.Names()

	active, err := c.activate(ctx)
	if err != nil {
		return err
	}
	c.active, c.decided = active, true

	if c.opts.Clobber || active != c.flag.Check() {
		if err := c.wipe(); err != nil {
			return err
		}
	}

	if c.emitter != nil && !c.emitter.Annotating() {
		if err := c.emitter.Emit(result.Result{DidRun: active}); err != nil {
			return err
		}
	}
	if err := c.flag.Record(active); err != nil {
		return fmt.Errorf("failed to write flag file %s: %w", c.flag.Path(), err)
	}

	c.shallow = c.opts.Shallow
	total, free, err := c.disk(c.opts.BuildDir)
	if err != nil {
		c.log.Warnf("failed to query disk usage of %s: %v", c.opts.BuildDir, err)
	} else {
		c.stepText = diskspace.StepText(total, free)
		if c.emitter != nil && c.emitter.Annotating() {
			if err := c.emitter.Emit(result.Result{StepText: c.stepText}); err != nil {
				return err
			}
		}
		if !c.shallow {
			c.shallow = total < c.cfg.Tuning.ShallowThreshold() && !c.opts.NoShallow
		}
	}

	c.log.Infof("revisions: %v", c.opts.Revisions)
	c.revisions, err = revision.Parse(c.opts.Revisions, names[0], c.log)
	if err != nil {
		return err
	}
	c.log.Infof("fetching git checkout at %s@%s", names[0], c.revisions[names[0]])
	return nil
}

func (c *Checkout) activate(ctx context.Context) (bool, error) {
	if c.policy == nil {
		p, err := activation.New(ctx, c.cfg.ActivationOrDefault())
		if err != nil {
			return false, err
		}
		c.policy = p
	}

	active, err := c.policy.Active(ctx, c.opts.Host, c.opts.Force)
	if err != nil {
		return false, err
	}
	if active {
		c.log.Infof("ACTIVE: this run performs a git checkout (master %q, builder %q, slave %q)", c.opts.Host.Master, c.opts.Host.Builder, c.opts.Host.Slave)
	} else {
		c.log.Infof("INACTIVE: this run does nothing (master %q, builder %q, slave %q)", c.opts.Host.Master, c.opts.Host.Builder, c.opts.Host.Slave)
	}
	return active, nil
}

// Run performs the checkout. A failed dependency sync wipes the build
// directory and starts over once.
func (c *Checkout) Run(ctx context.Context) error {
	if !c.active {
		c.transition(StateInactive)
		return nil
	}

	out, err := c.run(ctx)

	var sf *depsync.SyncFailed
	if errors.As(err, &sf) {
		c.log.Warnf("dependency sync failed, wiping the checkout and retrying: %v", err)
		c.transition(StateSyncFailedRetrying)
		if err := c.wipe(); err != nil {
			return err
		}
		out, err = c.run(ctx)
	}

	var pf *patch.Failure
	if errors.As(err, &pf) {
		return c.patchFailed(pf)
	}
	if err != nil {
		return err
	}

	return c.report(ctx, out)
}

func (c *Checkout) run(ctx context.Context) (*depsync.Output, error) {
	solutions := c.opts.Specs.Solutions
	names := c.opts.Specs.Names()
	first := filepath.Join(c.opts.BuildDir, names[0])

	commit, err := c.checkout.Checkout(ctx, solutions, c.revisions, c.shallow, c.opts.Refs)
	if err != nil {
		return nil, err
	}
	c.log.Infof("%s is at %s", names[0], commit)
	c.transition(StateSolutionsFetched)

	plan := c.patcher.Plan(c.opts.Patch, c.opts.PatchRoot)
	patchSolutions := make([]patch.Solution, len(solutions))
	for i, s := range solutions {
		patchSolutions[i] = patch.Solution{Name: s.Dir(), DepsFile: s.DepsFile}
	}
	if err := plan.PreSync(ctx, patchSolutions); err != nil {
		return nil, err
	}
	c.transition(StatePreSyncPatched)

	if err := c.deps.Configure(solutions, c.opts.Specs.TargetOS, c.opts.Specs.TargetOSOnly, c.opts.CacheDir); err != nil {
		return nil, err
	}

	syncStart := time.Now()
	out, err := c.deps.Sync(ctx, slices.Contains(c.opts.Refs, BranchHeadsRefspec), c.shallow)
	metrics.SyncFinished(err == nil, syncStart)
	if err != nil {
		return nil, err
	}
	c.transition(StateSynced)

	// The sync generates .DEPS.git; a tracked copy shows up as modified.
	tracked, err := c.git.LsFiles(ctx, first, ".DEPS.git")
	if err != nil {
		return nil, err
	}
	if len(tracked) > 0 {
		if _, err := c.git.Run(ctx, first, "checkout", "HEAD", "--", ".DEPS.git"); err != nil {
			return nil, err
		}
	}

	if err := c.checkout.PinDeps(ctx, out.Deps(), names, c.revisions); err != nil {
		return nil, err
	}
	c.transition(StateDepsPinned)

	if err := plan.PostSync(ctx); err != nil {
		return nil, err
	}
	c.transition(StatePostSyncPatched)

	canonical := slices.Clone(solutions)
	for i := range canonical {
		canonical[i].DepsFile = canonical[i].CanonicalDepsFile()
	}
	if err := c.deps.Configure(canonical, c.opts.Specs.TargetOS, c.opts.Specs.TargetOSOnly, c.opts.CacheDir); err != nil {
		return nil, err
	}

	if c.opts.RunHooks {
		if err := c.deps.RunHooks(ctx, c.opts.GypEnv); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (c *Checkout) report(ctx context.Context, out *depsync.Output) error {
	first := c.opts.Specs.Solutions[0]

	mapping := gotrevision.Mapping(c.cfg.RevisionMappingFor(first.URL), c.opts.RevisionMapping, first.Dir())
	props, err := c.resolver.Resolve(out, mapping)
	if err != nil {
		return err
	}

	var manifest depsync.Manifest
	if c.opts.OutputManifest && c.emitter != nil && !c.emitter.Annotating() {
		if manifest, err = c.deps.Revinfo(ctx); err != nil {
			return err
		}
	}

	if c.emitter != nil {
		r := result.Result{Properties: props}
		if !c.emitter.Annotating() {
			r = result.Result{
				DidRun:         true,
				Root:           first.Dir(),
				PatchRoot:      c.opts.PatchRoot,
				StepText:       c.stepText,
				FixedRevisions: c.revisions,
				Properties:     props,
				Manifest:       manifest,
			}
		}
		if err := c.emitter.Emit(r); err != nil {
			return err
		}
	}

	c.transition(StateDone)
	return nil
}

// patchFailed reports the failure as a partial result and returns it.
func (c *Checkout) patchFailed(pf *patch.Failure) error {
	c.transition(StatePatchFailed)
	metrics.PatchFailed(string(pf.Phase), pf.Downloaded())

	if c.emitter != nil {
		code := pf.Code
		err := c.emitter.Merge(result.Result{
			DidRun:               true,
			Root:                 c.opts.Specs.Solutions[0].Dir(),
			PatchRoot:            c.opts.PatchRoot,
			LogLines:             []result.LogLine{{"patch error", pf.Output}},
			PatchApplyReturnCode: &code,
			PatchFailure:         true,
			PatchPhase:           string(pf.Phase),
			StepText:             c.stepText + " PATCH FAILED",
			FixedRevisions:       c.revisions,
		})
		if err != nil {
			c.log.Errorf("failed to report patch failure: %v", err)
		}
	}
	return pf
}

// wipe moves everything in the build directory aside when any solution has a
// checkout there.
func (c *Checkout) wipe() error {
	if !fs.HasCheckout(c.opts.BuildDir, c.opts.Specs.Names()) {
		return nil
	}
	dead := fs.DeadDir(c.opts.BuildDir)
	moved, err := fs.MoveAllAside(dead, c.opts.BuildDir)
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", c.opts.BuildDir, err)
	}
	c.log.Infof("git checkout found in %s, moved %d entries to %s", c.opts.BuildDir, len(moved), dead)
	return nil
}

func (c *Checkout) transition(s State) {
	c.log.Debugf("checkout state %s -> %s", c.state, s)
	c.state = s
	c.history = append(c.history, s)
}

// ExitCode maps the outcome of Execute to the process exit status: 87 for a
// patch that could not be downloaded, 88 for one that did not apply and 1 for
// anything else that failed.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var pf *patch.Failure
	if errors.As(err, &pf) {
		if !pf.Downloaded() {
			return 87
		}
		return 88
	}
	return 1
}
