package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mausys/gclient/internal/activation"
	"github.com/mausys/gclient/internal/config"
	"github.com/mausys/gclient/internal/gotrevision"
	"github.com/mausys/gclient/internal/patch"
	"github.com/mausys/gclient/internal/process"
	"github.com/mausys/gclient/internal/result"
	"github.com/mausys/gclient/internal/revision"
	"github.com/mausys/gclient/internal/test/fakerunner"
)

const gb = 1 << 30

const syncOutput = `{"solutions": {
	"src/": {"url": "https://x/src.git", "revision": "abc123", "scm": "git"},
	"src/third_party/dep/": {"url": "https://x/dep.git", "revision": "def456", "scm": "git"}
}}`

type headReader map[string]string

func (h headReader) Head(dir string) (string, string, error) {
	hash, ok := h[filepath.Base(dir)]
	if !ok {
		return "", "", errors.New("no checkout at " + dir)
	}
	return hash, "Commit\n\nCr-Commit-Position: refs/heads/main@{#42}", nil
}

type fixture struct {
	root     string
	buildDir string
	output   string
	flag     result.Flag
	runner   *fakerunner.Runner
	opts     Options
	cfg      *config.Root
	disk     [2]uint64
	emitter  *result.Emitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		root:     root,
		buildDir: filepath.Join(root, "build"),
		output:   filepath.Join(root, "out.json"),
		flag:     result.NewFlag(filepath.Join(root, "bot_update.flag")),
		runner:   fakerunner.New(),
		cfg:      &config.Root{},
		disk:     [2]uint64{500 * gb, 400 * gb},
	}
	if err := os.MkdirAll(f.buildDir, 0o755); err != nil {
		t.Fatal(err)
	}
	f.emitter = result.NewEmitter(f.output, nil)
	f.opts = Options{
		BuildDir:  f.buildDir,
		CacheDir:  filepath.Join(root, "cache"),
		Specs:     &config.Specs{Solutions: []config.Solution{{Name: "src", URL: "https://x/src.git"}}},
		Revisions: []string{"src@abc123"},
		Force:     true,
	}

	// Clones leave a repository behind, like the real thing.
	f.runner.
		On("git-cache exists", "/mirrors/src\n").
		On("git log --format=%H", "abc123\n").
		OnFunc("git clone", func(c process.Command) (string, error) {
			return "", os.MkdirAll(filepath.Join(c.Args[len(c.Args)-1], ".git"), 0o755)
		})
	return f
}

func (f *fixture) onSync() {
	f.runner.OnFunc("gclient sync", writeSyncOutput)
}

func writeSyncOutput(c process.Command) (string, error) {
	i := slices.Index(c.Args, "--output-json")
	return "", os.WriteFile(c.Args[i+1], []byte(syncOutput), 0o644)
}

func (f *fixture) checkout(t *testing.T) *Checkout {
	t.Helper()
	c, err := New(f.runner, f.opts, f.cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c.
		WithEmitter(f.emitter).
		WithFlag(f.flag).
		WithDiskUsage(func(string) (uint64, uint64, error) { return f.disk[0], f.disk[1], nil }).
		WithResolver(gotrevision.New(f.buildDir).WithReader(headReader{"src": "abc123", "dep": "def456"})).
		WithSleep(func(context.Context, time.Duration) error { return nil })
}

func (f *fixture) result(t *testing.T) *result.Result {
	t.Helper()
	r, err := f.emitter.Read()
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func ptr[T any](v T) *T { return &v }

func TestCheckoutPinsSolution(t *testing.T) {
	f := newFixture(t)
	f.onSync()
	c := f.checkout(t)

	if err := c.Execute(t.Context()); err != nil {
		t.Fatal(err)
	}

	want := &result.Result{
		DidRun:         true,
		Root:           "src",
		StepText:       "[100GB/500GB used (20%)]",
		FixedRevisions: revision.Map{"src": "abc123"},
		Properties: gotrevision.Properties{
			"got_revision":    ptr("abc123"),
			"got_revision_cp": ptr("refs/heads/main@{#42}"),
		},
	}
	if diff := cmp.Diff(want, f.result(t)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	wantStates := []State{StateStart, StateSolutionsFetched, StatePreSyncPatched, StateSynced, StateDepsPinned, StatePostSyncPatched, StateDone}
	if diff := cmp.Diff(wantStates, c.History()); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	src := filepath.Join(f.buildDir, "src")
	if !slices.Contains(f.runner.CallsIn(src), "git checkout --force abc123") {
		t.Fatalf("expected src to be pinned, got %v", f.runner.CallsIn(src))
	}
	if calls := f.runner.CallsIn(filepath.Join(f.buildDir, "src/third_party/dep")); len(calls) != 0 {
		t.Fatalf("expected the unpinned dependency to be left alone, got %v", calls)
	}
	if !f.flag.Check() {
		t.Fatal("expected flag file")
	}

	bs, err := os.ReadFile(filepath.Join(f.buildDir, ".gclient"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(bs), "'name': 'src'") || !strings.Contains(string(bs), "cache_dir = '"+f.opts.CacheDir+"'") {
		t.Fatalf("unexpected sync config:\n%s", bs)
	}
}

func TestCheckoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.onSync()

	var results []*result.Result
	for range 2 {
		if err := f.checkout(t).Execute(t.Context()); err != nil {
			t.Fatal(err)
		}
		results = append(results, f.result(t))
	}

	if diff := cmp.Diff(results[0], results[1]); diff != "" {
		t.Fatalf("expected identical results (-first +second):\n%s", diff)
	}
}

func TestCheckoutPinsDependencies(t *testing.T) {
	f := newFixture(t)
	f.onSync()
	f.opts.Revisions = []string{"abc123", "https://x/dep.git@fff000"}

	if err := f.checkout(t).Execute(t.Context()); err != nil {
		t.Fatal(err)
	}

	want := []string{"git fetch origin", "git checkout --force fff000"}
	if diff := cmp.Diff(want, f.runner.CallsIn(filepath.Join(f.buildDir, "src/third_party/dep"))); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestCheckoutShallowOnSmallDisk(t *testing.T) {
	tests := []struct {
		name      string
		disk      [2]uint64
		shallow   bool
		noShallow bool
		want      bool
	}{
		{name: "small disk", disk: [2]uint64{50 * gb, 10 * gb}, want: true},
		{name: "small disk, no shallow", disk: [2]uint64{50 * gb, 10 * gb}, noShallow: true, want: false},
		{name: "large disk", disk: [2]uint64{500 * gb, 10 * gb}, want: false},
		{name: "forced shallow", disk: [2]uint64{500 * gb, 10 * gb}, shallow: true, noShallow: true, want: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.disk = tc.disk
			f.opts.Shallow = tc.shallow
			f.opts.NoShallow = tc.noShallow

			c := f.checkout(t)
			if err := c.Prepare(t.Context()); err != nil {
				t.Fatal(err)
			}
			if c.Shallow() != tc.want {
				t.Fatalf("expected shallow %v, got %v", tc.want, c.Shallow())
			}
		})
	}
}

func TestCheckoutSyncFailureRetriesOnce(t *testing.T) {
	f := newFixture(t)
	syncs := 0
	f.runner.OnFunc("gclient sync", func(c process.Command) (string, error) {
		syncs++
		if syncs == 1 {
			return "", &process.Failure{Args: c.Args, ExitCode: 2, Output: "sync exploded", Attempts: 1}
		}
		return writeSyncOutput(c)
	})
	c := f.checkout(t)

	if err := c.Execute(t.Context()); err != nil {
		t.Fatal(err)
	}

	if !slices.Contains(c.History(), StateSyncFailedRetrying) || c.State() != StateDone {
		t.Fatalf("unexpected states %v", c.History())
	}
	if syncs != 2 {
		t.Fatalf("expected two syncs, got %d", syncs)
	}
	var populates int
	for _, call := range f.runner.Calls() {
		if strings.HasPrefix(call, "git-cache populate") {
			populates++
		}
	}
	if populates != 1 {
		t.Fatalf("expected the rerun to reuse the populated mirror, got %d populates", populates)
	}
	entries, err := os.ReadDir(filepath.Join(f.root, "build.dead"))
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected the failed checkout to be moved aside, got %v, %v", entries, err)
	}
}

func TestCheckoutSyncFailsTwice(t *testing.T) {
	f := newFixture(t)
	f.runner.Fail("gclient sync", 2, "sync exploded")
	c := f.checkout(t)

	err := c.Execute(t.Context())
	var pf *process.Failure
	if !errors.As(err, &pf) {
		t.Fatalf("expected process failure, got %v", err)
	}
	if ExitCode(err) != 1 {
		t.Fatalf("expected exit code 1, got %d", ExitCode(err))
	}
	if c.State() != StateFailed {
		t.Fatalf("expected failed state, got %v", c.State())
	}
	if !f.flag.Check() {
		t.Fatal("expected flag file to be written on failure")
	}
}

func TestCheckoutPatchFailure(t *testing.T) {
	tests := []struct {
		name     string
		failOn   int // 1: pre-sync, 2: post-sync
		code     int
		exitCode int
		phase    string
	}{
		{name: "download", failOn: 1, code: patch.DownloadFailedCode, exitCode: 87, phase: "pre-sync"},
		{name: "apply", failOn: 2, code: 1, exitCode: 88, phase: "post-sync"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.onSync()
			f.opts.PatchRoot = "src"
			f.opts.Patch = patch.ReviewPatch{Issue: "123", Patchset: "1", Server: "codereview.chromium.org"}

			calls := 0
			f.runner.OnFunc("apply_issue", func(c process.Command) (string, error) {
				calls++
				if calls == tc.failOn {
					return "", &process.Failure{Args: c.Args, ExitCode: tc.code, Output: "patch does not apply", Attempts: 1}
				}
				return "", nil
			})
			c := f.checkout(t)

			err := c.Execute(t.Context())
			if got := ExitCode(err); got != tc.exitCode {
				t.Fatalf("expected exit code %d, got %d (%v)", tc.exitCode, got, err)
			}
			if c.State() != StatePatchFailed {
				t.Fatalf("expected patch failed state, got %v", c.State())
			}
			if !f.flag.Check() {
				t.Fatal("expected flag file")
			}

			want := &result.Result{
				DidRun:               true,
				Root:                 "src",
				PatchRoot:            "src",
				LogLines:             []result.LogLine{{"patch error", "patch does not apply"}},
				PatchApplyReturnCode: ptr(tc.code),
				PatchFailure:         true,
				PatchPhase:           tc.phase,
				StepText:             "[100GB/500GB used (20%)] PATCH FAILED",
				FixedRevisions:       revision.Map{"src": "abc123"},
			}
			if diff := cmp.Diff(want, f.result(t)); diff != "" {
				t.Fatalf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestCheckoutPatchesInTwoPhases(t *testing.T) {
	f := newFixture(t)
	f.onSync()
	f.opts.PatchRoot = "src"
	f.opts.Patch = patch.ReviewPatch{Issue: "123", Server: "codereview.chromium.org"}

	if err := f.checkout(t).Execute(t.Context()); err != nil {
		t.Fatal(err)
	}

	var patches []string
	for _, call := range f.runner.Calls() {
		if strings.HasPrefix(call, "apply_issue") {
			patches = append(patches, call)
		}
	}
	want := []string{
		"apply_issue --root_dir src --issue 123 --server codereview.chromium.org --force --ignore_deps --no-auth --whitelist DEPS",
		"apply_issue --root_dir src --issue 123 --server codereview.chromium.org --force --ignore_deps --no-auth --blacklist DEPS",
	}
	if diff := cmp.Diff(want, patches); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	// The sync must see the patched manifest.
	calls := f.runner.Calls()
	pre := slices.Index(calls, want[0])
	sync := slices.IndexFunc(calls, func(s string) bool { return strings.HasPrefix(s, "gclient sync") })
	post := slices.Index(calls, want[1])
	if !(pre < sync && sync < post) {
		t.Fatalf("expected pre-sync patch, sync, post-sync patch in order, got %v", calls)
	}
}

func TestCheckoutInactive(t *testing.T) {
	f := newFixture(t)
	f.opts.Force = false
	f.opts.Host = activation.Host{Master: "client.other", Builder: "linux"}
	if err := f.flag.Emit(); err != nil {
		t.Fatal(err)
	}

	c := f.checkout(t)
	if err := c.Execute(t.Context()); err != nil {
		t.Fatal(err)
	}

	if c.Active() || c.State() != StateInactive {
		t.Fatalf("expected inactive run, got active %v in %v", c.Active(), c.State())
	}
	if calls := f.runner.Calls(); len(calls) != 0 {
		t.Fatalf("expected no commands, got %v", calls)
	}
	if f.flag.Check() {
		t.Fatal("expected flag file to be removed")
	}
	if diff := cmp.Diff(&result.Result{}, f.result(t)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestCheckoutWipesWhenActivationChanges(t *testing.T) {
	f := newFixture(t)
	f.onSync()
	for _, p := range []string{"src/.git", "stale"} {
		if err := os.MkdirAll(filepath.Join(f.buildDir, p), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.checkout(t).Execute(t.Context()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(f.buildDir, "stale")); !os.IsNotExist(err) {
		t.Fatalf("expected stale entry to be moved aside, got %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(f.root, "build.dead"))
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected two entries in build.dead, got %v, %v", entries, err)
	}
}

func TestCheckoutRevisionConflict(t *testing.T) {
	f := newFixture(t)
	f.opts.Revisions = []string{"src@1", "src@2"}

	c := f.checkout(t)
	err := c.Execute(t.Context())
	if !errors.Is(err, revision.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ExitCode(err) != 1 || !f.flag.Check() {
		t.Fatalf("expected exit code 1 and a flag file, got %d", ExitCode(err))
	}
}

func TestCheckoutAnnotates(t *testing.T) {
	f := newFixture(t)
	f.onSync()
	var buf bytes.Buffer
	f.emitter = result.NewEmitter("", &buf)

	if err := f.checkout(t).Execute(t.Context()); err != nil {
		t.Fatal(err)
	}

	want := `@@@STEP_TEXT@[100GB/500GB used (20%)]@@@
@@@SET_BUILD_PROPERTY@got_revision@"abc123"@@@
@@@SET_BUILD_PROPERTY@got_revision_cp@"refs/heads/main@{#42}"@@@
`
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: nil, want: 0},
		{err: &patch.Failure{Code: 3}, want: 87},
		{err: &patch.Failure{Code: 1}, want: 88},
		{err: errors.New("boom"), want: 1},
	}
	for _, tc := range tests {
		if got := ExitCode(tc.err); got != tc.want {
			t.Errorf("ExitCode(%v): expected %d, got %d", tc.err, tc.want, got)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateSyncFailedRetrying.String() != "SYNC_FAILED_RETRYING" || State(99).String() != "UNKNOWN" {
		t.Fatal("unexpected state names")
	}
}
