package patch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mausys/gclient/internal/git"
	"github.com/mausys/gclient/internal/process"
	"github.com/mausys/gclient/internal/test/fakerunner"
)

func newApplier(r *fakerunner.Runner) *Applier {
	return New(r, git.New(r).WithExecutable("git")).WithTool("apply_issue")
}

func TestApplyReviewPatch(t *testing.T) {
	tests := []struct {
		note   string
		patch  ReviewPatch
		root   string
		filter Filter
		want   string
	}{
		{
			note:  "no auth, no filter",
			patch: ReviewPatch{Issue: "123", Server: "https://codereview.example.com"},
			root:  "src",
			want:  "apply_issue --root_dir src --issue 123 --server https://codereview.example.com --force --ignore_deps --no-auth",
		},
		{
			note:   "credentials, patchset and whitelist",
			patch:  ReviewPatch{Issue: "123", Patchset: "4", Server: "srv", EmailFile: "email", KeyFile: "key"},
			root:   "src",
			filter: Filter{Whitelist: []string{"DEPS", "v8/DEPS"}, Blacklist: []string{"ignored"}},
			want:   "apply_issue --root_dir src --issue 123 --server srv --force --ignore_deps --email-file email --private-key-file key --patchset 4 --whitelist DEPS --whitelist v8/DEPS",
		},
		{
			note:   "email without key falls back to no auth",
			patch:  ReviewPatch{Issue: "1", Server: "srv", EmailFile: "email"},
			root:   "src",
			filter: Filter{Blacklist: []string{"DEPS"}},
			want:   "apply_issue --root_dir src --issue 1 --server srv --force --ignore_deps --no-auth --blacklist DEPS",
		},
		{
			note:  "webrtc patch level",
			patch: ReviewPatch{Issue: "1", Server: "srv"},
			root:  "src/third_party/webrtc",
			want:  "apply_issue --root_dir src/third_party/webrtc --issue 1 --server srv --force --ignore_deps --no-auth --extra_patchlevel=1",
		},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			r := fakerunner.New()
			if err := newApplier(r).ApplyReviewPatch(t.Context(), tc.patch, tc.root, tc.filter); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff([]string{tc.want}, r.Calls()); diff != "" {
				t.Fatalf("(-want +got):\n%s", diff)
			}
			if r.Commands()[0].MaxAttempts != 1 {
				t.Fatal("expected a single attempt")
			}
		})
	}
}

func TestApplyReviewPatchFailure(t *testing.T) {
	tests := []struct {
		code           int
		wantDownloaded bool
	}{
		{code: 3, wantDownloaded: false},
		{code: 1, wantDownloaded: true},
	}

	for _, tc := range tests {
		r := fakerunner.New().Fail("apply_issue", tc.code, "could not apply")
		err := newApplier(r).ApplyReviewPatch(t.Context(), ReviewPatch{Issue: "1", Server: "srv"}, "src", Filter{})

		var f *Failure
		if !errors.As(err, &f) {
			t.Fatalf("expected *Failure, got %v", err)
		}
		if f.Code != tc.code || f.Output != "could not apply" || f.Downloaded() != tc.wantDownloaded {
			t.Fatalf("unexpected failure %+v", f)
		}
		var pf *process.Failure
		if !errors.As(err, &pf) {
			t.Fatal("expected the process failure to be wrapped")
		}
	}
}

func TestApplyGerritRef(t *testing.T) {
	heads := []string{"base000\n", "rebased1\n"}
	r := fakerunner.New().OnFunc("git rev-parse HEAD", func(process.Command) (string, error) {
		head := heads[0]
		heads = heads[1:]
		return head, nil
	})

	err := newApplier(r).ApplyGerritRef(t.Context(), GerritRef{Ref: "refs/changes/01/1/2", Rebase: true, Reset: true}, "src")
	if err != nil {
		t.Fatal(err)
	}

	calls := r.Calls()
	if len(calls) != 9 {
		t.Fatalf("unexpected calls: %v", calls)
	}
	branch := strings.TrimPrefix(calls[3], "git checkout -b ")
	if !strings.HasPrefix(branch, "tmp/") {
		t.Fatalf("expected temporary branch, got %q", calls[3])
	}

	want := []string{
		"git rev-parse HEAD",
		"git retry fetch origin refs/changes/01/1/2",
		"git checkout FETCH_HEAD",
		"git checkout -b " + branch,
		"git rebase base000",
		"git rev-parse HEAD",
		"git checkout rebased1",
		"git branch -D " + branch,
		"git reset --soft base000",
	}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	for _, c := range r.Commands() {
		if c.Args[1] != "rev-parse" && c.MaxAttempts != 1 {
			t.Errorf("expected %q to be attempted once, got %d", c, c.MaxAttempts)
		}
	}
}

// A rebase conflict leaves rebase state behind, so another attempt would only
// report that state. The conflict itself must reach the caller.
func TestApplyGerritRefRebaseConflictIsNotRetried(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	state := filepath.Join(dir, "rebase-merge")
	script := filepath.Join(dir, "git.sh")
	fake := `case "$1" in
rev-parse) echo base000 ;;
rebase)
  [ "$2" = "--abort" ] && exit 0
  if [ -e '` + state + `' ]; then echo "fatal: It seems that there is already a rebase-merge directory"; exit 128; fi
  mkdir '` + state + `'
  echo "CONFLICT (content): Merge conflict in DEPS"
  exit 1 ;;
esac
`
	if err := os.WriteFile(script, []byte(fake), 0o644); err != nil {
		t.Fatal(err)
	}

	var slept []time.Duration
	runner := process.New().
		WithOutput(io.Discard).
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		})
	a := New(runner, git.New(runner).WithExecutable("/bin/sh", script)).WithDir(dir)

	err := a.ApplyGerritRef(t.Context(), GerritRef{Ref: "refs/changes/1", Rebase: true}, "src")

	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected patch failure, got %v", err)
	}
	if f.Code != 1 || !strings.Contains(f.Output, "CONFLICT (content)") {
		t.Fatalf("expected the conflict, got code %d: %q", f.Code, f.Output)
	}
	if len(slept) != 0 {
		t.Fatalf("expected no retries, slept %v", slept)
	}
}

func TestApplyGerritRefRebaseFailureRestoresBase(t *testing.T) {
	r := fakerunner.New().
		On("git rev-parse HEAD", "base000\n").
		Fail("git rebase base000", 1, "CONFLICT (content)")

	err := newApplier(r).ApplyGerritRef(t.Context(), GerritRef{Repo: "https://host/dep.git", Ref: "refs/changes/1", Rebase: true}, "src/dep")

	var f *Failure
	if !errors.As(err, &f) || f.Output != "CONFLICT (content)" {
		t.Fatalf("expected patch failure, got %v", err)
	}

	calls := r.Calls()
	branch := strings.TrimPrefix(calls[3], "git checkout -b ")
	want := []string{
		"git rev-parse HEAD",
		"git retry fetch https://host/dep.git refs/changes/1",
		"git checkout FETCH_HEAD",
		"git checkout -b " + branch,
		"git rebase base000",
		"git rebase --abort",
		"git checkout --force base000",
		"git branch -D " + branch,
	}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	// The base must be restored before the branch is deleted.
	restore := slices.Index(calls, "git checkout --force base000")
	deleteBranch := slices.Index(calls, "git branch -D "+branch)
	if restore < 0 || deleteBranch < restore {
		t.Fatalf("restore must precede branch deletion: %v", calls)
	}
}

func TestApplyGerritRefFetchFailure(t *testing.T) {
	r := fakerunner.New().
		On("git rev-parse HEAD", "base000\n").
		Fail("git retry fetch", 128, "fatal: couldn't find remote ref")

	err := newApplier(r).ApplyGerritRef(t.Context(), GerritRef{Ref: "refs/changes/1", Rebase: true}, "src")

	var f *Failure
	if !errors.As(err, &f) || f.Code != 128 {
		t.Fatalf("expected patch failure with code 128, got %v", err)
	}
	if n := len(r.Calls()); n != 2 {
		t.Fatalf("expected to stop after the fetch, got %v", r.Calls())
	}
}
