// Package patch applies a pending code review change to a checkout, either
// through the external patch tool (review issues) or by fetching a gerrit ref.
// Patch failures are never retried.
package patch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/mausys/gclient/internal/git"
	"github.com/mausys/gclient/internal/logging"
	"github.com/mausys/gclient/internal/process"
)

// DownloadFailedCode is the patch tool exit code for a patch that could not be fetched.
const DownloadFailedCode = 3

type Phase string

const (
	PreSync  Phase = "pre-sync"
	PostSync Phase = "post-sync"
)

// Request is either a ReviewPatch or a GerritRef.
type Request interface {
	request()
}

// ReviewPatch identifies an issue on a code review server.
type ReviewPatch struct {
	Issue     string
	Patchset  string
	Server    string
	EmailFile string
	KeyFile   string
}

// GerritRef identifies a change by its ref in a git repository. Repo defaults to origin.
type GerritRef struct {
	Repo   string
	Ref    string
	Rebase bool
	Reset  bool
}

func (ReviewPatch) request() {}
func (GerritRef) request()   {}

// Filter restricts the paths a review patch touches. Whitelist takes
// precedence over Blacklist.
type Filter struct {
	Whitelist []string
	Blacklist []string
}

// Failure reports a patch that could not be downloaded or applied.
type Failure struct {
	Code   int
	Output string
	Phase  Phase
	Err    error
}

func (f *Failure) Error() string {
	if f.Phase != "" {
		return fmt.Sprintf("%s patch failed with code %d: %v", f.Phase, f.Code, f.Err)
	}
	return fmt.Sprintf("patch failed with code %d: %v", f.Code, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Downloaded returns false when the patch could not be fetched at all, which
// points at infrastructure rather than at the change itself.
func (f *Failure) Downloaded() bool {
	return f.Code != DownloadFailedCode
}

func newFailure(err error) error {
	var pf *process.Failure
	if errors.As(err, &pf) {
		return &Failure{Code: pf.ExitCode, Output: pf.Output, Err: err}
	}
	return err
}

type Applier struct {
	runner git.Runner
	git    *git.Git
	dir    string
	tool   []string
	log    *logging.Logger
}

func New(runner git.Runner, g *git.Git) *Applier {
	tool := "apply_issue"
	if runtime.GOOS == "windows" {
		tool = "apply_issue.bat"
	}
	return &Applier{runner: runner, git: g, tool: []string{tool}, log: logging.NewNop()}
}

// WithTool overrides the patch tool command line prefix.
func (a *Applier) WithTool(args ...string) *Applier {
	if len(args) > 0 {
		a.tool = slices.Clone(args)
	}
	return a
}

// WithDir sets the build directory patch roots are relative to.
func (a *Applier) WithDir(dir string) *Applier {
	a.dir = dir
	return a
}

func (a *Applier) WithLogger(log *logging.Logger) *Applier {
	a.log = log
	return a
}

// ApplyReviewPatch runs the patch tool once against root.
func (a *Applier) ApplyReviewPatch(ctx context.Context, p ReviewPatch, root string, f Filter) error {
	args := append(slices.Clone(a.tool),
		"--root_dir", root,
		"--issue", p.Issue,
		"--server", p.Server,
		"--force",
		"--ignore_deps",
	)
	if p.EmailFile != "" && p.KeyFile != "" {
		args = append(args, "--email-file", p.EmailFile, "--private-key-file", p.KeyFile)
	} else {
		args = append(args, "--no-auth")
	}
	if p.Patchset != "" {
		args = append(args, "--patchset", p.Patchset)
	}
	if len(f.Whitelist) > 0 {
		for _, item := range f.Whitelist {
			args = append(args, "--whitelist", item)
		}
	} else {
		for _, item := range f.Blacklist {
			args = append(args, "--blacklist", item)
		}
	}

	// webrtc patches are generated one directory level deeper.
	if root == filepath.Join("src", "third_party", "webrtc") {
		args = append(args, "--extra_patchlevel=1")
	}

	_, err := a.runner.Execute(ctx, process.Command{Args: args, Dir: a.dir, MaxAttempts: 1})
	return newFailure(err)
}

// ApplyGerritRef fetches and checks out ref in root. With Rebase the change is
// rebased onto the commit root was at before; a failed rebase leaves root at
// that commit. With Reset the change is left as staged modifications on top of
// that commit.
func (a *Applier) ApplyGerritRef(ctx context.Context, r GerritRef, root string) error {
	if r.Ref == "" {
		return errors.New("gerrit ref is required")
	}
	repo := cmp.Or(r.Repo, "origin")
	root = filepath.Join(a.dir, root)

	base, err := a.git.RevParse(ctx, root, "HEAD")
	if err != nil {
		return newFailure(err)
	}

	a.log.Infof("applying gerrit ref %s from %s onto %s in %s", r.Ref, repo, base, root)

	if _, err := a.git.RunWith(ctx, git.Opts{Dir: root, Attempts: 1}, "retry", "fetch", repo, r.Ref); err != nil {
		return newFailure(err)
	}
	if _, err := a.once(ctx, root, "checkout", "FETCH_HEAD"); err != nil {
		return newFailure(err)
	}

	if r.Rebase {
		if err := a.rebase(ctx, root, base); err != nil {
			return newFailure(err)
		}
	}

	if r.Reset {
		if _, err := a.once(ctx, root, "reset", "--soft", base); err != nil {
			return newFailure(err)
		}
	}
	return nil
}

// rebase replays the checked out change onto base on a throwaway branch. The
// branch is always deleted; on failure root is first returned to base.
func (a *Applier) rebase(ctx context.Context, root, base string) (err error) {
	branch := "tmp/" + strings.ReplaceAll(uuid.NewString(), "-", "")

	defer func() {
		if err == nil {
			return
		}
		a.log.Warnf("rebase onto %s failed, restoring %s: %v", base, root, err)
		_, _ = a.once(ctx, root, "rebase", "--abort")
		if _, cerr := a.once(ctx, root, "checkout", "--force", base); cerr != nil {
			a.log.Errorf("failed to restore %s to %s: %v", root, base, cerr)
		}
		_, _ = a.once(ctx, root, "branch", "-D", branch)
	}()

	if _, err := a.once(ctx, root, "checkout", "-b", branch); err != nil {
		return err
	}
	if _, err := a.once(ctx, root, "rebase", base); err != nil {
		return err
	}

	// Detach so that the branch can be deleted.
	head, err := a.git.RevParse(ctx, root, "HEAD")
	if err != nil {
		return err
	}
	if _, err := a.once(ctx, root, "checkout", head); err != nil {
		return err
	}
	_, err = a.once(ctx, root, "branch", "-D", branch)
	return err
}

// once runs a git command that changes root. It is never retried: a second
// attempt would fail on the state the first one left behind, such as a
// half-done rebase, and hide the original output.
func (a *Applier) once(ctx context.Context, root string, args ...string) (string, error) {
	return a.git.RunWith(ctx, git.Opts{Dir: root, Attempts: 1}, args...)
}
