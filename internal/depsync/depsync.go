// Package depsync drives the external dependency sync tool: it writes the
// tool's configuration, runs the sync and reads back what was checked out.
package depsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strings"

	"github.com/akedrou/textdiff"

	"github.com/mausys/gclient/internal/config"
	"github.com/mausys/gclient/internal/git"
	"github.com/mausys/gclient/internal/logging"
	"github.com/mausys/gclient/internal/process"
)

// ConfigFile is the name of the sync tool configuration in the build dir.
const ConfigFile = ".gclient"

var revinfoRE = regexp.MustCompile(`^([^:]+):\s+([^@]+)@(.+)$`)

// SyncFailed is returned when the sync tool exits non-zero. The orchestrator
// answers it with a single wipe and retry.
type SyncFailed struct {
	Failure *process.Failure
}

func (e *SyncFailed) Error() string {
	return "sync failed: " + e.Failure.Error()
}

func (e *SyncFailed) Unwrap() error {
	return e.Failure
}

// Output is the JSON report written by the sync tool, keyed by checkout
// directory with a trailing slash.
type Output struct {
	Solutions map[string]SolutionOutput `json:"solutions"`
}

type SolutionOutput struct {
	URL      string  `json:"url"`
	Revision string  `json:"revision"`
	SCM      *string `json:"scm"` // nil for dependencies the tool does not manage
}

// Deps returns the checkout path to repository URL map of every reported
// dependency.
func (o *Output) Deps() map[string]string {
	deps := make(map[string]string, len(o.Solutions))
	for path, s := range o.Solutions {
		deps[path] = s.URL
	}
	return deps
}

// Manifest maps checkout paths to the repository and revision found there.
type Manifest map[string]ManifestEntry

type ManifestEntry struct {
	Repository string `json:"repository"`
	Revision   string `json:"revision"`
}

type Client struct {
	runner     git.Runner
	dir        string
	executable []string
	log        *logging.Logger
}

// New creates a client that runs the sync tool in buildDir.
func New(runner git.Runner, buildDir string) *Client {
	exe := "gclient"
	if runtime.GOOS == "windows" {
		exe = "gclient.bat"
	}
	return &Client{runner: runner, dir: buildDir, executable: []string{exe}, log: logging.NewNop()}
}

// WithExecutable overrides the sync tool command line prefix.
func (c *Client) WithExecutable(args ...string) *Client {
	if len(args) > 0 {
		c.executable = slices.Clone(args)
	}
	return c
}

func (c *Client) WithLogger(log *logging.Logger) *Client {
	c.log = log
	return c
}

// Configure writes the sync tool configuration for solutions. An existing
// configuration that differs is logged as a unified diff before it is
// replaced.
func (c *Client) Configure(solutions []config.Solution, targetOS []string, targetOSOnly bool, cacheDir string) error {
	spec := Render(solutions, targetOS, targetOSOnly, cacheDir)
	path := filepath.Join(c.dir, ConfigFile)

	old, err := os.ReadFile(path)
	switch {
	case err == nil && string(old) != spec:
		c.log.Infof("rewriting %s:\n%s", path, textdiff.Unified(ConfigFile+".orig", ConfigFile, string(old), spec))
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return err
	}

	if err := os.WriteFile(path, []byte(spec), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Sync runs the sync tool once, without hooks, and returns its report.
func (c *Client) Sync(ctx context.Context, withBranchHeads, shallow bool) (*Output, error) {
	f, err := os.CreateTemp("", "gclient-output-*.json")
	if err != nil {
		return nil, err
	}
	outputFile := f.Name()
	f.Close()
	defer os.Remove(outputFile)

	args := append(slices.Clone(c.executable), "sync", "--verbose", "--reset", "--force",
		"--ignore_locks", "--output-json", outputFile,
		"--nohooks", "--noprehooks", "--delete_unversioned_trees")
	if withBranchHeads {
		args = append(args, "--with_branch_heads")
	}
	if shallow {
		args = append(args, "--shallow")
	}

	if _, err := c.runner.Execute(ctx, process.Command{Args: args, Dir: c.dir, MaxAttempts: 1}); err != nil {
		var pf *process.Failure
		if errors.As(err, &pf) {
			return nil, &SyncFailed{Failure: pf}
		}
		return nil, err
	}

	bs, err := os.ReadFile(outputFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync output: %w", err)
	}

	var out Output
	if err := json.Unmarshal(bs, &out); err != nil {
		return nil, fmt.Errorf("failed to parse sync output: %w", err)
	}
	return &out, nil
}

// RunHooks runs the dependency hooks with the given KEY=VALUE overrides.
func (c *Client) RunHooks(ctx context.Context, gypEnv []string) error {
	env := make(map[string]string, len(gypEnv))
	for _, kv := range gypEnv {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid environment override %q, expected KEY=VALUE", kv)
		}
		env[k] = v
	}

	_, err := c.runner.Execute(ctx, process.Command{Args: append(slices.Clone(c.executable), "runhooks"), Dir: c.dir, Env: env})
	return err
}

// Revinfo lists the repository and revision of every checkout.
func (c *Client) Revinfo(ctx context.Context) (Manifest, error) {
	out, err := c.runner.Execute(ctx, process.Command{Args: append(slices.Clone(c.executable), "revinfo", "-a"), Dir: c.dir})
	if err != nil {
		return nil, err
	}
	return c.parseRevinfo(out), nil
}

func (c *Client) parseRevinfo(out string) Manifest {
	m := Manifest{}
	for line := range strings.Lines(strings.TrimSpace(out)) {
		line = strings.TrimSpace(line)
		match := revinfoRE.FindStringSubmatch(line)
		if match == nil {
			c.log.Warnf("could not match revinfo line: %s", line)
			continue
		}
		m[match[1]] = ManifestEntry{Repository: match[2], Revision: match[3]}
	}
	return m
}
