// Package gotrevision reports the revisions a sync ended up at as build
// properties, together with the commit positions found in commit footers.
package gotrevision

import (
	"fmt"
	"maps"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/mausys/gclient/internal/depsync"
	"github.com/mausys/gclient/internal/logging"
)

const (
	// NoRevisionFound is reported as got_revision when no mapped checkout exists.
	NoRevisionFound = "BOT_UPDATE_NO_REV_FOUND"

	CommitPositionFooter         = "Cr-Commit-Position"
	OriginalCommitPositionFooter = "Cr-Original-Commit-Position"
)

var (
	footerRE         = regexp.MustCompile(`^([^:]+):\s+(.+)`)
	commitPositionRE = regexp.MustCompile(`^(.+)@\{#(\d+)\}$`)
)

// Properties maps property names to revisions. A nil revision marks a
// dependency the sync tool was told to ignore.
type Properties map[string]*string

// CommitReader returns the HEAD commit id and message of a checkout.
type CommitReader interface {
	Head(dir string) (hash, message string, err error)
}

// GitReader reads commits straight from the repository on disk.
type GitReader struct{}

func (GitReader) Head(dir string) (string, string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", "", err
	}
	ref, err := repo.Head()
	if err != nil {
		return "", "", err
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return "", "", err
	}
	return commit.Hash.String(), commit.Message, nil
}

type Resolver struct {
	buildDir string
	reader   CommitReader
	log      *logging.Logger
}

func New(buildDir string) *Resolver {
	return &Resolver{buildDir: buildDir, reader: GitReader{}, log: logging.NewNop()}
}

func (r *Resolver) WithReader(cr CommitReader) *Resolver {
	r.reader = cr
	return r
}

func (r *Resolver) WithLogger(log *logging.Logger) *Resolver {
	r.log = log
	return r
}

// Mapping merges the user mapping over the base mapping of the first
// solution. Without either, the first solution is reported as got_revision.
func Mapping(base, user map[string]string, firstSolution string) map[string]string {
	m := maps.Clone(base)
	if m == nil {
		m = map[string]string{}
	}
	maps.Copy(m, user)
	if len(m) == 0 {
		m[firstSolution] = "got_revision"
	}
	return m
}

// Resolve reads the HEAD of every mapped checkout the sync reported. A
// commit position, when the commit carries one, is added as <name>_cp.
func (r *Resolver) Resolve(out *depsync.Output, mapping map[string]string) (Properties, error) {
	reported := make(map[string]depsync.SolutionOutput, len(out.Solutions))
	for path, s := range out.Solutions {
		reported[withSlash(path)] = s
	}

	props := Properties{}
	for _, dir := range slices.Sorted(maps.Keys(mapping)) {
		name := mapping[dir]
		s, ok := reported[withSlash(dir)]
		if !ok {
			continue
		}
		if s.SCM == nil {
			props[name] = nil
			continue
		}

		hash, message, err := r.reader.Head(filepath.Join(r.buildDir, dir))
		if err != nil {
			return nil, fmt.Errorf("failed to read HEAD of %s: %w", dir, err)
		}
		props[name] = &hash
		if cp, ok := CommitPosition(message); ok {
			props[name+"_cp"] = &cp
			if ref, n, ok := ParseCommitPosition(cp); ok {
				r.log.Infof("%s is %s (%s #%s)", name, hash, ref, n)
				continue
			}
		}
		r.log.Infof("%s is %s", name, hash)
	}

	if len(props) == 0 {
		r.log.Warnf("no mapped checkout found, reporting got_revision as %s", NoRevisionFound)
		rev := NoRevisionFound
		props["got_revision"] = &rev
	}
	return props, nil
}

// Footers returns the footer block of a commit message: the key/value lines of
// its last paragraph. A single line that is not a footer voids the block.
func Footers(message string) map[string]string {
	var lines []string
	for line := range strings.Lines(strings.TrimSpace(message)) {
		line = strings.TrimSpace(line)
		if line == "" {
			lines = lines[:0]
			continue
		}
		lines = append(lines, line)
	}

	footers := map[string]string{}
	for _, line := range lines {
		m := footerRE.FindStringSubmatch(line)
		if m == nil {
			return map[string]string{}
		}
		footers[m[1]] = strings.TrimSpace(m[2])
	}
	return footers
}

// CommitPosition returns the commit position footer of message, falling back
// to the original position of mirrored commits.
func CommitPosition(message string) (string, bool) {
	footers := Footers(message)
	for _, key := range []string{CommitPositionFooter, OriginalCommitPositionFooter} {
		if v := footers[key]; v != "" {
			return v, true
		}
	}
	return "", false
}

// ParseCommitPosition splits a commit position such as
// "refs/heads/main@{#1234}" into its ref and number.
func ParseCommitPosition(cp string) (ref, number string, ok bool) {
	m := commitPositionRE.FindStringSubmatch(cp)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func withSlash(path string) string {
	return strings.TrimRight(path, "/") + "/"
}
