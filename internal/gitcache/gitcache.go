// Package gitcache drives the shared git object cache: a directory of bare
// mirrors keyed by remote URL that solution checkouts clone from.
package gitcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/mausys/gclient/internal/git"
	"github.com/mausys/gclient/internal/logging"
)

const memoSize = 256

// ErrNoMirror is returned when the cache has no mirror for a URL after
// populating it. A later populate may still create it.
var ErrNoMirror = errors.New("no cache mirror")

// ErrLockResidue is returned when lock files survive a forced unlock. Another
// process is then still writing to the cache and continuing would corrupt it.
var ErrLockResidue = errors.New("cache lock files remain after unlock")

type Fetcher struct {
	git  *git.Git
	dir  string
	memo *lru.Cache
	log  *logging.Logger
}

func New(g *git.Git, cacheDir string) *Fetcher {
	memo, err := lru.New(memoSize)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	return &Fetcher{git: g, dir: cacheDir, memo: memo, log: logging.NewNop()}
}

func (f *Fetcher) WithLogger(log *logging.Logger) *Fetcher {
	f.log = log
	return f
}

func (f *Fetcher) Dir() string {
	return f.dir
}

// UnlockAll forcibly breaks every lock in the cache directory. Locks left by a
// previous run that died are expected; locks that survive are not.
func (f *Fetcher) UnlockAll(ctx context.Context) error {
	if _, err := os.Stat(f.dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if _, err := f.git.Run(ctx, "", "cache", "unlock", "-vv", "--force", "--all", "--cache-dir", f.dir); err != nil {
		return fmt.Errorf("unlock cache %s: %w", f.dir, err)
	}

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return err
	}

	var locks []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".lock") {
			locks = append(locks, e.Name())
		}
	}
	if len(locks) > 0 {
		return fmt.Errorf("%w in %s: %s", ErrLockResidue, f.dir, strings.Join(locks, ", "))
	}
	return nil
}

// Populate creates or refreshes the mirror of url, including the extra refs.
func (f *Fetcher) Populate(ctx context.Context, url string, shallow bool, refs []string) error {
	args := []string{"cache", "populate", "--ignore_locks", "-v", "--cache-dir", f.dir}
	if shallow {
		args = append(args, "--shallow")
	}
	args = append(args, url)
	for _, ref := range refs {
		args = append(args, "--ref", ref)
	}

	f.memo.Remove(memoKey(url, shallow, refs))
	if _, err := f.git.Run(ctx, "", args...); err != nil {
		return fmt.Errorf("populate cache for %s: %w", url, err)
	}
	return nil
}

// Mirror populates the mirror of url and returns its path. A mirror is
// populated once per Fetcher: later calls with the same url, shallowness and
// refs return the memoized path, so retried checkouts clone from the mirror
// that is already there instead of fetching the remote again.
func (f *Fetcher) Mirror(ctx context.Context, url string, shallow bool, refs []string) (string, error) {
	key := memoKey(url, shallow, refs)
	if v, ok := f.memo.Get(key); ok {
		f.log.Debugf("reusing cache mirror %s for %s", v, url)
		return v.(string), nil
	}

	if err := f.Populate(ctx, url, shallow, refs); err != nil {
		return "", err
	}
	mirror, err := f.Locate(ctx, url)
	if err != nil {
		return "", err
	}
	f.memo.Add(key, mirror)
	return mirror, nil
}

// Forget drops every memoized mirror of url, so that the next Mirror call
// populates it again.
func (f *Fetcher) Forget(url string) {
	for _, k := range f.memo.Keys() {
		if key := k.(string); key == url || strings.HasPrefix(key, url+"\x00") {
			f.memo.Remove(k)
		}
	}
}

// Locate returns the on-disk path of the mirror for url.
func (f *Fetcher) Locate(ctx context.Context, url string) (string, error) {
	out, err := f.git.Run(ctx, "", "cache", "exists", "--quiet", "--cache-dir", f.dir, url)
	if err != nil {
		return "", fmt.Errorf("locate cache mirror for %s: %w", url, err)
	}

	mirror := strings.TrimSpace(out)
	if mirror == "" {
		return "", fmt.Errorf("%w for %s", ErrNoMirror, url)
	}
	f.log.Debugf("cache mirror for %s is %s", url, mirror)
	return mirror, nil
}

func memoKey(url string, shallow bool, refs []string) string {
	return strings.Join(append([]string{url, strconv.FormatBool(shallow)}, refs...), "\x00")
}
