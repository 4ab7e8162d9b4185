package fs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DeadDir returns the directory that trees removed from buildDir are moved
// into. It sits next to buildDir so that a rename never crosses a filesystem.
func DeadDir(buildDir string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(buildDir)), "build.dead")
}

// MoveAside renames target into deadDir under a random name and returns the
// new path. Renaming succeeds where deleting fails on platforms that keep open
// files locked, and the dead directory can be reaped out of band.
func MoveAside(deadDir, target string) (string, error) {
	if err := os.MkdirAll(deadDir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(deadDir, strings.ReplaceAll(uuid.NewString(), "-", ""))
	if err := os.Rename(target, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// MoveAllAside moves every entry of dir into deadDir. It returns the entries
// that were moved.
func MoveAllAside(deadDir, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	moved := make([]string, 0, len(entries))
	for _, e := range entries {
		target := filepath.Join(dir, e.Name())
		if _, err := MoveAside(deadDir, target); err != nil {
			return moved, err
		}
		moved = append(moved, target)
	}
	return moved, nil
}

// HasCheckout returns true if any of the named directories under root holds a
// git checkout.
func HasCheckout(root string, names []string) bool {
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, name, ".git")); err == nil {
			return true
		}
	}
	return false
}

// Exists returns true if path exists, whatever its type.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
