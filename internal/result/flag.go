package result

import (
	"errors"
	"os"
)

// Flag is the marker file recording that the checkout was active on the
// previous run.
type Flag struct {
	path string
}

func NewFlag(path string) Flag {
	return Flag{path: path}
}

func (f Flag) Path() string {
	return f.path
}

// Check reports whether the previous run was active.
func (f Flag) Check() bool {
	fi, err := os.Stat(f.path)
	return err == nil && fi.Mode().IsRegular()
}

func (f Flag) Emit() error {
	return os.WriteFile(f.path, []byte("Success!"), 0o644)
}

func (f Flag) Delete() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Record persists active for the next run.
func (f Flag) Record(active bool) error {
	if active {
		return f.Emit()
	}
	return f.Delete()
}
