//go:build !unix && !windows

package diskspace

import (
	"errors"
	"runtime"
)

func usage(string) (uint64, uint64, error) {
	return 0, 0, errors.New("disk usage is not supported on " + runtime.GOOS)
}
