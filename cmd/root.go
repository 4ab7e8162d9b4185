// Package cmd holds the botupdate command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mausys/gclient/internal/service"
)

var RootCommand = &cobra.Command{
	Use:           "botupdate",
	Short:         "Bring a build directory to a pinned, patched checkout",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries an exit status that is not derived from the error itself.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute runs the root command and returns the process exit status.
func Execute() int {
	err := RootCommand.Execute()
	if err == nil {
		return 0
	}

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	return service.ExitCode(err)
}
