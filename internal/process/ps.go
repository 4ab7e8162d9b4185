package process

import (
	"context"
	"os/exec"
	"runtime"
)

func processTree(ctx context.Context) string {
	if runtime.GOOS != "linux" {
		return "(process tree unavailable on " + runtime.GOOS + ")"
	}
	out, err := exec.CommandContext(ctx, "ps", "auxwwf").CombinedOutput()
	if err != nil {
		return "ps auxwwf failed: " + err.Error()
	}
	return string(out)
}
