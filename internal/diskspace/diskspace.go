// Package diskspace reports the size of the filesystem holding the build.
package diskspace

import "fmt"

const gb = 1 << 30

// Usage returns the total size of the filesystem holding path and the bytes
// still available to unprivileged users.
func Usage(path string) (total, free uint64, err error) {
	return usage(path)
}

// StepText summarises disk usage in whole gigabytes, e.g. "[40GB/50GB used (80%)]".
func StepText(total, free uint64) string {
	totalGB := total / gb
	usedGB := (total - min(free, total)) / gb
	var pct uint64
	if totalGB > 0 {
		pct = usedGB * 100 / totalGB
	}
	return fmt.Sprintf("[%dGB/%dGB used (%d%%)]", usedGB, totalGB, pct)
}
