// Package progress reports checkout progress on an interactive terminal.
package progress

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

// Bar is a progress bar. A nil *Bar is valid and reports nothing.
type Bar struct {
	bar *progressbar.ProgressBar
}

// New returns a bar counting up to total on w. It returns nil when w is not
// an interactive terminal so that logs are not interleaved with redraws.
func New(w io.Writer, total int, description string, interactive bool) *Bar {
	if !interactive || total <= 0 {
		return nil
	}
	return &Bar{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(description),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		),
	}
}

func (b *Bar) Add(n int) {
	if b == nil {
		return
	}
	_ = b.bar.Add(n)
}

// Describe changes the text shown next to the bar.
func (b *Bar) Describe(description string) {
	if b == nil {
		return
	}
	b.bar.Describe(description)
}

func (b *Bar) Finish() {
	if b == nil {
		return
	}
	_ = b.bar.Finish()
}
