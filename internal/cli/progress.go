package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/JonMunkholm/repload/internal/core"
)

// statusInterval is how often the status line is redrawn.
const statusInterval = 1500 * time.Millisecond

// progress renders pipeline snapshots as a single status line. The total row
// count is unknown up front, so the bar is a spinner with counters.
type progress struct {
	bar *progressbar.ProgressBar
}

func newProgress(w io.Writer) *progress {
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("uploading"),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionShowIts(),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(statusInterval),
		progressbar.OptionClearOnFinish(),
	)
	return &progress{bar: bar}
}

// Update is a core.ProgressFunc.
func (p *progress) Update(s core.Progress) {
	p.bar.Describe(statusLine(s))
	_ = p.bar.Set64(s.Sent)
}

func (p *progress) Finish() {
	_ = p.bar.Finish()
}

func statusLine(s core.Progress) string {
	return fmt.Sprintf("batches %d, row errors %d, retries %d, skipped %d",
		s.Batches, s.RowErrors, s.Retries, s.Skipped)
}
