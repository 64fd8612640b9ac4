package progress

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/archive-to-mailbox/stats"
)

// Bar renders import progress in the terminal.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	mu      sync.Mutex
	enabled bool
	current int
}

// New creates a progress bar if logLevel is "info".
func New(logLevel string) *Bar {
	bar := &Bar{enabled: logLevel == "info"}
	if bar.enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(100).
			WithTitle("Importing messages").
			Start()
		bar.pb = pb
	}
	return bar
}

// Update moves the bar for progress events and prints failures above it.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeProgress:
		next := int(evt.Progress)
		if next > b.current {
			b.pb.Add(next - b.current)
			b.current = next
		}
	case stats.EventTypeStats:
		title := evt.Stats.CurrentFolderPath
		if evt.Stats.CurrentFileName != "" {
			title += ": " + evt.Stats.CurrentFileName
		}
		b.pb.UpdateTitle(truncate(title, 50))
	case stats.EventTypeLog:
		if evt.Err != nil {
			pterm.Error.Println(evt.Text)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current < 100 {
		b.pb.Add(100 - b.current)
		b.current = 100
	}
	b.pb.Stop()
	pterm.Success.Println("Import complete!")
}

// Run consumes events until the channel closes or ctx is done.
func (b *Bar) Run(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// PrintSummary writes the final counters of a run.
func PrintSummary(w io.Writer, s stats.MigrationStats, duration time.Duration) {
	info := pterm.Info.WithWriter(w)
	pterm.DefaultSection.WithWriter(w).Println("Summary Statistics")
	info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	info.Printf("Folders: %d of %d processed (%d created, %d existing, %d failed)\n",
		s.ProcessedFolders, s.TotalFolders, s.CreatedFolders, s.ExistingFolders, s.ErrorFolders)
	info.Printf("Messages: %d total\n", s.TotalEmails)
	info.Printf("Imported: %d\n", s.ProcessedEmails)
	info.Printf("Skipped: %d\n", s.SkippedEmails)
	if s.ErrorEmails > 0 {
		pterm.Error.WithWriter(w).Printf("Errors: %d\n", s.ErrorEmails)
	} else {
		info.Printf("Errors: 0\n")
	}
}
