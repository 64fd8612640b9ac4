package stats

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

type EventType string

// Event types, named as the events pushed to progress observers.
const (
	EventTypeLog      EventType = "log"
	EventTypeStats    EventType = "migrationStats"
	EventTypeProgress EventType = "migrationProgress"
)

// Event is a single push to observers. Text is set for log events, Stats
// for stats events and Progress (0 to 100) for progress events. Err is set
// on log events that report a failure.
type Event struct {
	Type     EventType
	Text     string
	Stats    MigrationStats
	Progress float64
	Err      error
}

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeError     Outcome = "error"
)

// MigrationStats are the counters of one import run.
type MigrationStats struct {
	CurrentFolderPath string `json:"currentFolderPath"`
	CurrentFileName   string `json:"currentFileName"`
	TotalFolders      int    `json:"totalFolders"`
	ProcessedFolders  int    `json:"processedFolders"`
	TotalEmails       int    `json:"totalEmails"`
	ProcessedEmails   int    `json:"processedEmails"`
	SkippedEmails     int    `json:"skippedEmails"`
	ErrorEmails       int    `json:"errorEmails"`
	CreatedFolders    int    `json:"createdFolders"`
	ExistingFolders   int    `json:"existingFolders"`
	ErrorFolders      int    `json:"errorFolders"`
}

func (s MigrationStats) LogAttrs() []any {
	return []any{
		"totalFolders", s.TotalFolders,
		"processedFolders", s.ProcessedFolders,
		"createdFolders", s.CreatedFolders,
		"existingFolders", s.ExistingFolders,
		"errorFolders", s.ErrorFolders,
		"totalEmails", s.TotalEmails,
		"processedEmails", s.ProcessedEmails,
		"skippedEmails", s.SkippedEmails,
		"errorEmails", s.ErrorEmails,
	}
}

// Percent is processedEmails relative to totalEmails, capped at 100.
func (s MigrationStats) Percent() float64 {
	if s.TotalEmails <= 0 {
		return 0
	}
	p := float64(s.ProcessedEmails) / float64(s.TotalEmails) * 100
	if p > 100 {
		return 100
	}
	return p
}

// Sink receives events. Publish must not block.
type Sink interface {
	Publish(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Publish(evt Event) { f(evt) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

type multiSink []Sink

func (m multiSink) Publish(evt Event) {
	for _, s := range m {
		s.Publish(evt)
	}
}

// Multi fans events out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Run aggregates the stats of one import and pushes them to a sink after
// every update. It is safe for concurrent snapshots.
type Run struct {
	mu      sync.Mutex
	stats   MigrationStats
	sink    Sink
	started time.Time
}

func NewRun(sink Sink) *Run {
	if sink == nil {
		sink = Discard
	}
	return &Run{sink: sink, started: time.Now()}
}

func (r *Run) Started() time.Time {
	return r.started
}

// EnterFolder starts a folder holding itemCount items.
func (r *Run) EnterFolder(path string, itemCount int) {
	r.update(func(s *MigrationStats) {
		s.TotalFolders++
		s.CurrentFolderPath = path
		s.TotalEmails += itemCount
	}, false)
}

func (r *Run) ExitFolder() {
	r.update(func(s *MigrationStats) {
		s.ProcessedFolders++
	}, false)
}

// FolderResolved records whether a target folder was created or reused.
func (r *Run) FolderResolved(created bool) {
	r.update(func(s *MigrationStats) {
		if created {
			s.CreatedFolders++
		} else {
			s.ExistingFolders++
		}
	}, false)
}

func (r *Run) FolderFailed(path string, err error) {
	r.update(func(s *MigrationStats) {
		s.ErrorFolders++
	}, false)
	r.Fail(err, "Error processing folder %s", path)
}

// Record counts one item outcome and pushes the stats and the progress.
func (r *Run) Record(o Outcome, item string) {
	r.update(func(s *MigrationStats) {
		switch o {
		case OutcomeProcessed:
			s.ProcessedEmails++
		case OutcomeSkipped:
			s.SkippedEmails++
		case OutcomeError:
			s.ErrorEmails++
		}
		s.CurrentFileName = item
	}, true)
}

// Logf pushes a free-text log line.
func (r *Run) Logf(format string, args ...any) {
	r.sink.Publish(Event{Type: EventTypeLog, Text: fmt.Sprintf(format, args...)})
}

// Fail pushes a log line reporting err.
func (r *Run) Fail(err error, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if err != nil {
		text += ": " + err.Error()
	}
	r.sink.Publish(Event{Type: EventTypeLog, Text: text, Err: err})
}

func (r *Run) Snapshot() MigrationStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Run) Progress() float64 {
	return r.Snapshot().Percent()
}

func (r *Run) update(fn func(*MigrationStats), withProgress bool) {
	r.mu.Lock()
	fn(&r.stats)
	snap := r.stats
	r.mu.Unlock()

	r.sink.Publish(Event{Type: EventTypeStats, Stats: snap})
	if withProgress {
		r.sink.Publish(Event{Type: EventTypeProgress, Progress: snap.Percent(), Stats: snap})
	}
}

// FprintTop writes the limit most frequent items of m to w.
func FprintTop(w io.Writer, m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value == pairs[j].Value {
			return pairs[i].Key < pairs[j].Key
		}
		return pairs[i].Value > pairs[j].Value
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
