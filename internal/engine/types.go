package engine

import (
	"context"
	"time"

	"github.com/raaihank/js-sentinel/internal/finding"
)

// State is the stage an ingestion reached
type State string

const (
	StateReceived   State = "RECEIVED"
	StateScanned    State = "SCANNED"
	StatePartial    State = "PARTIAL"
	StateNormalized State = "NORMALIZED"
	StateDeduped    State = "DEDUPED"
	StateEmitted    State = "EMITTED"
	StateDropped    State = "DROPPED"
)

// Batch is what one ingestion hands to the sinks
type Batch struct {
	SourceID string
	New      []finding.Finding
	// Updated holds findings seen before whose occurrence count was raised
	Updated  []finding.Finding
	Warnings []error
	Time     time.Time
}

// Empty reports whether the batch carries nothing worth emitting
func (b Batch) Empty() bool {
	return len(b.New) == 0 && len(b.Updated) == 0 && len(b.Warnings) == 0
}

// Sink receives ingestion batches. Emit is called synchronously from Ingest; slow sinks
// should queue internally.
type Sink interface {
	Emit(ctx context.Context, b Batch) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, b Batch) error

// Emit implements Sink
func (f SinkFunc) Emit(ctx context.Context, b Batch) error {
	return f(ctx, b)
}

// Report describes one ingestion in detail
type Report struct {
	SourceID        string            `json:"source_id"`
	State           State             `json:"state"`
	Path            []State           `json:"path"`
	Partial         bool              `json:"partial"`
	Truncated       bool              `json:"truncated"`
	SnapshotVersion uint64            `json:"snapshot_version"`
	RulesRun        int               `json:"rules_run"`
	RawMatches      int               `json:"raw_matches"`
	Rejected        int               `json:"rejected"`
	New             []finding.Finding `json:"new"`
	Updated         []finding.Finding `json:"updated"`
	Warnings        []error           `json:"-"`
	Duration        time.Duration     `json:"duration_ns"`
	DropReason      string            `json:"drop_reason,omitempty"`
}

func (r *Report) enter(s State) {
	r.State = s
	r.Path = append(r.Path, s)
}

// WarningMessages returns the warning texts, for transports that cannot carry errors
func (r *Report) WarningMessages() []string {
	out := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		out = append(out, w.Error())
	}
	return out
}

// Config tunes a Coordinator
type Config struct {
	// MinContentLength drops content units shorter than this many bytes; zero disables it
	MinContentLength int
}

// DefaultConfig returns the coordinator defaults. Every content unit is scanned; the
// passive-mode length floor is opt-in through MinContentLength.
func DefaultConfig() Config {
	return Config{}
}

// Stats are running totals since start or the last Clear
type Stats struct {
	Ingested     int64 `json:"ingested"`
	Dropped      int64 `json:"dropped"`
	Partial      int64 `json:"partial"`
	BytesScanned int64 `json:"bytes_scanned"`
	RawMatches   int64 `json:"raw_matches"`
	Rejected     int64 `json:"rejected"`
	NewFindings  int64 `json:"new_findings"`
	Repeats      int64 `json:"repeats"`
	RuleTimeouts int64 `json:"rule_timeouts"`
	RuleFaults   int64 `json:"rule_faults"`
	SinkErrors   int64 `json:"sink_errors"`
	StoreErrors  int64 `json:"store_errors"`
}
