package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/js-sentinel/internal/dedup"
	"github.com/raaihank/js-sentinel/internal/finding"
	"github.com/raaihank/js-sentinel/internal/rules"
	"github.com/raaihank/js-sentinel/internal/scanner"
)

type counters struct {
	ingested     atomic.Int64
	dropped      atomic.Int64
	partial      atomic.Int64
	bytesScanned atomic.Int64
	rawMatches   atomic.Int64
	rejected     atomic.Int64
	newFindings  atomic.Int64
	repeats      atomic.Int64
	ruleTimeouts atomic.Int64
	ruleFaults   atomic.Int64
	sinkErrors   atomic.Int64
	storeErrors  atomic.Int64
}

func (c *counters) reset() {
	for _, v := range []*atomic.Int64{
		&c.ingested, &c.dropped, &c.partial, &c.bytesScanned, &c.rawMatches, &c.rejected,
		&c.newFindings, &c.repeats, &c.ruleTimeouts, &c.ruleFaults, &c.sinkErrors, &c.storeErrors,
	} {
		v.Store(0)
	}
}

// Coordinator runs ingestions: scan, normalize, de-duplicate, emit
type Coordinator struct {
	registry   *rules.Registry
	scanner    *scanner.Scanner
	normalizer *finding.Normalizer
	store      dedup.Store
	config     Config
	logger     *zap.Logger

	sinksMu sync.RWMutex
	sinks   []Sink

	stats counters
}

// New creates a coordinator over an existing registry and store
func New(registry *rules.Registry, sc *scanner.Scanner, normalizer *finding.Normalizer, store dedup.Store, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		registry:   registry,
		scanner:    sc,
		normalizer: normalizer,
		store:      store,
		config:     cfg,
		logger:     logger,
	}
}

// AddSink registers a sink for every following ingestion
func (c *Coordinator) AddSink(s Sink) {
	c.sinksMu.Lock()
	defer c.sinksMu.Unlock()
	c.sinks = append(c.sinks, s)
}

// Registry returns the rule registry the coordinator reads from
func (c *Coordinator) Registry() *rules.Registry {
	return c.registry
}

// Store returns the de-duplication store
func (c *Coordinator) Store() dedup.Store {
	return c.store
}

// Ingest scans one content unit and returns the findings it introduced. When the store
// rejects some findings the others are still returned alongside the error.
func (c *Coordinator) Ingest(ctx context.Context, sourceID, text string) ([]finding.Finding, error) {
	report, err := c.IngestDetailed(ctx, sourceID, text)
	return report.New, err
}

// IngestDetailed is Ingest with the full account of what happened to the content unit.
// The rule snapshot is taken once at the start, so registry changes made during the call
// only affect later ingestions. A store failure on one finding does not stop the others:
// accepted findings are still emitted and returned, and the failures come back joined.
func (c *Coordinator) IngestDetailed(ctx context.Context, sourceID, text string) (*Report, error) {
	start := time.Now()
	report := &Report{SourceID: sourceID}
	report.enter(StateReceived)
	c.stats.ingested.Add(1)

	if c.config.MinContentLength > 0 && len(text) < c.config.MinContentLength {
		return c.drop(report, start, "content shorter than minimum length"), nil
	}

	snap := c.registry.Snapshot()
	report.SnapshotVersion = snap.Version

	result := c.scanner.Scan(text, snap)
	c.stats.bytesScanned.Add(int64(len(text)))
	c.stats.rawMatches.Add(int64(len(result.Matches)))
	report.RulesRun = result.RulesRun
	report.RawMatches = len(result.Matches)
	report.Truncated = result.Truncated
	report.Warnings = result.Warnings
	c.countWarnings(result.Warnings)

	if result.Partial {
		report.Partial = true
		c.stats.partial.Add(1)
		report.enter(StatePartial)
	} else {
		report.enter(StateScanned)
	}

	normalized := c.normalize(result, snap, sourceID, text, report)
	report.enter(StateNormalized)

	if len(normalized) == 0 {
		c.emit(ctx, Batch{SourceID: sourceID, Warnings: report.Warnings, Time: start})
		return c.drop(report, start, "no findings survived"), nil
	}

	var storeErrs []error
	for _, f := range normalized {
		isNew, stored, err := c.store.CheckAndInsert(ctx, f)
		if err != nil {
			storeErrs = append(storeErrs, fmt.Errorf("%s finding %s: %w", f.Category, f.Key, err))
			continue
		}
		if isNew {
			report.New = append(report.New, stored)
		} else {
			report.Updated = append(report.Updated, stored)
		}
	}
	c.stats.newFindings.Add(int64(len(report.New)))
	c.stats.repeats.Add(int64(len(report.Updated)))
	report.enter(StateDeduped)

	c.emit(ctx, Batch{
		SourceID: sourceID,
		New:      report.New,
		Updated:  report.Updated,
		Warnings: report.Warnings,
		Time:     start,
	})
	report.enter(StateEmitted)
	report.Duration = time.Since(start)

	if len(report.New) > 0 {
		c.logger.Info("New findings accepted",
			zap.String("source_id", sourceID),
			zap.Int("new", len(report.New)),
			zap.Int("repeats", len(report.Updated)),
			zap.Bool("partial", report.Partial),
			zap.Duration("duration", report.Duration),
		)
	}
	if len(storeErrs) > 0 {
		c.stats.storeErrors.Add(int64(len(storeErrs)))
		return report, fmt.Errorf("failed to record %d of %d findings for %s: %w",
			len(storeErrs), len(normalized), sourceID, errors.Join(storeErrs...))
	}
	return report, nil
}

// normalize filters raw matches through the category noise filter and collapses them by
// dedup key. The first match of a key in rule order names the finding.
func (c *Coordinator) normalize(result scanner.Result, snap *rules.Snapshot, sourceID, text string, report *Report) []finding.Finding {
	seen := make(map[string]bool, len(result.Matches))
	out := make([]finding.Finding, 0, len(result.Matches))
	for _, raw := range result.Matches {
		rule, ok := snap.Rule(raw.RuleID)
		if !ok {
			continue
		}
		cat, _ := snap.Category(rule.Category)
		if !c.normalizer.Admit(raw, cat) {
			report.Rejected++
			continue
		}
		f := c.normalizer.Normalize(raw, rule, cat, sourceID, text)
		if seen[f.Key] {
			continue
		}
		seen[f.Key] = true
		out = append(out, f)
	}
	c.stats.rejected.Add(int64(report.Rejected))
	return out
}

func (c *Coordinator) drop(report *Report, start time.Time, reason string) *Report {
	report.enter(StateDropped)
	report.DropReason = reason
	report.Duration = time.Since(start)
	c.stats.dropped.Add(1)
	c.logger.Debug("Content unit dropped",
		zap.String("source_id", report.SourceID),
		zap.String("reason", reason),
	)
	return report
}

func (c *Coordinator) countWarnings(warnings []error) {
	for _, w := range warnings {
		var timeout *scanner.RuleTimeoutWarning
		if errors.As(w, &timeout) {
			c.stats.ruleTimeouts.Add(1)
			continue
		}
		c.stats.ruleFaults.Add(1)
	}
}

// emit delivers a batch to every sink. Sink failures are logged and never fail the ingestion.
func (c *Coordinator) emit(ctx context.Context, b Batch) {
	if b.Empty() {
		return
	}
	c.sinksMu.RLock()
	sinks := append([]Sink(nil), c.sinks...)
	c.sinksMu.RUnlock()

	for _, s := range sinks {
		if err := s.Emit(ctx, b); err != nil {
			c.stats.sinkErrors.Add(1)
			c.logger.Warn("Sink failed to accept batch",
				zap.String("source_id", b.SourceID),
				zap.String("sink", fmt.Sprintf("%T", s)),
				zap.Error(err),
			)
		}
	}
}

// Findings lists stored findings matching the filter
func (c *Coordinator) Findings(ctx context.Context, flt finding.Filter) ([]finding.Finding, error) {
	all, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	return flt.Apply(all), nil
}

// Clear empties the de-duplication store and resets the counters
func (c *Coordinator) Clear(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear findings: %w", err)
	}
	c.stats.reset()
	c.logger.Info("Findings cleared")
	return nil
}

// Stats returns a copy of the running counters
func (c *Coordinator) Stats() Stats {
	return Stats{
		Ingested:     c.stats.ingested.Load(),
		Dropped:      c.stats.dropped.Load(),
		Partial:      c.stats.partial.Load(),
		BytesScanned: c.stats.bytesScanned.Load(),
		RawMatches:   c.stats.rawMatches.Load(),
		Rejected:     c.stats.rejected.Load(),
		NewFindings:  c.stats.newFindings.Load(),
		Repeats:      c.stats.repeats.Load(),
		RuleTimeouts: c.stats.ruleTimeouts.Load(),
		RuleFaults:   c.stats.ruleFaults.Load(),
		SinkErrors:   c.stats.sinkErrors.Load(),
		StoreErrors:  c.stats.storeErrors.Load(),
	}
}
