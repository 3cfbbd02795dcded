package etl

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/js-sentinel/internal/engine"
	"github.com/raaihank/js-sentinel/internal/finding"
)

// Pipeline scans files, directories and streams through a coordinator with a worker pool
type Pipeline struct {
	coordinator *engine.Coordinator
	config      *Config
	logger      *zap.Logger

	mu     sync.Mutex
	result *ProcessingResult
	start  time.Time
}

// NewPipeline creates a new scan pipeline
func NewPipeline(coordinator *engine.Coordinator, config *Config, logger *zap.Logger) *Pipeline {
	if config == nil {
		config = DefaultConfig()
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		coordinator: coordinator,
		config:      config,
		logger:      logger,
	}
}

type job struct {
	path string
	doc  *Document
}

// ProcessPaths scans every input. Directories are walked for files with a configured
// extension; named files are always scanned; "-" reads stdin. Per-file failures are recorded
// in the result and do not stop the run.
func (p *Pipeline) ProcessPaths(ctx context.Context, paths []string, stdin io.Reader) (*ProcessingResult, error) {
	p.mu.Lock()
	p.result = &ProcessingResult{}
	p.start = time.Now()
	p.mu.Unlock()

	p.logger.Info("Starting scan pipeline",
		zap.Strings("inputs", paths),
		zap.Int("workers", p.config.WorkerCount))

	jobs := make(chan job, p.config.WorkerCount*2)
	var wg sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				p.process(ctx, j)
			}
		}()
	}

	err := p.produce(ctx, paths, stdin, jobs)
	close(jobs)
	wg.Wait()

	p.mu.Lock()
	result := p.result
	result.Duration = time.Since(p.start)
	finding.SortByFirstSeen(result.Findings)
	p.mu.Unlock()

	p.logger.Info("Scan pipeline completed",
		zap.Int64("total_files", result.TotalFiles),
		zap.Int64("scanned_ok", result.ScannedOK),
		zap.Int64("failed", result.Failed),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("new_findings", result.NewFindings),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("scan_time", result.ScanTime))

	return result, err
}

func (p *Pipeline) produce(ctx context.Context, paths []string, stdin io.Reader, jobs chan<- job) error {
	send := func(j job) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case jobs <- j:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, path := range paths {
		if path == "-" {
			doc, err := ReadDocument(StdinSource, stdin, p.config.MaxFileBytes)
			if err != nil {
				p.fail(StdinSource, err)
				continue
			}
			if err := send(job{doc: doc}); err != nil {
				return err
			}
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			p.fail(path, err)
			continue
		}
		if !info.IsDir() {
			if err := send(job{path: path}); err != nil {
				return err
			}
			continue
		}

		err = filepath.WalkDir(path, func(name string, d fs.DirEntry, err error) error {
			if err != nil {
				p.fail(name, err)
				return nil
			}
			if d.IsDir() {
				if name != path && p.config.skipDir(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || !p.config.scannable(name) {
				return nil
			}
			return send(job{path: name})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadDocument reads at most maxBytes from r; larger inputs are rejected
func ReadDocument(sourceID string, r io.Reader, maxBytes int64) (*Document, error) {
	if maxBytes <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", sourceID, err)
		}
		return &Document{SourceID: sourceID, Content: string(data)}, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", sourceID, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", sourceID, maxBytes)
	}
	return &Document{SourceID: sourceID, Content: string(data)}, nil
}

func (p *Pipeline) process(ctx context.Context, j job) {
	doc := j.doc
	if doc == nil {
		info, err := os.Stat(j.path)
		if err != nil {
			p.fail(j.path, err)
			return
		}
		if max := p.config.MaxFileBytes; max > 0 && info.Size() > max {
			p.logger.Debug("Skipping large file", zap.String("file", j.path), zap.Int64("size", info.Size()))
			p.record(func(r *ProcessingResult) {
				r.TotalFiles++
				r.Skipped++
			})
			return
		}
		data, err := os.ReadFile(j.path)
		if err != nil {
			p.fail(j.path, err)
			return
		}
		doc = &Document{SourceID: j.path, Content: string(data)}
	}

	scanStart := time.Now()
	report, err := p.coordinator.IngestDetailed(ctx, doc.SourceID, doc.Content)
	elapsed := time.Since(scanStart)
	if err != nil {
		p.record(func(r *ProcessingResult) {
			r.NewFindings += int64(len(report.New))
			r.Findings = append(r.Findings, report.New...)
		})
		p.fail(doc.SourceID, err)
		return
	}

	for _, w := range report.Warnings {
		p.logger.Warn("Rule skipped", zap.String("file", doc.SourceID), zap.Error(w))
	}

	p.record(func(r *ProcessingResult) {
		r.TotalFiles++
		r.ScannedOK++
		r.BytesRead += int64(len(doc.Content))
		r.ScanTime += elapsed
		r.NewFindings += int64(len(report.New))
		r.Repeats += int64(len(report.Updated))
		r.Findings = append(r.Findings, report.New...)
		if report.State == engine.StateDropped {
			r.Dropped++
		}
		if report.Partial {
			r.Partial++
		}
	})
}

func (p *Pipeline) fail(source string, err error) {
	p.logger.Warn("Input failed", zap.String("file", source), zap.Error(err))
	p.record(func(r *ProcessingResult) {
		r.TotalFiles++
		r.Failed++
		r.Errors = append(r.Errors, err.Error())
	})
}

func (p *Pipeline) record(fn func(r *ProcessingResult)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.result)
	if every := p.config.ProgressReport; every > 0 && p.result.TotalFiles%int64(every) == 0 {
		p.reportProgress()
	}
}

// reportProgress reports current processing progress; p.mu must be held
func (p *Pipeline) reportProgress() {
	elapsed := time.Since(p.start)
	p.logger.Info("Processing progress",
		zap.Int64("files_processed", p.result.TotalFiles),
		zap.Int64("files_failed", p.result.Failed),
		zap.Int64("new_findings", p.result.NewFindings),
		zap.Float64("files_per_sec", float64(p.result.TotalFiles)/elapsed.Seconds()),
		zap.Duration("elapsed", elapsed))
}
