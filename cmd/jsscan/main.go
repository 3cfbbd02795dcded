package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/js-sentinel/internal/config"
	"github.com/raaihank/js-sentinel/internal/dedup"
	"github.com/raaihank/js-sentinel/internal/engine"
	"github.com/raaihank/js-sentinel/internal/etl"
	"github.com/raaihank/js-sentinel/internal/export"
	"github.com/raaihank/js-sentinel/internal/finding"
	"github.com/raaihank/js-sentinel/internal/logger"
	"github.com/raaihank/js-sentinel/internal/rules"
	"github.com/raaihank/js-sentinel/internal/scanner"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Configuration file path")
		rulesFile   = flag.String("rules", "", "Custom rules file (overrides rules.file)")
		workers     = flag.Int("workers", 4, "Number of worker goroutines")
		format      = flag.String("format", "jsonl", "Output format: json, jsonl, grouped or parquet")
		output      = flag.String("output", "", "Output file (default stdout)")
		baseline    = flag.String("baseline", "", "Findings file (parquet, json or jsonl) whose findings are not reported again")
		all         = flag.Bool("all", false, "Write every known finding, baseline included")
		category    = flag.String("category", "", "Only report findings of this category")
		extensions  = flag.String("ext", strings.Join(etl.DefaultExtensions, ","), "File extensions scanned when walking directories")
		maxFileSize = flag.Int64("max-file-size", 20*1024*1024, "Skip files larger than this many bytes")
		failOnFind  = flag.Bool("fail-on-findings", false, "Exit with status 3 when new findings are reported")
	)
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <file|dir|->...\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s ./dist\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -format parquet -output findings.parquet ./build ./static\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  curl -s https://app.test/main.js | %s -\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -baseline findings.parquet -fail-on-findings ./dist\n", os.Args[0])
		os.Exit(1)
	}

	outFormat, err := export.ParseFormat(*format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *rulesFile != "" {
		cfg.Rules.File = *rulesFile
	}

	// Results go to stdout, so logs go to stderr
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Stderr: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling scan...")
		cancel()
	}()

	coordinator, err := buildCoordinator(ctx, cfg, *baseline, log)
	if err != nil {
		log.Fatal("Failed to initialize engine", zap.Error(err))
	}
	defer coordinator.Store().Close()

	pipelineCfg := etl.DefaultConfig()
	pipelineCfg.WorkerCount = *workers
	pipelineCfg.MaxFileBytes = *maxFileSize
	pipelineCfg.Extensions = splitList(*extensions)

	pipeline := etl.NewPipeline(coordinator, pipelineCfg, log.WithComponent("etl").Logger)
	result, err := pipeline.ProcessPaths(ctx, flag.Args(), os.Stdin)
	if err != nil {
		log.Fatal("Scan aborted", zap.Error(err))
	}

	reported := result.Findings
	if *all {
		reported, err = coordinator.Findings(ctx, finding.Filter{})
		if err != nil {
			log.Fatal("Failed to list findings", zap.Error(err))
		}
	}
	reported = finding.Filter{Category: *category}.Apply(reported)

	if err := writeFindings(*output, outFormat, reported); err != nil {
		log.Fatal("Failed to write findings", zap.Error(err))
	}

	log.Info("Scan completed",
		zap.Int64("files", result.TotalFiles),
		zap.Int64("failed", result.Failed),
		zap.Int64("new_findings", result.NewFindings),
		zap.Int("reported", len(reported)),
		zap.Duration("duration", result.Duration))

	if *failOnFind && result.NewFindings > 0 {
		log.Sync()
		os.Exit(3)
	}
}

// buildCoordinator builds an engine over a private in-memory store seeded from the baseline
func buildCoordinator(ctx context.Context, cfg *config.Config, baseline string, log *logger.Logger) (*engine.Coordinator, error) {
	registry, err := rules.NewRegistry(cfg.RegistryOptions(), log.WithComponent("rules").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule registry: %w", err)
	}
	if path := cfg.Rules.File; path != "" {
		f, err := rules.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if err := registry.Apply(f); err != nil {
			log.Warn("Some custom rules could not be loaded", zap.String("path", path), zap.Error(err))
		}
	}

	store := dedup.NewMemoryStore(0, 0, log.WithComponent("dedup").Logger)
	if baseline != "" {
		known, err := export.ReadFile(baseline)
		if err != nil {
			return nil, fmt.Errorf("failed to read baseline: %w", err)
		}
		if err := store.Restore(ctx, known); err != nil {
			return nil, fmt.Errorf("failed to restore baseline: %w", err)
		}
		log.Info("Baseline loaded", zap.String("file", baseline), zap.Int("findings", len(known)))
	}

	return engine.New(
		registry,
		scanner.New(cfg.ScannerConfig(), log.WithComponent("scanner").Logger),
		finding.NewNormalizer(cfg.NormalizerConfig()),
		store,
		cfg.CoordinatorConfig(),
		log.WithComponent("engine").Logger,
	), nil
}

func writeFindings(path string, format export.Format, fs []finding.Finding) error {
	var w io.Writer = os.Stdout
	if path != "" {
		fh, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer fh.Close()
		w = fh
	}

	bw := bufio.NewWriter(w)
	if err := export.Write(bw, format, fs); err != nil {
		return err
	}
	return bw.Flush()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			if !strings.HasPrefix(part, ".") {
				part = "." + part
			}
			out = append(out, part)
		}
	}
	return out
}
