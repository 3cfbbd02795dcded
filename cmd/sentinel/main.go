package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/js-sentinel/internal/config"
	"github.com/raaihank/js-sentinel/internal/dedup"
	"github.com/raaihank/js-sentinel/internal/engine"
	"github.com/raaihank/js-sentinel/internal/finding"
	"github.com/raaihank/js-sentinel/internal/logger"
	"github.com/raaihank/js-sentinel/internal/rules"
	"github.com/raaihank/js-sentinel/internal/scanner"
	"github.com/raaihank/js-sentinel/internal/server"
	"github.com/raaihank/js-sentinel/internal/storage"
)

var (
	version = server.Version
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
		healthPort  = flag.Int("health-port", 8080, "Port used by -health-check")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("js-sentinel %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck {
		performHealthCheck(*healthPort)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting js-sentinel",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := initializeServices(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer svc.cleanup()

	if cfg.Rules.Watch && cfg.Rules.File != "" {
		w, err := rules.NewWatcher(cfg.Rules.File, svc.registry, log.WithComponent("rules").Logger)
		if err != nil {
			log.Warn("Custom rules file will not be watched", zap.Error(err))
		} else {
			go w.Run()
			defer w.Close()
		}
	}

	if err := config.Watch(log.Logger, func(next *config.Config) { applyConfig(svc.registry, next, log) }); err != nil {
		log.Warn("Configuration will not be watched", zap.Error(err))
	}

	srv := server.New(cfg, log, svc.coordinator, svc.db)

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start(ctx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			log.Error("Server error", zap.Error(err))
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 30 seconds to complete
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
		}
		log.Info("Server shutdown complete")
	}
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSize:    cfg.Logging.File.MaxSize,
			MaxAge:     cfg.Logging.File.MaxAge,
			MaxBackups: cfg.Logging.File.MaxBackups,
			Compress:   cfg.Logging.File.Compress,
		}
	}
	return logger.New(loggerConfig)
}

// services holds all initialized services
type services struct {
	registry    *rules.Registry
	store       dedup.Store
	db          *storage.Store
	coordinator *engine.Coordinator
}

func (s *services) cleanup() {
	if s.store != nil {
		s.store.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

// initializeServices builds the engine and restores persisted rules and findings
func initializeServices(ctx context.Context, cfg *config.Config, log *logger.Logger) (*services, error) {
	svc := &services{}

	registry, err := rules.NewRegistry(cfg.RegistryOptions(), log.WithComponent("rules").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule registry: %w", err)
	}
	svc.registry = registry

	if cfg.Database.Enabled {
		db, err := storage.NewStore(&cfg.Database, log.WithComponent("storage").Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		svc.db = db
		records, err := db.LoadRules(ctx)
		if err != nil {
			svc.cleanup()
			return nil, err
		}
		if err := registry.Import(records); err != nil {
			log.Warn("Some persisted rules could not be restored", zap.Error(err))
		}
	}

	// The rules file, when present, is authoritative for custom rules
	if path := cfg.Rules.File; path != "" {
		if _, err := os.Stat(path); err == nil {
			f, err := rules.LoadFile(path)
			if err != nil {
				svc.cleanup()
				return nil, err
			}
			if err := registry.Apply(f); err != nil {
				log.Warn("Some rules from file could not be loaded", zap.String("path", path), zap.Error(err))
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			log.Warn("Cannot read rules file", zap.String("path", path), zap.Error(err))
		}
	}

	store, err := dedup.New(cfg.Dedup, log.WithComponent("dedup").Logger)
	if err != nil {
		svc.cleanup()
		return nil, fmt.Errorf("failed to initialize dedup store: %w", err)
	}
	svc.store = store

	if svc.db != nil {
		persisted, err := svc.db.ListFindings(ctx)
		if err != nil {
			svc.cleanup()
			return nil, err
		}
		if err := store.Restore(ctx, persisted); err != nil {
			svc.cleanup()
			return nil, fmt.Errorf("failed to restore findings: %w", err)
		}
		log.Info("Restored persisted findings", zap.Int("count", len(persisted)))
	}

	svc.coordinator = engine.New(
		registry,
		scanner.New(cfg.ScannerConfig(), log.WithComponent("scanner").Logger),
		finding.NewNormalizer(cfg.NormalizerConfig()),
		store,
		cfg.CoordinatorConfig(),
		log.WithComponent("engine").Logger,
	)
	if svc.db != nil {
		svc.coordinator.AddSink(svc.db)
	}

	return svc, nil
}

// applyConfig hot-applies the settings that can change without a restart
func applyConfig(registry *rules.Registry, next *config.Config, log *logger.Logger) {
	if d := next.Engine.RuleTimeout; d > 0 && d != registry.MatchTimeout() {
		if err := registry.SetMatchTimeout(d); err != nil {
			log.Error("Failed to apply rule timeout", zap.Error(err))
		} else {
			log.Info("Rule timeout updated", zap.Duration("rule_timeout", d))
		}
	}
	for _, c := range next.Rules.Categories {
		if err := registry.UpdateCategory(c); err != nil {
			log.Warn("Failed to apply category settings", zap.String("category", c.Name), zap.Error(err))
		}
	}
	log.Debug("Server, dedup and database settings take effect after a restart")
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(port int) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
