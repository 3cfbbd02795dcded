package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/js-sentinel/internal/config"
	"github.com/raaihank/js-sentinel/internal/engine"
	"github.com/raaihank/js-sentinel/internal/logger"
	"github.com/raaihank/js-sentinel/internal/rules"
	"github.com/raaihank/js-sentinel/internal/storage"
	"github.com/raaihank/js-sentinel/internal/websocket"
)

// Version is reported by /info
const Version = "0.1.0"

const statusInterval = 15 * time.Second

// Server exposes the detection engine over HTTP
type Server struct {
	config      *config.Config
	logger      *logger.Logger
	coordinator *engine.Coordinator
	registry    *rules.Registry
	db          *storage.Store
	limiter     *RateLimiter
	router      *mux.Router
	server      *http.Server
	wsHub       *websocket.Hub
	started     time.Time
}

// New creates a server around a coordinator. db may be nil when persistence is disabled.
func New(cfg *config.Config, log *logger.Logger, coordinator *engine.Coordinator, db *storage.Store) *Server {
	wsCfg := cfg.WebSocket
	wsHub := websocket.NewHub(websocket.HubConfig{
		BroadcastFindings:    wsCfg.Events.BroadcastFindings,
		BroadcastWarnings:    wsCfg.Events.BroadcastWarnings,
		BroadcastRules:       wsCfg.Events.BroadcastRules,
		BroadcastSystem:      wsCfg.Events.BroadcastSystem,
		BroadcastConnections: wsCfg.Events.BroadcastConnections,
		AuthEnabled:          wsCfg.Auth.Enabled,
		Username:             wsCfg.Auth.Username,
		Password:             wsCfg.Auth.Password,
		AllowedOrigins:       wsCfg.AllowedOrigins,
		MaxConnections:       wsCfg.MaxConnections,
		ReadBufferSize:       wsCfg.ReadBufferSize,
		WriteBufferSize:      wsCfg.WriteBufferSize,
		PingInterval:         wsCfg.PingInterval,
		PongTimeout:          wsCfg.PongTimeout,
		WriteTimeout:         wsCfg.WriteTimeout,
		MaxMessageSize:       wsCfg.MaxMessageSize,
	}, log.Logger)

	s := &Server{
		config:      cfg,
		logger:      log.WithComponent("server"),
		coordinator: coordinator,
		registry:    coordinator.Registry(),
		db:          db,
		router:      mux.NewRouter(),
		wsHub:       wsHub,
		started:     time.Now(),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	if wsCfg.Enabled {
		coordinator.AddSink(wsHub)
		s.registry.OnChange(wsHub.BroadcastRuleChange)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")

	if s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.wsHub.HandleWebSocket).Methods("GET")
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requestIDMiddleware)
	api.Use(s.loggingMiddleware)
	api.Use(s.recoveryMiddleware)
	api.Use(s.bodyLimitMiddleware)

	api.Handle("/ingest", s.rateLimitMiddleware(http.HandlerFunc(s.handleIngest))).Methods("POST")

	api.HandleFunc("/findings", s.handleListFindings).Methods("GET")
	api.HandleFunc("/findings", s.handleClearFindings).Methods("DELETE")
	api.HandleFunc("/findings/export", s.handleExportFindings).Methods("GET")

	// Built-in rule ids and category names contain slashes
	api.HandleFunc("/rules", s.handleListRules).Methods("GET")
	api.HandleFunc("/rules", s.handleCreateRule).Methods("POST")
	api.HandleFunc("/rules/{id:.+}/enable", s.handleToggleRule(true)).Methods("POST")
	api.HandleFunc("/rules/{id:.+}/disable", s.handleToggleRule(false)).Methods("POST")
	api.HandleFunc("/rules/{id:.+}", s.handleGetRule).Methods("GET")
	api.HandleFunc("/rules/{id:.+}", s.handleUpdateRule).Methods("PUT")
	api.HandleFunc("/rules/{id:.+}", s.handleDeleteRule).Methods("DELETE")

	api.HandleFunc("/categories", s.handleListCategories).Methods("GET")
	api.HandleFunc("/categories", s.handleCreateCategory).Methods("POST")
	api.HandleFunc("/categories/{name:.+}", s.handleUpdateCategory).Methods("PUT")
	api.HandleFunc("/categories/{name:.+}", s.handleDeleteCategory).Methods("DELETE")
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub for broadcasting events
func (s *Server) Hub() *websocket.Hub {
	return s.wsHub
}

// Start runs the background loops and serves HTTP until Stop is called
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting js-sentinel server",
		zap.Int("port", s.config.Server.Port),
		zap.Int("active_rules", s.registry.Snapshot().Len()),
		zap.String("dedup_backend", s.config.Dedup.Backend),
		zap.Bool("database", s.db != nil),
	)

	if s.config.WebSocket.Enabled {
		go s.wsHub.Run(ctx)
		go s.statusLoop(ctx)
	}
	if s.limiter != nil {
		go s.limiter.Run(ctx, s.config.RateLimit.CleanupInterval)
	}

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping js-sentinel server")
	return s.server.Shutdown(ctx)
}

func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wsHub.BroadcastSystemStatus(s.systemStatus(ctx))
		}
	}
}

func (s *Server) systemStatus(ctx context.Context) websocket.SystemStatusEvent {
	stats := s.coordinator.Stats()
	total, err := s.coordinator.Store().Len(ctx)
	if err != nil {
		s.logger.Warn("Failed to count findings", zap.Error(err))
	}
	return websocket.SystemStatusEvent{
		Status:           "running",
		Uptime:           time.Since(s.started).Round(time.Second).String(),
		Ingested:         stats.Ingested,
		TotalFindings:    int64(total),
		RuleTimeouts:     stats.RuleTimeouts,
		ActiveRules:      s.registry.Snapshot().Len(),
		ConnectedClients: int(s.wsHub.GetStats().ActiveConnections),
	}
}

// persistRules writes the custom rules to the rules file and the database. Failures are
// logged; the in-memory registry stays authoritative.
func (s *Server) persistRules(ctx context.Context) {
	if path := s.config.Rules.File; path != "" {
		if err := rules.SaveFile(path, s.registry.Export()); err != nil {
			s.logger.Error("Failed to save rules file", zap.String("path", path), zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.SaveRules(ctx, s.registry.Records(false)); err != nil {
			s.logger.Error("Failed to save rules to database", zap.Error(err))
		}
	}
}
