package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/js-sentinel/internal/finding"
)

// Store is the session-wide set of findings keyed by dedup key
type Store interface {
	// CheckAndInsert atomically stores f when its key is unseen (isNew = true) or raises the
	// occurrence count of the stored finding. Exactly one concurrent caller per key sees isNew.
	CheckAndInsert(ctx context.Context, f finding.Finding) (isNew bool, stored finding.Finding, err error)
	Get(ctx context.Context, key string) (finding.Finding, bool, error)
	List(ctx context.Context) ([]finding.Finding, error)
	Len(ctx context.Context) (int, error)
	// Restore seeds previously persisted findings without reporting them as new
	Restore(ctx context.Context, fs []finding.Finding) error
	Clear(ctx context.Context) error
	Close() error
}

// Config selects and tunes the store backend
type Config struct {
	Backend    string        `yaml:"backend" mapstructure:"backend"` // memory or redis
	MaxEntries int           `yaml:"max_entries" mapstructure:"max_entries"`
	TTL        time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Redis      RedisConfig   `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig contains redis connection settings
type RedisConfig struct {
	URL            string `yaml:"url" mapstructure:"url"`
	KeyPrefix      string `yaml:"key_prefix" mapstructure:"key_prefix"`
	MaxConnections int    `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int    `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
}

// New builds the configured store
func New(cfg Config, logger *zap.Logger) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryStore(cfg.MaxEntries, cfg.TTL, logger), nil
	case "redis":
		return NewRedisStore(cfg.Redis, cfg.TTL, logger)
	default:
		return nil, fmt.Errorf("unknown dedup backend: %s", cfg.Backend)
	}
}
