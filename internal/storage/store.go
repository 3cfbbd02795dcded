package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/raaihank/js-sentinel/internal/engine"
	"github.com/raaihank/js-sentinel/internal/finding"
	"github.com/raaihank/js-sentinel/internal/rules"
)

// Store persists rule records and findings in PostgreSQL so a later session can restore them
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Config contains database configuration
type Config struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

const schema = `
CREATE TABLE IF NOT EXISTS detection_rules (
	id             TEXT PRIMARY KEY,
	category       TEXT NOT NULL,
	name           TEXT NOT NULL,
	pattern        TEXT NOT NULL,
	case_sensitive BOOLEAN NOT NULL DEFAULT TRUE,
	enabled        BOOLEAN NOT NULL DEFAULT TRUE,
	position       INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS findings (
	dedup_key   TEXT PRIMARY KEY,
	category    TEXT NOT NULL,
	rule_id     TEXT NOT NULL,
	rule_name   TEXT NOT NULL,
	value       TEXT NOT NULL,
	masked      TEXT NOT NULL DEFAULT '',
	context     TEXT NOT NULL DEFAULT '',
	source_id   TEXT NOT NULL,
	first_seen  TIMESTAMPTZ NOT NULL,
	last_seen   TIMESTAMPTZ NOT NULL,
	occurrences BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_findings_category ON findings (category);`

// NewStore connects to the database and creates the tables when missing
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	store := NewStoreWithDB(db, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Finding store initialized",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns))

	return store, nil
}

// NewStoreWithDB wraps an open connection
func NewStoreWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Migrate creates the tables and indexes
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveRules replaces the persisted rule records
func (s *Store) SaveRules(ctx context.Context, records []rules.Record) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM detection_rules"); err != nil {
		return fmt.Errorf("failed to clear rules: %w", err)
	}

	if len(records) > 0 {
		valueStrings := make([]string, 0, len(records))
		valueArgs := make([]interface{}, 0, len(records)*7)
		for i, r := range records {
			valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				i*7+1, i*7+2, i*7+3, i*7+4, i*7+5, i*7+6, i*7+7))
			valueArgs = append(valueArgs, r.ID, r.Category, r.Name, r.Pattern, r.CaseSensitive, r.Enabled, i)
		}
		query := fmt.Sprintf(`
			INSERT INTO detection_rules (id, category, name, pattern, case_sensitive, enabled, position)
			VALUES %s`, strings.Join(valueStrings, ","))
		if _, err := tx.ExecContext(ctx, query, valueArgs...); err != nil {
			return fmt.Errorf("failed to insert rules: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rules: %w", err)
	}

	s.logger.Debug("Rules saved", zap.Int("count", len(records)))
	return nil
}

// LoadRules returns the persisted rule records in their saved order
func (s *Store) LoadRules(ctx context.Context) ([]rules.Record, error) {
	var records []rules.Record
	query := `
		SELECT id, category, name, pattern, case_sensitive, enabled
		FROM detection_rules
		ORDER BY position`
	if err := s.db.SelectContext(ctx, &records, query); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return records, nil
}

// UpsertFindings writes findings, keeping the larger count and the later sighting on conflict
func (s *Store) UpsertFindings(ctx context.Context, fs []finding.Finding) error {
	if len(fs) == 0 {
		return nil
	}

	const cols = 11
	valueStrings := make([]string, 0, len(fs))
	valueArgs := make([]interface{}, 0, len(fs)*cols)
	for i, f := range fs {
		placeholders := make([]string, cols)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", i*cols+j+1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(placeholders, ", ")+")")
		valueArgs = append(valueArgs,
			f.Key, f.Category, f.RuleID, f.RuleName, f.Value, f.Masked, f.Context,
			f.SourceID, f.FirstSeen, f.LastSeen, f.Count,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO findings (dedup_key, category, rule_id, rule_name, value, masked, context,
			source_id, first_seen, last_seen, occurrences)
		VALUES %s
		ON CONFLICT (dedup_key) DO UPDATE SET
			occurrences = GREATEST(findings.occurrences, EXCLUDED.occurrences),
			last_seen = GREATEST(findings.last_seen, EXCLUDED.last_seen)`,
		strings.Join(valueStrings, ","))

	if _, err := s.db.ExecContext(ctx, query, valueArgs...); err != nil {
		s.logger.Error("Failed to upsert findings", zap.Error(err), zap.Int("count", len(fs)))
		return fmt.Errorf("failed to upsert findings: %w", err)
	}
	return nil
}

// ListFindings returns every persisted finding, oldest first
func (s *Store) ListFindings(ctx context.Context) ([]finding.Finding, error) {
	var fs []finding.Finding
	query := `
		SELECT dedup_key, category, rule_id, rule_name, value, masked, context,
			source_id, first_seen, last_seen, occurrences
		FROM findings
		ORDER BY first_seen, dedup_key`
	if err := s.db.SelectContext(ctx, &fs, query); err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	return fs, nil
}

// ClearFindings deletes every persisted finding
func (s *Store) ClearFindings(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM findings")
	if err != nil {
		return fmt.Errorf("failed to clear findings: %w", err)
	}
	deleted, _ := res.RowsAffected()
	s.logger.Info("Persisted findings cleared", zap.Int64("deleted", deleted))
	return nil
}

// CategoryCount is the number of persisted findings in one category
type CategoryCount struct {
	Category string `db:"category" json:"category"`
	Count    int64  `db:"total" json:"count"`
}

// Stats returns per-category finding totals
func (s *Store) Stats(ctx context.Context) ([]CategoryCount, error) {
	var out []CategoryCount
	query := `
		SELECT category, COUNT(*) AS total
		FROM findings
		GROUP BY category
		ORDER BY category`
	if err := s.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to get finding stats: %w", err)
	}
	return out, nil
}

// Emit persists the new and updated findings of an ingestion
func (s *Store) Emit(ctx context.Context, b engine.Batch) error {
	fs := make([]finding.Finding, 0, len(b.New)+len(b.Updated))
	fs = append(fs, b.New...)
	fs = append(fs, b.Updated...)
	return s.UpsertFindings(ctx, fs)
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// maskDatabaseURL masks the password of a database URL for logging
func maskDatabaseURL(url string) string {
	if !strings.Contains(url, "@") {
		return url
	}
	parts := strings.Split(url, "@")
	userParts := strings.Split(parts[0], ":")
	if len(userParts) >= 3 {
		userParts[len(userParts)-1] = "***"
		parts[0] = strings.Join(userParts, ":")
	}
	return strings.Join(parts, "@")
}
