package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/raaihank/js-sentinel/internal/finding"
)

// MemoryStore keeps findings in process memory, optionally bounded by entry count and age
type MemoryStore struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, *finding.Finding]
	evicted atomic.Int64
	logger  *zap.Logger
}

// NewMemoryStore creates an in-memory store. maxEntries <= 0 means unbounded and
// ttl <= 0 means entries never expire. Expiry counts from the first sighting.
func NewMemoryStore(maxEntries int, ttl time.Duration, logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxEntries < 0 {
		maxEntries = 0
	}
	s := &MemoryStore{logger: logger}
	s.entries = expirable.NewLRU[string, *finding.Finding](maxEntries, func(string, *finding.Finding) {
		s.evicted.Add(1)
	}, ttl)

	logger.Info("In-memory dedup store initialized",
		zap.Int("max_entries", maxEntries),
		zap.Duration("ttl", ttl),
	)
	return s
}

// CheckAndInsert implements Store
func (s *MemoryStore) CheckAndInsert(_ context.Context, f finding.Finding) (bool, finding.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries.Get(f.Key); ok {
		existing.Count++
		if f.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = f.LastSeen
		}
		return false, *existing, nil
	}

	stored := f
	if stored.Count < 1 {
		stored.Count = 1
	}
	s.entries.Add(stored.Key, &stored)
	return true, stored, nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, key string) (finding.Finding, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.entries.Peek(key)
	if !ok {
		return finding.Finding{}, false, nil
	}
	return *f, true, nil
}

// List implements Store
func (s *MemoryStore) List(_ context.Context) ([]finding.Finding, error) {
	s.mu.Lock()
	values := s.entries.Values()
	out := make([]finding.Finding, 0, len(values))
	for _, f := range values {
		out = append(out, *f)
	}
	s.mu.Unlock()

	finding.SortByFirstSeen(out)
	return out, nil
}

// Len implements Store
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len(), nil
}

// Restore implements Store
func (s *MemoryStore) Restore(_ context.Context, fs []finding.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range fs {
		if _, ok := s.entries.Peek(f.Key); ok {
			continue
		}
		stored := f
		if stored.Count < 1 {
			stored.Count = 1
		}
		s.entries.Add(stored.Key, &stored)
	}
	return nil
}

// Clear implements Store
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.entries.Len()
	s.entries.Purge()
	s.evicted.Store(0)
	s.logger.Info("Dedup store cleared", zap.Int("deleted_findings", n))
	return nil
}

// Evicted returns how many findings were dropped by the size or age bound
func (s *MemoryStore) Evicted() int64 {
	return s.evicted.Load()
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}
