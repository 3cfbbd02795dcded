package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/js-sentinel/internal/finding"
)

// checkAndInsertScript runs server-side so the existence test and the write are one step.
// KEYS: finding hash, index zset. ARGV: data, first_seen ms, last_seen ms, count, ttl ms.
var checkAndInsertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
  local last = tonumber(redis.call('HGET', KEYS[1], 'last_seen') or '0')
  if tonumber(ARGV[3]) > last then
    last = tonumber(ARGV[3])
    redis.call('HSET', KEYS[1], 'last_seen', ARGV[3])
  end
  return {0, redis.call('HGET', KEYS[1], 'data'), count, last}
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'count', ARGV[4], 'last_seen', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], KEYS[1])
if tonumber(ARGV[5]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
return {1, ARGV[1], tonumber(ARGV[4]), tonumber(ARGV[3])}
`)

// restoreScript inserts a finding only when its key is absent
var restoreScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'count', ARGV[4], 'last_seen', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], KEYS[1])
if tonumber(ARGV[5]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
return 1
`)

// RedisStore shares one de-duplication session between engine processes
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore connects to redis and verifies the connection
func NewRedisStore(cfg RedisConfig, ttl time.Duration, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.MaxConnections > 0 {
		opts.PoolSize = cfg.MaxConnections
	}
	opts.MinIdleConns = cfg.MinIdleConns

	store := NewRedisStoreWithClient(redis.NewClient(opts), cfg.KeyPrefix, ttl, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := store.client.Ping(ctx).Result(); err != nil {
		store.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis dedup store initialized",
		zap.String("redis_url", maskRedisURL(cfg.URL)),
		zap.String("key_prefix", store.prefix),
		zap.Duration("ttl", ttl),
	)
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "jssentinel"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (s *RedisStore) findingKey(key string) string {
	return s.prefix + ":finding:" + key
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":findings"
}

func (s *RedisStore) args(f finding.Finding) ([]interface{}, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal finding: %w", err)
	}
	count := f.Count
	if count < 1 {
		count = 1
	}
	return []interface{}{
		string(data),
		f.FirstSeen.UnixMilli(),
		f.LastSeen.UnixMilli(),
		count,
		s.ttl.Milliseconds(),
	}, nil
}

// CheckAndInsert implements Store
func (s *RedisStore) CheckAndInsert(ctx context.Context, f finding.Finding) (bool, finding.Finding, error) {
	args, err := s.args(f)
	if err != nil {
		return false, finding.Finding{}, err
	}

	res, err := checkAndInsertScript.Run(ctx, s.client, []string{s.findingKey(f.Key), s.indexKey()}, args...).Result()
	if err != nil {
		return false, finding.Finding{}, fmt.Errorf("dedup check failed: %w", err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 4 {
		return false, finding.Finding{}, fmt.Errorf("unexpected dedup script reply: %v", res)
	}
	isNew, _ := parts[0].(int64)
	data, _ := parts[1].(string)
	count, _ := parts[2].(int64)
	lastSeen, _ := parts[3].(int64)

	stored, err := decodeFinding(data, count, lastSeen)
	if err != nil {
		return false, finding.Finding{}, err
	}
	return isNew == 1, stored, nil
}

func decodeFinding(data string, count, lastSeenMillis int64) (finding.Finding, error) {
	var f finding.Finding
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return finding.Finding{}, fmt.Errorf("failed to unmarshal finding: %w", err)
	}
	f.Count = count
	if lastSeenMillis > 0 {
		f.LastSeen = time.UnixMilli(lastSeenMillis).UTC()
	}
	return f, nil
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, key string) (finding.Finding, bool, error) {
	vals, err := s.client.HMGet(ctx, s.findingKey(key), "data", "count", "last_seen").Result()
	if err != nil {
		return finding.Finding{}, false, fmt.Errorf("failed to get finding: %w", err)
	}
	f, ok, err := fromHash(vals)
	return f, ok, err
}

func fromHash(vals []interface{}) (finding.Finding, bool, error) {
	if len(vals) != 3 || vals[0] == nil {
		return finding.Finding{}, false, nil
	}
	data, _ := vals[0].(string)
	count, lastSeen := parseInt(vals[1]), parseInt(vals[2])
	f, err := decodeFinding(data, count, lastSeen)
	if err != nil {
		return finding.Finding{}, false, err
	}
	return f, true, nil
}

func parseInt(v interface{}) int64 {
	s, _ := v.(string)
	var n int64
	fmt.Sscan(s, &n)
	return n
}

// List implements Store. Index entries whose hash has expired are pruned on the way.
func (s *RedisStore) List(ctx context.Context) ([]finding.Finding, error) {
	keys, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HMGet(ctx, k, "data", "count", "last_seen")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to load findings: %w", err)
	}

	out := make([]finding.Finding, 0, len(keys))
	var stale []interface{}
	for i, cmd := range cmds {
		f, ok, err := fromHash(cmd.Val())
		if err != nil {
			s.logger.Warn("Skipping corrupted finding", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		if !ok {
			stale = append(stale, keys[i])
			continue
		}
		out = append(out, f)
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, s.indexKey(), stale...)
	}

	finding.SortByFirstSeen(out)
	return out, nil
}

// Len implements Store
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	fs, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(fs), nil
}

// Restore implements Store
func (s *RedisStore) Restore(ctx context.Context, fs []finding.Finding) error {
	for _, f := range fs {
		args, err := s.args(f)
		if err != nil {
			return err
		}
		if err := restoreScript.Run(ctx, s.client, []string{s.findingKey(f.Key), s.indexKey()}, args...).Err(); err != nil {
			return fmt.Errorf("failed to restore finding: %w", err)
		}
	}
	return nil
}

// Clear implements Store
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan finding keys: %w", err)
	}

	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := s.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete finding keys: %w", err)
		}
	}

	s.logger.Info("Dedup store cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close implements Store
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// maskRedisURL hides the password part of a redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	scheme := strings.Index(url, "://")
	creds := url[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon >= 0 {
		return url[:scheme+3] + creds[:colon] + ":***" + url[at:]
	}
	return url
}
