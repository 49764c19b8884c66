package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/paymentops/internal/domain"
)

const (
	metricsKeyPrefix = "metrics:"
	eventKeyPrefix   = "failover:events:"
	eventIndexKey    = "failover:events:index"

	// EventRetention bounds the event index. Index members scored before
	// now-EventRetention are trimmed on every append and range.
	EventRetention = 7 * 24 * time.Hour

	fieldSuccessCount        = "success_count"
	fieldFailureCount        = "failure_count"
	fieldTotalLatencyMs      = "total_latency_ms"
	fieldConsecutiveFailures = "consecutive_failures"
	fieldLastSuccess         = "last_success"
	fieldLastFailure         = "last_failure"
)

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:            addr,
		PoolSize:        100,
		MinIdleConns:    10,
		PoolTimeout:     2 * time.Second,
		DialTimeout:     2 * time.Second,
		ReadTimeout:     1 * time.Second,
		WriteTimeout:    1 * time.Second,
		MaxRetries:      1,
		MaxRetryBackoff: 256 * time.Millisecond,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Println("Redis connection initialized successfully")
	return rdb, nil
}

// RedisMetricsStore keeps one hash per provider. Each record operation is
// a single MULTI/EXEC transaction, so concurrent writers never lose updates.
type RedisMetricsStore struct {
	client    redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

func NewRedisMetricsStore(client redis.UniversalClient) *RedisMetricsStore {
	return &RedisMetricsStore{client: client, retention: MetricsRetention, now: time.Now}
}

func metricsKey(providerID string) string {
	return metricsKeyPrefix + providerID
}

func (s *RedisMetricsStore) RecordSuccess(ctx context.Context, providerID string, latency time.Duration) error {
	key := metricsKey(providerID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldSuccessCount, 1)
		pipe.HIncrBy(ctx, key, fieldTotalLatencyMs, latency.Milliseconds())
		pipe.HSet(ctx, key,
			fieldConsecutiveFailures, 0,
			fieldLastSuccess, s.now().UnixMilli(),
		)
		pipe.Expire(ctx, key, s.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record success for %s: %w", providerID, err)
	}
	return nil
}

func (s *RedisMetricsStore) RecordFailure(ctx context.Context, providerID string, cause error) (domain.ProviderMetrics, error) {
	key := metricsKey(providerID)
	var all *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldFailureCount, 1)
		pipe.HIncrBy(ctx, key, fieldConsecutiveFailures, 1)
		pipe.HSet(ctx, key, fieldLastFailure, s.now().UnixMilli())
		pipe.Expire(ctx, key, s.retention)
		all = pipe.HGetAll(ctx, key)
		return nil
	})
	if err != nil {
		return domain.ProviderMetrics{}, fmt.Errorf("record failure for %s: %w", providerID, err)
	}
	return parseMetrics(all.Val())
}

func (s *RedisMetricsStore) GetMetrics(ctx context.Context, providerID string) (domain.ProviderMetrics, error) {
	fields, err := s.client.HGetAll(ctx, metricsKey(providerID)).Result()
	if err != nil {
		return domain.ProviderMetrics{}, fmt.Errorf("get metrics for %s: %w", providerID, err)
	}
	return parseMetrics(fields)
}

func parseMetrics(fields map[string]string) (domain.ProviderMetrics, error) {
	var m domain.ProviderMetrics
	ints := map[string]*int64{
		fieldSuccessCount:        &m.SuccessCount,
		fieldFailureCount:        &m.FailureCount,
		fieldTotalLatencyMs:      &m.TotalLatencyMs,
		fieldConsecutiveFailures: &m.ConsecutiveFailures,
	}
	for name, dst := range ints {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.ProviderMetrics{}, fmt.Errorf("parse %s: %w", name, err)
		}
		*dst = v
	}

	var err error
	if m.LastSuccess, err = parseMillis(fields[fieldLastSuccess]); err != nil {
		return domain.ProviderMetrics{}, err
	}
	if m.LastFailure, err = parseMillis(fields[fieldLastFailure]); err != nil {
		return domain.ProviderMetrics{}, err
	}
	return m, nil
}

func parseMillis(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

// RedisEventStore writes each event under its own key with a native expiry
// and indexes the keys in a sorted set scored by event time.
type RedisEventStore struct {
	client    redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

func NewRedisEventStore(client redis.UniversalClient) *RedisEventStore {
	return &RedisEventStore{client: client, retention: EventRetention, now: time.Now}
}

// WithClock replaces the clock used for expiries and index trimming.
func (s *RedisEventStore) WithClock(now func() time.Time) *RedisEventStore {
	s.now = now
	return s
}

// indexCutoff is the exclusive upper score bound of index members older
// than the retention window.
func (s *RedisEventStore) indexCutoff() string {
	return "(" + strconv.FormatInt(s.now().Add(-s.retention).UnixMilli(), 10)
}

func eventKey(ev domain.AuditEvent) string {
	return fmt.Sprintf("%s%d:%s", eventKeyPrefix, ev.Timestamp.UnixMilli(), ev.ID)
}

func (s *RedisEventStore) Append(ctx context.Context, ev domain.AuditEvent, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := eventKey(ev)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, ttl)
		pipe.ZAdd(ctx, eventIndexKey, redis.Z{Score: float64(ev.Timestamp.UnixMilli()), Member: key})
		pipe.ZRemRangeByScore(ctx, eventIndexKey, "-inf", s.indexCutoff())
		return nil
	})
	if err != nil {
		return fmt.Errorf("store event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *RedisEventStore) Range(ctx context.Context, start, end time.Time) ([]domain.AuditEvent, error) {
	if err := s.client.ZRemRangeByScore(ctx, eventIndexKey, "-inf", s.indexCutoff()).Err(); err != nil {
		return nil, fmt.Errorf("trim event index: %w", err)
	}

	keys, err := s.client.ZRangeByScore(ctx, eventIndexKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(start.UnixMilli(), 10),
		Max: strconv.FormatInt(end.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range event index: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load events: %w", err)
	}

	var events []domain.AuditEvent
	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, keys[i])
			continue
		}
		var ev domain.AuditEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			log.Printf("Warning: failed to unmarshal event %s: %v", keys[i], err)
			continue
		}
		events = append(events, ev)
	}

	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, eventIndexKey, expired...).Err(); err != nil {
			log.Printf("Warning: failed to prune expired event index entries: %v", err)
		}
	}
	return events, nil
}
