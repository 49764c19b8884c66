package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/paymentops/internal/models"
)

const (
	replayKeyPrefix = "idempotency:"

	replayProcessing = "processing"
	replayCompleted  = "completed"

	defaultReplayTTL = 24 * time.Hour

	// DefaultClaimTTL bounds how long a crashed request can hold its key.
	DefaultClaimTTL = time.Minute

	pgUniqueViolation = "23505"
)

// IdempotencySchema creates the idempotency_keys table used by
// PostgresReplayStore.
var IdempotencySchema = []string{
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		request_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		response_status INT NOT NULL DEFAULT 0,
		response_body BYTEA,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires_at ON idempotency_keys(expires_at)`,
}

// replayEntry is the stored form of one key in either backend.
type replayEntry struct {
	RequestHash    string `json:"request_hash"`
	Status         string `json:"status"`
	ResponseStatus int    `json:"response_status,omitempty"`
	ResponseBody   []byte `json:"response_body,omitempty"`
	ExpiresAt      int64  `json:"expires_at"`
}

// resolve decides what a second Begin on an existing key sees.
func (e replayEntry) resolve(key, reqHash string) (*models.IdempotencyRecord, error) {
	if e.RequestHash != reqHash {
		return nil, models.ErrIdempotencyMismatch
	}
	if e.Status != replayCompleted {
		return nil, models.ErrIdempotencyConflict
	}
	return &models.IdempotencyRecord{
		Key:            key,
		RequestHash:    e.RequestHash,
		ResponseStatus: e.ResponseStatus,
		ResponseBody:   e.ResponseBody,
		ExpiresAt:      time.UnixMilli(e.ExpiresAt).UTC(),
	}, nil
}

// RedisReplayStore claims keys with SET NX and stores completed responses
// with SET EX, so replays survive restarts and are shared across replicas.
type RedisReplayStore struct {
	client   redis.UniversalClient
	ttl      time.Duration
	claimTTL time.Duration
	now      func() time.Time
}

func NewRedisReplayStore(client redis.UniversalClient, ttl time.Duration) *RedisReplayStore {
	if ttl <= 0 {
		ttl = defaultReplayTTL
	}
	return &RedisReplayStore{client: client, ttl: ttl, claimTTL: DefaultClaimTTL, now: time.Now}
}

func (s *RedisReplayStore) Begin(ctx context.Context, key, reqHash string) (*models.IdempotencyRecord, error) {
	rk := replayKeyPrefix + key
	claim, err := json.Marshal(replayEntry{
		RequestHash: reqHash,
		Status:      replayProcessing,
		ExpiresAt:   s.now().Add(s.claimTTL).UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	// A key can expire between SETNX and GET, so try the claim twice.
	for i := 0; i < 2; i++ {
		claimed, err := s.client.SetNX(ctx, rk, claim, s.claimTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("claim idempotency key: %w", err)
		}
		if claimed {
			return nil, nil
		}

		raw, err := s.client.Get(ctx, rk).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load idempotency key: %w", err)
		}
		var e replayEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode idempotency key %s: %w", key, err)
		}
		return e.resolve(key, reqHash)
	}
	return nil, models.ErrIdempotencyConflict
}

func (s *RedisReplayStore) Complete(ctx context.Context, key, reqHash string, status int, body []byte) error {
	data, err := json.Marshal(replayEntry{
		RequestHash:    reqHash,
		Status:         replayCompleted,
		ResponseStatus: status,
		ResponseBody:   body,
		ExpiresAt:      s.now().Add(s.ttl).UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, replayKeyPrefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store idempotent response: %w", err)
	}
	return nil
}

func (s *RedisReplayStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, replayKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// PostgresReplayStore reserves keys in idempotency_keys. A unique
// violation on insert means another request already owns the key.
type PostgresReplayStore struct {
	db       *pgxpool.Pool
	ttl      time.Duration
	claimTTL time.Duration
	now      func() time.Time
}

func NewPostgresReplayStore(db *pgxpool.Pool, ttl time.Duration) *PostgresReplayStore {
	if ttl <= 0 {
		ttl = defaultReplayTTL
	}
	return &PostgresReplayStore{db: db, ttl: ttl, claimTTL: DefaultClaimTTL, now: time.Now}
}

// Migrate applies IdempotencySchema.
func (s *PostgresReplayStore) Migrate(ctx context.Context) error {
	for _, stmt := range IdempotencySchema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply idempotency schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresReplayStore) Begin(ctx context.Context, key, reqHash string) (*models.IdempotencyRecord, error) {
	for i := 0; i < 2; i++ {
		now := s.now()
		_, err := s.db.Exec(ctx,
			"INSERT INTO idempotency_keys (key, request_hash, status, expires_at) VALUES ($1, $2, $3, $4)",
			key, reqHash, replayProcessing, now.Add(s.claimTTL).UnixMilli())
		if err == nil {
			return nil, nil
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
			return nil, fmt.Errorf("reserve idempotency key: %w", err)
		}

		var e replayEntry
		err = s.db.QueryRow(ctx,
			"SELECT request_hash, status, response_status, response_body, expires_at FROM idempotency_keys WHERE key = $1",
			key,
		).Scan(&e.RequestHash, &e.Status, &e.ResponseStatus, &e.ResponseBody, &e.ExpiresAt)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("idempotency query failed: %w", err)
		}

		if e.ExpiresAt <= now.UnixMilli() {
			if _, err := s.db.Exec(ctx,
				"DELETE FROM idempotency_keys WHERE key = $1 AND expires_at <= $2", key, now.UnixMilli()); err != nil {
				return nil, fmt.Errorf("expire idempotency key: %w", err)
			}
			continue
		}
		return e.resolve(key, reqHash)
	}
	return nil, models.ErrIdempotencyConflict
}

func (s *PostgresReplayStore) Complete(ctx context.Context, key, reqHash string, status int, body []byte) error {
	_, err := s.db.Exec(ctx,
		"UPDATE idempotency_keys SET status = $2, response_status = $3, response_body = $4, expires_at = $5 WHERE key = $1 AND request_hash = $6",
		key, replayCompleted, status, body, s.now().Add(s.ttl).UnixMilli(), reqHash)
	if err != nil {
		return fmt.Errorf("store idempotent response: %w", err)
	}
	return nil
}

func (s *PostgresReplayStore) Release(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM idempotency_keys WHERE key = $1 AND status = $2", key, replayProcessing)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Prune deletes expired keys and returns how many were removed.
func (s *PostgresReplayStore) Prune(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, "DELETE FROM idempotency_keys WHERE expires_at <= $1", s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
