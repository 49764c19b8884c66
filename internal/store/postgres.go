package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/paymentops/internal/domain"
)

// AuditSchema creates the audit_events table. It is shared with the
// SQLite store, so it sticks to portable column types.
var AuditSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		occurred_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		payload TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_occurred_at ON audit_events(occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_expires_at ON audit_events(expires_at)`,
}

type PostgresEventStore struct {
	Db  *pgxpool.Pool
	now func() time.Time
}

func NewPostgresEventStore(ctx context.Context, connString string) (*PostgresEventStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresEventStore{Db: pool, now: time.Now}, nil
}

func (s *PostgresEventStore) Close() {
	s.Db.Close()
}

// Migrate applies AuditSchema.
func (s *PostgresEventStore) Migrate(ctx context.Context) error {
	for _, stmt := range AuditSchema {
		if _, err := s.Db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply audit schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresEventStore) Append(ctx context.Context, ev domain.AuditEvent, expiresAt time.Time) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.Db.Exec(ctx,
		"INSERT INTO audit_events (id, type, resource_id, occurred_at, expires_at, payload) VALUES ($1, $2, $3, $4, $5, $6)",
		ev.ID, string(ev.Type), ev.ResourceID, ev.Timestamp.UnixMilli(), expiresAt.UnixMilli(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresEventStore) Range(ctx context.Context, start, end time.Time) ([]domain.AuditEvent, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT payload FROM audit_events WHERE occurred_at BETWEEN $1 AND $2 AND expires_at > $3 ORDER BY occurred_at",
		start.UnixMilli(), end.UnixMilli(), s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			log.Printf("Error scanning audit event: %v", err)
			continue
		}
		var ev domain.AuditEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			log.Printf("Error decoding audit event: %v", err)
			continue
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune deletes expired rows and returns how many were removed.
func (s *PostgresEventStore) Prune(ctx context.Context) (int64, error) {
	tag, err := s.Db.Exec(ctx, "DELETE FROM audit_events WHERE expires_at <= $1", s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return tag.RowsAffected(), nil
}
