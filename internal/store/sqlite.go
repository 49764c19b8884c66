package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/punchamoorthee/paymentops/internal/domain"
)

// SQLiteEventStore is the embedded audit store for single-node deployments.
type SQLiteEventStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteEventStore opens (or creates) the database at dsn and ensures
// the schema exists. Pass ":memory:" for an in-memory database.
func OpenSQLiteEventStore(dsn string) (*SQLiteEventStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Each connection to ":memory:" is a separate database.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	for _, stmt := range AuditSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}

	return &SQLiteEventStore{db: db, now: time.Now}, nil
}

func (s *SQLiteEventStore) WithClock(now func() time.Time) *SQLiteEventStore {
	s.now = now
	return s
}

func (s *SQLiteEventStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteEventStore) Append(ctx context.Context, ev domain.AuditEvent, expiresAt time.Time) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, type, resource_id, occurred_at, expires_at, payload)
		VALUES (?,?,?,?,?,?)`,
		ev.ID, string(ev.Type), ev.ResourceID, ev.Timestamp.UnixMilli(), expiresAt.UnixMilli(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *SQLiteEventStore) Range(ctx context.Context, start, end time.Time) ([]domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM audit_events
		WHERE occurred_at BETWEEN ? AND ? AND expires_at > ?
		ORDER BY occurred_at`,
		start.UnixMilli(), end.UnixMilli(), s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		var ev domain.AuditEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			log.Printf("Warning: failed to decode audit event: %v", err)
			continue
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteEventStore) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE expires_at <= ?", s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return res.RowsAffected()
}
