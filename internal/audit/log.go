// Package audit keeps the append-only, time-bounded trail of failover and
// provider lifecycle events.
package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/paymentops/internal/domain"
)

// DefaultRetention is how long events stay queryable.
const DefaultRetention = 7 * 24 * time.Hour

// Store persists events until expiresAt. Range returns the unexpired events
// whose timestamp falls within [start, end].
type Store interface {
	Append(ctx context.Context, ev domain.AuditEvent, expiresAt time.Time) error
	Range(ctx context.Context, start, end time.Time) ([]domain.AuditEvent, error)
}

// Query selects events by time window and, optionally, by type and resource.
type Query struct {
	Start      time.Time
	End        time.Time
	Types      []domain.EventType
	ResourceID string
}

type Log struct {
	store     Store
	retention time.Duration
	now       func() time.Time
}

type Option func(*Log)

func WithRetention(d time.Duration) Option {
	return func(l *Log) { l.retention = d }
}

func WithNow(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

func NewLog(store Store, opts ...Option) *Log {
	l := &Log{store: store, retention: DefaultRetention, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends ev, filling in its id and timestamp when unset.
func (l *Log) Record(ctx context.Context, ev domain.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	if err := l.store.Append(ctx, ev, ev.Timestamp.Add(l.retention)); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// RecordFailover wraps a failover decision as a payment.failover event
// keyed by the payment's idempotency key.
func (l *Log) RecordFailover(ctx context.Context, fe domain.FailoverEvent) error {
	if fe.Timestamp.IsZero() {
		fe.Timestamp = l.now().UTC()
	}
	details := map[string]string{"original_provider": fe.OriginalProvider}
	if fe.FailoverProvider != "" {
		details["failover_provider"] = fe.FailoverProvider
	}
	return l.Record(ctx, domain.AuditEvent{
		Type:       domain.EventFailover,
		ResourceID: fe.Request.IdempotencyKey,
		Timestamp:  fe.Timestamp,
		Failover:   &fe,
		Details:    details,
	})
}

// Query loads the time window from the store and filters by type and
// resource afterwards. The filtering is a scan over the window.
func (l *Log) Query(ctx context.Context, q Query) ([]domain.AuditEvent, error) {
	if q.End.IsZero() {
		q.End = l.now()
	}
	if q.End.Before(q.Start) {
		return nil, fmt.Errorf("query window end %s before start %s", q.End, q.Start)
	}

	events, err := l.store.Range(ctx, q.Start, q.End)
	if err != nil {
		return nil, fmt.Errorf("range audit events: %w", err)
	}

	types := make(map[domain.EventType]bool, len(q.Types))
	for _, t := range q.Types {
		types[t] = true
	}

	out := events[:0]
	for _, ev := range events {
		if len(types) > 0 && !types[ev.Type] {
			continue
		}
		if q.ResourceID != "" && ev.ResourceID != q.ResourceID {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
