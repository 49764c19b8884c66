package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/paymentops/internal/domain"
)

// MetricsRetention bounds how long an idle provider's counters are kept.
// Every write refreshes it.
const MetricsRetention = 24 * time.Hour

type metricsRecord struct {
	m         domain.ProviderMetrics
	expiresAt time.Time
}

// MemoryMetricsStore keeps provider counters in process. Each record
// operation holds the lock for its whole field group.
type MemoryMetricsStore struct {
	mu        sync.Mutex
	records   map[string]*metricsRecord
	retention time.Duration
	now       func() time.Time
}

func NewMemoryMetricsStore() *MemoryMetricsStore {
	return &MemoryMetricsStore{
		records:   make(map[string]*metricsRecord),
		retention: MetricsRetention,
		now:       time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (s *MemoryMetricsStore) WithClock(now func() time.Time) *MemoryMetricsStore {
	s.now = now
	return s
}

// live returns the unexpired record for id, creating one if needed.
// Callers hold s.mu.
func (s *MemoryMetricsStore) live(id string, now time.Time) *metricsRecord {
	rec, ok := s.records[id]
	if !ok || !now.Before(rec.expiresAt) {
		rec = &metricsRecord{}
		s.records[id] = rec
	}
	rec.expiresAt = now.Add(s.retention)
	return rec
}

func (s *MemoryMetricsStore) RecordSuccess(ctx context.Context, providerID string, latency time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := s.live(providerID, now)
	rec.m.SuccessCount++
	rec.m.TotalLatencyMs += latency.Milliseconds()
	rec.m.ConsecutiveFailures = 0
	rec.m.LastSuccess = &now
	return nil
}

func (s *MemoryMetricsStore) RecordFailure(ctx context.Context, providerID string, cause error) (domain.ProviderMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := s.live(providerID, now)
	rec.m.FailureCount++
	rec.m.ConsecutiveFailures++
	rec.m.LastFailure = &now
	return rec.m, nil
}

func (s *MemoryMetricsStore) GetMetrics(ctx context.Context, providerID string) (domain.ProviderMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[providerID]
	if !ok {
		return domain.ProviderMetrics{}, nil
	}
	if !s.now().Before(rec.expiresAt) {
		delete(s.records, providerID)
		return domain.ProviderMetrics{}, nil
	}
	return rec.m, nil
}

type storedEvent struct {
	ev        domain.AuditEvent
	expiresAt time.Time
}

// MemoryEventStore is an in-process audit event store.
type MemoryEventStore struct {
	mu     sync.Mutex
	events []storedEvent
	now    func() time.Time
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{now: time.Now}
}

func (s *MemoryEventStore) WithClock(now func() time.Time) *MemoryEventStore {
	s.now = now
	return s
}

func (s *MemoryEventStore) Append(ctx context.Context, ev domain.AuditEvent, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	kept := s.events[:0]
	for _, se := range s.events {
		if now.Before(se.expiresAt) {
			kept = append(kept, se)
		}
	}
	s.events = append(kept, storedEvent{ev: ev, expiresAt: expiresAt})
	return nil
}

func (s *MemoryEventStore) Range(ctx context.Context, start, end time.Time) ([]domain.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []domain.AuditEvent
	for _, se := range s.events {
		if !now.Before(se.expiresAt) {
			continue
		}
		ts := se.ev.Timestamp
		if ts.Before(start) || ts.After(end) {
			continue
		}
		out = append(out, se.ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
