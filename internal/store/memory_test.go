package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/paymentops/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestMemoryMetricsStore_GetUnknownIsZero(t *testing.T) {
	s := NewMemoryMetricsStore()
	m, err := s.GetMetrics(context.Background(), "STRIPE")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderMetrics{}, m)
}

func TestMemoryMetricsStore_SuccessResetsConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMetricsStore()

	for i := 0; i < 4; i++ {
		m, err := s.RecordFailure(ctx, "STRIPE", errors.New("boom"))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), m.ConsecutiveFailures)
	}
	require.NoError(t, s.RecordSuccess(ctx, "STRIPE", 120*time.Millisecond))

	m, err := s.GetMetrics(ctx, "STRIPE")
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.ConsecutiveFailures)
	assert.Equal(t, int64(4), m.FailureCount)
	assert.Equal(t, int64(1), m.SuccessCount)
	assert.Equal(t, int64(120), m.TotalLatencyMs)
	require.NotNil(t, m.LastSuccess)
	require.NotNil(t, m.LastFailure)
}

func TestMemoryMetricsStore_GetIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMetricsStore()
	require.NoError(t, s.RecordSuccess(ctx, "PAYPAL", 10*time.Millisecond))
	_, err := s.RecordFailure(ctx, "PAYPAL", errors.New("boom"))
	require.NoError(t, err)

	first, err := s.GetMetrics(ctx, "PAYPAL")
	require.NoError(t, err)
	second, err := s.GetMetrics(ctx, "PAYPAL")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMemoryMetricsStore_RetentionRefreshedOnWrite(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryMetricsStore().WithClock(clock.Now)

	require.NoError(t, s.RecordSuccess(ctx, "STRIPE", time.Millisecond))
	clock.Advance(23 * time.Hour)
	_, err := s.RecordFailure(ctx, "STRIPE", errors.New("boom"))
	require.NoError(t, err)

	clock.Advance(23 * time.Hour)
	m, err := s.GetMetrics(ctx, "STRIPE")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.SuccessCount)
	assert.Equal(t, int64(1), m.FailureCount)

	clock.Advance(2 * time.Hour)
	m, err = s.GetMetrics(ctx, "STRIPE")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderMetrics{}, m)
}

func TestMemoryMetricsStore_ConcurrentFailuresNotLost(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMetricsStore()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordFailure(ctx, "STRIPE", errors.New("boom"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	m, err := s.GetMetrics(ctx, "STRIPE")
	require.NoError(t, err)
	assert.Equal(t, int64(200), m.FailureCount)
	assert.Equal(t, int64(200), m.ConsecutiveFailures)
}

func TestMemoryEventStore_RangeAndExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryEventStore().WithClock(clock.Now)

	base := clock.Now()
	for i := 0; i < 3; i++ {
		ev := domain.AuditEvent{ID: string(rune('a' + i)), Type: domain.EventFailover, Timestamp: base.Add(time.Duration(i) * time.Hour)}
		require.NoError(t, s.Append(ctx, ev, ev.Timestamp.Add(7*24*time.Hour)))
	}

	events, err := s.Range(ctx, base.Add(30*time.Minute), base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].ID)
	assert.Equal(t, "c", events[1].ID)

	clock.Advance(7*24*time.Hour + 90*time.Minute)
	events, err = s.Range(ctx, base, base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "c", events[0].ID)
}
