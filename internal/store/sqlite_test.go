package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/paymentops/internal/domain"
)

func TestSQLiteEventStore_AppendRangePrune(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s, err := OpenSQLiteEventStore(":memory:")
	require.NoError(t, err)
	defer s.Close()
	s.WithClock(clock.Now)

	base := clock.Now()
	fe := &domain.FailoverEvent{
		Timestamp:        base,
		OriginalProvider: "STRIPE",
		FailoverProvider: "GOCARDLESS",
		Reason:           "card processor unavailable",
		Request:          domain.PaymentRequest{Amount: 4200, Currency: "GBP", IdempotencyKey: "idem-7"},
	}
	require.NoError(t, s.Append(ctx, domain.AuditEvent{
		ID: "e1", Type: domain.EventFailover, ResourceID: "idem-7", Timestamp: base, Failover: fe,
	}, base.Add(time.Hour)))
	require.NoError(t, s.Append(ctx, domain.AuditEvent{
		ID: "e2", Type: domain.EventHealthChanged, ResourceID: "STRIPE", Timestamp: base.Add(time.Minute),
	}, base.Add(7*24*time.Hour)))

	events, err := s.Range(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NotNil(t, events[0].Failover)
	assert.Equal(t, "GOCARDLESS", events[0].Failover.FailoverProvider)
	assert.Equal(t, int64(4200), events[0].Failover.Request.Amount)

	clock.Advance(2 * time.Hour)
	events, err = s.Range(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].ID)

	pruned, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}
