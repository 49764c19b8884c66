package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/punchamoorthee/paymentops/internal/domain"
)

func TestCompute(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	th := DefaultThresholds()

	tests := []struct {
		name        string
		metrics     domain.ProviderMetrics
		wantHealthy bool
		wantRate    float64
		wantAvg     float64
	}{
		{
			name:        "no traffic is healthy",
			wantHealthy: true,
		},
		{
			name:        "error rate at threshold is healthy",
			metrics:     domain.ProviderMetrics{SuccessCount: 9, FailureCount: 1, TotalLatencyMs: 900},
			wantHealthy: true,
			wantRate:    0.1,
			wantAvg:     100,
		},
		{
			name:        "error rate above threshold",
			metrics:     domain.ProviderMetrics{SuccessCount: 8, FailureCount: 2, TotalLatencyMs: 800},
			wantHealthy: false,
			wantRate:    0.2,
			wantAvg:     100,
		},
		{
			name:        "slow responses",
			metrics:     domain.ProviderMetrics{SuccessCount: 2, TotalLatencyMs: 4002},
			wantHealthy: false,
			wantAvg:     2001,
		},
		{
			name:        "average at 2000ms is healthy",
			metrics:     domain.ProviderMetrics{SuccessCount: 2, TotalLatencyMs: 4000},
			wantHealthy: true,
			wantAvg:     2000,
		},
		{
			name:        "three consecutive failures",
			metrics:     domain.ProviderMetrics{SuccessCount: 100, FailureCount: 3, ConsecutiveFailures: 3, TotalLatencyMs: 1000},
			wantHealthy: false,
			wantRate:    3.0 / 103.0,
			wantAvg:     10,
		},
		{
			name:        "failures only, no successes",
			metrics:     domain.ProviderMetrics{FailureCount: 1, ConsecutiveFailures: 1},
			wantHealthy: false,
			wantRate:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Compute("STRIPE", tt.metrics, now, th)
			assert.Equal(t, "STRIPE", h.Provider)
			assert.Equal(t, tt.wantHealthy, h.IsHealthy)
			assert.InDelta(t, tt.wantRate, h.ErrorRate, 1e-9)
			assert.InDelta(t, tt.wantAvg, h.AvgResponseTime, 1e-9)
			assert.Equal(t, tt.metrics.ConsecutiveFailures, h.ConsecutiveFailures)
			assert.Equal(t, now, h.LastChecked)
		})
	}
}

func TestCompute_ErrorRateNotResetBySuccess(t *testing.T) {
	m := domain.ProviderMetrics{SuccessCount: 1, FailureCount: 4, ConsecutiveFailures: 0, TotalLatencyMs: 50}
	h := Compute("GOCARDLESS", m, time.Now(), DefaultThresholds())
	assert.Equal(t, int64(0), h.ConsecutiveFailures)
	assert.InDelta(t, 0.8, h.ErrorRate, 1e-9)
	assert.False(t, h.IsHealthy)
}
