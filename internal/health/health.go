// Package health derives provider health from rolling metrics and runs the
// periodic check that feeds the failover coordinator.
package health

import (
	"context"
	"time"

	"github.com/punchamoorthee/paymentops/internal/domain"
)

// MetricsStore holds the per-provider rolling counters. RecordFailure
// returns the counters as they stand after the increment.
type MetricsStore interface {
	RecordSuccess(ctx context.Context, providerID string, latency time.Duration) error
	RecordFailure(ctx context.Context, providerID string, cause error) (domain.ProviderMetrics, error)
	GetMetrics(ctx context.Context, providerID string) (domain.ProviderMetrics, error)
}

// Thresholds above which a provider is considered unhealthy.
type Thresholds struct {
	MaxErrorRate           float64
	MaxAvgResponseTime     time.Duration
	MaxConsecutiveFailures int64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxErrorRate:           0.1,
		MaxAvgResponseTime:     2000 * time.Millisecond,
		MaxConsecutiveFailures: 3,
	}
}

// Compute derives ProviderHealth from m. A provider is unhealthy when its
// error rate or average latency exceeds the threshold, or when its
// consecutive failures reach the limit.
func Compute(provider string, m domain.ProviderMetrics, now time.Time, th Thresholds) domain.ProviderHealth {
	var errorRate float64
	if total := m.SuccessCount + m.FailureCount; total > 0 {
		errorRate = float64(m.FailureCount) / float64(total)
	}

	var avg float64
	if m.SuccessCount > 0 {
		avg = float64(m.TotalLatencyMs) / float64(m.SuccessCount)
	}

	healthy := errorRate <= th.MaxErrorRate &&
		avg <= float64(th.MaxAvgResponseTime.Milliseconds()) &&
		m.ConsecutiveFailures < th.MaxConsecutiveFailures

	return domain.ProviderHealth{
		Provider:            provider,
		IsHealthy:           healthy,
		LastChecked:         now,
		ErrorRate:           errorRate,
		AvgResponseTime:     avg,
		ConsecutiveFailures: m.ConsecutiveFailures,
	}
}
