package domain

import (
	"math"
	"time"
)

// PaymentStatus is the lifecycle state reported by a provider.
type PaymentStatus string

const (
	StatusPending    PaymentStatus = "pending"
	StatusProcessing PaymentStatus = "processing"
	StatusSucceeded  PaymentStatus = "succeeded"
	StatusFailed     PaymentStatus = "failed"
)

// PaymentRequest is the immutable intent submitted to a provider.
// Amount is expressed in minor units of Currency.
type PaymentRequest struct {
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	Description       string            `json:"description,omitempty"`
	IdempotencyKey    string            `json:"idempotency_key"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	PreferredProvider string            `json:"preferred_provider,omitempty"`
}

// PaymentError carries a provider-side error code alongside a response.
type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PaymentResponse is produced once per successful provider call.
type PaymentResponse struct {
	ID                string            `json:"id"`
	Status            PaymentStatus     `json:"status"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	Provider          string            `json:"provider"`
	ProviderReference string            `json:"provider_reference"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Error             *PaymentError     `json:"error,omitempty"`
}

// RefundRequest is passed through to the provider that captured the payment.
type RefundRequest struct {
	PaymentID      string `json:"payment_id"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ProviderMetrics are the rolling counters kept per provider.
// ConsecutiveFailures resets to zero on any success.
type ProviderMetrics struct {
	SuccessCount        int64      `json:"success_count"`
	FailureCount        int64      `json:"failure_count"`
	TotalLatencyMs      int64      `json:"total_latency_ms"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
}

// ProviderHealth is derived from ProviderMetrics at check time.
type ProviderHealth struct {
	Provider            string    `json:"provider"`
	IsHealthy           bool      `json:"is_healthy"`
	LastChecked         time.Time `json:"last_checked"`
	ErrorRate           float64   `json:"error_rate"`
	AvgResponseTime     float64   `json:"avg_response_time_ms"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
}

// FailoverEvent records a single failover decision. FailoverProvider is
// empty when no candidate was available.
type FailoverEvent struct {
	Timestamp        time.Time      `json:"timestamp"`
	OriginalProvider string         `json:"original_provider"`
	FailoverProvider string         `json:"failover_provider,omitempty"`
	Reason           string         `json:"reason"`
	Request          PaymentRequest `json:"request"`
	ErrorDetail      string         `json:"error_detail,omitempty"`
}

// FailoverStrategy is the static retry and candidate configuration.
type FailoverStrategy struct {
	MaxRetries        int           `json:"max_retries"`
	RetryDelay        time.Duration `json:"retry_delay"`
	BackoffFactor     float64       `json:"backoff_factor"`
	FailoverProviders []string      `json:"failover_providers"`
	// CountUnhealthySkips makes skipping a provider already known to be
	// unhealthy consume one attempt of MaxRetries.
	CountUnhealthySkips bool `json:"count_unhealthy_skips"`
}

// Backoff returns the delay to wait after the given zero-based attempt
// has failed: RetryDelay * BackoffFactor^attempt.
func (s FailoverStrategy) Backoff(attempt int) time.Duration {
	factor := s.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	return time.Duration(float64(s.RetryDelay) * math.Pow(factor, float64(attempt)))
}

// EventType classifies audit events.
type EventType string

const (
	EventFailover           EventType = "payment.failover"
	EventHealthChanged      EventType = "provider.health_changed"
	EventProviderRegistered EventType = "provider.registered"
	EventMonitorStarted     EventType = "monitor.started"
	EventMonitorStopped     EventType = "monitor.stopped"
)

// AuditEvent is the append-only unit kept by the audit log.
type AuditEvent struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	ResourceID string            `json:"resource_id,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Failover   *FailoverEvent    `json:"failover,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// Severity of an operational alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a fire-and-forget notification for operators.
type Alert struct {
	Severity Severity          `json:"severity"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
