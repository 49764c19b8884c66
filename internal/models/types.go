package models

import (
	"errors"
	"time"

	"github.com/punchamoorthee/paymentops/internal/domain"
)

// CreatePaymentRequest is the payload accepted by POST /api/v1/payments.
type CreatePaymentRequest struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Provider    string            `json:"provider,omitempty"`
}

// ToDomain builds the provider-facing request. The idempotency key comes
// from the request header, never the body.
func (r CreatePaymentRequest) ToDomain(idempotencyKey string) domain.PaymentRequest {
	return domain.PaymentRequest{
		Amount:            r.Amount,
		Currency:          r.Currency,
		Description:       r.Description,
		IdempotencyKey:    idempotencyKey,
		Metadata:          r.Metadata,
		PreferredProvider: r.Provider,
	}
}

type CreateRefundRequest struct {
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason,omitempty"`
}

type WebhookResponse struct {
	Provider string `json:"provider"`
	Verified bool   `json:"verified"`
}

type ProviderHealthResponse struct {
	Providers []domain.ProviderHealth `json:"providers"`
	CheckedAt time.Time               `json:"checked_at"`
}

type ProviderMetricsResponse struct {
	Provider string                 `json:"provider"`
	Metrics  domain.ProviderMetrics `json:"metrics"`
}

type AuditEventsResponse struct {
	From   time.Time           `json:"from"`
	To     time.Time           `json:"to"`
	Events []domain.AuditEvent `json:"events"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error    string `json:"error"`
	Attempts int    `json:"attempts,omitempty"`
}

var (
	ErrIdempotencyConflict = errors.New("request with this idempotency key is in progress")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different payload")
)

// IdempotencyRecord holds the completed response for a request key.
type IdempotencyRecord struct {
	Key            string
	RequestHash    string
	ResponseStatus int
	ResponseBody   []byte
	ExpiresAt      time.Time
}
