// Package provider defines the payment backend contract and the registry
// that maps provider identifiers to their current implementation.
package provider

import (
	"context"
	"time"

	"github.com/punchamoorthee/paymentops/internal/domain"
)

// Config carries the settings a provider needs at initialization.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

// Provider is implemented by each concrete payment backend. CreatePayment
// must return an error for any failed attempt; the failover core depends
// on nothing else.
type Provider interface {
	Initialize(ctx context.Context, cfg Config) error
	CreatePayment(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentResponse, error)
	GetPaymentStatus(ctx context.Context, id string) (*domain.PaymentResponse, error)
	RefundPayment(ctx context.Context, req domain.RefundRequest) (*domain.PaymentResponse, error)
	VerifyWebhookSignature(payload []byte, signature, secret string) bool
}
