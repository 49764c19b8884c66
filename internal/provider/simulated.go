package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/paymentops/internal/domain"
)

var ErrSimulatedOutage = errors.New("simulated provider outage")

// SimulatedProvider is an in-process sandbox backend. Failures can be
// injected to exercise failover without a real processor.
type SimulatedProvider struct {
	name string

	mu       sync.Mutex
	cfg      Config
	latency  time.Duration
	failing  bool
	failNext int
	calls    int
	keys     []string
	payments map[string]domain.PaymentResponse
}

func NewSimulatedProvider(name string) *SimulatedProvider {
	return &SimulatedProvider{
		name:     name,
		payments: make(map[string]domain.PaymentResponse),
	}
}

func (p *SimulatedProvider) Initialize(ctx context.Context, cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	return nil
}

// SetFailing makes every subsequent CreatePayment fail until reset.
func (p *SimulatedProvider) SetFailing(failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = failing
}

// FailNext makes the next n CreatePayment calls fail.
func (p *SimulatedProvider) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

func (p *SimulatedProvider) SetLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = d
}

// Calls returns the number of CreatePayment invocations so far.
func (p *SimulatedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// IdempotencyKeys returns the keys seen by CreatePayment, in call order.
func (p *SimulatedProvider) IdempotencyKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func (p *SimulatedProvider) CreatePayment(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentResponse, error) {
	p.mu.Lock()
	p.calls++
	p.keys = append(p.keys, req.IdempotencyKey)
	latency := p.latency
	fail := p.failing
	if p.failNext > 0 {
		p.failNext--
		fail = true
	}
	p.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, fmt.Errorf("%s: %w", p.name, ErrSimulatedOutage)
	}

	resp := domain.PaymentResponse{
		ID:                uuid.NewString(),
		Status:            domain.StatusSucceeded,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Provider:          p.name,
		ProviderReference: fmt.Sprintf("%s_%s", p.name, uuid.NewString()[:8]),
		Metadata:          req.Metadata,
	}

	p.mu.Lock()
	p.payments[resp.ID] = resp
	p.mu.Unlock()
	return &resp, nil
}

func (p *SimulatedProvider) GetPaymentStatus(ctx context.Context, id string) (*domain.PaymentResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	resp, ok := p.payments[id]
	if !ok {
		return nil, fmt.Errorf("%s: payment %s not found", p.name, id)
	}
	return &resp, nil
}

func (p *SimulatedProvider) RefundPayment(ctx context.Context, req domain.RefundRequest) (*domain.PaymentResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	orig, ok := p.payments[req.PaymentID]
	if !ok {
		return nil, fmt.Errorf("%s: payment %s not found", p.name, req.PaymentID)
	}
	if req.Amount <= 0 || req.Amount > orig.Amount {
		return nil, fmt.Errorf("%s: refund amount %d out of range", p.name, req.Amount)
	}
	refund := domain.PaymentResponse{
		ID:                uuid.NewString(),
		Status:            domain.StatusSucceeded,
		Amount:            req.Amount,
		Currency:          orig.Currency,
		Provider:          p.name,
		ProviderReference: orig.ProviderReference,
		Metadata:          map[string]string{"refund_of": orig.ID},
	}
	return &refund, nil
}

func (p *SimulatedProvider) VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	if secret == "" {
		p.mu.Lock()
		secret = p.cfg.WebhookSecret
		p.mu.Unlock()
	}
	return VerifyHMAC(payload, signature, secret)
}
