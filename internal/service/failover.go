package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/paymentops/internal/domain"
	"github.com/punchamoorthee/paymentops/internal/provider"
)

var (
	providerAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_provider_attempts_total",
		Help: "Provider calls made by the failover coordinator, labeled by outcome",
	}, []string{"provider", "outcome"})

	providerAttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_provider_attempt_duration_seconds",
		Help:    "Latency distribution of provider CreatePayment calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"provider"})

	failoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_failovers_total",
		Help: "Failover decisions, labeled by original and chosen provider",
	}, []string{"from", "to"})
)

// ProviderSource resolves a provider id to its current implementation.
type ProviderSource interface {
	Get(id string) (provider.Provider, error)
}

// HealthRecorder receives the outcome of every provider call.
type HealthRecorder interface {
	RecordSuccess(ctx context.Context, providerID string, latency time.Duration) error
	RecordFailure(ctx context.Context, providerID string, cause error) error
}

type FailoverRecorder interface {
	RecordFailover(ctx context.Context, ev domain.FailoverEvent) error
}

// FailoverCoordinator routes a payment to its preferred provider and fails
// over to the strategy's candidates with exponential backoff.
type FailoverCoordinator struct {
	providers       ProviderSource
	health          HealthRecorder
	audit           FailoverRecorder
	strategy        domain.FailoverStrategy
	defaultProvider string
	sleep           func(ctx context.Context, d time.Duration) error
	now             func() time.Time

	mu         sync.RWMutex
	healthView map[string]domain.ProviderHealth
}

type Option func(*FailoverCoordinator)

// WithSleep replaces the backoff wait, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *FailoverCoordinator) { c.sleep = sleep }
}

func WithDefaultProvider(id string) Option {
	return func(c *FailoverCoordinator) { c.defaultProvider = id }
}

func WithClock(now func() time.Time) Option {
	return func(c *FailoverCoordinator) { c.now = now }
}

func NewFailoverCoordinator(providers ProviderSource, health HealthRecorder, audit FailoverRecorder, strategy domain.FailoverStrategy, opts ...Option) (*FailoverCoordinator, error) {
	if strategy.MaxRetries < 1 {
		return nil, fmt.Errorf("%w: max retries must be at least 1, got %d", ErrInvalidStrategy, strategy.MaxRetries)
	}
	if strategy.BackoffFactor < 1 {
		return nil, fmt.Errorf("%w: backoff factor must be at least 1, got %g", ErrInvalidStrategy, strategy.BackoffFactor)
	}
	if strategy.RetryDelay < 0 {
		return nil, fmt.Errorf("%w: negative retry delay", ErrInvalidStrategy)
	}

	c := &FailoverCoordinator{
		providers:  providers,
		health:     health,
		audit:      audit,
		strategy:   strategy,
		sleep:      sleepContext,
		now:        time.Now,
		healthView: make(map[string]domain.ProviderHealth),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ObserveHealth updates the cached health view. It is registered as the
// health monitor's callback.
func (c *FailoverCoordinator) ObserveHealth(h domain.ProviderHealth) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthView[h.Provider] = h
}

// IsActive reports whether id may be attempted. Providers the monitor has
// not reported on yet are active.
func (c *FailoverCoordinator) IsActive(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.healthView[id]
	return !ok || h.IsHealthy
}

// nextCandidate returns the first failover provider other than current
// that is active.
func (c *FailoverCoordinator) nextCandidate(current string) (string, bool) {
	for _, id := range c.strategy.FailoverProviders {
		if id != current && c.IsActive(id) {
			return id, true
		}
	}
	return "", false
}

// ProcessPayment attempts the payment with preferred and fails over on
// error until MaxRetries attempts are used. Intermediate failures are
// recorded, never returned; the caller sees a response or one terminal error.
func (c *FailoverCoordinator) ProcessPayment(ctx context.Context, preferred string, req domain.PaymentRequest) (*domain.PaymentResponse, error) {
	current := c.resolvePreferred(preferred, req)
	if current == "" {
		return nil, ErrNoAvailableProviders
	}

	attempts, skips := 0, 0
	maxSkips := len(c.strategy.FailoverProviders) + 1
	var lastErr error

	for attempts < c.strategy.MaxRetries {
		if !c.IsActive(current) {
			next, ok := c.nextCandidate(current)
			c.recordFailover(ctx, domain.FailoverEvent{
				OriginalProvider: current,
				FailoverProvider: next,
				Reason:           "provider marked unhealthy",
				Request:          req,
			})
			if !ok {
				return nil, fmt.Errorf("%w: %s is unhealthy and no failover candidate is active", ErrNoAvailableProviders, current)
			}
			log.Printf("Provider %s is unhealthy, skipping to %s", current, next)
			current = next
			if c.strategy.CountUnhealthySkips {
				attempts++
				continue
			}
			skips++
			if skips > maxSkips {
				break
			}
			continue
		}

		p, err := c.providers.Get(current)
		if err != nil {
			return nil, err
		}

		resp, err := c.attempt(ctx, p, current, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		next, ok := c.nextCandidate(current)
		c.recordFailover(ctx, domain.FailoverEvent{
			OriginalProvider: current,
			FailoverProvider: next,
			Reason:           err.Error(),
			Request:          req,
			ErrorDetail:      fmt.Sprintf("attempt %d of %d", attempts+1, c.strategy.MaxRetries),
		})

		delay := c.strategy.Backoff(attempts)
		attempts++
		if !ok || attempts >= c.strategy.MaxRetries {
			break
		}

		log.Printf("Provider %s failed (%v), retrying with %s in %s", current, err, next, delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("payment aborted after %d attempts: %w", attempts, err)
		}
		current = next
	}

	if lastErr == nil {
		// Every attempt went to skipping unhealthy providers.
		return nil, fmt.Errorf("%w: only unhealthy providers remained after %d attempts", ErrNoAvailableProviders, attempts)
	}
	return nil, &RetryExhaustedError{Attempts: attempts, Last: lastErr}
}

func (c *FailoverCoordinator) resolvePreferred(preferred string, req domain.PaymentRequest) string {
	switch {
	case preferred != "":
		return preferred
	case req.PreferredProvider != "":
		return req.PreferredProvider
	case c.defaultProvider != "":
		return c.defaultProvider
	case len(c.strategy.FailoverProviders) > 0:
		return c.strategy.FailoverProviders[0]
	}
	return ""
}

// attempt makes one provider call and records its outcome.
func (c *FailoverCoordinator) attempt(ctx context.Context, p provider.Provider, id string, req domain.PaymentRequest) (*domain.PaymentResponse, error) {
	start := c.now()
	resp, err := p.CreatePayment(ctx, req)
	latency := c.now().Sub(start)
	providerAttemptDuration.WithLabelValues(id).Observe(latency.Seconds())

	if err == nil && resp == nil {
		err = ErrEmptyResponse
	}
	if err != nil {
		providerAttemptsTotal.WithLabelValues(id, "failure").Inc()
		if herr := c.health.RecordFailure(ctx, id, err); herr != nil {
			log.Printf("Warning: failed to record failure for %s: %v", id, herr)
		}
		return nil, err
	}

	providerAttemptsTotal.WithLabelValues(id, "success").Inc()
	if herr := c.health.RecordSuccess(ctx, id, latency); herr != nil {
		log.Printf("Warning: failed to record success for %s: %v", id, herr)
	}
	if resp.Provider == "" {
		resp.Provider = id
	}
	return resp, nil
}

func (c *FailoverCoordinator) recordFailover(ctx context.Context, ev domain.FailoverEvent) {
	ev.Timestamp = c.now().UTC()
	to := ev.FailoverProvider
	if to == "" {
		to = "none"
	}
	failoversTotal.WithLabelValues(ev.OriginalProvider, to).Inc()

	if c.audit == nil {
		return
	}
	if err := c.audit.RecordFailover(ctx, ev); err != nil {
		log.Printf("Warning: failed to record failover event %s -> %s: %v", ev.OriginalProvider, to, err)
	}
}

// PaymentStatus asks the named provider for a payment's current state.
func (c *FailoverCoordinator) PaymentStatus(ctx context.Context, providerID, paymentID string) (*domain.PaymentResponse, error) {
	p, err := c.providers.Get(providerID)
	if err != nil {
		return nil, err
	}
	return p.GetPaymentStatus(ctx, paymentID)
}

// Refund passes a refund through to the provider that took the payment.
func (c *FailoverCoordinator) Refund(ctx context.Context, providerID string, req domain.RefundRequest) (*domain.PaymentResponse, error) {
	p, err := c.providers.Get(providerID)
	if err != nil {
		return nil, err
	}
	return p.RefundPayment(ctx, req)
}

// VerifyWebhook checks a webhook signature with the named provider.
func (c *FailoverCoordinator) VerifyWebhook(providerID string, payload []byte, signature, secret string) (bool, error) {
	p, err := c.providers.Get(providerID)
	if err != nil {
		return false, err
	}
	return p.VerifyWebhookSignature(payload, signature, secret), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
