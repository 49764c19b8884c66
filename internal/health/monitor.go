package health

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/paymentops/internal/alert"
	"github.com/punchamoorthee/paymentops/internal/domain"
)

const (
	DefaultInterval = 30 * time.Second
	alertTimeout    = 5 * time.Second
)

var (
	providerHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "payment_provider_healthy",
		Help: "1 when the provider passed its last health check, 0 otherwise",
	}, []string{"provider"})

	providerErrorRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "payment_provider_error_rate",
		Help: "Error rate computed at the last health check",
	}, []string{"provider"})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_health_checks_total",
		Help: "Per-provider health checks, labeled by outcome",
	}, []string{"outcome"})
)

// ProviderLister supplies the set of providers to check each cycle.
type ProviderLister interface {
	IDs() []string
}

type EventRecorder interface {
	Record(ctx context.Context, ev domain.AuditEvent) error
}

// Callback receives every computed health, not only transitions.
type Callback func(domain.ProviderHealth)

type Monitor struct {
	metrics    MetricsStore
	providers  ProviderLister
	alerts     alert.Dispatcher
	events     EventRecorder
	interval   time.Duration
	thresholds Thresholds
	now        func() time.Time

	mu        sync.Mutex
	callbacks []Callback
	last      map[string]domain.ProviderHealth
	cancel    context.CancelFunc
	done      chan struct{}
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithThresholds(th Thresholds) Option {
	return func(m *Monitor) { m.thresholds = th }
}

func WithAlerts(d alert.Dispatcher) Option {
	return func(m *Monitor) { m.alerts = d }
}

func WithEvents(r EventRecorder) Option {
	return func(m *Monitor) { m.events = r }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(metrics MetricsStore, providers ProviderLister, opts ...Option) *Monitor {
	m := &Monitor{
		metrics:    metrics,
		providers:  providers,
		alerts:     alert.LogDispatcher{},
		interval:   DefaultInterval,
		thresholds: DefaultThresholds(),
		now:        time.Now,
		last:       make(map[string]domain.ProviderHealth),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnHealthChange registers cb to receive every computed ProviderHealth.
func (m *Monitor) OnHealthChange(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start runs an immediate check and then one every interval until Stop or
// until ctx is cancelled. Calling Start while running is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	m.recordEvent(ctx, domain.AuditEvent{
		Type:    domain.EventMonitorStarted,
		Details: map[string]string{"interval": m.interval.String()},
	})
	log.Printf("Health monitor started, interval %s", m.interval)

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.CheckNow(loopCtx)
		for {
			select {
			case <-ticker.C:
				m.CheckNow(loopCtx)
			case <-loopCtx.Done():
				return
			}
		}
	}()
}

// Stop halts the periodic check and waits for an in-progress cycle to
// finish. It is safe to call without Start and more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	m.recordEvent(context.Background(), domain.AuditEvent{Type: domain.EventMonitorStopped})
	log.Println("Health monitor stopped")
}

// CheckNow runs one check cycle over every known provider. A failure on
// one provider does not stop the others.
func (m *Monitor) CheckNow(ctx context.Context) {
	for _, id := range m.providers.IDs() {
		if ctx.Err() != nil {
			return
		}
		if err := m.checkProvider(ctx, id); err != nil {
			healthChecksTotal.WithLabelValues("error").Inc()
			log.Printf("Error checking health of provider %s: %v", id, err)
			continue
		}
		healthChecksTotal.WithLabelValues("ok").Inc()
	}
}

func (m *Monitor) checkProvider(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	metrics, err := m.metrics.GetMetrics(ctx, id)
	if err != nil {
		return fmt.Errorf("load metrics: %w", err)
	}
	h := Compute(id, metrics, m.now(), m.thresholds)

	m.mu.Lock()
	prev, seen := m.last[id]
	m.last[id] = h
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()

	if h.IsHealthy {
		providerHealthy.WithLabelValues(id).Set(1)
	} else {
		providerHealthy.WithLabelValues(id).Set(0)
	}
	providerErrorRate.WithLabelValues(id).Set(h.ErrorRate)

	for _, cb := range callbacks {
		cb(h)
	}

	if !h.IsHealthy {
		m.raise(domain.Alert{
			Severity: domain.SeverityWarning,
			Title:    "Payment provider degraded",
			Message:  fmt.Sprintf("Provider %s is unhealthy: error rate %.2f%%, avg response %.0fms, %d consecutive failures", id, h.ErrorRate*100, h.AvgResponseTime, h.ConsecutiveFailures),
			Metadata: healthMetadata(h),
		})
	}

	// Providers start out healthy, so a first unhealthy result is a transition.
	wasHealthy := !seen || prev.IsHealthy
	if wasHealthy != h.IsHealthy {
		status := "HEALTHY"
		if !h.IsHealthy {
			status = "UNHEALTHY"
		}
		log.Printf("Provider %s status changed to %s", id, status)
		details := healthMetadata(h)
		details["status"] = status
		m.recordEvent(ctx, domain.AuditEvent{
			Type:       domain.EventHealthChanged,
			ResourceID: id,
			Details:    details,
		})
	}
	return nil
}

// RecordSuccess updates the provider's metrics after a successful call.
func (m *Monitor) RecordSuccess(ctx context.Context, providerID string, latency time.Duration) error {
	return m.metrics.RecordSuccess(ctx, providerID, latency)
}

// RecordFailure updates the provider's metrics and raises a critical alert
// as soon as the consecutive-failure limit is reached.
func (m *Monitor) RecordFailure(ctx context.Context, providerID string, cause error) error {
	metrics, err := m.metrics.RecordFailure(ctx, providerID, cause)
	if err != nil {
		return err
	}
	if metrics.ConsecutiveFailures >= m.thresholds.MaxConsecutiveFailures {
		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		m.raise(domain.Alert{
			Severity: domain.SeverityCritical,
			Title:    "Payment provider failing",
			Message:  fmt.Sprintf("Provider %s has %d consecutive failures", providerID, metrics.ConsecutiveFailures),
			Metadata: map[string]string{
				"provider":             providerID,
				"consecutive_failures": strconv.FormatInt(metrics.ConsecutiveFailures, 10),
				"last_error":           reason,
			},
		})
	}
	return nil
}

// Health returns the last computed health for id.
func (m *Monitor) Health(id string) (domain.ProviderHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.last[id]
	return h, ok
}

// Snapshot returns the last computed health of every checked provider.
func (m *Monitor) Snapshot() []domain.ProviderHealth {
	m.mu.Lock()
	out := make([]domain.ProviderHealth, 0, len(m.last))
	for _, h := range m.last {
		out = append(out, h)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// raise hands the alert to the dispatcher without waiting for delivery.
func (m *Monitor) raise(a domain.Alert) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := m.alerts.Dispatch(ctx, a); err != nil {
			log.Printf("Warning: failed to dispatch %s alert %q: %v", a.Severity, a.Title, err)
		}
	}()
}

func (m *Monitor) recordEvent(ctx context.Context, ev domain.AuditEvent) {
	if m.events == nil {
		return
	}
	if err := m.events.Record(ctx, ev); err != nil {
		log.Printf("Warning: failed to record %s event: %v", ev.Type, err)
	}
}

func healthMetadata(h domain.ProviderHealth) map[string]string {
	return map[string]string{
		"provider":             h.Provider,
		"error_rate":           strconv.FormatFloat(h.ErrorRate, 'f', 4, 64),
		"avg_response_time_ms": strconv.FormatFloat(h.AvgResponseTime, 'f', 0, 64),
		"consecutive_failures": strconv.FormatInt(h.ConsecutiveFailures, 10),
	}
}
