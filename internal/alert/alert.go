// Package alert delivers operational alerts to external sinks. Delivery is
// best-effort; callers log dispatch errors and carry on.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/paymentops/internal/domain"
)

var alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "payment_alerts_total",
	Help: "Alerts raised, labeled by severity and delivery outcome",
}, []string{"severity", "outcome"})

type Dispatcher interface {
	Dispatch(ctx context.Context, a domain.Alert) error
}

// LogDispatcher writes alerts to the process log.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(ctx context.Context, a domain.Alert) error {
	log.Printf("[alert] %s: %s - %s %v", a.Severity, a.Title, a.Message, a.Metadata)
	alertsTotal.WithLabelValues(string(a.Severity), "logged").Inc()
	return nil
}

// WebhookDispatcher posts alerts as JSON to an external dispatcher endpoint.
type WebhookDispatcher struct {
	url    string
	client *http.Client
}

func NewWebhookDispatcher(url string, timeout time.Duration) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookDispatcher{url: url, client: &http.Client{Timeout: timeout}}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, a domain.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		alertsTotal.WithLabelValues(string(a.Severity), "error").Inc()
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		alertsTotal.WithLabelValues(string(a.Severity), "error").Inc()
		return fmt.Errorf("alert sink returned status %d", resp.StatusCode)
	}
	alertsTotal.WithLabelValues(string(a.Severity), "delivered").Inc()
	return nil
}

// Multi fans an alert out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, a domain.Alert) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
