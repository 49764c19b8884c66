package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/paymentops/internal/audit"
	"github.com/punchamoorthee/paymentops/internal/domain"
	"github.com/punchamoorthee/paymentops/internal/models"
	"github.com/punchamoorthee/paymentops/internal/provider"
	"github.com/punchamoorthee/paymentops/internal/service"
)

const defaultEventWindow = 24 * time.Hour

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "endpoint"})
)

// PaymentProcessor is the failover coordinator as seen by the API.
type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, preferred string, req domain.PaymentRequest) (*domain.PaymentResponse, error)
	PaymentStatus(ctx context.Context, providerID, paymentID string) (*domain.PaymentResponse, error)
	Refund(ctx context.Context, providerID string, req domain.RefundRequest) (*domain.PaymentResponse, error)
	VerifyWebhook(providerID string, payload []byte, signature, secret string) (bool, error)
}

type ProviderLookup interface {
	Get(id string) (provider.Provider, error)
}

type HealthReporter interface {
	Snapshot() []domain.ProviderHealth
}

type MetricsReader interface {
	GetMetrics(ctx context.Context, providerID string) (domain.ProviderMetrics, error)
}

type EventQuerier interface {
	Query(ctx context.Context, q audit.Query) ([]domain.AuditEvent, error)
}

type Handler struct {
	payments  PaymentProcessor
	providers ProviderLookup
	health    HealthReporter
	metrics   MetricsReader
	events    EventQuerier
	replays   ReplayStore
	now       func() time.Time
}

type HandlerOption func(*Handler)

// WithReplayStore replaces the in-process replay cache.
func WithReplayStore(s ReplayStore) HandlerOption {
	return func(h *Handler) { h.replays = s }
}

func NewHandler(payments PaymentProcessor, providers ProviderLookup, health HealthReporter, metrics MetricsReader, events EventQuerier, opts ...HandlerOption) *Handler {
	h := &Handler{
		payments:  payments,
		providers: providers,
		health:    health,
		metrics:   metrics,
		events:    events,
		replays:   NewReplayCache(DefaultReplayTTL),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/payments"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		h.fail(w, "POST", endpoint, http.StatusInternalServerError, "Stream read error")
		return
	}
	hash := sha256.Sum256(bodyBytes)
	reqHash := hex.EncodeToString(hash[:])

	var req models.CreatePaymentRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if msg := validatePayment(req); msg != "" {
		h.fail(w, "POST", endpoint, http.StatusUnprocessableEntity, msg)
		return
	}
	if req.Provider != "" {
		if _, err := h.providers.Get(req.Provider); err != nil {
			h.fail(w, "POST", endpoint, http.StatusUnprocessableEntity, fmt.Sprintf("Unknown provider %q", req.Provider))
			return
		}
	}

	ctx := r.Context()
	existing, err := h.replays.Begin(ctx, idempotencyKey, reqHash)
	switch {
	case errors.Is(err, ErrIdempotencyConflict):
		h.fail(w, "POST", endpoint, http.StatusConflict, "Request processing in progress")
		return
	case errors.Is(err, ErrIdempotencyMismatch):
		h.fail(w, "POST", endpoint, http.StatusUnprocessableEntity, "Key reuse with mismatched payload")
		return
	case err != nil:
		log.Printf("Idempotency lookup failed for %s: %v", idempotencyKey, err)
		h.fail(w, "POST", endpoint, http.StatusInternalServerError, "Internal Server Error")
		return
	case existing != nil:
		httpRequestsTotal.WithLabelValues("POST", endpoint, strconv.Itoa(existing.ResponseStatus)).Inc()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(existing.ResponseStatus)
		w.Write(existing.ResponseBody)
		return
	}

	resp, err := h.payments.ProcessPayment(ctx, req.Provider, req.ToDomain(idempotencyKey))
	if err != nil {
		h.release(idempotencyKey)
		h.failPayment(w, endpoint, err)
		return
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(resp); err != nil {
		h.release(idempotencyKey)
		h.fail(w, "POST", endpoint, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	// The charge went through, so a failed write is logged rather than
	// turned into an error response.
	if err := h.replays.Complete(ctx, idempotencyKey, reqHash, http.StatusCreated, buf.Bytes()); err != nil {
		log.Printf("Warning: failed to store response for %s: %v", idempotencyKey, err)
	}

	httpRequestsTotal.WithLabelValues("POST", endpoint, "201").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", fmt.Sprintf("/api/v1/providers/%s/payments/%s", resp.Provider, resp.ID))
	w.WriteHeader(http.StatusCreated)
	w.Write(buf.Bytes())
}

// release runs on a fresh context so a cancelled request still frees its key.
func (h *Handler) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.replays.Release(ctx, key); err != nil {
		log.Printf("Warning: failed to release idempotency key %s: %v", key, err)
	}
}

func validatePayment(req models.CreatePaymentRequest) string {
	if req.Amount <= 0 {
		return "Positive amount required"
	}
	if len(req.Currency) != 3 || strings.ToUpper(req.Currency) != req.Currency {
		return "Currency must be a three-letter ISO 4217 code"
	}
	return ""
}

func (h *Handler) failPayment(w http.ResponseWriter, endpoint string, err error) {
	var exhausted *service.RetryExhaustedError
	switch {
	case errors.Is(err, service.ErrNoAvailableProviders):
		log.Printf("Payment not attempted: %v", err)
		h.fail(w, "POST", endpoint, http.StatusServiceUnavailable, "No payment provider is available")
	case errors.As(err, &exhausted) && exhausted.Last == nil:
		httpRequestsTotal.WithLabelValues("POST", endpoint, "503").Inc()
		respondWithJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{
			Error:    "No payment provider is available",
			Attempts: exhausted.Attempts,
		})
	case errors.As(err, &exhausted):
		log.Printf("Payment failed after %d attempts: %v", exhausted.Attempts, exhausted.Last)
		httpRequestsTotal.WithLabelValues("POST", endpoint, "502").Inc()
		respondWithJSON(w, http.StatusBadGateway, models.ErrorResponse{
			Error:    "All payment providers failed",
			Attempts: exhausted.Attempts,
		})
	case errors.Is(err, provider.ErrProviderNotFound):
		log.Printf("Failover configuration references an unregistered provider: %v", err)
		h.fail(w, "POST", endpoint, http.StatusInternalServerError, "Payment provider misconfigured")
	case errors.Is(err, context.DeadlineExceeded):
		h.fail(w, "POST", endpoint, http.StatusGatewayTimeout, "Payment timed out")
	default:
		log.Printf("Payment failed: %v", err)
		h.fail(w, "POST", endpoint, http.StatusInternalServerError, "Internal Server Error")
	}
}

func (h *Handler) ProviderHealthHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/providers/health"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	h.ok(w, "GET", endpoint, http.StatusOK, models.ProviderHealthResponse{
		Providers: h.health.Snapshot(),
		CheckedAt: h.now().UTC(),
	})
}

func (h *Handler) ProviderMetricsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/providers/{id}/metrics"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	id := mux.Vars(r)["id"]
	if _, err := h.providers.Get(id); err != nil {
		h.fail(w, "GET", endpoint, http.StatusNotFound, "Provider not found")
		return
	}
	m, err := h.metrics.GetMetrics(r.Context(), id)
	if err != nil {
		log.Printf("Error loading metrics for %s: %v", id, err)
		h.fail(w, "GET", endpoint, http.StatusInternalServerError, "Metrics unavailable")
		return
	}
	h.ok(w, "GET", endpoint, http.StatusOK, models.ProviderMetricsResponse{Provider: id, Metrics: m})
}

func (h *Handler) PaymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/providers/{id}/payments/{paymentId}"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	vars := mux.Vars(r)
	resp, err := h.payments.PaymentStatus(r.Context(), vars["id"], vars["paymentId"])
	if err != nil {
		h.failPassThrough(w, "GET", endpoint, err)
		return
	}
	h.ok(w, "GET", endpoint, http.StatusOK, resp)
}

func (h *Handler) RefundHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/providers/{id}/refunds"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}
	var req models.CreateRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.PaymentID == "" {
		h.fail(w, "POST", endpoint, http.StatusUnprocessableEntity, "payment_id required")
		return
	}
	if req.Amount <= 0 {
		h.fail(w, "POST", endpoint, http.StatusUnprocessableEntity, "Positive amount required")
		return
	}

	resp, err := h.payments.Refund(r.Context(), mux.Vars(r)["id"], domain.RefundRequest{
		PaymentID:      req.PaymentID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		h.failPassThrough(w, "POST", endpoint, err)
		return
	}
	h.ok(w, "POST", endpoint, http.StatusCreated, resp)
}

func (h *Handler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/providers/{id}/webhooks"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	id := mux.Vars(r)["id"]
	signature := r.Header.Get("X-Signature")
	if signature == "" {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Missing X-Signature header")
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.fail(w, "POST", endpoint, http.StatusInternalServerError, "Stream read error")
		return
	}

	verified, err := h.payments.VerifyWebhook(id, payload, signature, "")
	if err != nil {
		h.failPassThrough(w, "POST", endpoint, err)
		return
	}
	if !verified {
		log.Printf("Rejected webhook for %s: signature mismatch", id)
		h.fail(w, "POST", endpoint, http.StatusUnauthorized, "Invalid signature")
		return
	}
	h.ok(w, "POST", endpoint, http.StatusOK, models.WebhookResponse{Provider: id, Verified: true})
}

func (h *Handler) failPassThrough(w http.ResponseWriter, method, endpoint string, err error) {
	if errors.Is(err, provider.ErrProviderNotFound) {
		h.fail(w, method, endpoint, http.StatusNotFound, "Provider not found")
		return
	}
	log.Printf("Provider call %s %s failed: %v", method, endpoint, err)
	h.fail(w, method, endpoint, http.StatusBadGateway, err.Error())
}

// AuditEventsHandler lists audit events in [from, to]. Both bounds are
// RFC 3339; the window defaults to the last 24 hours.
func (h *Handler) AuditEventsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/audit/events"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	q := r.URL.Query()
	to := h.now().UTC()
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.fail(w, "GET", endpoint, http.StatusBadRequest, "Invalid 'to' timestamp")
			return
		}
		to = t
	}
	from := to.Add(-defaultEventWindow)
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.fail(w, "GET", endpoint, http.StatusBadRequest, "Invalid 'from' timestamp")
			return
		}
		from = t
	}
	if to.Before(from) {
		h.fail(w, "GET", endpoint, http.StatusBadRequest, "'to' must not be before 'from'")
		return
	}

	query := audit.Query{Start: from, End: to, ResourceID: q.Get("resource")}
	for _, raw := range q["type"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				query.Types = append(query.Types, domain.EventType(t))
			}
		}
	}

	events, err := h.events.Query(r.Context(), query)
	if err != nil {
		log.Printf("Error querying audit events: %v", err)
		h.fail(w, "GET", endpoint, http.StatusInternalServerError, "Audit log unavailable")
		return
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	h.ok(w, "GET", endpoint, http.StatusOK, models.AuditEventsResponse{From: from, To: to, Events: events})
}

func (h *Handler) ok(w http.ResponseWriter, method, endpoint string, code int, payload interface{}) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

func (h *Handler) fail(w http.ResponseWriter, method, endpoint string, code int, message string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithError(w, code, message)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
