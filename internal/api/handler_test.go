package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/paymentops/internal/alert"
	"github.com/punchamoorthee/paymentops/internal/audit"
	"github.com/punchamoorthee/paymentops/internal/domain"
	"github.com/punchamoorthee/paymentops/internal/health"
	"github.com/punchamoorthee/paymentops/internal/models"
	"github.com/punchamoorthee/paymentops/internal/provider"
	"github.com/punchamoorthee/paymentops/internal/service"
	"github.com/punchamoorthee/paymentops/internal/store"
)

const webhookSecret = "whsec_test"

type quietAlerts struct{}

func (quietAlerts) Dispatch(context.Context, domain.Alert) error { return nil }

var _ alert.Dispatcher = quietAlerts{}

type testServer struct {
	router  http.Handler
	stripe  *provider.SimulatedProvider
	gocard  *provider.SimulatedProvider
	monitor *health.Monitor
	coord   *service.FailoverCoordinator
	metrics *store.MemoryMetricsStore
}

func newTestServer(t *testing.T, opts ...HandlerOption) *testServer {
	t.Helper()
	return newTestServerWithStrategy(t, domain.FailoverStrategy{
		MaxRetries:          2,
		RetryDelay:          time.Millisecond,
		BackoffFactor:       2,
		FailoverProviders:   []string{"GOCARDLESS"},
		CountUnhealthySkips: true,
	}, opts...)
}

func newTestServerWithStrategy(t *testing.T, strategy domain.FailoverStrategy, opts ...HandlerOption) *testServer {
	t.Helper()
	ctx := context.Background()

	registry := provider.NewRegistry()
	stripe := provider.NewSimulatedProvider("STRIPE")
	gocard := provider.NewSimulatedProvider("GOCARDLESS")
	require.NoError(t, stripe.Initialize(ctx, provider.Config{WebhookSecret: webhookSecret}))
	require.NoError(t, gocard.Initialize(ctx, provider.Config{}))
	registry.Register("STRIPE", stripe)
	registry.Register("GOCARDLESS", gocard)

	metrics := store.NewMemoryMetricsStore()
	auditLog := audit.NewLog(store.NewMemoryEventStore())
	monitor := health.NewMonitor(metrics, registry, health.WithAlerts(quietAlerts{}), health.WithEvents(auditLog))

	coord, err := service.NewFailoverCoordinator(registry, monitor, auditLog, strategy,
		service.WithDefaultProvider("STRIPE"),
		service.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))
	require.NoError(t, err)
	monitor.OnHealthChange(coord.ObserveHealth)

	h := NewHandler(coord, registry, monitor, metrics, auditLog, opts...)
	return &testServer{
		router:  NewRouter(h),
		stripe:  stripe,
		gocard:  gocard,
		monitor: monitor,
		coord:   coord,
		metrics: metrics,
	}
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const paymentBody = `{"amount":12500,"currency":"GBP","description":"Care invoice 0042","metadata":{"invoice_id":"0042"}}`

func TestCreatePayment_Success(t *testing.T) {
	s := newTestServer(t)

	rec := s.do("POST", "/api/v1/payments", paymentBody, map[string]string{"Idempotency-Key": "key-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[domain.PaymentResponse](t, rec)
	assert.Equal(t, "STRIPE", resp.Provider)
	assert.Equal(t, int64(12500), resp.Amount)
	assert.Equal(t, "0042", resp.Metadata["invoice_id"])
	assert.Equal(t, "/api/v1/providers/STRIPE/payments/"+resp.ID, rec.Header().Get("Location"))
	assert.Equal(t, []string{"key-1"}, s.stripe.IdempotencyKeys())
}

func TestCreatePayment_IdempotentReplay(t *testing.T) {
	s := newTestServer(t)
	headers := map[string]string{"Idempotency-Key": "key-2"}

	first := s.do("POST", "/api/v1/payments", paymentBody, headers)
	require.Equal(t, http.StatusCreated, first.Code)

	replay := s.do("POST", "/api/v1/payments", paymentBody, headers)
	require.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), replay.Body.String())
	assert.Equal(t, 1, s.stripe.Calls())

	mismatch := s.do("POST", "/api/v1/payments", `{"amount":1,"currency":"GBP"}`, headers)
	assert.Equal(t, http.StatusUnprocessableEntity, mismatch.Code)
}

func TestCreatePayment_FailedPaymentIsNotCached(t *testing.T) {
	s := newTestServer(t)
	s.stripe.SetFailing(true)
	s.gocard.SetFailing(true)
	headers := map[string]string{"Idempotency-Key": "key-3"}

	rec := s.do("POST", "/api/v1/payments", paymentBody, headers)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	errResp := decode[models.ErrorResponse](t, rec)
	assert.Equal(t, 2, errResp.Attempts)

	s.stripe.SetFailing(false)
	rec = s.do("POST", "/api/v1/payments", paymentBody, headers)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreatePayment_Validation(t *testing.T) {
	s := newTestServer(t)
	key := map[string]string{"Idempotency-Key": "key-4"}

	tests := []struct {
		name    string
		body    string
		headers map[string]string
		want    int
	}{
		{name: "missing idempotency key", body: paymentBody, want: http.StatusBadRequest},
		{name: "malformed json", body: `{"amount":`, headers: key, want: http.StatusBadRequest},
		{name: "zero amount", body: `{"amount":0,"currency":"GBP"}`, headers: key, want: http.StatusUnprocessableEntity},
		{name: "bad currency", body: `{"amount":10,"currency":"pounds"}`, headers: key, want: http.StatusUnprocessableEntity},
		{name: "unknown provider", body: `{"amount":10,"currency":"GBP","provider":"WORLDPAY"}`, headers: key, want: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do("POST", "/api/v1/payments", tt.body, tt.headers)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, 0, s.stripe.Calls())
}

func TestCreatePayment_NoProvidersAvailable(t *testing.T) {
	s := newTestServer(t)
	s.coord.ObserveHealth(domain.ProviderHealth{Provider: "STRIPE", IsHealthy: false})
	s.coord.ObserveHealth(domain.ProviderHealth{Provider: "GOCARDLESS", IsHealthy: false})

	rec := s.do("POST", "/api/v1/payments", paymentBody, map[string]string{"Idempotency-Key": "key-5"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreatePayment_UnhealthySkipsUseWholeBudget(t *testing.T) {
	s := newTestServerWithStrategy(t, domain.FailoverStrategy{
		MaxRetries:          1,
		RetryDelay:          time.Millisecond,
		BackoffFactor:       2,
		FailoverProviders:   []string{"GOCARDLESS"},
		CountUnhealthySkips: true,
	})
	s.coord.ObserveHealth(domain.ProviderHealth{Provider: "STRIPE", IsHealthy: false})
	headers := map[string]string{"Idempotency-Key": "key-5b"}

	rec := s.do("POST", "/api/v1/payments", paymentBody, headers)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.Equal(t, 0, s.stripe.Calls())
	assert.Equal(t, 0, s.gocard.Calls())

	s.coord.ObserveHealth(domain.ProviderHealth{Provider: "STRIPE", IsHealthy: true})
	rec = s.do("POST", "/api/v1/payments", paymentBody, headers)
	assert.Equal(t, http.StatusCreated, rec.Code, "key is released after a 503")
}

func TestFailPayment_ExhaustedWithoutProviderErrorIsUnavailable(t *testing.T) {
	h := &Handler{}
	rec := httptest.NewRecorder()
	h.failPayment(rec, "/payments", &service.RetryExhaustedError{Attempts: 2})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[models.ErrorResponse](t, rec)
	assert.Equal(t, 2, body.Attempts)

	rec = httptest.NewRecorder()
	h.failPayment(rec, "/payments", &service.RetryExhaustedError{Attempts: 2, Last: provider.ErrSimulatedOutage})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCreatePayment_RedisReplayStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := newTestServer(t, WithReplayStore(store.NewRedisReplayStore(client, time.Hour)))
	headers := map[string]string{"Idempotency-Key": "key-redis"}

	first := s.do("POST", "/api/v1/payments", paymentBody, headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	replay := s.do("POST", "/api/v1/payments", paymentBody, headers)
	require.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), replay.Body.String())
	assert.Equal(t, 1, s.stripe.Calls())
	assert.True(t, mr.Exists("idempotency:key-redis"))
}

func TestCreatePayment_FailoverIsAudited(t *testing.T) {
	s := newTestServer(t)
	s.stripe.FailNext(1)

	rec := s.do("POST", "/api/v1/payments", paymentBody, map[string]string{"Idempotency-Key": "key-6"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "GOCARDLESS", decode[domain.PaymentResponse](t, rec).Provider)

	rec = s.do("GET", "/api/v1/audit/events?type=payment.failover&resource=key-6", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[models.AuditEventsResponse](t, rec)
	require.Len(t, events.Events, 1)
	require.NotNil(t, events.Events[0].Failover)
	assert.Equal(t, "STRIPE", events.Events[0].Failover.OriginalProvider)
	assert.Equal(t, "GOCARDLESS", events.Events[0].Failover.FailoverProvider)

	rec = s.do("GET", "/api/v1/providers/STRIPE/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	metrics := decode[models.ProviderMetricsResponse](t, rec)
	assert.Equal(t, int64(1), metrics.Metrics.FailureCount)
	assert.Equal(t, int64(1), metrics.Metrics.ConsecutiveFailures)
}

func TestAuditEvents_WindowValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do("GET", "/api/v1/audit/events?from=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do("GET", "/api/v1/audit/events?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do("GET", "/api/v1/audit/events", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[models.AuditEventsResponse](t, rec)
	assert.Empty(t, events.Events)
	assert.Equal(t, 24*time.Hour, events.To.Sub(events.From))
}

func TestProviderHealth(t *testing.T) {
	s := newTestServer(t)
	_, err := s.metrics.RecordFailure(context.Background(), "GOCARDLESS", assert.AnError)
	require.NoError(t, err)
	s.monitor.CheckNow(context.Background())

	rec := s.do("GET", "/api/v1/providers/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[models.ProviderHealthResponse](t, rec)
	require.Len(t, resp.Providers, 2)
	assert.Equal(t, "GOCARDLESS", resp.Providers[0].Provider)
	assert.False(t, resp.Providers[0].IsHealthy)
	assert.True(t, resp.Providers[1].IsHealthy)
}

func TestProviderMetrics_UnknownProvider(t *testing.T) {
	s := newTestServer(t)
	rec := s.do("GET", "/api/v1/providers/WORLDPAY/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentStatusAndRefund(t *testing.T) {
	s := newTestServer(t)
	rec := s.do("POST", "/api/v1/payments", paymentBody, map[string]string{"Idempotency-Key": "key-7"})
	require.Equal(t, http.StatusCreated, rec.Code)
	payment := decode[domain.PaymentResponse](t, rec)

	rec = s.do("GET", "/api/v1/providers/STRIPE/payments/"+payment.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payment.ID, decode[domain.PaymentResponse](t, rec).ID)

	rec = s.do("GET", "/api/v1/providers/WORLDPAY/payments/"+payment.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do("GET", "/api/v1/providers/STRIPE/payments/missing", "", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	refundBody := `{"payment_id":"` + payment.ID + `","amount":2500,"reason":"duplicate visit"}`
	rec = s.do("POST", "/api/v1/providers/STRIPE/refunds", refundBody, map[string]string{"Idempotency-Key": "refund-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	refund := decode[domain.PaymentResponse](t, rec)
	assert.Equal(t, int64(2500), refund.Amount)
	assert.Equal(t, payment.ID, refund.Metadata["refund_of"])

	rec = s.do("POST", "/api/v1/providers/STRIPE/refunds", refundBody, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do("POST", "/api/v1/providers/STRIPE/refunds", `{"payment_id":"x","amount":0}`, map[string]string{"Idempotency-Key": "refund-2"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhook(t *testing.T) {
	s := newTestServer(t)
	payload := `{"type":"payment.succeeded","id":"evt_1"}`

	rec := s.do("POST", "/api/v1/providers/STRIPE/webhooks", payload, map[string]string{"X-Signature": sign(payload, webhookSecret)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[models.WebhookResponse](t, rec).Verified)

	rec = s.do("POST", "/api/v1/providers/STRIPE/webhooks", payload, map[string]string{"X-Signature": sign(payload, "wrong")})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do("POST", "/api/v1/providers/STRIPE/webhooks", payload, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do("POST", "/api/v1/providers/WORLDPAY/webhooks", payload, map[string]string{"X-Signature": "00"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)
	rec := s.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
