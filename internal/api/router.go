package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/payments", h.CreatePaymentHandler).Methods("POST")
	apiV1.HandleFunc("/providers/health", h.ProviderHealthHandler).Methods("GET")
	apiV1.HandleFunc("/providers/{id}/metrics", h.ProviderMetricsHandler).Methods("GET")
	apiV1.HandleFunc("/providers/{id}/payments/{paymentId}", h.PaymentStatusHandler).Methods("GET")
	apiV1.HandleFunc("/providers/{id}/refunds", h.RefundHandler).Methods("POST")
	apiV1.HandleFunc("/providers/{id}/webhooks", h.WebhookHandler).Methods("POST")
	apiV1.HandleFunc("/audit/events", h.AuditEventsHandler).Methods("GET")
	return r
}
