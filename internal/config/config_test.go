package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SERVER_PORT", "ENVIRONMENT", "DB_SOURCE", "SQLITE_PATH", "REDIS_ADDR",
		"METRICS_BACKEND", "AUDIT_BACKEND", "IDEMPOTENCY_BACKEND", "IDEMPOTENCY_TTL",
		"HEALTH_CHECK_INTERVAL", "ALERT_WEBHOOK_URL", "PROVIDERS_FILE",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, BackendMemory, cfg.MetricsBackend)
	assert.Equal(t, BackendMemory, cfg.AuditBackend)
	assert.Equal(t, BackendMemory, cfg.IdempotencyBackend)
	assert.Equal(t, 24*time.Hour, cfg.ReplayTTL)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
	require.Len(t, cfg.Providers, 4)
	assert.Equal(t, "STRIPE", cfg.Failover.DefaultProvider)

	s := cfg.Failover.Strategy()
	assert.Equal(t, 3, s.MaxRetries)
	assert.Equal(t, time.Second, s.RetryDelay)
	assert.Equal(t, 2.0, s.BackoffFactor)
	assert.True(t, s.CountUnhealthySkips)
}

func TestLoad_ProvidersFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - id: STRIPE
    kind: http
    base_url: https://stripe.sandbox.local
    api_key: sk_test
    webhook_secret: whsec
    timeout: 3s
  - id: GOCARDLESS
    kind: simulated
failover:
  max_retries: 2
  retry_delay: 250ms
  providers: [GOCARDLESS]
  count_unhealthy_skips: false
`), 0o600))
	t.Setenv("PROVIDERS_FILE", path)
	t.Setenv("HEALTH_CHECK_INTERVAL", "10s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, KindHTTP, cfg.Providers[0].Kind)
	assert.Equal(t, 3*time.Second, cfg.Providers[0].Timeout)
	assert.Equal(t, 10*time.Second, cfg.HealthCheckInterval)

	s := cfg.Failover.Strategy()
	assert.Equal(t, 2, s.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, s.RetryDelay)
	assert.Equal(t, 2.0, s.BackoffFactor, "unset fields keep defaults")
	assert.Equal(t, []string{"GOCARDLESS"}, s.FailoverProviders)
	assert.False(t, s.CountUnhealthySkips)
	assert.Equal(t, "STRIPE", cfg.Failover.DefaultProvider)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{name: "redis metrics without address", env: map[string]string{"METRICS_BACKEND": "redis"}},
		{name: "postgres audit without dsn", env: map[string]string{"AUDIT_BACKEND": "postgres"}},
		{name: "unknown audit backend", env: map[string]string{"AUDIT_BACKEND": "kafka"}},
		{name: "redis idempotency without address", env: map[string]string{"IDEMPOTENCY_BACKEND": "redis"}},
		{name: "postgres idempotency without dsn", env: map[string]string{"IDEMPOTENCY_BACKEND": "postgres"}},
		{name: "sqlite idempotency", env: map[string]string{"IDEMPOTENCY_BACKEND": "sqlite"}},
		{name: "bad idempotency ttl", env: map[string]string{"IDEMPOTENCY_TTL": "-1h"}},
		{name: "bad interval", env: map[string]string{"HEALTH_CHECK_INTERVAL": "soon"}},
		{name: "zero retries", file: "failover:\n  max_retries: 0\n"},
		{name: "shrinking backoff", file: "failover:\n  backoff_factor: 0.5\n"},
		{name: "unknown failover provider", file: "failover:\n  providers: [WORLDPAY]\n"},
		{name: "http without base url", file: "providers:\n  - id: STRIPE\n    kind: http\nfailover:\n  providers: []\n  default_provider: STRIPE\n"},
		{name: "duplicate id", file: "providers:\n  - {id: STRIPE, kind: simulated}\n  - {id: STRIPE, kind: simulated}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if tt.file != "" {
				path := filepath.Join(t.TempDir(), "providers.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0o600))
				t.Setenv("PROVIDERS_FILE", path)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
