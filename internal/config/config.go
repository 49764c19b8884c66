package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/punchamoorthee/paymentops/internal/domain"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"

	KindHTTP      = "http"
	KindSimulated = "simulated"
)

type Config struct {
	Port                string
	Env                 string
	DBSource            string
	SQLitePath          string
	RedisAddr           string
	MetricsBackend      string
	AuditBackend        string
	IdempotencyBackend  string
	ReplayTTL           time.Duration
	HealthCheckInterval time.Duration
	AlertWebhookURL     string
	ProvidersFile       string

	Providers []ProviderConfig
	Failover  FailoverConfig
}

// ProviderConfig describes one payment provider in the providers file.
type ProviderConfig struct {
	ID            string        `yaml:"id"`
	Kind          string        `yaml:"kind"`
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	WebhookSecret string        `yaml:"webhook_secret"`
	Timeout       time.Duration `yaml:"timeout"`
}

type FailoverConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	BackoffFactor       float64       `yaml:"backoff_factor"`
	Providers           []string      `yaml:"providers"`
	CountUnhealthySkips *bool         `yaml:"count_unhealthy_skips"`
	DefaultProvider     string        `yaml:"default_provider"`
}

type providersFile struct {
	Providers []ProviderConfig `yaml:"providers"`
	Failover  FailoverConfig   `yaml:"failover"`
}

// Strategy converts the failover section into the coordinator's strategy.
func (f FailoverConfig) Strategy() domain.FailoverStrategy {
	countSkips := true
	if f.CountUnhealthySkips != nil {
		countSkips = *f.CountUnhealthySkips
	}
	return domain.FailoverStrategy{
		MaxRetries:          f.MaxRetries,
		RetryDelay:          f.RetryDelay,
		BackoffFactor:       f.BackoffFactor,
		FailoverProviders:   f.Providers,
		CountUnhealthySkips: countSkips,
	}
}

// DefaultProviders is the sandbox set used when no providers file is given.
func DefaultProviders() []ProviderConfig {
	ids := []string{"STRIPE", "GOCARDLESS", "PAYPAL", "DIRECT_DEBIT"}
	out := make([]ProviderConfig, 0, len(ids))
	for _, id := range ids {
		out = append(out, ProviderConfig{ID: id, Kind: KindSimulated})
	}
	return out
}

func DefaultFailover() FailoverConfig {
	return FailoverConfig{
		MaxRetries:      3,
		RetryDelay:      time.Second,
		BackoffFactor:   2,
		Providers:       []string{"GOCARDLESS", "PAYPAL", "DIRECT_DEBIT"},
		DefaultProvider: "STRIPE",
	}
}

func Load() (*Config, error) {
	interval, err := getDurationEnv("HEALTH_CHECK_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	replayTTL, err := getDurationEnv("IDEMPOTENCY_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                getEnv("SERVER_PORT", "8080"),
		Env:                 getEnv("ENVIRONMENT", "development"),
		DBSource:            os.Getenv("DB_SOURCE"),
		SQLitePath:          getEnv("SQLITE_PATH", "paymentops.db"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		MetricsBackend:      getEnv("METRICS_BACKEND", BackendMemory),
		AuditBackend:        getEnv("AUDIT_BACKEND", BackendMemory),
		IdempotencyBackend:  getEnv("IDEMPOTENCY_BACKEND", BackendMemory),
		ReplayTTL:           replayTTL,
		HealthCheckInterval: interval,
		AlertWebhookURL:     os.Getenv("ALERT_WEBHOOK_URL"),
		ProvidersFile:       os.Getenv("PROVIDERS_FILE"),
		Providers:           DefaultProviders(),
		Failover:            DefaultFailover(),
	}

	if cfg.ProvidersFile != "" {
		data, err := os.ReadFile(cfg.ProvidersFile)
		if err != nil {
			return nil, fmt.Errorf("read providers file: %w", err)
		}
		if err := cfg.applyProvidersFile(data); err != nil {
			return nil, fmt.Errorf("parse providers file %s: %w", cfg.ProvidersFile, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyProvidersFile overlays the YAML document on the defaults. Failover
// fields left out of the file keep their default values.
func (c *Config) applyProvidersFile(data []byte) error {
	pf := providersFile{Failover: c.Failover}
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return err
	}
	if len(pf.Providers) > 0 {
		c.Providers = pf.Providers
	}
	c.Failover = pf.Failover
	return nil
}

func (c *Config) Validate() error {
	switch c.MetricsBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for METRICS_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown METRICS_BACKEND %q", c.MetricsBackend)
	}

	switch c.AuditBackend {
	case BackendMemory, BackendSQLite:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for AUDIT_BACKEND=redis")
		}
	case BackendPostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required for AUDIT_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown AUDIT_BACKEND %q", c.AuditBackend)
	}

	switch c.IdempotencyBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for IDEMPOTENCY_BACKEND=redis")
		}
	case BackendPostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required for IDEMPOTENCY_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown IDEMPOTENCY_BACKEND %q", c.IdempotencyBackend)
	}

	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("failover.max_retries must be at least 1, got %d", c.Failover.MaxRetries)
	}
	if c.Failover.BackoffFactor < 1 {
		return fmt.Errorf("failover.backoff_factor must be at least 1, got %g", c.Failover.BackoffFactor)
	}
	if c.Failover.RetryDelay < 0 {
		return fmt.Errorf("failover.retry_delay must not be negative")
	}

	known := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if known[p.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %s", i, p.ID)
		}
		known[p.ID] = true
		switch p.Kind {
		case KindSimulated:
		case KindHTTP:
			if p.BaseURL == "" {
				return fmt.Errorf("provider %s: base_url is required for kind http", p.ID)
			}
		default:
			return fmt.Errorf("provider %s: unknown kind %q", p.ID, p.Kind)
		}
	}
	for _, id := range c.Failover.Providers {
		if !known[id] {
			return fmt.Errorf("failover.providers references unknown provider %s", id)
		}
	}
	if d := c.Failover.DefaultProvider; d != "" && !known[d] {
		return fmt.Errorf("failover.default_provider references unknown provider %s", d)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}
