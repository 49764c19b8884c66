package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/paymentops/internal/alert"
	"github.com/punchamoorthee/paymentops/internal/api"
	"github.com/punchamoorthee/paymentops/internal/audit"
	"github.com/punchamoorthee/paymentops/internal/config"
	"github.com/punchamoorthee/paymentops/internal/domain"
	"github.com/punchamoorthee/paymentops/internal/health"
	"github.com/punchamoorthee/paymentops/internal/provider"
	"github.com/punchamoorthee/paymentops/internal/service"
	"github.com/punchamoorthee/paymentops/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.MetricsBackend == config.BackendRedis || cfg.AuditBackend == config.BackendRedis ||
		cfg.IdempotencyBackend == config.BackendRedis {
		rdb, err = store.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatalf("Unable to connect to redis: %v", err)
		}
		defer rdb.Close()
	}

	var metrics health.MetricsStore = store.NewMemoryMetricsStore()
	if cfg.MetricsBackend == config.BackendRedis {
		metrics = store.NewRedisMetricsStore(rdb)
	}

	events, closeEvents, err := openEventStore(ctx, cfg, rdb)
	if err != nil {
		log.Fatalf("Unable to open audit store: %v", err)
	}
	defer closeEvents()
	auditLog := audit.NewLog(events)

	replays, closeReplays, err := openReplayStore(ctx, cfg, rdb, events)
	if err != nil {
		log.Fatalf("Unable to open idempotency store: %v", err)
	}
	defer closeReplays()

	registry := provider.NewRegistry()
	for _, pc := range cfg.Providers {
		p, err := buildProvider(ctx, pc)
		if err != nil {
			log.Fatalf("Unable to initialize provider %s: %v", pc.ID, err)
		}
		registry.Register(pc.ID, p)
		if err := auditLog.Record(ctx, domain.AuditEvent{
			Type:       domain.EventProviderRegistered,
			ResourceID: pc.ID,
			Details:    map[string]string{"kind": pc.Kind},
		}); err != nil {
			log.Printf("Warning: failed to record registration of %s: %v", pc.ID, err)
		}
	}

	alerts := alert.Multi{alert.LogDispatcher{}}
	if cfg.AlertWebhookURL != "" {
		alerts = append(alerts, alert.NewWebhookDispatcher(cfg.AlertWebhookURL, 5*time.Second))
	}

	monitor := health.NewMonitor(metrics, registry,
		health.WithInterval(cfg.HealthCheckInterval),
		health.WithAlerts(alerts),
		health.WithEvents(auditLog))

	coord, err := service.NewFailoverCoordinator(registry, monitor, auditLog, cfg.Failover.Strategy(),
		service.WithDefaultProvider(cfg.Failover.DefaultProvider))
	if err != nil {
		log.Fatal(err)
	}
	monitor.OnHealthChange(coord.ObserveHealth)
	monitor.Start(ctx)

	handler := api.NewHandler(coord, registry, monitor, metrics, auditLog, api.WithReplayStore(replays))
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s (env=%s, metrics=%s, audit=%s, idempotency=%s)",
			cfg.Port, cfg.Env, cfg.MetricsBackend, cfg.AuditBackend, cfg.IdempotencyBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	monitor.Stop()
	log.Println("Server exited")
}

func openEventStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (audit.Store, func(), error) {
	switch cfg.AuditBackend {
	case config.BackendRedis:
		return store.NewRedisEventStore(rdb), func() {}, nil
	case config.BackendPostgres:
		pg, err := store.NewPostgresEventStore(ctx, cfg.DBSource)
		if err != nil {
			return nil, nil, err
		}
		// Production schemas are applied by cmd/migrate.
		if cfg.Env == "development" {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, nil, err
			}
		}
		return pg, pg.Close, nil
	case config.BackendSQLite:
		sq, err := store.OpenSQLiteEventStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return sq, closer(sq), nil
	}
	return store.NewMemoryEventStore(), func() {}, nil
}

// openReplayStore shares the audit store's pool when both live in Postgres.
func openReplayStore(ctx context.Context, cfg *config.Config, rdb *redis.Client, events audit.Store) (api.ReplayStore, func(), error) {
	switch cfg.IdempotencyBackend {
	case config.BackendRedis:
		return store.NewRedisReplayStore(rdb, cfg.ReplayTTL), func() {}, nil
	case config.BackendPostgres:
		closeFn := func() {}
		pg, ok := events.(*store.PostgresEventStore)
		if !ok {
			var err error
			pg, err = store.NewPostgresEventStore(ctx, cfg.DBSource)
			if err != nil {
				return nil, nil, err
			}
			closeFn = pg.Close
		}
		replays := store.NewPostgresReplayStore(pg.Db, cfg.ReplayTTL)
		if cfg.Env == "development" {
			if err := replays.Migrate(ctx); err != nil {
				closeFn()
				return nil, nil, err
			}
		}
		return replays, closeFn, nil
	}
	return api.NewReplayCache(cfg.ReplayTTL), func() {}, nil
}

func closer(c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Printf("Warning: close: %v", err)
		}
	}
}

func buildProvider(ctx context.Context, pc config.ProviderConfig) (provider.Provider, error) {
	var p provider.Provider
	switch pc.Kind {
	case config.KindHTTP:
		p = provider.NewHTTPProvider(pc.ID)
	case config.KindSimulated:
		p = provider.NewSimulatedProvider(pc.ID)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
	err := p.Initialize(ctx, provider.Config{
		BaseURL:       pc.BaseURL,
		APIKey:        pc.APIKey,
		WebhookSecret: pc.WebhookSecret,
		Timeout:       pc.Timeout,
	})
	return p, err
}
