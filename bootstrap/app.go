package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"chimera/api"
	"chimera/config"
	"chimera/core"
	"chimera/ingest"
	"chimera/notify"
	"chimera/storage"

	"go.uber.org/zap"
)

// App is the assembled Chimera service: configuration, storage backends,
// the correlation engine, the ingest normalizer, the merge-event dispatcher
// and the HTTP/WebSocket surface.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Storage *StorageComponents

	Engine     *core.Engine
	Normalizer *ingest.Normalizer
	Dispatcher *notify.Dispatcher
	APIServer  *api.API

	serviceWg *sync.WaitGroup
}

// NewApp initializes every component in dependency order: logger, config,
// storage backends, notification channels, engine, ingest. Nothing starts
// serving until Start.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{
		serviceWg: &sync.WaitGroup{},
	}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("Chimera correlation engine starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	dirs := DataDirectoriesFromConfig(cfg)
	sugar.Info("Running pre-flight checks...")
	if err := EnsureDataDirectories(dirs, sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	components, err := InitAlertStorage(dirs, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Storage = components

	components.Redis, err = InitRedis(cfg, sugar)
	if err != nil {
		components.Close(sugar)
		return nil, err
	}

	components.Audit, err = InitClickHouseAudit(cfg, sugar)
	if err != nil {
		components.Close(sugar)
		return nil, err
	}

	dispatcher, err := initDispatcher(cfg, components, sugar)
	if err != nil {
		components.Close(sugar)
		return nil, err
	}
	app.Dispatcher = dispatcher

	engine := core.NewEngine(components.Alerts, dispatcher, core.Options{
		WindowMinutes:    cfg.Engine.WindowMinutes,
		Threshold:        cfg.Engine.Threshold,
		MaxResults:       cfg.Engine.MaxResults,
		AttachCorrelated: cfg.Engine.AttachCorrelated,
	}, sugar, nil)
	if components.Redis != nil {
		engine.UseFingerprintIndex(components.Redis)
		sugar.Info("Fingerprint fast path enabled via Redis")
	}
	app.Engine = engine

	profiles, err := ingest.LoadProfiles(dirs.Mappings)
	if err != nil {
		components.Close(sugar)
		return nil, fmt.Errorf("failed to load ingest mapping profiles: %w", err)
	}
	sugar.Infow("Ingest mapping profiles loaded", "count", len(profiles))

	normalizer, err := ingest.NewNormalizer(components.Alerts, engine, profiles, cfg.Ingest, sugar)
	if err != nil {
		components.Close(sugar)
		return nil, fmt.Errorf("failed to initialize normalizer: %w", err)
	}
	app.Normalizer = normalizer

	return app, nil
}

// initDispatcher assembles the merge-event fan-out from the enabled
// channels. An empty dispatcher is valid: merges then commit without
// emitting anything, which is the documented best-effort contract.
func initDispatcher(cfg *config.Config, components *StorageComponents, sugar *zap.SugaredLogger) (*notify.Dispatcher, error) {
	dispatcher := notify.NewDispatcher(sugar)

	if components.Audit != nil {
		dispatcher.AddChannel(notify.NewAuditChannel(components.Audit))
		sugar.Info("Merge audit channel enabled")
	}

	if cfg.Notify.Webhook.Enabled {
		webhook, err := notify.NewWebhookChannel(cfg.Notify.Webhook, sugar)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize webhook channel: %w", err)
		}
		dispatcher.AddChannel(webhook)
		sugar.Infow("Webhook merge-event channel enabled", "url", cfg.Notify.Webhook.URL)
	}

	if cfg.Notify.NATS.Enabled {
		nats, err := notify.NewNATSPublisher(cfg.Notify.NATS, sugar)
		if err != nil {
			if cfg.IsGracefulMode() {
				sugar.Warnw("NATS unavailable, broker channel disabled", "error", err)
			} else {
				return nil, fmt.Errorf("failed to connect NATS channel: %w", err)
			}
		} else {
			dispatcher.AddChannel(nats)
			sugar.Infow("NATS merge-event channel enabled", "subject", cfg.Notify.NATS.Subject)
		}
	}

	return dispatcher, nil
}

// Start builds the API server, bridges its websocket hub into the merge
// dispatcher, and begins serving.
func (a *App) Start(ctx context.Context) error {
	checks := a.healthChecks()

	var statsCache api.StatsCache
	if a.Storage.Redis != nil {
		statsCache = a.Storage.Redis
	}

	a.APIServer = api.NewAPI(
		a.Engine,
		a.Storage.Alerts,
		a.Normalizer,
		a.Storage.Alerts,
		statsCache,
		checks,
		a.Config,
		a.Sugar,
	)

	// Connected websocket clients see merges as they commit.
	a.Dispatcher.AddChannel(notify.NewWebSocketBridge(a.APIServer.Hub()))

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.Sugar.Errorw("API server panicked", "panic", r)
			}
		}()
		if err := a.APIServer.Start(); err != nil && err.Error() != "http: Server closed" {
			a.Sugar.Errorw("API server error", "error", err)
		}
	}()

	return nil
}

// healthChecks wires each live backend into the /healthz probe.
func (a *App) healthChecks() []api.HealthCheck {
	var checks []api.HealthCheck
	if a.Storage.SQLite != nil {
		checks = append(checks, api.HealthCheck{Name: "sqlite", Check: a.Storage.SQLite.HealthCheck})
	}
	if a.Storage.Mongo != nil {
		checks = append(checks, api.HealthCheck{Name: "mongodb", Check: a.Storage.Mongo.HealthCheck})
	}
	if a.Storage.Redis != nil {
		redis := a.Storage.Redis
		checks = append(checks, api.HealthCheck{Name: "redis", Check: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redis.Ping(ctx)
		}})
	}
	if a.Storage.Audit != nil {
		checks = append(checks, api.HealthCheck{Name: "clickhouse", Check: a.Storage.Audit.HealthCheck})
	}
	return checks
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops the service in reverse dependency order: the HTTP surface
// drains first so no new submissions arrive, then the notification channels
// flush, then the storage backends close.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.Sugar.Info("All service goroutines stopped")
	case <-time.After(10 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	if a.Dispatcher != nil {
		a.Dispatcher.Close()
	}

	a.Storage.Close(a.Sugar)

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

// interface satisfaction checks for the API wiring
var (
	_ api.CorrelationEngine = (*core.Engine)(nil)
	_ api.AlertReader       = (storage.AlertStorageInterface)(nil)
	_ api.Ingestor          = (*ingest.Normalizer)(nil)
)
