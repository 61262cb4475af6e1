package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"chimera/config"
	"chimera/storage"

	"go.uber.org/zap"
)

// StorageComponents holds every storage-layer handle the application wires.
// Alerts is the store the engine, ingest and API all share; the optional
// backends are nil when disabled by configuration.
type StorageComponents struct {
	SQLite *storage.SQLite
	Mongo  *storage.MongoDB

	// Alerts is the primary alert store, possibly wrapped in the LRU cache.
	Alerts storage.AlertStorageInterface

	// Redis backs the fingerprint fast path and the statistics cache.
	Redis *storage.RedisCache

	// Audit is the ClickHouse merge audit sink.
	Audit *storage.ClickHouseAudit
}

// InitAlertStorage opens the configured primary backend, runs its schema
// setup and wraps it in the read cache when one is configured.
func InitAlertStorage(dirs DataDirectories, cfg *config.Config, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	components := &StorageComponents{}

	var inner storage.AlertStorageInterface
	switch cfg.Storage.Backend {
	case "mongodb":
		mongo, err := storage.NewMongoDB(
			cfg.MongoDB.URI,
			cfg.MongoDB.Database,
			cfg.MongoDB.MaxPoolSize,
			time.Duration(cfg.MongoDB.ConnectTimeout)*time.Second,
			sugar,
		)
		if err != nil {
			errMsg := ClassifyConnectionError(err, "MongoDB", cfg.MongoDB.URI)
			fmt.Fprintf(os.Stderr, "\n========================================\n")
			fmt.Fprintf(os.Stderr, "FATAL: MongoDB Connection Failed\n")
			fmt.Fprintf(os.Stderr, "========================================\n")
			fmt.Fprintf(os.Stderr, "%s\n", errMsg)
			fmt.Fprintf(os.Stderr, "========================================\n\n")
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		components.Mongo = mongo

		mongoAlerts := storage.NewMongoAlertStorage(mongo, sugar)
		if err := mongoAlerts.EnsureIndexes(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to ensure MongoDB alert indexes: %w", err)
		}
		inner = mongoAlerts
		sugar.Info("MongoDB alert storage initialized successfully")

	default: // "sqlite", enforced by config validation
		sqlite, err := storage.NewSQLite(dirs.SQLite, sugar)
		if err != nil {
			errMsg := ClassifySQLiteError(err, dirs.SQLite)
			fmt.Fprintf(os.Stderr, "\n========================================\n")
			fmt.Fprintf(os.Stderr, "FATAL: SQLite Initialization Failed\n")
			fmt.Fprintf(os.Stderr, "========================================\n")
			fmt.Fprintf(os.Stderr, "%s\n", errMsg)
			fmt.Fprintf(os.Stderr, "========================================\n\n")
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
		components.SQLite = sqlite
		inner = storage.NewSQLiteAlertStorage(sqlite, sugar)
		sugar.Info("SQLite alert storage initialized successfully")
	}

	if cfg.Storage.AlertCacheSize > 0 {
		cached, err := storage.NewCachedAlertStorage(inner, cfg.Storage.AlertCacheSize, sugar)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize alert cache: %w", err)
		}
		inner = cached
		sugar.Infow("Alert read cache enabled", "capacity", cfg.Storage.AlertCacheSize)
	}

	components.Alerts = inner
	return components, nil
}

// InitRedis connects the fingerprint index and statistics cache. Redis is an
// optional fast path: in graceful mode a failed ping downgrades it to
// disabled, in strict mode startup fails.
func InitRedis(cfg *config.Config, sugar *zap.SugaredLogger) (*storage.RedisCache, error) {
	if !cfg.Redis.Enabled {
		sugar.Info("Redis disabled by configuration")
		return nil, nil
	}

	cache := storage.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, sugar)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cache.Ping(ctx); err != nil {
		errMsg := ClassifyConnectionError(err, "Redis", cfg.Redis.Addr)
		if cfg.IsGracefulMode() {
			sugar.Warnw("Redis unavailable, fingerprint fast path disabled", "error", err)
			_ = cache.Close()
			return nil, nil
		}
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: Redis Connection Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", errMsg)
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	sugar.Info("Connected to Redis successfully")
	return cache, nil
}

// InitClickHouseAudit connects the merge audit sink with retry. ClickHouse
// can lag the rest of the stack on cold starts, so the first failures get
// increasing backoff before the error is classified and surfaced.
func InitClickHouseAudit(cfg *config.Config, sugar *zap.SugaredLogger) (*storage.ClickHouseAudit, error) {
	if !cfg.ClickHouse.Enabled {
		sugar.Info("ClickHouse audit sink disabled by configuration")
		return nil, nil
	}

	opts := storage.ClickHouseOptions{
		Addr:        cfg.ClickHouse.Addr,
		Database:    cfg.ClickHouse.Database,
		Username:    cfg.ClickHouse.Username,
		Password:    cfg.ClickHouse.Password,
		TLS:         cfg.ClickHouse.TLS,
		MaxPoolSize: cfg.ClickHouse.MaxPoolSize,
		TTLDays:     cfg.ClickHouse.AuditTTL,
	}

	const maxRetries = 3
	retryDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

	var audit *storage.ClickHouseAudit
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			sugar.Infow("Retrying ClickHouse connection",
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", retryDelays[attempt-1])
			time.Sleep(retryDelays[attempt-1])
		}

		audit, lastErr = storage.NewClickHouseAudit(opts, sugar)
		if lastErr == nil {
			break
		}

		sugar.Warnw("ClickHouse connection attempt failed",
			"attempt", attempt+1,
			"error", lastErr)
	}

	if lastErr != nil {
		errMsg := ClassifyConnectionError(lastErr, "ClickHouse", cfg.ClickHouse.Addr)
		if cfg.IsGracefulMode() {
			sugar.Warnw("ClickHouse unavailable, merge audit trail disabled", "error", lastErr)
			return nil, nil
		}
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: ClickHouse Connection Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", errMsg)
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to connect to ClickHouse after %d attempts: %w", maxRetries+1, lastErr)
	}

	sugar.Info("Connected to ClickHouse successfully")
	return audit, nil
}

// Close releases every open backend. Safe on partially initialized
// components; nil handles are skipped.
func (s *StorageComponents) Close(sugar *zap.SugaredLogger) {
	if s == nil {
		return
	}
	if s.Audit != nil {
		if err := s.Audit.Close(); err != nil {
			sugar.Errorw("Failed to close ClickHouse connection", "error", err)
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			sugar.Errorw("Failed to close Redis connection", "error", err)
		}
	}
	if s.Mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Mongo.Close(ctx); err != nil {
			sugar.Errorw("Failed to close MongoDB connection", "error", err)
		}
		cancel()
	}
	if s.SQLite != nil {
		if err := s.SQLite.Close(); err != nil {
			sugar.Errorw("Failed to close SQLite", "error", err)
		}
	}
}
