package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chimera/metrics"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the SQLite database connections for alert storage.
// Separate read and write pools leverage WAL mode's concurrency model:
// unlimited concurrent readers plus exactly one writer.
type SQLite struct {
	WriteDB *sql.DB // Write-only pool (MaxOpenConns=1 for WAL single writer)
	ReadDB  *sql.DB // Read-only pool for concurrent SELECTs
	Path    string
	Logger  *zap.SugaredLogger

	// Pool counters in Prometheus must only increase, so deltas are
	// tracked against the last observed sql.DBStats.
	prevWriteWaitCount int64
	prevReadWaitCount  int64
}

// configureSQLiteConnection configures a SQLite database connection with
// standard settings: WAL mode, foreign keys, and a busy timeout.
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string, poolType string) error {
	// WAL must be set via PRAGMA; connection string params are unreliable
	_, err := db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// SQLite disables foreign keys by default
	_, err = db.Exec("PRAGMA foreign_keys=ON")
	if err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Busy timeout prevents immediate SQLITE_BUSY errors under writer contention
	_, err = db.Exec("PRAGMA busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// Verify WAL actually took. In-memory databases report "memory" mode.
	var journalMode string
	err = db.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal), crash recovery will not work", journalMode)
	}
	logger.Debugf("SQLite %s pool: journal mode %s", poolType, journalMode)

	return nil
}

// NewSQLite opens the alert database with separate read and write pools and
// brings the schema up to date.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// In-memory databases need shared cache so both pools see the same data.
	// Without it each sql.Open(":memory:") creates a separate empty database.
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}

	if err := configureSQLiteConnection(writeDB, logger, dbPath, "write"); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	// WAL allows exactly one writer at a time; a single-connection pool
	// serializes writes at the driver level instead of failing with
	// SQLITE_BUSY. Merge transactions ride this same guarantee.
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0) // connections never expire (required for in-memory databases)
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}

	if err := configureSQLiteConnection(readDB, logger, dbPath, "read"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}

	// Enforce read-only access at the SQLite level so a misrouted write
	// fails loudly instead of racing the write pool.
	_, err = readDB.Exec("PRAGMA query_only=ON")
	if err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to enable query_only mode on read pool: %w", err)
	}

	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	sqlite := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}

	if err := sqlite.createTables(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infof("SQLite database initialized at %s with separate read/write pools", dbPath)

	return sqlite, nil
}

// WithTransaction executes fn within a database transaction on the write
// pool. The transaction is rolled back on error or panic and committed
// otherwise; no exit path leaves it open.
func (s *SQLite) WithTransaction(fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p) // Re-panic after rollback
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// createTables creates the alert schema and runs pending migrations.
func (s *SQLite) createTables() error {
	schema := `
	-- Alerts table. Correlation fields are first-class columns so the
	-- window query and the scorer never parse JSON for them; only the
	-- list-valued fields (techniques, observables, members) are JSON.
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		external_id TEXT,
		title TEXT NOT NULL,
		description TEXT,
		source TEXT NOT NULL,
		category TEXT,
		severity TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		source_ip TEXT,
		dest_ip TEXT,
		hostname TEXT,
		mitre_techniques TEXT, -- JSON array
		observables TEXT, -- JSON array
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		dedup_fingerprint TEXT NOT NULL,
		duplicate_of TEXT,
		duplicate_count INTEGER NOT NULL DEFAULT 0,
		duplicate_members TEXT -- JSON array
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_fingerprint ON alerts(dedup_fingerprint);
	CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
	CREATE INDEX IF NOT EXISTS idx_alerts_category ON alerts(category);
	-- Covering index for the candidate window query (status exclusion + time range)
	CREATE INDEX IF NOT EXISTS idx_alerts_status_created_at ON alerts(status, created_at);
	-- Ingest idempotency: one alert per upstream (source, external_id) pair
	CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_source_external
		ON alerts(source, external_id) WHERE external_id IS NOT NULL AND external_id != '';
	`

	_, err := s.WriteDB.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	s.Logger.Debug("SQLite tables created/verified")

	if err := s.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RunMigrations runs all pending migrations using the migration framework
func (s *SQLite) RunMigrations() error {
	runner, err := NewMigrationRunner(s.WriteDB, s.Logger)
	if err != nil {
		return fmt.Errorf("failed to create migration runner: %w", err)
	}

	RegisterSQLiteMigrations(runner)

	// Databases created before the framework existed (or by createTables
	// just now) already contain the migrated schema; mark those versions
	// applied instead of re-running them.
	if err := s.reconcileExistingMigrations(runner); err != nil {
		s.Logger.Warnf("Failed to reconcile existing migrations: %v", err)
		// Continue anyway, the migrations are idempotent
	}

	if err := runner.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	issues, err := runner.VerifyIntegrity()
	if err != nil {
		s.Logger.Warnf("Failed to verify migration integrity: %v", err)
	} else {
		for _, issue := range issues {
			s.Logger.Warnf("Migration integrity issue: %s", issue)
		}
	}

	return nil
}

// reconcileExistingMigrations marks migrations as applied if their schema
// changes already exist in the database.
func (s *SQLite) reconcileExistingMigrations(runner *MigrationRunner) error {
	applied, err := runner.GetAppliedMigrations()
	if err != nil {
		return err
	}

	// If we have applied migrations, the framework is already in use
	if len(applied) > 0 {
		return nil
	}

	migrationsToMark := []struct {
		version   string
		name      string
		checkFunc func() (bool, error)
	}{
		{
			version: "1.0.0",
			name:    "initial_schema",
			checkFunc: func() (bool, error) {
				var count int
				err := s.WriteDB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='alerts'").Scan(&count)
				return count > 0, err
			},
		},
		{
			version: "1.1.0",
			name:    "add_category_column",
			checkFunc: func() (bool, error) {
				var count int
				err := s.WriteDB.QueryRow("SELECT COUNT(*) FROM pragma_table_info('alerts') WHERE name='category'").Scan(&count)
				return count > 0, err
			},
		},
		{
			version: "1.2.0",
			name:    "add_window_covering_index",
			checkFunc: func() (bool, error) {
				var count int
				err := s.WriteDB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_alerts_status_created_at'").Scan(&count)
				return count > 0, err
			},
		},
		{
			version: "1.3.0",
			name:    "add_ingest_idempotency_index",
			checkFunc: func() (bool, error) {
				var count int
				err := s.WriteDB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_alerts_source_external'").Scan(&count)
				return count > 0, err
			},
		},
	}

	for _, m := range migrationsToMark {
		exists, err := m.checkFunc()
		if err != nil {
			s.Logger.Warnf("Failed to check migration %s: %v", m.version, err)
			continue
		}

		if exists {
			_, err = s.WriteDB.Exec(`
				INSERT OR IGNORE INTO schema_migrations (version, name, checksum, applied_at, duration_ms)
				VALUES (?, ?, 'reconciled', datetime('now'), 0)
			`, m.version, m.name)
			if err != nil {
				s.Logger.Warnf("Failed to mark migration %s as applied: %v", m.version, err)
			} else {
				s.Logger.Debugf("Reconciled migration %s: %s (already applied)", m.version, m.name)
			}
		}
	}

	return nil
}

// Close closes both connection pools.
func (s *SQLite) Close() error {
	var writeErr, readErr error

	if s.WriteDB != nil {
		writeErr = s.WriteDB.Close()
	}
	if s.ReadDB != nil {
		readErr = s.ReadDB.Close()
	}

	if writeErr != nil {
		return fmt.Errorf("failed to close write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}

	return nil
}

// HealthCheck verifies the database connection is alive
func (s *SQLite) HealthCheck() error {
	return s.WriteDB.Ping()
}

// StartMetricsCollection starts a background goroutine that periodically
// exports connection pool statistics to Prometheus.
func (s *SQLite) StartMetricsCollection(ctx context.Context, interval time.Duration) {
	s.updatePoolMetrics()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.Logger.Debug("SQLite metrics collection stopped")
				return
			case <-ticker.C:
				s.updatePoolMetrics()
			}
		}
	}()

	s.Logger.Infof("SQLite metrics collection started (interval: %v)", interval)
}

func (s *SQLite) updatePoolMetrics() {
	s.updatePoolMetricsForType("write", s.WriteDB.Stats(), &s.prevWriteWaitCount)
	s.updatePoolMetricsForType("read", s.ReadDB.Stats(), &s.prevReadWaitCount)
}

func (s *SQLite) updatePoolMetricsForType(poolType string, stats sql.DBStats, prevWaitCount *int64) {
	metrics.SQLitePoolOpenConnections.WithLabelValues(poolType).Set(float64(stats.OpenConnections))
	metrics.SQLitePoolInUse.WithLabelValues(poolType).Set(float64(stats.InUse))
	metrics.SQLitePoolIdle.WithLabelValues(poolType).Set(float64(stats.Idle))

	// Counters take deltas only; sql.DBStats values are cumulative.
	waitCountDelta := stats.WaitCount - *prevWaitCount
	if waitCountDelta > 0 {
		metrics.SQLitePoolWaitCount.WithLabelValues(poolType).Add(float64(waitCountDelta))
		*prevWaitCount = stats.WaitCount
	}
}

// validateDatabasePath rejects paths that escape the working directory,
// contain traversal sequences or null bytes, or name reserved Windows
// device files. In-memory and temp-directory paths are always allowed.
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}

	// Absolute paths bypass the working directory restriction. Temp
	// directories stay allowed because tests live there.
	if filepath.IsAbs(dbPath) && dbPath != ":memory:" {
		if !strings.Contains(dbPath, os.TempDir()) {
			return fmt.Errorf("absolute paths not allowed: %s", dbPath)
		}
	}

	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
	}

	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}

	base := filepath.Base(dbPath)
	reserved := []string{"CON", "PRN", "AUX", "NUL", "COM1", "COM2", "COM3", "COM4",
		"COM5", "COM6", "COM7", "COM8", "COM9", "LPT1", "LPT2", "LPT3", "LPT4",
		"LPT5", "LPT6", "LPT7", "LPT8", "LPT9"}

	baseUpper := strings.ToUpper(base)
	for _, r := range reserved {
		if baseUpper == r || strings.HasPrefix(baseUpper, r+".") {
			return fmt.Errorf("reserved name not allowed: %s", base)
		}
	}

	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	if strings.Contains(absPath, os.TempDir()) {
		return nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	rel, err := filepath.Rel(wd, absPath)
	if err != nil {
		return fmt.Errorf("failed to compute relative path: %w", err)
	}

	if strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path escapes working directory: %s resolves to %s", dbPath, absPath)
	}

	return nil
}
