package storage

import (
	"database/sql"
)

// RegisterSQLiteMigrations registers all SQLite migrations with the runner
func RegisterSQLiteMigrations(runner *MigrationRunner) {
	// Base schema version - represents initial table creation
	// This doesn't actually run CREATE TABLE statements (they're in createTables)
	// but marks the base schema version as "applied" for tracking
	runner.Register(Migration{
		Version:     "1.0.0",
		Name:        "initial_schema",
		Description: "Base schema with the alerts table and its core indexes",
		Up: func(tx *sql.Tx) error {
			// No-op: base tables created by createTables()
			return nil
		},
	})

	// Migration 1.1.0: promote category from JSON metadata to a first-class column
	runner.Register(Migration{
		Version:     "1.1.0",
		Name:        "add_category_column",
		Description: "Add category column to alerts table with supporting index",
		Up: func(tx *sql.Tx) error {
			if err := addColumnIfNotExists(tx, "alerts", "category", "TEXT NOT NULL DEFAULT ''"); err != nil {
				return err
			}
			return createIndexIfNotExists(tx, "idx_alerts_category", "alerts", "category")
		},
	})

	// Migration 1.2.0: composite index so window queries filter on status
	// without a second lookup
	runner.Register(Migration{
		Version:     "1.2.0",
		Name:        "add_window_covering_index",
		Description: "Add composite (status, created_at) index for correlation window scans",
		Up: func(tx *sql.Tx) error {
			return createIndexIfNotExists(tx, "idx_alerts_status_created_at", "alerts", "status, created_at")
		},
	})

	// Migration 1.3.0: partial unique index backing ingest idempotency.
	// createIndexIfNotExists cannot express UNIQUE or WHERE, so this one
	// is raw SQL.
	runner.Register(Migration{
		Version:     "1.3.0",
		Name:        "add_ingest_idempotency_index",
		Description: "Add partial unique index on (source, external_id) so replayed ingest batches cannot duplicate alerts",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_source_external
				ON alerts(source, external_id)
				WHERE external_id IS NOT NULL AND external_id != ''
			`)
			return err
		},
	})
}
