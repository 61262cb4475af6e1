package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Migration represents a database migration.
type Migration struct {
	Version     string              // Semantic version (e.g., "1.1.0")
	Name        string              // Descriptive name (e.g., "add_category_column")
	Description string              // Human-readable description
	Up          func(*sql.Tx) error // Apply migration
	Checksum    string              // SHA256 of version+name for drift detection
}

// MigrationRecord represents a row in the schema_migrations table
type MigrationRecord struct {
	ID        int64
	Version   string
	Name      string
	Checksum  string
	AppliedAt time.Time
	Duration  int64 // milliseconds
}

// MigrationRunner manages database migrations
type MigrationRunner struct {
	db         *sql.DB
	logger     *zap.SugaredLogger
	migrations []Migration
}

// NewMigrationRunner creates a new migration runner
func NewMigrationRunner(db *sql.DB, logger *zap.SugaredLogger) (*MigrationRunner, error) {
	runner := &MigrationRunner{
		db:         db,
		logger:     logger,
		migrations: make([]Migration, 0),
	}

	if err := runner.ensureMigrationsTable(); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	return runner, nil
}

// ensureMigrationsTable creates the schema_migrations table if it doesn't exist
func (r *MigrationRunner) ensureMigrationsTable() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_schema_migrations_version ON schema_migrations(version);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Register adds a migration to the runner
func (r *MigrationRunner) Register(m Migration) {
	if m.Checksum == "" {
		m.Checksum = r.calculateChecksum(m)
	}
	r.migrations = append(r.migrations, m)
}

// calculateChecksum generates a hash for migration drift detection.
// Up functions cannot be hashed, so version+name stands in for content.
func (r *MigrationRunner) calculateChecksum(m Migration) string {
	content := fmt.Sprintf("%s:%s", m.Version, m.Name)
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:8])
}

// GetAppliedMigrations returns all migrations that have been applied
func (r *MigrationRunner) GetAppliedMigrations() ([]MigrationRecord, error) {
	rows, err := r.db.Query(`
		SELECT id, version, name, checksum, applied_at, duration_ms
		FROM schema_migrations
		ORDER BY version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		if err := rows.Scan(&rec.ID, &rec.Version, &rec.Name, &rec.Checksum, &rec.AppliedAt, &rec.Duration); err != nil {
			return nil, fmt.Errorf("failed to scan migration record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// GetPendingMigrations returns migrations that haven't been applied yet
func (r *MigrationRunner) GetPendingMigrations() ([]Migration, error) {
	applied, err := r.GetAppliedMigrations()
	if err != nil {
		return nil, err
	}

	appliedSet := make(map[string]bool)
	for _, rec := range applied {
		appliedSet[rec.Version] = true
	}

	var pending []Migration
	for _, m := range r.migrations {
		if !appliedSet[m.Version] {
			pending = append(pending, m)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return compareVersions(pending[i].Version, pending[j].Version) < 0
	})

	return pending, nil
}

// RunMigrations applies all pending migrations
func (r *MigrationRunner) RunMigrations() error {
	pending, err := r.GetPendingMigrations()
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		r.logger.Debug("No pending migrations")
		return nil
	}

	r.logger.Infof("Running %d pending migrations", len(pending))

	for _, m := range pending {
		if err := r.runMigration(m); err != nil {
			return fmt.Errorf("migration %s (%s) failed: %w", m.Version, m.Name, err)
		}
	}

	r.logger.Info("All migrations completed successfully")
	return nil
}

// runMigration applies a single migration within a transaction. A panic in
// the Up function rolls back and is returned as an error.
func (r *MigrationRunner) runMigration(m Migration) (err error) {
	r.logger.Infof("Running migration %s: %s", m.Version, m.Name)
	start := time.Now()

	var tx *sql.Tx
	tx, err = r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			if panicAsErr, ok := p.(error); ok {
				err = fmt.Errorf("migration panicked: %w", panicAsErr)
			} else {
				err = fmt.Errorf("migration panicked: %v", p)
			}
		}
	}()

	if err := m.Up(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration Up() failed: %w", err)
	}

	duration := time.Since(start).Milliseconds()
	_, err = tx.Exec(`
		INSERT INTO schema_migrations (version, name, checksum, applied_at, duration_ms)
		VALUES (?, ?, ?, ?, ?)
	`, m.Version, m.Name, m.Checksum, time.Now().UTC(), duration)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	r.logger.Infof("Migration %s completed in %dms", m.Version, duration)
	return nil
}

// VerifyIntegrity checks for migration drift (modified applied migrations)
func (r *MigrationRunner) VerifyIntegrity() ([]string, error) {
	applied, err := r.GetAppliedMigrations()
	if err != nil {
		return nil, err
	}

	registered := make(map[string]Migration)
	for _, m := range r.migrations {
		registered[m.Version] = m
	}

	var issues []string

	for _, rec := range applied {
		if m, ok := registered[rec.Version]; ok {
			// Reconciled migrations predate the framework and carry no checksum
			if rec.Checksum == "reconciled" {
				continue
			}
			if m.Checksum != rec.Checksum {
				issues = append(issues, fmt.Sprintf(
					"Migration %s checksum mismatch: applied=%s, registered=%s (possible code drift)",
					rec.Version, rec.Checksum, m.Checksum,
				))
			}
		} else {
			issues = append(issues, fmt.Sprintf(
				"Migration %s was applied but is not registered (orphaned migration)",
				rec.Version,
			))
		}
	}

	return issues, nil
}

// compareVersions compares two semantic versions
// Returns -1 if a < b, 0 if a == b, 1 if a > b
func compareVersions(a, b string) int {
	partsA := strings.Split(a, ".")
	partsB := strings.Split(b, ".")

	maxLen := len(partsA)
	if len(partsB) > maxLen {
		maxLen = len(partsB)
	}

	for i := 0; i < maxLen; i++ {
		var numA, numB int
		if i < len(partsA) {
			fmt.Sscanf(partsA[i], "%d", &numA)
		}
		if i < len(partsB) {
			fmt.Sscanf(partsB[i], "%d", &numB)
		}

		if numA < numB {
			return -1
		}
		if numA > numB {
			return 1
		}
	}
	return 0
}

// validateSQLIdentifier validates that a string is a safe SQL identifier
// to prevent SQL injection in dynamic schema operations.
func validateSQLIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("SQL identifier cannot be empty")
	}
	if !(name[0] >= 'a' && name[0] <= 'z' || name[0] >= 'A' && name[0] <= 'Z' || name[0] == '_') {
		return fmt.Errorf("invalid SQL identifier %q: must start with letter or underscore", name)
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			return fmt.Errorf("invalid SQL identifier %q: contains invalid character at position %d", name, i)
		}
	}
	return nil
}

// columnExists checks if a column exists in a table
func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	if err := validateSQLIdentifier(table); err != nil {
		return false, fmt.Errorf("invalid table name: %w", err)
	}
	if err := validateSQLIdentifier(column); err != nil {
		return false, fmt.Errorf("invalid column name: %w", err)
	}

	var count int
	err := tx.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name=?",
		table, column,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// addColumnIfNotExists adds a column when the table does not already have it
func addColumnIfNotExists(tx *sql.Tx, table, column, definition string) error {
	if err := validateSQLIdentifier(table); err != nil {
		return fmt.Errorf("invalid table name: %w", err)
	}
	if err := validateSQLIdentifier(column); err != nil {
		return fmt.Errorf("invalid column name: %w", err)
	}

	exists, err := columnExists(tx, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	// Safe to use fmt.Sprintf here since identifiers are validated
	_, err = tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

// createIndexIfNotExists creates an index when it is missing
func createIndexIfNotExists(tx *sql.Tx, indexName, table, columns string) error {
	if err := validateSQLIdentifier(indexName); err != nil {
		return fmt.Errorf("invalid index name: %w", err)
	}
	if err := validateSQLIdentifier(table); err != nil {
		return fmt.Errorf("invalid table name: %w", err)
	}
	// Columns may contain commas for composite indexes, validate each part
	columnParts := strings.Split(columns, ",")
	for _, col := range columnParts {
		trimmed := strings.TrimSpace(col)
		if err := validateSQLIdentifier(trimmed); err != nil {
			return fmt.Errorf("invalid column name in index: %w", err)
		}
	}

	// Safe to use fmt.Sprintf here since identifiers are validated
	query := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", indexName, table, columns)
	_, err := tx.Exec(query)
	return err
}
