package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"chimera/core"
	"chimera/metrics"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// validDatabaseNameRegex ensures database names are safe from SQL injection
var validDatabaseNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ClickHouseOptions carries the connection settings for the audit sink.
// Mirrors the clickhouse section of the config file.
type ClickHouseOptions struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	TLS         bool
	MaxPoolSize int
	// TTLDays is how long audit rows are retained before ClickHouse drops them.
	TTLDays int
}

// ClickHouseAudit is the merge audit trail. Every committed merge is appended
// as one row to the merge_audit MergeTree table; ClickHouse expires rows past
// the configured TTL on its own. Writes arrive from the notifier, so a failed
// append never affects the merge itself.
type ClickHouseAudit struct {
	conn    driver.Conn
	logger  *zap.SugaredLogger
	ttlDays int
}

// NewClickHouseAudit connects to ClickHouse and prepares the merge_audit table.
func NewClickHouseAudit(opts ClickHouseOptions, logger *zap.SugaredLogger) (*ClickHouseAudit, error) {
	chOpts := &clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:     opts.MaxPoolSize,
		MaxIdleConns:     opts.MaxPoolSize / 2,
		ConnMaxLifetime:  1 * time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			// TCP keepalive so broken connections surface instead of hanging
			var d net.Dialer
			d.Timeout = 10 * time.Second
			d.KeepAlive = 30 * time.Second
			return d.DialContext(ctx, "tcp", addr)
		},
	}

	if opts.TLS {
		chOpts.TLS = &tls.Config{
			MinVersion:         tls.VersionTLS13,
			InsecureSkipVerify: false,
			CipherSuites: []uint16{
				tls.TLS_AES_128_GCM_SHA256,
				tls.TLS_AES_256_GCM_SHA384,
				tls.TLS_CHACHA20_POLY1305_SHA256,
			},
			PreferServerCipherSuites: true,
		}
	}

	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("Connected to ClickHouse successfully")

	if err := ensureDatabase(ctx, conn, opts.Database, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure database exists: %w", err)
	}

	ttlDays := opts.TTLDays
	if ttlDays < 1 {
		ttlDays = 90
	}

	audit := &ClickHouseAudit{
		conn:    conn,
		logger:  logger,
		ttlDays: ttlDays,
	}

	if err := audit.createAuditTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create merge_audit table: %w", err)
	}

	return audit, nil
}

// validateDatabaseName ensures the database name is safe from SQL injection
func validateDatabaseName(database string) error {
	if database == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if len(database) > 64 {
		return fmt.Errorf("database name too long (max 64 characters)")
	}
	if !validDatabaseNameRegex.MatchString(database) {
		return fmt.Errorf("database name contains invalid characters (only alphanumeric and underscore allowed)")
	}
	return nil
}

// ensureDatabase creates the database if it doesn't exist
func ensureDatabase(ctx context.Context, conn driver.Conn, database string, logger *zap.SugaredLogger) error {
	if err := validateDatabaseName(database); err != nil {
		return fmt.Errorf("invalid database name: %w", err)
	}

	// Backtick quoting for identifier safety even after validation
	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", database)
	if err := conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	logger.Infof("Database '%s' is ready", database)
	return nil
}

// createAuditTable creates the merge_audit table if it doesn't exist.
// merged_at is the commit timestamp from the engine; recorded_at is when the
// row landed here, so the gap between them exposes notifier backlog.
func (ca *ClickHouseAudit) createAuditTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS merge_audit (
		original_id String,
		duplicate_id String,
		fingerprint String,
		merged_at DateTime64(3, 'UTC'),
		recorded_at DateTime64(3, 'UTC'),
		INDEX idx_original_id original_id TYPE bloom_filter(0.01) GRANULARITY 1,
		INDEX idx_duplicate_id duplicate_id TYPE bloom_filter(0.01) GRANULARITY 1,
		INDEX idx_fingerprint fingerprint TYPE bloom_filter(0.01) GRANULARITY 1
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(merged_at)
	ORDER BY (merged_at, original_id)
	TTL merged_at + INTERVAL %d DAY
	SETTINGS index_granularity = 8192
	`, ca.ttlDays)

	if err := ca.conn.Exec(ctx, ddl); err != nil {
		return err
	}

	ca.logger.Info("Merge audit table created/verified")
	return nil
}

// RecordMerge appends one committed merge to the audit trail.
func (ca *ClickHouseAudit) RecordMerge(ctx context.Context, event *core.MergeEvent) error {
	start := time.Now()
	defer func() {
		metrics.StoreOpDuration.WithLabelValues("clickhouse", "record_merge").Observe(time.Since(start).Seconds())
	}()

	err := ca.conn.Exec(ctx, `
		INSERT INTO merge_audit (original_id, duplicate_id, fingerprint, merged_at, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, event.OriginalID, event.DuplicateID, event.Fingerprint, event.MergedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record merge: %w", err)
	}

	ca.logger.Debugw("Merge recorded in audit trail",
		"original_id", event.OriginalID,
		"duplicate_id", event.DuplicateID)
	return nil
}

// AuditEntry is one row of the merge audit trail.
type AuditEntry struct {
	OriginalID  string    `json:"original_id"`
	DuplicateID string    `json:"duplicate_id"`
	Fingerprint string    `json:"fingerprint"`
	MergedAt    time.Time `json:"merged_at"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// QueryMerges returns audit rows in the given time range, newest first.
// originalID narrows the result to merges into one alert when non-empty.
func (ca *ClickHouseAudit) QueryMerges(ctx context.Context, originalID string, since, until time.Time, limit int) ([]AuditEntry, error) {
	start := time.Now()
	defer func() {
		metrics.StoreOpDuration.WithLabelValues("clickhouse", "query_merges").Observe(time.Since(start).Seconds())
	}()

	if limit < 1 || limit > 10000 {
		limit = 100
	}

	conditions := []string{"merged_at >= ?", "merged_at <= ?"}
	args := []interface{}{since.UTC(), until.UTC()}

	if originalID != "" {
		conditions = append(conditions, "original_id = ?")
		args = append(args, originalID)
	}

	// limit is clamped above, never caller-controlled text
	query := fmt.Sprintf(`
		SELECT original_id, duplicate_id, fingerprint, merged_at, recorded_at
		FROM merge_audit
		WHERE %s
		ORDER BY merged_at DESC
		LIMIT %d
	`, strings.Join(conditions, " AND "), limit)

	rows, err := ca.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query merge audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.OriginalID, &e.DuplicateID, &e.Fingerprint, &e.MergedAt, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit rows: %w", err)
	}

	return entries, nil
}

// CountMerges returns the number of audit rows in the given time range.
func (ca *ClickHouseAudit) CountMerges(ctx context.Context, since, until time.Time) (uint64, error) {
	var count uint64
	err := ca.conn.QueryRow(ctx,
		`SELECT count() FROM merge_audit WHERE merged_at >= ? AND merged_at <= ?`,
		since.UTC(), until.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count merge audit rows: %w", err)
	}
	return count, nil
}

// HealthCheck verifies the ClickHouse connection is alive.
func (ca *ClickHouseAudit) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ca.conn.Ping(ctx)
}

// Close closes the ClickHouse connection.
func (ca *ClickHouseAudit) Close() error {
	return ca.conn.Close()
}
