package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chimera/core"
	"chimera/metrics"

	"go.uber.org/zap"
)

// alertColumns is the canonical column list shared by every alert SELECT.
// Order must match scanAlert.
const alertColumns = `id, external_id, title, description, source, category, severity, status,
	source_ip, dest_ip, hostname, mitre_techniques, observables,
	created_at, updated_at, dedup_fingerprint, duplicate_of, duplicate_count, duplicate_members`

// SQLiteAlertStorage handles alert persistence in SQLite. It implements the
// engine's full store contract (core.AlertStore) plus the lookup and list
// operations the ingest and API layers use.
type SQLiteAlertStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteAlertStorage creates a new alert storage. The alerts table and
// its indexes are created by NewSQLite, so there is no ensureTable step.
func NewSQLiteAlertStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteAlertStorage {
	return &SQLiteAlertStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

// observeOp records operation latency under the sqlite backend label.
func observeOp(op string, start time.Time) {
	metrics.StoreOpDuration.WithLabelValues("sqlite", op).Observe(time.Since(start).Seconds())
}

// GetAlert retrieves an alert by ID.
// NOTE: Uses WriteDB for strong consistency - the engine re-reads alert state
// right after merge commits and must see them.
func (s *SQLiteAlertStorage) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	defer observeOp("get", time.Now())

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := s.sqlite.WriteDB.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)

	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{AlertID: id}
	}
	if err != nil {
		return nil, &core.StoreUnavailableError{Op: "get", Err: err}
	}

	return alert, nil
}

// QueryWindow returns alerts with created_at in [start, end] inclusive,
// excluding excludeID and any alert in excludeStatus, ordered by created_at
// ascending. Field-level matching stays with the callers; this query only
// bounds time and status so it can ride the (status, created_at) index.
func (s *SQLiteAlertStorage) QueryWindow(ctx context.Context, start, end time.Time, excludeID string, excludeStatus core.AlertStatus) ([]*core.Alert, error) {
	defer observeOp("query_window", time.Now())

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE created_at >= ? AND created_at <= ?
		  AND id != ?
		  AND status != ?
		ORDER BY created_at ASC
	`

	rows, err := s.sqlite.ReadDB.QueryContext(ctx, query,
		start.UTC(), end.UTC(), excludeID, excludeStatus.String())
	if err != nil {
		return nil, &core.StoreUnavailableError{Op: "query_window", Err: err}
	}
	defer rows.Close()

	alerts := make([]*core.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, &core.StoreUnavailableError{Op: "query_window", Err: err}
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, &core.StoreUnavailableError{Op: "query_window", Err: err}
	}

	return alerts, nil
}

// InsertAlert persists a new alert. The caller sets id, fingerprint and
// timestamps before insert; the store assigns nothing.
func (s *SQLiteAlertStorage) InsertAlert(ctx context.Context, alert *core.Alert) error {
	defer observeOp("insert", time.Now())

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	techniquesJSON, observablesJSON, membersJSON, err := marshalAlertLists(alert)
	if err != nil {
		return &core.StoreUnavailableError{Op: "insert", Err: err}
	}

	query := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.sqlite.WriteDB.ExecContext(ctx, query,
		alert.ID,
		alert.ExternalID,
		alert.Title,
		alert.Description,
		alert.Source,
		alert.Category,
		alert.Severity,
		alert.Status.String(),
		alert.SourceIP,
		alert.DestIP,
		alert.Hostname,
		techniquesJSON,
		observablesJSON,
		alert.CreatedAt.UTC(),
		alert.UpdatedAt.UTC(),
		alert.DedupFingerprint,
		alert.DuplicateOf,
		alert.DuplicateCount,
		membersJSON,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateExternalID
		}
		return &core.StoreUnavailableError{Op: "insert", Err: err}
	}

	s.logger.Debugw("Alert inserted",
		"alert_id", alert.ID,
		"source", alert.Source,
		"fingerprint", alert.DedupFingerprint,
	)

	return nil
}

// FindByExternalID looks up the alert previously ingested for an upstream
// (source, external_id) pair. Backs ingest idempotency and rides the partial
// unique index on the same columns.
// NOTE: Uses WriteDB for strong consistency - a replayed batch must see the
// insert its previous delivery committed.
func (s *SQLiteAlertStorage) FindByExternalID(ctx context.Context, source, externalID string) (*core.Alert, error) {
	defer observeOp("find_external", time.Now())

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := s.sqlite.WriteDB.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE source = ? AND external_id = ?`,
		source, externalID)

	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{AlertID: externalID}
	}
	if err != nil {
		return nil, &core.StoreUnavailableError{Op: "find_external", Err: err}
	}

	return alert, nil
}

// RunMergeTx executes fn inside a single write transaction. Errors returned
// by fn pass through unchanged so the merge coordinator can inspect them;
// transaction plumbing failures surface as *core.StoreUnavailableError.
func (s *SQLiteAlertStorage) RunMergeTx(ctx context.Context, fn func(tx core.MergeTx) error) error {
	defer observeOp("merge_tx", time.Now())

	return s.runWrite("merge_tx", func(tx *sql.Tx) error {
		return fn(&sqliteMergeTx{tx: tx})
	})
}

// runWrite executes fn in a write transaction, passing fn's own (typed)
// errors through and reporting begin/commit failures as store unavailability.
func (s *SQLiteAlertStorage) runWrite(op string, fn func(tx *sql.Tx) error) error {
	var fnErr error
	err := s.sqlite.WithTransaction(func(tx *sql.Tx) error {
		fnErr = fn(tx)
		return fnErr
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, fnErr) {
		return err
	}
	return &core.StoreUnavailableError{Op: op, Err: err}
}

// sqliteMergeTx adapts a *sql.Tx to the engine's merge transaction view.
// The write pool has exactly one connection, so while this transaction is
// open nothing else can write; reads through it are authoritative.
type sqliteMergeTx struct {
	tx *sql.Tx
}

// GetAlertForUpdate reads current alert state inside the transaction.
func (t *sqliteMergeTx) GetAlertForUpdate(ctx context.Context, id string) (*core.Alert, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)

	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{AlertID: id}
	}
	if err != nil {
		return nil, &core.StoreUnavailableError{Op: "merge_read", Err: err}
	}

	return alert, nil
}

// WriteAlert updates an existing alert row inside the transaction. Writing
// an alert that does not exist is a NotFoundError, never an upsert; the
// merge path only ever rewrites rows it just read.
func (t *sqliteMergeTx) WriteAlert(ctx context.Context, alert *core.Alert) error {
	techniquesJSON, observablesJSON, membersJSON, err := marshalAlertLists(alert)
	if err != nil {
		return &core.StoreUnavailableError{Op: "merge_write", Err: err}
	}

	query := `
		UPDATE alerts SET
			external_id = ?, title = ?, description = ?, source = ?, category = ?,
			severity = ?, status = ?, source_ip = ?, dest_ip = ?, hostname = ?,
			mitre_techniques = ?, observables = ?, created_at = ?, updated_at = ?,
			dedup_fingerprint = ?, duplicate_of = ?, duplicate_count = ?, duplicate_members = ?
		WHERE id = ?
	`

	result, err := t.tx.ExecContext(ctx, query,
		alert.ExternalID,
		alert.Title,
		alert.Description,
		alert.Source,
		alert.Category,
		alert.Severity,
		alert.Status.String(),
		alert.SourceIP,
		alert.DestIP,
		alert.Hostname,
		techniquesJSON,
		observablesJSON,
		alert.CreatedAt.UTC(),
		alert.UpdatedAt.UTC(),
		alert.DedupFingerprint,
		alert.DuplicateOf,
		alert.DuplicateCount,
		membersJSON,
		alert.ID,
	)
	if err != nil {
		return &core.StoreUnavailableError{Op: "merge_write", Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &core.StoreUnavailableError{Op: "merge_write", Err: err}
	}
	if affected == 0 {
		return &core.NotFoundError{AlertID: alert.ID}
	}

	return nil
}

// UpdateAlertStatus transitions an alert's lifecycle status and returns the
// updated alert. Merged is guarded in both directions: only the merge
// coordinator sets it, and a merged alert never transitions out.
func (s *SQLiteAlertStorage) UpdateAlertStatus(ctx context.Context, id string, status core.AlertStatus) (*core.Alert, error) {
	defer observeOp("update_status", time.Now())

	if status == core.AlertStatusMerged {
		return nil, &core.ValidationError{Field: "status", Reason: "merged is set only by the merge path"}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var updated *core.Alert
	err := s.runWrite("update_status", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)

		alert, err := scanAlert(row)
		if errors.Is(err, sql.ErrNoRows) {
			return &core.NotFoundError{AlertID: id}
		}
		if err != nil {
			return &core.StoreUnavailableError{Op: "update_status", Err: err}
		}

		if alert.IsMerged() {
			return &core.AlreadyMergedError{AlertID: alert.ID, DuplicateOf: alert.DuplicateOf}
		}
		if err := alert.TransitionTo(status); err != nil {
			return &core.ValidationError{Field: "status", Reason: err.Error()}
		}

		alert.UpdatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE alerts SET status = ?, updated_at = ? WHERE id = ?`,
			alert.Status.String(), alert.UpdatedAt, id)
		if err != nil {
			return &core.StoreUnavailableError{Op: "update_status", Err: err}
		}

		updated = alert
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Alert status updated", "alert_id", id, "status", status.String())
	return updated, nil
}

// ListAlerts returns a filtered, sorted page of alerts plus the total count
// matching the filters.
func (s *SQLiteAlertStorage) ListAlerts(ctx context.Context, filters *core.AlertFilters) ([]*core.Alert, int64, error) {
	defer observeOp("list", time.Now())

	if filters == nil {
		filters = core.NewAlertFilters()
	}
	if filters.Page < 1 {
		filters.Page = 1
	}
	if filters.Limit < 1 || filters.Limit > 1000 {
		filters.Limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Build WHERE clause
	whereClauses := []string{"1=1"}
	args := []interface{}{}

	if len(filters.Statuses) > 0 {
		whereClauses = append(whereClauses, inClause("status", filters.Statuses, &args))
	}
	if len(filters.Severities) > 0 {
		whereClauses = append(whereClauses, inClause("severity", filters.Severities, &args))
	}
	if len(filters.Sources) > 0 {
		whereClauses = append(whereClauses, inClause("source", filters.Sources, &args))
	}
	if len(filters.Categories) > 0 {
		whereClauses = append(whereClauses, inClause("category", filters.Categories, &args))
	}

	if filters.DuplicateOf != "" {
		whereClauses = append(whereClauses, "duplicate_of = ?")
		args = append(args, filters.DuplicateOf)
	}
	if filters.OnlyOriginals {
		whereClauses = append(whereClauses, "duplicate_count > 0")
	}

	if len(filters.MitreTechniques) > 0 {
		// Technique ids live in a JSON text column; quoted LIKE patterns
		// cannot match a longer id by prefix (T105 never matches "T1059").
		techClauses := make([]string, 0, len(filters.MitreTechniques))
		for _, technique := range filters.MitreTechniques {
			techClauses = append(techClauses, "mitre_techniques LIKE ?")
			args = append(args, `%"`+technique+`"%`)
		}
		whereClauses = append(whereClauses, "("+strings.Join(techClauses, " OR ")+")")
	}

	if filters.CreatedAfter != nil {
		whereClauses = append(whereClauses, "created_at >= ?")
		args = append(args, filters.CreatedAfter.UTC())
	}
	if filters.CreatedBefore != nil {
		whereClauses = append(whereClauses, "created_at <= ?")
		args = append(args, filters.CreatedBefore.UTC())
	}

	if filters.Search != "" {
		whereClauses = append(whereClauses, "(title LIKE ? OR description LIKE ?)")
		searchPattern := "%" + filters.Search + "%"
		args = append(args, searchPattern, searchPattern)
	}

	whereClause := strings.Join(whereClauses, " AND ")

	// Get total count
	// #nosec G201 - whereClause is built from static SQL fragments; user inputs are parameterized in args
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM alerts WHERE %s", whereClause)
	var total int64
	if err := s.sqlite.ReadDB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, &core.StoreUnavailableError{Op: "list", Err: err}
	}

	// Build ORDER BY clause with whitelist validation to prevent SQL injection
	sortBy := "created_at" // safe default
	switch filters.SortBy {
	case "created_at", "updated_at", "severity", "title", "duplicate_count", "status":
		sortBy = filters.SortBy
	}

	sortOrder := "desc" // safe default
	if strings.ToLower(filters.SortOrder) == "asc" {
		sortOrder = "asc"
	}

	// Safe to concatenate: sortBy/sortOrder come from whitelists, whereClause
	// contains static SQL, user inputs are parameterized
	// #nosec G202
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE ` + whereClause + `
		ORDER BY ` + sortBy + ` ` + sortOrder + `
		LIMIT ? OFFSET ?
	`

	offset := (filters.Page - 1) * filters.Limit
	// Prevent excessive offset to avoid resource exhaustion
	const maxOffset = 100000
	if offset > maxOffset {
		return nil, 0, fmt.Errorf("pagination offset too large: %d (maximum %d records)", offset, maxOffset)
	}
	args = append(args, filters.Limit, offset)

	rows, err := s.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, &core.StoreUnavailableError{Op: "list", Err: err}
	}
	defer rows.Close()

	alerts := make([]*core.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, 0, &core.StoreUnavailableError{Op: "list", Err: err}
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, &core.StoreUnavailableError{Op: "list", Err: err}
	}

	return alerts, total, nil
}

// inClause builds "column IN (?, ...)" and appends the values to args.
func inClause(column string, values []string, args *[]interface{}) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		*args = append(*args, v)
	}
	return column + " IN (" + strings.Join(placeholders, ", ") + ")"
}

// marshalAlertLists encodes the three JSON list columns.
func marshalAlertLists(alert *core.Alert) (techniques, observables, members string, err error) {
	t, err := json.Marshal(alert.MitreTechniques)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal mitre_techniques: %w", err)
	}
	o, err := json.Marshal(alert.Observables)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal observables: %w", err)
	}
	m, err := json.Marshal(alert.DuplicateMembers)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal duplicate_members: %w", err)
	}
	return string(t), string(o), string(m), nil
}

// scanAlert reads one alert row. The scanner interface covers both sql.Row
// and sql.Rows; sql.ErrNoRows passes through for the caller to classify.
func scanAlert(scanner interface {
	Scan(dest ...interface{}) error
}) (*core.Alert, error) {
	alert := &core.Alert{}
	var externalID, description, category sql.NullString
	var sourceIP, destIP, hostname, duplicateOf sql.NullString
	var techniquesJSON, observablesJSON, membersJSON sql.NullString
	var status string

	err := scanner.Scan(
		&alert.ID,
		&externalID,
		&alert.Title,
		&description,
		&alert.Source,
		&category,
		&alert.Severity,
		&status,
		&sourceIP,
		&destIP,
		&hostname,
		&techniquesJSON,
		&observablesJSON,
		&alert.CreatedAt,
		&alert.UpdatedAt,
		&alert.DedupFingerprint,
		&duplicateOf,
		&alert.DuplicateCount,
		&membersJSON,
	)
	if err != nil {
		return nil, err
	}

	alert.Status = core.AlertStatus(status)
	if externalID.Valid {
		alert.ExternalID = externalID.String
	}
	if description.Valid {
		alert.Description = description.String
	}
	if category.Valid {
		alert.Category = category.String
	}
	if sourceIP.Valid {
		alert.SourceIP = sourceIP.String
	}
	if destIP.Valid {
		alert.DestIP = destIP.String
	}
	if hostname.Valid {
		alert.Hostname = hostname.String
	}
	if duplicateOf.Valid {
		alert.DuplicateOf = duplicateOf.String
	}

	if err := unmarshalStringList(techniquesJSON, &alert.MitreTechniques); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mitre_techniques: %w", err)
	}
	if err := unmarshalStringList(observablesJSON, &alert.Observables); err != nil {
		return nil, fmt.Errorf("failed to unmarshal observables: %w", err)
	}
	if err := unmarshalStringList(membersJSON, &alert.DuplicateMembers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal duplicate_members: %w", err)
	}

	alert.CreatedAt = alert.CreatedAt.UTC()
	alert.UpdatedAt = alert.UpdatedAt.UTC()

	return alert, nil
}

// unmarshalStringList decodes a JSON text column into a string slice.
// NULL and empty text both mean "no values".
func unmarshalStringList(col sql.NullString, dst *[]string) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}
