package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"chimera/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Set CLICKHOUSE_ADDR to run the integration tests against a real instance
const (
	testClickHouseAddr     = "localhost:9000"
	testClickHouseDatabase = "chimera_test"
	testClickHouseUser     = "default"
	testClickHousePassword = ""
)

// skipIfNoClickHouse skips the test if ClickHouse is not available
func skipIfNoClickHouse(t *testing.T) {
	if os.Getenv("CLICKHOUSE_ADDR") == "" {
		t.Skip("Skipping ClickHouse integration test (set CLICKHOUSE_ADDR to enable)")
	}
}

// getTestClickHouseAddr returns the ClickHouse address from environment or default
func getTestClickHouseAddr() string {
	if addr := os.Getenv("CLICKHOUSE_ADDR"); addr != "" {
		return addr
	}
	return testClickHouseAddr
}

func testAuditOptions() ClickHouseOptions {
	return ClickHouseOptions{
		Addr:        getTestClickHouseAddr(),
		Database:    testClickHouseDatabase,
		Username:    testClickHouseUser,
		Password:    testClickHousePassword,
		TLS:         false,
		MaxPoolSize: 10,
		TTLDays:     7,
	}
}

// setupTestAudit creates an audit sink against a real ClickHouse and wipes
// the table from previous runs
func setupTestAudit(t *testing.T) *ClickHouseAudit {
	skipIfNoClickHouse(t)

	audit, err := NewClickHouseAudit(testAuditOptions(), zap.NewNop().Sugar())
	require.NoError(t, err, "Failed to create ClickHouse audit sink")
	require.NotNil(t, audit)

	ctx := context.Background()
	require.NoError(t, audit.conn.Exec(ctx, "TRUNCATE TABLE IF EXISTS merge_audit"))

	t.Cleanup(func() {
		_ = audit.conn.Exec(context.Background(), "DROP TABLE IF EXISTS merge_audit")
		if err := audit.Close(); err != nil {
			t.Logf("Warning: failed to close ClickHouse connection: %v", err)
		}
	})

	return audit
}

// TestNewClickHouseAudit_InvalidAddress tests connection failure reporting
func TestNewClickHouseAudit_InvalidAddress(t *testing.T) {
	opts := testAuditOptions()
	opts.Addr = "invalid-host:9999"

	audit, err := NewClickHouseAudit(opts, zap.NewNop().Sugar())
	assert.Error(t, err, "Should fail with invalid address")
	assert.Nil(t, audit)
}

// TestValidateDatabaseName tests database name validation
func TestValidateDatabaseName(t *testing.T) {
	tests := []struct {
		name     string
		dbName   string
		wantErr  bool
		errorMsg string
	}{
		{
			name:    "valid alphanumeric",
			dbName:  "chimera_test123",
			wantErr: false,
		},
		{
			name:    "valid with underscore",
			dbName:  "merge_audit_db",
			wantErr: false,
		},
		{
			name:     "empty name",
			dbName:   "",
			wantErr:  true,
			errorMsg: "cannot be empty",
		},
		{
			name:     "too long",
			dbName:   "a123456789012345678901234567890123456789012345678901234567890123456789",
			wantErr:  true,
			errorMsg: "too long",
		},
		{
			name:     "invalid characters - dash",
			dbName:   "chimera-test",
			wantErr:  true,
			errorMsg: "invalid characters",
		},
		{
			name:     "invalid characters - space",
			dbName:   "chimera test",
			wantErr:  true,
			errorMsg: "invalid characters",
		},
		{
			name:     "SQL injection attempt - semicolon",
			dbName:   "test; DROP DATABASE",
			wantErr:  true,
			errorMsg: "invalid characters",
		},
		{
			name:     "SQL injection attempt - quotes",
			dbName:   "test' OR '1'='1",
			wantErr:  true,
			errorMsg: "invalid characters",
		},
		{
			name:     "SQL injection attempt - backtick",
			dbName:   "test`; DROP DATABASE chimera; --",
			wantErr:  true,
			errorMsg: "invalid characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDatabaseName(tt.dbName)
			if tt.wantErr {
				assert.Error(t, err, "Expected error for database name: %s", tt.dbName)
				if tt.errorMsg != "" {
					assert.Contains(t, err.Error(), tt.errorMsg)
				}
			} else {
				assert.NoError(t, err, "Expected no error for valid database name: %s", tt.dbName)
			}
		})
	}
}

// TestClickHouseAudit_RecordAndQuery tests the audit roundtrip end to end
func TestClickHouseAudit_RecordAndQuery(t *testing.T) {
	audit := setupTestAudit(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	events := []*core.MergeEvent{
		{OriginalID: "orig-1", DuplicateID: "dup-1", Fingerprint: "fp-a", MergedAt: base.Add(-2 * time.Minute)},
		{OriginalID: "orig-1", DuplicateID: "dup-2", Fingerprint: "fp-a", MergedAt: base.Add(-1 * time.Minute)},
		{OriginalID: "orig-2", DuplicateID: "dup-3", Fingerprint: "fp-b", MergedAt: base},
	}
	for _, e := range events {
		require.NoError(t, audit.RecordMerge(ctx, e))
	}

	since := base.Add(-1 * time.Hour)
	until := base.Add(1 * time.Hour)

	all, err := audit.QueryMerges(ctx, "", since, until, 100)
	require.NoError(t, err)
	require.Len(t, all, 3)

	// Newest first
	assert.Equal(t, "dup-3", all[0].DuplicateID)
	assert.Equal(t, "dup-2", all[1].DuplicateID)
	assert.Equal(t, "dup-1", all[2].DuplicateID)
	assert.False(t, all[0].RecordedAt.IsZero(), "recorded_at should be stamped on insert")

	// Narrowed to one original
	forOrig, err := audit.QueryMerges(ctx, "orig-1", since, until, 100)
	require.NoError(t, err)
	require.Len(t, forOrig, 2)
	for _, e := range forOrig {
		assert.Equal(t, "orig-1", e.OriginalID)
	}

	count, err := audit.CountMerges(ctx, since, until)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
}

// TestClickHouseAudit_QueryMergesLimitClamp tests that out-of-range limits
// fall back to the default instead of erroring
func TestClickHouseAudit_QueryMergesLimitClamp(t *testing.T) {
	audit := setupTestAudit(t)
	ctx := context.Background()

	since := time.Now().UTC().Add(-1 * time.Hour)
	until := time.Now().UTC()

	for _, limit := range []int{0, -5, 100001} {
		_, err := audit.QueryMerges(ctx, "", since, until, limit)
		assert.NoError(t, err, "limit %d should be clamped, not rejected", limit)
	}
}

// TestClickHouseAudit_QueryMergesRange tests that rows outside the range are
// not returned
func TestClickHouseAudit_QueryMergesRange(t *testing.T) {
	audit := setupTestAudit(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, audit.RecordMerge(ctx, &core.MergeEvent{
		OriginalID: "orig-old", DuplicateID: "dup-old", Fingerprint: "fp-old",
		MergedAt: base.Add(-48 * time.Hour),
	}))
	require.NoError(t, audit.RecordMerge(ctx, &core.MergeEvent{
		OriginalID: "orig-new", DuplicateID: "dup-new", Fingerprint: "fp-new",
		MergedAt: base,
	}))

	entries, err := audit.QueryMerges(ctx, "", base.Add(-1*time.Hour), base.Add(1*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "orig-new", entries[0].OriginalID)
}

// TestClickHouseAudit_HealthCheck tests liveness probing
func TestClickHouseAudit_HealthCheck(t *testing.T) {
	audit := setupTestAudit(t)
	assert.NoError(t, audit.HealthCheck())
}

// TestEnsureDatabase_InvalidDatabaseNames tests that hostile names never
// reach the server
func TestEnsureDatabase_InvalidDatabaseNames(t *testing.T) {
	audit := setupTestAudit(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		dbName string
	}{
		{"empty database name", ""},
		{"SQL injection with semicolon", "test; DROP DATABASE"},
		{"SQL injection with quotes", "test' OR '1'='1"},
		{"database name with dash", "test-database"},
		{"database name with space", "test database"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ensureDatabase(ctx, audit.conn, tt.dbName, zap.NewNop().Sugar())
			assert.Error(t, err, "Should reject invalid database name: %s", tt.dbName)
			assert.Contains(t, err.Error(), "invalid database name")
		})
	}
}
