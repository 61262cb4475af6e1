package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"chimera/core"
)

// Set CHIMERA_CONTAINER_TESTS=1 to run the containerized tests. They need a
// Docker daemon and pull the ClickHouse image on first run.
const (
	containerClickHouseImage = "clickhouse/clickhouse-server:latest"
	containerNativePort      = "9000/tcp"
	containerHTTPPort        = "8123/tcp"
	containerDatabase        = "chimera_container_test"
	containerStartTimeout    = 120 * time.Second
)

func skipIfNoDocker(t *testing.T) {
	if os.Getenv("CHIMERA_CONTAINER_TESTS") == "" {
		t.Skip("Skipping containerized test (set CHIMERA_CONTAINER_TESTS=1 to enable)")
	}
}

// startClickHouseContainer runs a throwaway ClickHouse and returns its native
// protocol address. The container is terminated on test cleanup.
func startClickHouseContainer(t *testing.T, ctx context.Context) string {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        containerClickHouseImage,
		ExposedPorts: []string{containerNativePort, containerHTTPPort},
		Env: map[string]string{
			"CLICKHOUSE_DB":                        containerDatabase,
			"CLICKHOUSE_USER":                      "default",
			"CLICKHOUSE_PASSWORD":                  "testpassword",
			"CLICKHOUSE_DEFAULT_ACCESS_MANAGEMENT": "1",
		},
		// ClickHouse answers "Ok." on the HTTP root once it is serving.
		WaitingFor: wait.ForHTTP("/").
			WithPort(containerHTTPPort).
			WithStartupTimeout(containerStartTimeout).
			WithResponseMatcher(func(body io.Reader) bool {
				buf, _ := io.ReadAll(body)
				return len(buf) > 0
			}),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start ClickHouse container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate ClickHouse container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	return fmt.Sprintf("%s:%s", host, mappedPort.Port())
}

// TestClickHouseAudit_Containerized exercises the full audit sink lifecycle
// against a fresh server: schema bootstrap, writes, queries, health.
func TestClickHouseAudit_Containerized(t *testing.T) {
	skipIfNoDocker(t)
	ctx := context.Background()

	addr := startClickHouseContainer(t, ctx)

	audit, err := NewClickHouseAudit(ClickHouseOptions{
		Addr:        addr,
		Database:    containerDatabase,
		Username:    "default",
		Password:    "testpassword",
		MaxPoolSize: 10,
		TTLDays:     7,
	}, zap.NewNop().Sugar())
	require.NoError(t, err, "Failed to create audit sink against fresh server")
	t.Cleanup(func() { _ = audit.Close() })

	require.NoError(t, audit.HealthCheck())

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, audit.RecordMerge(ctx, &core.MergeEvent{
		OriginalID: "orig-1", DuplicateID: "dup-1", Fingerprint: "fp-a",
		MergedAt: base,
	}))

	entries, err := audit.QueryMerges(ctx, "orig-1", base.Add(-time.Hour), base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dup-1", entries[0].DuplicateID)

	count, err := audit.CountMerges(ctx, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}
