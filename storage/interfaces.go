package storage

import (
	"context"
	"time"

	"chimera/core"
)

// AlertStorageInterface is the store surface the ingest, API and CLI layers
// consume. It bundles the engine's contract (core.AlertStore) with the
// lookup, list and aggregate operations that never pass through the engine.
// Both the SQLite and MongoDB backends satisfy it, as does the LRU cache
// wrapper around either.
type AlertStorageInterface interface {
	core.AlertStore

	FindByExternalID(ctx context.Context, source, externalID string) (*core.Alert, error)
	UpdateAlertStatus(ctx context.Context, id string, status core.AlertStatus) (*core.Alert, error)
	ListAlerts(ctx context.Context, filters *core.AlertFilters) ([]*core.Alert, int64, error)
	GetCorrelationStatistics(ctx context.Context, since, until time.Time) (*core.CorrelationStatistics, error)
}

// HealthChecker reports backend liveness for the /healthz endpoint.
type HealthChecker interface {
	HealthCheck() error
}
