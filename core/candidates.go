package core

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chimera/metrics"
)

// CandidateQuery finds the alerts eligible for dedup and correlation against
// a given alert: everything non-merged whose creation time falls within the
// window, the alert itself excluded. Read-only; shared by the resolver and
// the correlator so both work from the same notion of "nearby".
type CandidateQuery struct {
	store  AlertQuerier
	logger *zap.SugaredLogger
}

// NewCandidateQuery creates a CandidateQuery backed by the given store.
func NewCandidateQuery(store AlertQuerier, logger *zap.SugaredLogger) *CandidateQuery {
	if store == nil {
		panic("CandidateQuery requires a store")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CandidateQuery{store: store, logger: logger}
}

// FindCandidates returns every active (non-merged) alert with createdAt in
// [alert.CreatedAt - window, alert.CreatedAt + window], excluding the alert
// itself, ordered by createdAt ascending. Window bounds are inclusive.
func (q *CandidateQuery) FindCandidates(ctx context.Context, alert *Alert, windowMinutes int) ([]*Alert, error) {
	window := time.Duration(windowMinutes) * time.Minute
	start := alert.CreatedAt.Add(-window)
	end := alert.CreatedAt.Add(window)

	candidates, err := q.store.QueryWindow(ctx, start, end, alert.ID, AlertStatusMerged)
	if err != nil {
		return nil, err
	}

	metrics.CandidateSetSize.Observe(float64(len(candidates)))
	q.logger.Debugw("Candidate window scanned",
		"alert_id", alert.ID,
		"window_minutes", windowMinutes,
		"candidates", len(candidates))

	return candidates, nil
}
