package core

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"chimera/metrics"
)

// DefaultMaxResults caps the ranked list a correlation query returns.
const DefaultMaxResults = 50

// Correlator ranks the candidate set of an alert by weighted similarity.
// Read-only; the ranking is informational and mutates nothing, and callers
// decide what to do with multiple correlated alerts. The engine never
// auto-creates incidents from the ranking.
type Correlator struct {
	candidates *CandidateQuery
	maxResults int
	logger     *zap.SugaredLogger
}

// NewCorrelator creates a Correlator over the given candidate query.
// maxResults <= 0 selects DefaultMaxResults.
func NewCorrelator(candidates *CandidateQuery, maxResults int, logger *zap.SugaredLogger) *Correlator {
	if candidates == nil {
		panic("Correlator requires a candidate query")
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Correlator{candidates: candidates, maxResults: maxResults, logger: logger}
}

// Correlate scores every candidate in the window against the alert and
// returns those at or above threshold, sorted by score descending. Ties
// break by smaller time distance to the alert, then by candidate id
// ascending, so the ranking is fully deterministic.
func (c *Correlator) Correlate(ctx context.Context, alert *Alert, windowMinutes int, threshold float64) ([]ScoredAlert, error) {
	candidates, err := c.candidates.FindCandidates(ctx, alert, windowMinutes)
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredAlert, 0, len(candidates))
	for _, candidate := range candidates {
		s := Score(alert, candidate)
		metrics.CorrelationScores.Observe(s)
		if s >= threshold {
			scored = append(scored, ScoredAlert{Alert: candidate, Score: s})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		di := absDuration(scored[i].Alert.CreatedAt.Sub(alert.CreatedAt))
		dj := absDuration(scored[j].Alert.CreatedAt.Sub(alert.CreatedAt))
		if di != dj {
			return di < dj
		}
		return scored[i].Alert.ID < scored[j].Alert.ID
	})

	if len(scored) > c.maxResults {
		scored = scored[:c.maxResults]
	}

	c.logger.Debugw("Correlation ranked",
		"alert_id", alert.ID,
		"candidates", len(candidates),
		"correlated", len(scored),
		"threshold", threshold)

	return scored, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
