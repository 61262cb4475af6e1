package core

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chimera/metrics"
)

func newCorrelator(store *memStore, maxResults int) *Correlator {
	return NewCorrelator(NewCandidateQuery(store, zap.NewNop().Sugar()), maxResults, zap.NewNop().Sugar())
}

func TestCorrelateThresholdFilters(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC()

	// Source IP only: 0.25, below the 0.3 default threshold.
	weak := NewAlert("Suspicious Login", "SIEM")
	weak.SourceIP = "10.0.0.5"
	weak.Hostname = "WS-2"
	insertAt(t, store, weak, now.Add(-10*time.Minute))

	// Hostname + technique: 0.40, above threshold.
	strong := NewAlert("Script Block Logging", "SIEM")
	strong.Hostname = "WS-1"
	strong.MitreTechniques = []string{"T1059.001"}
	insertAt(t, store, strong, now.Add(-20*time.Minute))

	query := NewAlert("PowerShell Execution", "EDR")
	query.SourceIP = "10.0.0.5"
	query.Hostname = "WS-1"
	query.MitreTechniques = []string{"T1059.001"}
	query.CreatedAt = now

	ranked, err := newCorrelator(store, 0).Correlate(context.Background(), query, 60, DefaultThreshold)
	require.NoError(t, err)

	require.Len(t, ranked, 1, "only the candidate at or above threshold is reported")
	assert.Equal(t, strong.ID, ranked[0].Alert.ID)
	assert.InDelta(t, 0.40, ranked[0].Score, 1e-9)
}

func TestCorrelateRanksByScoreDescending(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC()

	mid := NewAlert("B", "SIEM")
	mid.Hostname = "WS-1"
	mid.MitreTechniques = []string{"T1059.001"}
	insertAt(t, store, mid, now.Add(-40*time.Minute))

	top := NewAlert("A", "SIEM")
	top.SourceIP = "10.0.0.5"
	top.Hostname = "WS-1"
	insertAt(t, store, top, now.Add(-30*time.Minute))

	query := NewAlert("Query", "EDR")
	query.SourceIP = "10.0.0.5"
	query.Hostname = "WS-1"
	query.MitreTechniques = []string{"T1059.001"}
	query.CreatedAt = now

	ranked, err := newCorrelator(store, 0).Correlate(context.Background(), query, 60, DefaultThreshold)
	require.NoError(t, err)

	require.Len(t, ranked, 2)
	assert.Equal(t, top.ID, ranked[0].Alert.ID, "0.50 outranks 0.40")
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestCorrelateTieBreaksByTimeThenID(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC()

	far := NewAlert("Far", "SIEM")
	far.Hostname = "WS-1"
	insertAt(t, store, far, now.Add(-50*time.Minute))

	near := NewAlert("Near", "SIEM")
	near.Hostname = "WS-1"
	insertAt(t, store, near, now.Add(-5*time.Minute))

	query := NewAlert("Query", "EDR")
	query.Hostname = "WS-1"
	query.SourceIP = "10.0.0.5"
	query.CreatedAt = now

	ranked, err := newCorrelator(store, 0).Correlate(context.Background(), query, 60, 0.2)
	require.NoError(t, err)

	require.Len(t, ranked, 2)
	assert.InDelta(t, ranked[0].Score, ranked[1].Score, 1e-9, "both candidates score hostname only")
	assert.Equal(t, near.ID, ranked[0].Alert.ID, "equal scores rank the temporally closer candidate first")

	// Identical timestamps fall back to id ordering.
	twinA := NewAlert("Twin", "SIEM")
	twinA.Hostname = "WS-9"
	at := now.Add(-15 * time.Minute)
	insertAt(t, store, twinA, at)

	twinB := NewAlert("Twin", "SIEM")
	twinB.Hostname = "WS-9"
	insertAt(t, store, twinB, at)

	query2 := NewAlert("Query2", "EDR")
	query2.Hostname = "WS-9"
	query2.SourceIP = "10.0.0.6"
	query2.CreatedAt = now

	ranked, err = newCorrelator(store, 0).Correlate(context.Background(), query2, 60, 0.2)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Less(t, ranked[0].Alert.ID, ranked[1].Alert.ID)
}

func TestCorrelateCapsResults(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC()

	for i := 0; i < 8; i++ {
		c := NewAlert("Candidate", "SIEM")
		c.Hostname = "WS-1"
		insertAt(t, store, c, now.Add(-time.Duration(i+1)*time.Minute))
	}

	query := NewAlert("Query", "EDR")
	query.Hostname = "WS-1"
	query.SourceIP = "10.0.0.5"
	query.CreatedAt = now

	ranked, err := newCorrelator(store, 3).Correlate(context.Background(), query, 60, 0.2)
	require.NoError(t, err)
	assert.Len(t, ranked, 3, "the ranking honors the configured cap")
}

func TestCorrelateExcludesSelfAndMerged(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC()

	query := NewAlert("Query", "EDR")
	query.Hostname = "WS-1"
	query.SourceIP = "10.0.0.5"
	insertAt(t, store, query, now)

	merged := NewAlert("Merged Twin", "SIEM")
	merged.Hostname = "WS-1"
	merged.SourceIP = "10.0.0.5"
	merged.Status = AlertStatusMerged
	insertAt(t, store, merged, now.Add(-5*time.Minute))

	ranked, err := newCorrelator(store, 0).Correlate(context.Background(), query, 60, 0.2)
	require.NoError(t, err)
	assert.Empty(t, ranked, "neither the queried alert nor merged records are candidates")
}

func TestCorrelateScoresLiveOnResultNotAlert(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC()

	candidate := NewAlert("Candidate", "SIEM")
	candidate.Hostname = "WS-1"
	candidate.SourceIP = "10.0.0.5"
	insertAt(t, store, candidate, now.Add(-5*time.Minute))

	query := NewAlert("Query", "EDR")
	query.Hostname = "WS-1"
	query.SourceIP = "10.0.0.5"
	query.CreatedAt = now

	ranked, err := newCorrelator(store, 0).Correlate(context.Background(), query, 60, DefaultThreshold)
	require.NoError(t, err)
	require.Len(t, ranked, 1)

	// The stored record is untouched; the score exists only on the pair.
	stored := store.mustGet(candidate.ID)
	assert.Equal(t, AlertStatusActive, stored.Status)
	assert.Equal(t, candidate.UpdatedAt, stored.UpdatedAt)
}

func TestCorrelateObservesScoreHistogram(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC()

	for _, host := range []string{"WS-1", "WS-2", "WS-3"} {
		candidate := NewAlert("Candidate "+host, "SIEM")
		candidate.Hostname = host
		insertAt(t, store, candidate, now.Add(-5*time.Minute))
	}

	query := NewAlert("Query", "EDR")
	query.Hostname = "WS-1"
	query.CreatedAt = now

	before := histogramSampleCount(t, metrics.CorrelationScores)

	// Threshold filtering happens after observation: every candidate's
	// score lands in the histogram, reported or not.
	ranked, err := newCorrelator(store, 0).Correlate(context.Background(), query, 60, 0.99)
	require.NoError(t, err)
	assert.Empty(t, ranked)

	after := histogramSampleCount(t, metrics.CorrelationScores)
	assert.Equal(t, uint64(3), after-before, "one observation per scored candidate")
}

func histogramSampleCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, h.Write(m))
	return m.GetHistogram().GetSampleCount()
}
