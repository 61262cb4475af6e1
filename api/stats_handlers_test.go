package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimera/core"
)

func TestParseStatsRangeDefaults(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/correlation/statistics", nil)

	since, until, err := parseStatsRange(r)
	require.NoError(t, err)
	assert.Equal(t, defaultStatsRange, until.Sub(since))
	assert.Zero(t, since.Second())
	assert.Zero(t, until.Second())
	assert.WithinDuration(t, time.Now().UTC(), until, 2*time.Minute)
}

func TestParseStatsRangeHours(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/correlation/statistics?hours=48", nil)

	since, until, err := parseStatsRange(r)
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, until.Sub(since))
}

func TestParseStatsRangeExplicit(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet,
		"/api/v1/correlation/statistics?since=2026-03-01T10:00:30Z&until=2026-03-02T10:00:30Z", nil)

	since, until, err := parseStatsRange(r)
	require.NoError(t, err)
	// Seconds are dropped by minute alignment.
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), since)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), until)
}

func TestParseStatsRangeUntilOnly(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet,
		"/api/v1/correlation/statistics?until=2026-03-02T00:00:00Z", nil)

	since, until, err := parseStatsRange(r)
	require.NoError(t, err)
	assert.Equal(t, defaultStatsRange, until.Sub(since))
}

func TestParseStatsRangeErrors(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr string
	}{
		{"until before since", "?since=2026-03-02T00:00:00Z&until=2026-03-01T00:00:00Z", "since must be before"},
		{"zero hours", "?hours=0", "hours must be positive"},
		{"negative hours", "?hours=-4", "hours must be positive"},
		{"bogus hours", "?hours=soon", "hours must be an integer"},
		{"bogus since", "?since=yesterday", "since must be RFC 3339"},
		{"bogus until", "?until=tomorrow&since=2026-03-01T00:00:00Z", "until must be RFC 3339"},
		{"range too wide", "?since=2026-03-01T00:00:00Z&until=2026-03-10T00:00:00Z", "range exceeds maximum"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/correlation/statistics"+tc.query, nil)
			_, _, err := parseStatsRange(r)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestStatisticsServedAndCached(t *testing.T) {
	provider := &fakeStatsProvider{
		fn: func(_ context.Context, since, until time.Time) (*core.CorrelationStatistics, error) {
			return &core.CorrelationStatistics{
				RangeStart:        since,
				RangeEnd:          until,
				TotalAlerts:       100,
				UniqueAlerts:      80,
				MergedDuplicates:  20,
				DeduplicationRate: 20.0,
			}, nil
		},
	}
	cache := newFakeStatsCache()
	a := newTestAPI(testAPIOpts{stats: provider, statsCache: cache})

	target := "/api/v1/correlation/statistics?since=2026-03-01T00:00:00Z&until=2026-03-02T00:00:00Z"

	rec := doRequest(a, http.MethodGet, target, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got core.CorrelationStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(100), got.TotalAlerts)
	assert.Equal(t, int64(20), got.MergedDuplicates)
	assert.Equal(t, 1, provider.callCount())
	assert.Equal(t, 1, cache.puts)

	// Second hit on the same range is served from cache.
	rec = doRequest(a, http.MethodGet, target, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, provider.callCount())
	assert.Equal(t, 1, cache.puts)
}

func TestStatisticsWithoutCache(t *testing.T) {
	provider := &fakeStatsProvider{}
	a := newTestAPI(testAPIOpts{stats: provider})

	target := "/api/v1/correlation/statistics?since=2026-03-01T00:00:00Z&until=2026-03-02T00:00:00Z"
	for i := 0; i < 2; i++ {
		rec := doRequest(a, http.MethodGet, target, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 2, provider.callCount())
}

func TestStatisticsRangeTooWide(t *testing.T) {
	a := newTestAPI(testAPIOpts{})

	rec := doRequest(a, http.MethodGet, "/api/v1/correlation/statistics?hours=200", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "range exceeds maximum")
}

func TestStatisticsStoreOutage(t *testing.T) {
	provider := &fakeStatsProvider{
		fn: func(_ context.Context, _, _ time.Time) (*core.CorrelationStatistics, error) {
			return nil, &core.StoreUnavailableError{Op: "stats", Err: errors.New("locked")}
		},
	}
	a := newTestAPI(testAPIOpts{stats: provider})

	rec := doRequest(a, http.MethodGet, "/api/v1/correlation/statistics", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
