package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	defaultStatsRange = 24 * time.Hour
	maxStatsRange     = 168 * time.Hour
)

// parseStatsRange resolves the statistics time range from the query:
// explicit since/until (RFC 3339), a relative hours=N, or the default
// trailing 24 hours. Bounds are minute-aligned so repeated dashboard polls
// land on the same cache entry.
func parseStatsRange(r *http.Request) (since, until time.Time, err error) {
	q := r.URL.Query()
	now := time.Now().UTC()

	switch {
	case q.Get("since") != "" || q.Get("until") != "":
		until = now
		if raw := q.Get("until"); raw != "" {
			until, err = time.Parse(time.RFC3339, raw)
			if err != nil {
				return time.Time{}, time.Time{}, errors.New("until must be RFC 3339")
			}
		}
		if raw := q.Get("since"); raw != "" {
			since, err = time.Parse(time.RFC3339, raw)
			if err != nil {
				return time.Time{}, time.Time{}, errors.New("since must be RFC 3339")
			}
		} else {
			since = until.Add(-defaultStatsRange)
		}

	case q.Get("hours") != "":
		hours, herr := queryInt(r, "hours", 0)
		if herr != nil {
			return time.Time{}, time.Time{}, herr
		}
		if hours <= 0 {
			return time.Time{}, time.Time{}, errors.New("hours must be positive")
		}
		until = now
		since = now.Add(-time.Duration(hours) * time.Hour)

	default:
		until = now
		since = now.Add(-defaultStatsRange)
	}

	since = since.UTC().Truncate(time.Minute)
	until = until.UTC().Truncate(time.Minute)

	if !since.Before(until) {
		return time.Time{}, time.Time{}, errors.New("since must be before until")
	}
	if until.Sub(since) > maxStatsRange {
		return time.Time{}, time.Time{}, fmt.Errorf("range exceeds maximum of %d hours", int(maxStatsRange.Hours()))
	}
	return since, until, nil
}

func statsCacheKey(since, until time.Time) string {
	return fmt.Sprintf("%d:%d", since.Unix(), until.Unix())
}

func (a *API) statsCacheTTL() time.Duration {
	return time.Duration(a.config.Stats.CacheTTL) * time.Second
}

func (a *API) getStatistics(w http.ResponseWriter, r *http.Request) {
	since, until, err := parseStatsRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil, a.logger)
		return
	}

	key := statsCacheKey(since, until)
	if a.statsCache != nil {
		if cached, found, cerr := a.statsCache.GetCachedStatistics(r.Context(), key); cerr == nil && found {
			writeJSON(w, http.StatusOK, cached, a.logger)
			return
		} else if cerr != nil {
			a.logger.Warnw("Statistics cache read failed", "error", cerr)
		}
	}

	stats, err := a.stats.GetCorrelationStatistics(r.Context(), since, until)
	if err != nil {
		writeDomainError(w, err, a.logger)
		return
	}

	if a.statsCache != nil {
		if ttl := a.statsCacheTTL(); ttl > 0 {
			if cerr := a.statsCache.CacheStatistics(r.Context(), key, stats, ttl); cerr != nil {
				a.logger.Warnw("Statistics cache write failed", "error", cerr)
			}
		}
	}
	writeJSON(w, http.StatusOK, stats, a.logger)
}
