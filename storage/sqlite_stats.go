package storage

import (
	"context"
	"database/sql"
	"time"

	"chimera/core"
)

// GetCorrelationStatistics computes dedup effectiveness over [since, until]
// in one aggregate pass. Distinct counts skip rows where the field is absent;
// an empty network field is not an address.
func (s *SQLiteAlertStorage) GetCorrelationStatistics(ctx context.Context, since, until time.Time) (*core.CorrelationStatistics, error) {
	defer observeOp("stats", time.Now())

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	query := `
		SELECT
			COUNT(*) AS total,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS merged,
			COUNT(DISTINCT CASE WHEN source_ip != '' THEN source_ip END) AS source_ips,
			COUNT(DISTINCT CASE WHEN dest_ip != '' THEN dest_ip END) AS dest_ips,
			COUNT(DISTINCT CASE WHEN hostname != '' THEN hostname END) AS hostnames
		FROM alerts
		WHERE created_at >= ? AND created_at <= ?
	`

	var total int64
	var merged sql.NullInt64
	var sourceIPs, destIPs, hostnames int64

	err := s.sqlite.ReadDB.QueryRowContext(ctx, query,
		core.AlertStatusMerged.String(), since.UTC(), until.UTC(),
	).Scan(&total, &merged, &sourceIPs, &destIPs, &hostnames)
	if err != nil {
		return nil, &core.StoreUnavailableError{Op: "stats", Err: err}
	}

	stats := &core.CorrelationStatistics{
		RangeStart:        since.UTC(),
		RangeEnd:          until.UTC(),
		TotalAlerts:       total,
		MergedDuplicates:  merged.Int64,
		UniqueAlerts:      total - merged.Int64,
		DistinctSourceIPs: sourceIPs,
		DistinctDestIPs:   destIPs,
		DistinctHostnames: hostnames,
	}
	if total > 0 {
		stats.DeduplicationRate = float64(stats.MergedDuplicates) / float64(total) * 100
	}

	return stats, nil
}
