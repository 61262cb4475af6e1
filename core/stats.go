package core

import (
	"context"
	"time"
)

// CorrelationStatistics summarizes deduplication effectiveness over a time
// range. Computed by the store backends; DeduplicationRate is a percentage
// of submitted alerts that folded into an original.
type CorrelationStatistics struct {
	RangeStart        time.Time `json:"range_start"`
	RangeEnd          time.Time `json:"range_end"`
	TotalAlerts       int64     `json:"total_alerts"`
	UniqueAlerts      int64     `json:"unique_alerts"`
	MergedDuplicates  int64     `json:"merged_duplicates"`
	DeduplicationRate float64   `json:"deduplication_rate"`
	DistinctSourceIPs int64     `json:"distinct_source_ips"`
	DistinctDestIPs   int64     `json:"distinct_dest_ips"`
	DistinctHostnames int64     `json:"distinct_hostnames"`
}

// StatsProvider computes correlation statistics for [since, until].
type StatsProvider interface {
	GetCorrelationStatistics(ctx context.Context, since, until time.Time) (*CorrelationStatistics, error)
}
