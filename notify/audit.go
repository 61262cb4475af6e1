package notify

import (
	"context"
	"fmt"

	"chimera/core"
)

// MergeRecorder is the audit sink contract. storage.ClickHouseAudit
// satisfies it.
type MergeRecorder interface {
	RecordMerge(ctx context.Context, event *core.MergeEvent) error
}

// AuditChannel writes every merge event to the long-term audit store.
type AuditChannel struct {
	recorder MergeRecorder
}

var _ Channel = (*AuditChannel)(nil)

// NewAuditChannel wraps an audit store as a delivery channel.
func NewAuditChannel(recorder MergeRecorder) *AuditChannel {
	return &AuditChannel{recorder: recorder}
}

// Name identifies this channel in logs and metrics.
func (a *AuditChannel) Name() string { return "audit" }

// Publish records the merge in the audit store.
func (a *AuditChannel) Publish(ctx context.Context, event core.MergeEvent) error {
	if err := a.recorder.RecordMerge(ctx, &event); err != nil {
		return fmt.Errorf("failed to record merge audit entry: %w", err)
	}
	return nil
}
