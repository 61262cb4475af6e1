package core

import "time"

// MergeEvent describes one committed merge: duplicate folded into original.
// Published to the event notifier after commit, fire-and-forget.
type MergeEvent struct {
	OriginalID  string    `json:"original_id"`
	DuplicateID string    `json:"duplicate_id"`
	Fingerprint string    `json:"fingerprint"`
	MergedAt    time.Time `json:"merged_at"`
}
