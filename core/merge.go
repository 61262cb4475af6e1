package core

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chimera/metrics"
)

// publishTimeout bounds the post-commit notification attempt. The publish
// runs detached from the caller's context so a cancelled submit cannot
// abort an event for a merge that already committed.
const publishTimeout = 5 * time.Second

// MergeResult carries the outcome of a committed merge.
type MergeResult struct {
	Original *Alert
	Event    MergeEvent
}

// MergeCoordinator performs the atomic state transition that folds a
// duplicate into its original. All preconditions are re-checked inside the
// transaction on freshly read state; a status observed by an earlier
// unlocked lookup is never trusted.
type MergeCoordinator struct {
	store     TxRunner
	publisher EventPublisher
	logger    *zap.SugaredLogger
}

// NewMergeCoordinator creates a MergeCoordinator. The publisher may be nil,
// in which case merge events are dropped.
func NewMergeCoordinator(store TxRunner, publisher EventPublisher, logger *zap.SugaredLogger) *MergeCoordinator {
	if store == nil {
		panic("MergeCoordinator requires a store")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MergeCoordinator{store: store, publisher: publisher, logger: logger}
}

// Merge folds duplicate into original as a single atomic transaction:
// append duplicate.id to original's members, recompute the duplicate count,
// set duplicate's back-reference and merged status. Preconditions:
//
//   - original and duplicate must differ (InvalidMergeError)
//   - neither side may already be merged (AlreadyMergedError); for the
//     original this covers the race where another submission won first,
//     and callers recover by re-resolving from scratch
//   - the duplicate must not have members of its own (InvalidMergeError),
//     since the merge forest has depth exactly one
//
// On commit the merge event is handed to the publisher best-effort and
// non-blocking; a notification failure never rolls back the merge. Returns
// the updated original.
func (m *MergeCoordinator) Merge(ctx context.Context, originalID, duplicateID string) (*MergeResult, error) {
	if originalID == duplicateID {
		return nil, &InvalidMergeError{
			OriginalID:  originalID,
			DuplicateID: duplicateID,
			Reason:      "an alert cannot merge into itself",
		}
	}

	var (
		updated *Alert
		event   MergeEvent
	)

	err := m.store.RunMergeTx(ctx, func(tx MergeTx) error {
		original, err := tx.GetAlertForUpdate(ctx, originalID)
		if err != nil {
			return err
		}
		duplicate, err := tx.GetAlertForUpdate(ctx, duplicateID)
		if err != nil {
			return err
		}

		if original.IsMerged() {
			return &AlreadyMergedError{AlertID: original.ID, DuplicateOf: original.DuplicateOf}
		}
		if duplicate.IsMerged() {
			return &AlreadyMergedError{AlertID: duplicate.ID, DuplicateOf: duplicate.DuplicateOf}
		}
		if len(duplicate.DuplicateMembers) > 0 {
			return &InvalidMergeError{
				OriginalID:  originalID,
				DuplicateID: duplicateID,
				Reason:      "alert already absorbs duplicates and cannot become one",
			}
		}

		now := time.Now().UTC()

		original.DuplicateMembers = append(original.DuplicateMembers, duplicate.ID)
		original.DuplicateCount = len(original.DuplicateMembers)
		original.UpdatedAt = now

		duplicate.DuplicateOf = original.ID
		duplicate.Status = AlertStatusMerged
		duplicate.UpdatedAt = now

		if err := tx.WriteAlert(ctx, original); err != nil {
			return err
		}
		if err := tx.WriteAlert(ctx, duplicate); err != nil {
			return err
		}

		updated = original
		event = MergeEvent{
			OriginalID:  original.ID,
			DuplicateID: duplicate.ID,
			Fingerprint: duplicate.DedupFingerprint,
			MergedAt:    now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.MergesTotal.Inc()
	m.logger.Infow("Alerts merged",
		"original_id", event.OriginalID,
		"duplicate_id", event.DuplicateID,
		"duplicate_count", updated.DuplicateCount)

	m.publish(event)

	return &MergeResult{Original: updated, Event: event}, nil
}

// publish hands the merge event to the notifier without blocking the caller.
func (m *MergeCoordinator) publish(event MergeEvent) {
	if m.publisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := m.publisher.PublishMerge(ctx, event); err != nil {
			metrics.NotifyFailures.WithLabelValues("merge").Inc()
			m.logger.Warnw("Merge event publish failed",
				"original_id", event.OriginalID,
				"duplicate_id", event.DuplicateID,
				"error", err)
		}
	}()
}
