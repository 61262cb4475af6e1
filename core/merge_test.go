package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedPair(t *testing.T, store *memStore) (*Alert, *Alert) {
	t.Helper()
	now := time.Now().UTC()
	original := insertAt(t, store, baseAlert(), now.Add(-10*time.Minute))
	duplicate := insertAt(t, store, baseAlert(), now)
	return original, duplicate
}

func waitForEvents(t *testing.T, p *capturingPublisher, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, p.count(), want, "expected merge events to be published")
}

func TestMergeHappyPath(t *testing.T) {
	store := newMemStore()
	publisher := &capturingPublisher{}
	coordinator := NewMergeCoordinator(store, publisher, zap.NewNop().Sugar())

	original, duplicate := seedPair(t, store)

	result, err := coordinator.Merge(context.Background(), original.ID, duplicate.ID)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, original.ID, result.Original.ID)
	assert.Equal(t, 1, result.Original.DuplicateCount)
	assert.Equal(t, []string{duplicate.ID}, result.Original.DuplicateMembers)

	storedDup := store.mustGet(duplicate.ID)
	assert.Equal(t, AlertStatusMerged, storedDup.Status)
	assert.Equal(t, original.ID, storedDup.DuplicateOf)
	assert.Empty(t, storedDup.DuplicateMembers)

	storedOrig := store.mustGet(original.ID)
	assert.Equal(t, AlertStatusActive, storedOrig.Status)
	assert.Equal(t, len(storedOrig.DuplicateMembers), storedOrig.DuplicateCount,
		"duplicate count is recomputed from the member list")

	waitForEvents(t, publisher, 1)
	event := publisher.events[0]
	assert.Equal(t, original.ID, event.OriginalID)
	assert.Equal(t, duplicate.ID, event.DuplicateID)
	assert.False(t, event.MergedAt.IsZero())
}

func TestMergeSelfIsInvalid(t *testing.T) {
	store := newMemStore()
	coordinator := NewMergeCoordinator(store, nil, zap.NewNop().Sugar())

	original, _ := seedPair(t, store)

	_, err := coordinator.Merge(context.Background(), original.ID, original.ID)
	var invalid *InvalidMergeError
	require.ErrorAs(t, err, &invalid)
	assert.Zero(t, store.txCount, "self-merge fails before any transaction opens")
}

func TestMergeIntoMergedOriginalFails(t *testing.T) {
	store := newMemStore()
	coordinator := NewMergeCoordinator(store, nil, zap.NewNop().Sugar())

	original, duplicate := seedPair(t, store)
	third := insertAt(t, store, baseAlert(), time.Now().UTC().Add(5*time.Minute))

	_, err := coordinator.Merge(context.Background(), original.ID, duplicate.ID)
	require.NoError(t, err)

	// Chaining through the now-merged duplicate must fail.
	_, err = coordinator.Merge(context.Background(), duplicate.ID, third.ID)
	var alreadyMerged *AlreadyMergedError
	require.ErrorAs(t, err, &alreadyMerged)
	assert.Equal(t, duplicate.ID, alreadyMerged.AlertID)
	assert.Equal(t, original.ID, alreadyMerged.DuplicateOf,
		"the error names the real original so callers can re-resolve")

	// The failed attempt must leave no partial state.
	assert.Equal(t, AlertStatusActive, store.mustGet(third.ID).Status)
	assert.Equal(t, 1, store.mustGet(original.ID).DuplicateCount)
}

func TestMergeAlreadyMergedDuplicateFails(t *testing.T) {
	store := newMemStore()
	coordinator := NewMergeCoordinator(store, nil, zap.NewNop().Sugar())

	original, duplicate := seedPair(t, store)
	other := insertAt(t, store, baseAlert(), time.Now().UTC().Add(5*time.Minute))

	_, err := coordinator.Merge(context.Background(), original.ID, duplicate.ID)
	require.NoError(t, err)

	// Submitting the same merge again is an idempotency violation, not a no-op.
	_, err = coordinator.Merge(context.Background(), original.ID, duplicate.ID)
	var alreadyMerged *AlreadyMergedError
	require.ErrorAs(t, err, &alreadyMerged)

	// And the merged record cannot be folded anywhere else either.
	_, err = coordinator.Merge(context.Background(), other.ID, duplicate.ID)
	require.ErrorAs(t, err, &alreadyMerged)

	assert.Equal(t, 1, store.mustGet(original.ID).DuplicateCount)
}

func TestMergeRejectsOriginalAsDuplicate(t *testing.T) {
	store := newMemStore()
	coordinator := NewMergeCoordinator(store, nil, zap.NewNop().Sugar())

	original, duplicate := seedPair(t, store)
	late := insertAt(t, store, baseAlert(), time.Now().UTC().Add(10*time.Minute))

	_, err := coordinator.Merge(context.Background(), original.ID, duplicate.ID)
	require.NoError(t, err)

	// original now has members; folding it under another alert would deepen
	// the forest past one level.
	_, err = coordinator.Merge(context.Background(), late.ID, original.ID)
	var invalid *InvalidMergeError
	require.ErrorAs(t, err, &invalid)
}

func TestMergeUnknownAlert(t *testing.T) {
	store := newMemStore()
	coordinator := NewMergeCoordinator(store, nil, zap.NewNop().Sugar())

	original, _ := seedPair(t, store)

	_, err := coordinator.Merge(context.Background(), original.ID, "nonexistent")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestMergePublisherFailureDoesNotFailMerge(t *testing.T) {
	store := newMemStore()
	publisher := &capturingPublisher{err: errors.New("broker down")}
	coordinator := NewMergeCoordinator(store, publisher, zap.NewNop().Sugar())

	original, duplicate := seedPair(t, store)

	result, err := coordinator.Merge(context.Background(), original.ID, duplicate.ID)
	require.NoError(t, err, "notification is a side channel, not a correctness requirement")
	assert.Equal(t, 1, result.Original.DuplicateCount)
	assert.Equal(t, AlertStatusMerged, store.mustGet(duplicate.ID).Status)
}

func TestMergeStoreFailureRollsBack(t *testing.T) {
	store := newMemStore()
	coordinator := NewMergeCoordinator(store, nil, zap.NewNop().Sugar())

	original, duplicate := seedPair(t, store)
	store.txErr = errors.New("disk full")

	_, err := coordinator.Merge(context.Background(), original.ID, duplicate.ID)
	var unavailable *StoreUnavailableError
	require.ErrorAs(t, err, &unavailable)

	assert.Equal(t, AlertStatusActive, store.mustGet(duplicate.ID).Status)
	assert.Zero(t, store.mustGet(original.ID).DuplicateCount)
}

func TestMergeSecondDuplicateAccumulates(t *testing.T) {
	store := newMemStore()
	coordinator := NewMergeCoordinator(store, nil, zap.NewNop().Sugar())

	now := time.Now().UTC()
	original := insertAt(t, store, baseAlert(), now.Add(-30*time.Minute))
	first := insertAt(t, store, baseAlert(), now.Add(-20*time.Minute))
	second := insertAt(t, store, baseAlert(), now.Add(-10*time.Minute))

	_, err := coordinator.Merge(context.Background(), original.ID, first.ID)
	require.NoError(t, err)
	result, err := coordinator.Merge(context.Background(), original.ID, second.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Original.DuplicateCount)
	assert.Equal(t, []string{first.ID, second.ID}, result.Original.DuplicateMembers,
		"members keep merge order")
}
