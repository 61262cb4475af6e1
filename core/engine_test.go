package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func newTestEngine(store *memStore, publisher EventPublisher, opts Options) *Engine {
	return NewEngine(store, publisher, opts, zap.NewNop().Sugar(), nil)
}

// submitNew persists an alert and runs it through the engine, the way the
// normalizer does in production.
func submitNew(t *testing.T, engine *Engine, store *memStore, alert *Alert, at time.Time) *SubmitResult {
	t.Helper()
	alert.CreatedAt = at
	alert.UpdatedAt = at
	alert.DedupFingerprint = Fingerprint(alert)
	require.NoError(t, store.InsertAlert(context.Background(), alert))

	result, err := engine.Submit(context.Background(), alert)
	require.NoError(t, err)
	return result
}

func TestSubmitFirstAlertStaysActive(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil, Options{})

	result := submitNew(t, engine, store, baseAlert(), time.Now().UTC())

	assert.Equal(t, OutcomeNew, result.Outcome)
	assert.Nil(t, result.Original)
	assert.Equal(t, 1, store.countByStatus(AlertStatusActive))
}

func TestSubmitExactDuplicateMerges(t *testing.T) {
	store := newMemStore()
	publisher := &capturingPublisher{}
	engine := newTestEngine(store, publisher, Options{})
	now := time.Now().UTC()

	first := baseAlert()
	submitNew(t, engine, store, first, now.Add(-5*time.Minute))

	result := submitNew(t, engine, store, baseAlert(), now)

	require.Equal(t, OutcomeMerged, result.Outcome)
	require.NotNil(t, result.Original)
	assert.Equal(t, first.ID, result.Original.ID)
	assert.Equal(t, 1, result.Original.DuplicateCount)

	waitForEvents(t, publisher, 1)
}

func TestSubmitDedupIdempotence(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil, Options{AttachCorrelated: false})
	now := time.Now().UTC()

	const n = 6
	var originalID string
	for i := 0; i < n; i++ {
		alert := baseAlert()
		result := submitNew(t, engine, store, alert, now.Add(time.Duration(i)*time.Minute))
		if i == 0 {
			originalID = alert.ID
			assert.Equal(t, OutcomeNew, result.Outcome)
		} else {
			assert.Equal(t, OutcomeMerged, result.Outcome)
			assert.Equal(t, originalID, result.Original.ID, "every duplicate folds into the first-seen original")
		}
	}

	assert.Equal(t, 1, store.countByStatus(AlertStatusActive))
	assert.Equal(t, n-1, store.countByStatus(AlertStatusMerged))
	assert.Equal(t, n-1, store.mustGet(originalID).DuplicateCount)
}

func TestSubmitNoChainingInvariant(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil, Options{AttachCorrelated: false})
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		submitNew(t, engine, store, baseAlert(), now.Add(time.Duration(i)*time.Minute))
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, alert := range store.alerts {
		if alert.DuplicateOf != "" {
			assert.Empty(t, alert.DuplicateMembers,
				"alert %s has a back-reference and members at once", alert.ID)
			assert.Equal(t, AlertStatusMerged, alert.Status)
		}
		assert.Equal(t, len(alert.DuplicateMembers), alert.DuplicateCount)
	}
}

func TestSubmitOutsideWindowStaysActive(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil, Options{AttachCorrelated: false})
	now := time.Now().UTC()

	submitNew(t, engine, store, baseAlert(), now.Add(-61*time.Minute))
	result := submitNew(t, engine, store, baseAlert(), now)

	assert.Equal(t, OutcomeNew, result.Outcome,
		"a matching fingerprint outside the window is a new alert")
	assert.Equal(t, 2, store.countByStatus(AlertStatusActive))
}

func TestSubmitAttachesCorrelation(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil, Options{AttachCorrelated: true})
	now := time.Now().UTC()

	related := NewAlert("Script Block Logging", "SIEM")
	related.Hostname = "WS-1"
	related.MitreTechniques = []string{"T1059.001"}
	insertAt(t, store, related, now.Add(-10*time.Minute))

	alert := NewAlert("PowerShell Execution", "EDR")
	alert.Hostname = "WS-1"
	alert.MitreTechniques = []string{"T1059.001"}
	result := submitNew(t, engine, store, alert, now)

	require.Equal(t, OutcomeNew, result.Outcome)
	require.Len(t, result.Correlated, 1)
	assert.Equal(t, related.ID, result.Correlated[0].Alert.ID)
	assert.InDelta(t, 0.40, result.Correlated[0].Score, 1e-9)

	// The ranking is informational: nothing was written.
	assert.Equal(t, AlertStatusActive, store.mustGet(related.ID).Status)
}

func TestSubmitValidationFailsBeforeStore(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil, Options{})

	invalid := &Alert{ID: "x", Title: "", Source: "EDR", Severity: SeverityLow}
	_, err := engine.Submit(context.Background(), invalid)

	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Zero(t, store.queries, "validation failures never reach the store")
}

func TestSubmitPropagatesStoreFailure(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil, Options{})

	alert := baseAlert()
	alert.CreatedAt = time.Now().UTC()
	alert.DedupFingerprint = Fingerprint(alert)
	require.NoError(t, store.InsertAlert(context.Background(), alert))

	store.queryErr = errors.New("connection reset")
	_, err := engine.Submit(context.Background(), alert)

	var unavailable *StoreUnavailableError
	require.ErrorAs(t, err, &unavailable,
		"the engine must not fabricate an outcome when the store is unreachable")
}

func TestSubmitRaceExactlyOneOriginal(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil, Options{AttachCorrelated: false})
	now := time.Now().UTC()

	const workers = 8
	alerts := make([]*Alert, workers)
	for i := range alerts {
		alert := baseAlert()
		alert.CreatedAt = now
		alert.UpdatedAt = now
		alert.DedupFingerprint = Fingerprint(alert)
		require.NoError(t, store.InsertAlert(context.Background(), alert))
		alerts[i] = alert
	}

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Submit is re-entrant: losing a merge race means re-running
			// from scratch, which is always correct, never cumulative.
			for attempt := 0; attempt < 5; attempt++ {
				_, err := engine.Submit(context.Background(), alerts[i])
				var invalid *InvalidMergeError
				if err == nil || !(IsRetryable(err) || errors.As(err, &invalid)) {
					errs[i] = err
					return
				}
			}
			errs[i] = fmt.Errorf("alert %s never settled", alerts[i].ID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}

	assert.Equal(t, 1, store.countByStatus(AlertStatusActive),
		"exactly one alert survives as the original")
	assert.Equal(t, workers-1, store.countByStatus(AlertStatusMerged))

	// Depth-1 forest holds after the dust settles.
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, alert := range store.alerts {
		if alert.DuplicateOf != "" {
			assert.Empty(t, alert.DuplicateMembers)
		}
	}
}

func TestSubmitAfterMergeIsIdempotent(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil, Options{AttachCorrelated: false})
	now := time.Now().UTC()

	first := baseAlert()
	submitNew(t, engine, store, first, now.Add(-5*time.Minute))
	second := baseAlert()
	result := submitNew(t, engine, store, second, now)
	require.Equal(t, OutcomeMerged, result.Outcome)

	// Re-running the losing submission reports the same outcome without
	// touching counts.
	again, err := engine.Submit(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, again.Outcome)
	assert.Equal(t, first.ID, again.Original.ID)
	assert.Equal(t, 1, store.mustGet(first.ID).DuplicateCount, "idempotent, never cumulative")
}

func TestCorrelateByID(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil, Options{})
	now := time.Now().UTC()

	related := NewAlert("Related", "SIEM")
	related.SourceIP = "10.0.0.5"
	related.Hostname = "WS-1"
	insertAt(t, store, related, now.Add(-10*time.Minute))

	alert := NewAlert("Query", "EDR")
	alert.SourceIP = "10.0.0.5"
	alert.Hostname = "WS-1"
	insertAt(t, store, alert, now)

	ranked, err := engine.Correlate(context.Background(), alert.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.InDelta(t, 0.50, ranked[0].Score, 1e-9)

	_, err = engine.Correlate(context.Background(), "missing", 0, 0)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestEngineFindDuplicateReadOnly(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil, Options{})
	now := time.Now().UTC()

	original := insertAt(t, store, baseAlert(), now.Add(-5*time.Minute))
	incoming := insertAt(t, store, baseAlert(), now)

	found, err := engine.FindDuplicate(context.Background(), incoming.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, original.ID, found.ID)

	// Resolution alone writes nothing.
	assert.Equal(t, 2, store.countByStatus(AlertStatusActive))
}

func TestSubmitEmitsSpans(t *testing.T) {
	store := newMemStore()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	engine := NewEngine(store, nil, Options{AttachCorrelated: false}, zap.NewNop().Sugar(), provider.Tracer("test"))

	alert := baseAlert()
	alert.CreatedAt = time.Now().UTC()
	alert.DedupFingerprint = Fingerprint(alert)
	require.NoError(t, store.InsertAlert(context.Background(), alert))
	_, err := engine.Submit(context.Background(), alert)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.NotEmpty(t, spans)
	assert.Equal(t, "engine.submit", spans[0].Name())
}
