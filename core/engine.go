package core

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"chimera/metrics"
)

// DefaultWindowMinutes is the dedup/correlation window when none is
// configured. Sixty minutes matches the common same-incident burst duration;
// sources with longer bursts override it per call or via configuration.
const DefaultWindowMinutes = 60

// SubmitOutcome classifies what Submit did with an alert.
type SubmitOutcome string

const (
	// OutcomeNew means no duplicate was found; the alert stays active.
	OutcomeNew SubmitOutcome = "new"
	// OutcomeMerged means the alert was folded into an existing original.
	OutcomeMerged SubmitOutcome = "merged"
)

// SubmitResult is the outcome of one Submit call. Original is set when the
// alert merged; Correlated carries the informational ranking when the alert
// stayed active and correlation attachment is enabled.
type SubmitResult struct {
	Outcome    SubmitOutcome `json:"outcome"`
	Original   *Alert        `json:"original,omitempty"`
	Correlated []ScoredAlert `json:"correlated,omitempty"`
}

// Options tune the engine. Zero values select the defaults.
type Options struct {
	// WindowMinutes bounds the dedup and correlation candidate windows.
	WindowMinutes int
	// Threshold is the minimum correlation score to report.
	Threshold float64
	// MaxResults caps the correlation ranking length.
	MaxResults int
	// AttachCorrelated controls whether Submit runs the correlator for
	// alerts that stay active. The ranking is informational only.
	AttachCorrelated bool
}

func (o Options) withDefaults() Options {
	if o.WindowMinutes <= 0 {
		o.WindowMinutes = DefaultWindowMinutes
	}
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.MaxResults <= 0 {
		o.MaxResults = DefaultMaxResults
	}
	return o
}

// Engine is the public entry point for alert deduplication and correlation.
// It holds no mutable state between calls: the alert store is the only
// shared resource, so one Engine value safely serves concurrent submissions
// and re-running Submit after a lost merge race is always correct, never
// cumulative.
type Engine struct {
	store      AlertStore
	resolver   *Resolver
	correlator *Correlator
	merger     *MergeCoordinator
	opts       Options
	tracer     trace.Tracer
	logger     *zap.SugaredLogger
}

// NewEngine wires the engine against its collaborators. store is required;
// publisher and tracer may be nil (events dropped, tracing disabled).
func NewEngine(store AlertStore, publisher EventPublisher, opts Options, logger *zap.SugaredLogger, tracer trace.Tracer) *Engine {
	if store == nil {
		panic("Engine requires a store")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("chimera/core")
	}

	opts = opts.withDefaults()
	candidates := NewCandidateQuery(store, logger)

	return &Engine{
		store:      store,
		resolver:   NewResolver(candidates, logger),
		correlator: NewCorrelator(candidates, opts.MaxResults, logger),
		merger:     NewMergeCoordinator(store, publisher, logger),
		opts:       opts,
		tracer:     tracer,
		logger:     logger,
	}
}

// UseFingerprintIndex enables the resolver's fingerprint fast path. Call
// during wiring, before the engine serves submissions.
func (e *Engine) UseFingerprintIndex(index FingerprintIndex) {
	e.resolver.UseFingerprintIndex(index, e.store)
}

// Submit runs one alert through the engine. The alert must already be
// persisted by the normalizer; Submit decides whether it stays active or
// merges into an earlier original:
//
//  1. Re-read the alert's own state. An alert that already merged reports
//     "merged" again (re-running Submit is idempotent, never cumulative),
//     and an alert that already absorbed duplicates is an established
//     original: it stays active, it is not foldable.
//  2. Resolve a duplicate within the configured window.
//  3. If an original is found, merge the alert into it and report "merged".
//  4. Otherwise leave the alert active, optionally attach the correlation
//     ranking, and report "new".
//
// Merge errors propagate unchanged; there is no internal retry and no
// fallback outcome. A caller losing a merge race sees AlreadyMergedError
// and may simply call Submit again.
func (e *Engine) Submit(ctx context.Context, alert *Alert) (*SubmitResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.submit")
	defer span.End()

	if err := alert.Validate(); err != nil {
		return nil, err
	}
	if alert.DedupFingerprint == "" {
		alert.DedupFingerprint = Fingerprint(alert)
	}
	span.SetAttributes(attribute.String("alert.id", alert.ID))

	// Concurrent twins may have raced ahead: the alert could have merged in
	// an earlier attempt, or been adopted as the original of its own dedup
	// group before this call ran.
	fresh, err := e.store.GetAlert(ctx, alert.ID)
	if err != nil {
		return nil, err
	}
	if fresh.IsMerged() {
		original, err := e.store.GetAlert(ctx, fresh.DuplicateOf)
		if err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.String("submit.outcome", string(OutcomeMerged)))
		return &SubmitResult{Outcome: OutcomeMerged, Original: original}, nil
	}
	if len(fresh.DuplicateMembers) == 0 {
		original, err := e.resolver.FindDuplicate(ctx, alert, e.opts.WindowMinutes)
		if err != nil {
			return nil, err
		}
		if original != nil {
			metrics.DuplicatesFound.Inc()
			result, err := e.merger.Merge(ctx, original.ID, alert.ID)
			if err != nil {
				return nil, err
			}
			span.SetAttributes(attribute.String("submit.outcome", string(OutcomeMerged)))
			metrics.SubmitsTotal.WithLabelValues(string(OutcomeMerged)).Inc()
			return &SubmitResult{Outcome: OutcomeMerged, Original: result.Original}, nil
		}
	}

	result := &SubmitResult{Outcome: OutcomeNew}
	if e.opts.AttachCorrelated {
		correlated, err := e.correlator.Correlate(ctx, alert, e.opts.WindowMinutes, e.opts.Threshold)
		if err != nil {
			return nil, err
		}
		result.Correlated = correlated
	}

	span.SetAttributes(attribute.String("submit.outcome", string(OutcomeNew)))
	metrics.SubmitsTotal.WithLabelValues(string(OutcomeNew)).Inc()
	return result, nil
}

// Correlate returns the ranked correlation list for a stored alert. Callable
// at any time after creation, read-only, mutates nothing. windowMinutes <= 0
// and threshold <= 0 select the engine defaults.
func (e *Engine) Correlate(ctx context.Context, alertID string, windowMinutes int, threshold float64) ([]ScoredAlert, error) {
	ctx, span := e.tracer.Start(ctx, "engine.correlate")
	defer span.End()
	span.SetAttributes(attribute.String("alert.id", alertID))

	if windowMinutes <= 0 {
		windowMinutes = e.opts.WindowMinutes
	}
	if threshold <= 0 {
		threshold = e.opts.Threshold
	}

	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	metrics.CorrelationQueries.Inc()
	return e.correlator.Correlate(ctx, alert, windowMinutes, threshold)
}

// FindDuplicate exposes duplicate resolution read-only, without merging.
func (e *Engine) FindDuplicate(ctx context.Context, alertID string, windowMinutes int) (*Alert, error) {
	if windowMinutes <= 0 {
		windowMinutes = e.opts.WindowMinutes
	}
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	return e.resolver.FindDuplicate(ctx, alert, windowMinutes)
}

// Merge exposes the merge coordinator for operational use, with the same
// preconditions and atomicity as the Submit path.
func (e *Engine) Merge(ctx context.Context, originalID, duplicateID string) (*Alert, error) {
	result, err := e.merger.Merge(ctx, originalID, duplicateID)
	if err != nil {
		return nil, err
	}
	return result.Original, nil
}
