package core

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Resolver decides whether an incoming alert duplicates an existing one.
// Fingerprint equality is definitive; unlike correlation there is no
// partial-match threshold. Performs no writes against the alert store.
type Resolver struct {
	candidates *CandidateQuery
	getter     AlertGetter      // set together with index, nil otherwise
	index      FingerprintIndex // optional fast path, nil disables it
	logger     *zap.SugaredLogger
}

// NewResolver creates a Resolver over the given candidate query.
func NewResolver(candidates *CandidateQuery, logger *zap.SugaredLogger) *Resolver {
	if candidates == nil {
		panic("Resolver requires a candidate query")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Resolver{candidates: candidates, logger: logger}
}

// UseFingerprintIndex enables the fingerprint fast path. Wire-up time only,
// before the resolver serves lookups. The getter re-verifies index hits.
func (r *Resolver) UseFingerprintIndex(index FingerprintIndex, getter AlertGetter) {
	r.index = index
	r.getter = getter
}

// FindDuplicate computes the alert's fingerprint once and scans the window's
// candidates, in createdAt order, for the first active alert whose stored
// fingerprint matches. First-in-time wins as the canonical original, which
// keeps dedup groups stable regardless of arrival-order races. Returns nil
// when no candidate matches.
//
// When a fingerprint index is wired, a verified index hit answers without
// scanning. Verification re-reads the alert and checks status, fingerprint
// and window membership, so a stale or evicted entry degrades to the scan,
// never to a wrong answer.
func (r *Resolver) FindDuplicate(ctx context.Context, alert *Alert, windowMinutes int) (*Alert, error) {
	fingerprint := alert.DedupFingerprint
	if fingerprint == "" {
		fingerprint = Fingerprint(alert)
	}

	if original := r.fromIndex(ctx, alert, fingerprint, windowMinutes); original != nil {
		return original, nil
	}

	candidates, err := r.candidates.FindCandidates(ctx, alert, windowMinutes)
	if err != nil {
		return nil, err
	}

	// Candidates arrive createdAt ascending, so the first hit is the
	// earliest original.
	for _, candidate := range candidates {
		if candidate.DedupFingerprint == fingerprint {
			r.logger.Debugw("Duplicate resolved",
				"alert_id", alert.ID,
				"original_id", candidate.ID,
				"fingerprint", fingerprint)
			r.remember(ctx, fingerprint, candidate, windowMinutes)
			return candidate, nil
		}
	}

	return nil, nil
}

// fromIndex consults the fingerprint fast path. Index errors and failed
// verifications are both treated as misses; the index is a cache, not a
// source of truth.
func (r *Resolver) fromIndex(ctx context.Context, alert *Alert, fingerprint string, windowMinutes int) *Alert {
	if r.index == nil || r.getter == nil {
		return nil
	}

	id, err := r.index.LookupFingerprint(ctx, fingerprint)
	if err != nil {
		r.logger.Debugw("Fingerprint index lookup failed", "fingerprint", fingerprint, "error", err)
		return nil
	}
	if id == "" || id == alert.ID {
		return nil
	}

	candidate, err := r.getter.GetAlert(ctx, id)
	if err != nil {
		return nil
	}
	if candidate.IsMerged() || candidate.DedupFingerprint != fingerprint {
		return nil
	}

	window := time.Duration(windowMinutes) * time.Minute
	delta := candidate.CreatedAt.Sub(alert.CreatedAt)
	if delta < -window || delta > window {
		return nil
	}

	r.logger.Debugw("Duplicate resolved from fingerprint index",
		"alert_id", alert.ID,
		"original_id", candidate.ID,
		"fingerprint", fingerprint)
	return candidate
}

// remember publishes a scan result to the fast path. Failures are logged
// and dropped; the next resolution simply scans again.
func (r *Resolver) remember(ctx context.Context, fingerprint string, original *Alert, windowMinutes int) {
	if r.index == nil {
		return
	}
	ttl := time.Duration(windowMinutes) * time.Minute
	if err := r.index.RememberFingerprint(ctx, fingerprint, original.ID, ttl); err != nil {
		r.logger.Debugw("Fingerprint index write failed", "fingerprint", fingerprint, "error", err)
	}
}
