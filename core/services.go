package core

import (
	"context"
	"time"
)

// Storage interfaces are defined here, where they are consumed, not in the
// storage package that implements them. Each is as small as its consumers
// need; the storage backends satisfy all of them.

// AlertGetter retrieves a single alert by id.
// Returns *NotFoundError when the id does not exist.
type AlertGetter interface {
	GetAlert(ctx context.Context, id string) (*Alert, error)
}

// AlertQuerier runs the windowed candidate query. Implementations must
// return alerts with created_at in [start, end], excluding excludeID and any
// alert in excludeStatus, ordered by created_at ascending. Time bounding
// belongs in the store where it can ride an index; field-level matching
// stays with the callers. Backend failures surface as *StoreUnavailableError.
type AlertQuerier interface {
	QueryWindow(ctx context.Context, start, end time.Time, excludeID string, excludeStatus AlertStatus) ([]*Alert, error)
}

// AlertInserter persists a new alert. The store assigns nothing; id,
// fingerprint and timestamps are set by the caller before insert.
type AlertInserter interface {
	InsertAlert(ctx context.Context, alert *Alert) error
}

// MergeTx is the view of the store inside a merge transaction. Reads observe
// the transaction's isolation, so GetAlertForUpdate returns current state
// rather than whatever an earlier unlocked lookup saw.
type MergeTx interface {
	GetAlertForUpdate(ctx context.Context, id string) (*Alert, error)
	WriteAlert(ctx context.Context, alert *Alert) error
}

// TxRunner executes fn inside a single atomic transaction. The implementation
// commits when fn returns nil and rolls back when fn returns an error or
// panics; no exit path leaves the transaction open.
type TxRunner interface {
	RunMergeTx(ctx context.Context, fn func(tx MergeTx) error) error
}

// AlertStore is the full collaborator contract the engine facade wires.
type AlertStore interface {
	AlertGetter
	AlertQuerier
	AlertInserter
	TxRunner
}

// EventPublisher receives merge events after commit. Publishing is
// best-effort: the merge coordinator logs failures and never unwinds a
// committed merge over them.
type EventPublisher interface {
	PublishMerge(ctx context.Context, event MergeEvent) error
}

// FingerprintIndex is an optional fast-path cache mapping a dedup
// fingerprint to its group's original alert id. Best-effort only: entries
// may vanish at any time, lookups may fail, and every hit is re-verified
// against live store state before the resolver trusts it.
type FingerprintIndex interface {
	// LookupFingerprint returns the cached original id, or "" on a miss.
	LookupFingerprint(ctx context.Context, fingerprint string) (string, error)
	// RememberFingerprint records the resolved original for a fingerprint.
	// The TTL matches the dedup window; entries expire with eligibility.
	RememberFingerprint(ctx context.Context, fingerprint, alertID string, ttl time.Duration) error
}
