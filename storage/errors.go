package storage

import "errors"

// Storage error constants
var (
	// ErrDuplicateExternalID is returned when an insert collides with the
	// (source, external_id) ingest idempotency index
	ErrDuplicateExternalID = errors.New("alert with this source and external_id already exists")
)
