package core

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// AlertStatus represents the lifecycle state of an alert
type AlertStatus string

const (
	// AlertStatusActive indicates an alert that is live and eligible for dedup/correlation
	AlertStatusActive AlertStatus = "active"
	// AlertStatusMerged indicates an alert folded into an original as a duplicate. Terminal.
	AlertStatusMerged AlertStatus = "merged"
	// AlertStatusAcknowledged indicates an alert an analyst has seen
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	// AlertStatusInvestigating indicates an alert under active investigation
	AlertStatusInvestigating AlertStatus = "investigating"
	// AlertStatusResolved indicates a closed-out alert
	AlertStatusResolved AlertStatus = "resolved"
	// AlertStatusFalsePositive indicates an alert dismissed as noise
	AlertStatusFalsePositive AlertStatus = "false_positive"
	// AlertStatusSuppressed indicates an alert muted by policy
	AlertStatusSuppressed AlertStatus = "suppressed"
)

// String returns the string representation
func (s AlertStatus) String() string {
	return string(s)
}

// IsValid checks if the status is valid
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusActive, AlertStatusMerged, AlertStatusAcknowledged,
		AlertStatusInvestigating, AlertStatusResolved, AlertStatusFalsePositive,
		AlertStatusSuppressed:
		return true
	default:
		return false
	}
}

// Severity levels, ordered from most to least urgent
const (
	SeverityCritical      = "critical"
	SeverityHigh          = "high"
	SeverityMedium        = "medium"
	SeverityLow           = "low"
	SeverityInformational = "informational"
)

// Alert is the unit processed by the engine. The correlation-relevant fields
// (SourceIP, DestIP, Hostname, MitreTechniques, Observables, Category) are
// optional; absent values never count as matches. DedupFingerprint is computed
// once at ingestion and never changes afterwards, even when mutable fields do.
type Alert struct {
	ID          string      `json:"id" bson:"_id" validate:"required"`
	ExternalID  string      `json:"external_id,omitempty" bson:"external_id,omitempty"`
	Title       string      `json:"title" bson:"title" validate:"required,max=255"`
	Description string      `json:"description,omitempty" bson:"description,omitempty"`
	Source      string      `json:"source" bson:"source" validate:"required,max=100"`
	Category    string      `json:"category,omitempty" bson:"category,omitempty"`
	Severity    string      `json:"severity" bson:"severity" validate:"required,oneof=critical high medium low informational"`
	Status      AlertStatus `json:"status" bson:"status"`

	SourceIP string `json:"source_ip,omitempty" bson:"source_ip,omitempty" validate:"omitempty,ip"`
	DestIP   string `json:"dest_ip,omitempty" bson:"dest_ip,omitempty" validate:"omitempty,ip"`
	Hostname string `json:"hostname,omitempty" bson:"hostname,omitempty" validate:"omitempty,hostname_rfc1123"`

	MitreTechniques []string `json:"mitre_techniques,omitempty" bson:"mitre_techniques,omitempty"`
	Observables     []string `json:"observables,omitempty" bson:"observables,omitempty"`

	CreatedAt        time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" bson:"updated_at"`
	DedupFingerprint string    `json:"dedup_fingerprint" bson:"dedup_fingerprint"`

	// Merge bookkeeping. DuplicateOf is set only by the merge coordinator.
	// An alert with DuplicateOf set must have empty DuplicateMembers: the
	// merge forest has depth exactly one, duplicates never become originals.
	DuplicateOf      string   `json:"duplicate_of,omitempty" bson:"duplicate_of,omitempty"`
	DuplicateCount   int      `json:"duplicate_count" bson:"duplicate_count"`
	DuplicateMembers []string `json:"duplicate_members,omitempty" bson:"duplicate_members,omitempty"`
}

// NewAlert creates an Alert with a generated UUID, active status and the
// creation timestamp set. Fingerprinting is the caller's responsibility
// because it must happen after all correlation fields are populated.
func NewAlert(title, source string) *Alert {
	now := time.Now().UTC()
	return &Alert{
		ID:        uuid.New().String(),
		Title:     title,
		Source:    source,
		Severity:  SeverityMedium,
		Status:    AlertStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsMerged reports whether the alert has been folded into an original.
func (a *Alert) IsMerged() bool {
	return a.Status == AlertStatusMerged
}

// HasTechnique reports whether the alert carries the given MITRE technique id.
func (a *Alert) HasTechnique(id string) bool {
	for _, t := range a.MitreTechniques {
		if strings.EqualFold(t, id) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Storage layers return clones so callers can
// mutate results without racing the cache.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	dup := *a
	if a.MitreTechniques != nil {
		dup.MitreTechniques = make([]string, len(a.MitreTechniques))
		copy(dup.MitreTechniques, a.MitreTechniques)
	}
	if a.Observables != nil {
		dup.Observables = make([]string, len(a.Observables))
		copy(dup.Observables, a.Observables)
	}
	if a.DuplicateMembers != nil {
		dup.DuplicateMembers = make([]string, len(a.DuplicateMembers))
		copy(dup.DuplicateMembers, a.DuplicateMembers)
	}
	return &dup
}

var alertValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the identity and format constraints an alert must satisfy
// before it may be fingerprinted or submitted. Returns a *ValidationError
// naming the first offending field.
func (a *Alert) Validate() error {
	if a == nil {
		return &ValidationError{Field: "alert", Reason: "nil alert"}
	}
	if err := alertValidator.Struct(a); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return &ValidationError{
				Field:  strings.ToLower(errs[0].Field()),
				Reason: "failed " + errs[0].Tag() + " constraint",
			}
		}
		return &ValidationError{Field: "alert", Reason: err.Error()}
	}
	if a.Status != "" && !a.Status.IsValid() {
		return &ValidationError{Field: "status", Reason: "unknown status " + a.Status.String()}
	}
	for _, o := range a.Observables {
		if o == "" {
			return &ValidationError{Field: "observables", Reason: "empty observable value"}
		}
	}
	return nil
}
