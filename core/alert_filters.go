package core

import (
	"time"
)

// AlertFilters defines all available filtering options for alert list queries
type AlertFilters struct {
	// Pagination
	Page  int `json:"page"`
	Limit int `json:"limit"`

	// Basic filters
	Search     string   `json:"search"`     // Text search across title and description
	Severities []string `json:"severities"` // critical, high, medium, low, informational
	Statuses   []string `json:"statuses"`   // active, merged, acknowledged, ...
	Sources    []string `json:"sources"`    // Filter by originating system
	Categories []string `json:"categories"` // Filter by category label

	// MITRE ATT&CK filters
	MitreTechniques []string `json:"mitre_techniques"` // T1059, T1566, etc.

	// Merge-state filters
	DuplicateOf   string `json:"duplicate_of"`   // Members of one dedup group
	OnlyOriginals bool   `json:"only_originals"` // Alerts that absorbed at least one duplicate

	// Date range filters
	CreatedAfter  *time.Time `json:"created_after"`
	CreatedBefore *time.Time `json:"created_before"`

	// Sorting
	SortBy    string `json:"sort_by"`    // created_at, updated_at, severity, title, duplicate_count
	SortOrder string `json:"sort_order"` // asc, desc
}

// NewAlertFilters creates a new AlertFilters with default values
func NewAlertFilters() *AlertFilters {
	return &AlertFilters{
		Page:      1,
		Limit:     100,
		SortBy:    "created_at",
		SortOrder: "desc",
	}
}
