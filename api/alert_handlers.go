package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"chimera/core"
)

// PaginationResponse wraps a page of results.
type PaginationResponse struct {
	Items      interface{} `json:"items"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

func newPaginationResponse(items interface{}, total int64, page, limit int) PaginationResponse {
	totalPages := 1
	if limit > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(limit)))
		if totalPages < 1 {
			totalPages = 1
		}
	}
	return PaginationResponse{
		Items:      items,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
	}
}

// Bounds on the correlation read parameters. The window cap keeps an
// arbitrary window_minutes from turning the candidate query into a full
// table scan.
const (
	maxWindowMinutes     = 1440
	maxCorrelatedResults = 100
)

// CorrelatedResponse carries the ranked neighborhood of one alert.
type CorrelatedResponse struct {
	AlertID string             `json:"alert_id"`
	Count   int                `json:"count"`
	Results []core.ScoredAlert `json:"results"`
}

// FindDuplicateRequest optionally narrows the duplicate search window.
type FindDuplicateRequest struct {
	WindowMinutes int `json:"window_minutes"`
}

// FindDuplicateResponse reports the resolved original, if any.
type FindDuplicateResponse struct {
	Found     bool        `json:"found"`
	Duplicate *core.Alert `json:"duplicate"`
}

// UpdateStatusRequest moves an alert through its lifecycle.
type UpdateStatusRequest struct {
	Status core.AlertStatus `json:"status"`
}

// MergeRequest folds duplicate_id into the alert addressed by the URL.
type MergeRequest struct {
	DuplicateID string `json:"duplicate_id"`
}

func (a *API) getAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := validateUUID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id", err, a.logger)
		return
	}

	alert, err := a.alerts.GetAlert(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, alert, a.logger)
}

func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	filters, err := parseAlertFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil, a.logger)
		return
	}

	alerts, total, err := a.alerts.ListAlerts(r.Context(), filters)
	if err != nil {
		writeDomainError(w, err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, newPaginationResponse(alerts, total, filters.Page, filters.Limit), a.logger)
}

// parseAlertFilters maps list query parameters onto store filters. Range and
// sort sanity lives in the store; this only converts types.
func parseAlertFilters(r *http.Request) (*core.AlertFilters, error) {
	filters := core.NewAlertFilters()

	var err error
	if filters.Page, err = queryInt(r, "page", filters.Page); err != nil {
		return nil, err
	}
	if filters.Limit, err = queryInt(r, "limit", filters.Limit); err != nil {
		return nil, err
	}

	q := r.URL.Query()
	filters.Search = q.Get("search")
	filters.Severities = queryList(r, "severity")
	filters.Statuses = queryList(r, "status")
	filters.Sources = queryList(r, "source")
	filters.Categories = queryList(r, "category")
	filters.MitreTechniques = queryList(r, "technique")
	filters.DuplicateOf = q.Get("duplicate_of")

	if raw := q.Get("only_originals"); raw != "" {
		only, perr := strconv.ParseBool(raw)
		if perr != nil {
			return nil, errors.New("only_originals must be a boolean")
		}
		filters.OnlyOriginals = only
	}
	if raw := q.Get("created_after"); raw != "" {
		t, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			return nil, errors.New("created_after must be RFC 3339")
		}
		filters.CreatedAfter = &t
	}
	if raw := q.Get("created_before"); raw != "" {
		t, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			return nil, errors.New("created_before must be RFC 3339")
		}
		filters.CreatedBefore = &t
	}
	if v := q.Get("sort_by"); v != "" {
		filters.SortBy = v
	}
	if v := q.Get("sort_order"); v != "" {
		filters.SortOrder = v
	}
	return filters, nil
}

func (a *API) getCorrelated(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := validateUUID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id", err, a.logger)
		return
	}

	windowMinutes, err := queryBoundedInt(r, "window_minutes", 0, 1, maxWindowMinutes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil, a.logger)
		return
	}
	maxResults, err := queryBoundedInt(r, "max_results", 0, 1, maxCorrelatedResults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil, a.logger)
		return
	}
	threshold, err := queryFloat(r, "threshold", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil, a.logger)
		return
	}
	if threshold < 0 || threshold > 1 {
		writeError(w, http.StatusBadRequest, "threshold must be between 0 and 1", nil, a.logger)
		return
	}

	results, err := a.engine.Correlate(r.Context(), id, windowMinutes, threshold)
	if err != nil {
		writeDomainError(w, err, a.logger)
		return
	}
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	for i := range results {
		results[i].Score = roundScore(results[i].Score)
	}

	writeJSON(w, http.StatusOK, CorrelatedResponse{
		AlertID: id,
		Count:   len(results),
		Results: results,
	}, a.logger)
}

// roundScore trims scores to three decimals for the wire.
func roundScore(s float64) float64 {
	return math.Round(s*1000) / 1000
}

func (a *API) findDuplicate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := validateUUID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id", err, a.logger)
		return
	}

	var req FindDuplicateRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil, a.logger)
		return
	}
	// Zero means the engine default; an explicit window must fit the cap.
	if req.WindowMinutes < 0 || req.WindowMinutes > maxWindowMinutes {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("window_minutes must be between 0 and %d", maxWindowMinutes), nil, a.logger)
		return
	}

	original, err := a.engine.FindDuplicate(r.Context(), id, req.WindowMinutes)
	if err != nil {
		writeDomainError(w, err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, FindDuplicateResponse{
		Found:     original != nil,
		Duplicate: original,
	}, a.logger)
}

func (a *API) updateAlertStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := validateUUID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id", err, a.logger)
		return
	}

	var req UpdateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil, a.logger)
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required", nil, a.logger)
		return
	}

	alert, err := a.alerts.UpdateAlertStatus(r.Context(), id, req.Status)
	if err != nil {
		writeDomainError(w, err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, alert, a.logger)
}

func (a *API) mergeAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := validateUUID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id", err, a.logger)
		return
	}

	var req MergeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil, a.logger)
		return
	}
	if err := validateUUID(req.DuplicateID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid duplicate_id", err, a.logger)
		return
	}

	original, err := a.engine.Merge(r.Context(), id, req.DuplicateID)
	if err != nil {
		writeDomainError(w, err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, original, a.logger)
}

const maxControlBodyBytes = 4 << 10

// decodeJSON reads a small JSON request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxControlBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return errors.New("request body is not valid JSON")
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints where an empty body means
// all defaults.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxControlBodyBytes)
	defer body.Close()
	err := json.NewDecoder(body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return errors.New("request body is not valid JSON")
}
