package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	googleuuid "github.com/google/uuid"
	"go.uber.org/zap"

	"chimera/core"
)

// writeJSON marshals v to the client with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}, logger *zap.SugaredLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Errorw("Failed to encode response", "error", err)
	}
}

// writeError logs the full error internally and sends the caller-chosen
// message to the client. Internal error detail never reaches the wire.
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		if err != nil {
			logger.Errorw(message,
				"error", err.Error(),
				"status_code", statusCode)
		} else {
			logger.Errorw(message,
				"status_code", statusCode)
		}
	}
	http.Error(w, message, statusCode)
}

// writeDomainError maps the engine and store error types onto HTTP status
// codes. Anything unrecognized is an internal error and stays opaque to the
// client.
func writeDomainError(w http.ResponseWriter, err error, logger *zap.SugaredLogger) {
	var (
		notFound    *core.NotFoundError
		validation  *core.ValidationError
		merged      *core.AlreadyMergedError
		invalid     *core.InvalidMergeError
		unavailable *core.StoreUnavailableError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Error(), nil, logger)
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error(), nil, logger)
	case errors.As(err, &merged):
		writeError(w, http.StatusConflict, merged.Error(), nil, logger)
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Error(), nil, logger)
	case errors.As(err, &unavailable):
		writeError(w, http.StatusServiceUnavailable, "alert store unavailable", err, logger)
	default:
		writeError(w, http.StatusInternalServerError, "internal error", err, logger)
	}
}

// validateUUID accepts any RFC 4122 UUID version.
func validateUUID(id string) error {
	if _, err := googleuuid.Parse(id); err != nil {
		return fmt.Errorf("invalid UUID format: %w", err)
	}
	return nil
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

// queryBoundedInt parses an integer query parameter, returning def when
// absent. An explicit value outside [min, max] is an error: engine defaults
// are for omitted parameters, not for out-of-range ones.
func queryBoundedInt(r *http.Request, name string, def, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
	}
	return v, nil
}

// queryFloat parses a float query parameter, returning def when absent.
func queryFloat(r *http.Request, name string, def float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	return v, nil
}

// queryList collects a multi-valued query parameter, splitting each value
// on commas, so both ?severity=high,low and ?severity=high&severity=low
// parse the same way.
func queryList(r *http.Request, name string) []string {
	var out []string
	for _, raw := range r.URL.Query()[name] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
