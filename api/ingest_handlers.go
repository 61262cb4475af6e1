package api

import (
	"errors"
	"io"
	"net/http"

	"chimera/core"
	"chimera/ingest"
)

// defaultIngestSource labels records posted without an explicit ?source=.
const defaultIngestSource = "api"

func (a *API) ingestSource(r *http.Request) string {
	if source := r.URL.Query().Get("source"); source != "" {
		return source
	}
	return defaultIngestSource
}

func (a *API) ingestBodyLimit() int64 {
	if a.config.Ingest.MaxBodyBytes > 0 {
		return a.config.Ingest.MaxBodyBytes
	}
	return 1 << 20
}

// readIngestBody drains the request body under the configured size cap.
func (a *API) readIngestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body := http.MaxBytesReader(w, r.Body, a.ingestBodyLimit())
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", err, a.logger)
		} else {
			writeError(w, http.StatusBadRequest, "failed to read request body", err, a.logger)
		}
		return nil, false
	}
	return raw, true
}

// writeIngestError distinguishes payload problems from backend outages.
// Normalizer errors describe what was wrong with the record and are safe to
// echo.
func (a *API) writeIngestError(w http.ResponseWriter, err error) {
	var unavailable *core.StoreUnavailableError
	if errors.As(err, &unavailable) {
		writeError(w, http.StatusServiceUnavailable, "alert store unavailable", err, a.logger)
		return
	}
	writeError(w, http.StatusBadRequest, err.Error(), nil, a.logger)
}

func (a *API) ingestSingle(w http.ResponseWriter, r *http.Request) {
	if a.ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "ingest is disabled", nil, a.logger)
		return
	}

	raw, ok := a.readIngestBody(w, r)
	if !ok {
		return
	}

	res, err := a.ingestor.IngestJSON(r.Context(), a.ingestSource(r), raw)
	if err != nil {
		a.writeIngestError(w, err)
		return
	}
	a.announceIngested(res)

	status := http.StatusOK
	if isNewAlert(res) {
		status = http.StatusCreated
	}
	writeJSON(w, status, res, a.logger)
}

func (a *API) ingestBatch(w http.ResponseWriter, r *http.Request) {
	if a.ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "ingest is disabled", nil, a.logger)
		return
	}

	var (
		res *ingest.BatchResult
		err error
	)
	switch r.Header.Get("Content-Type") {
	case "application/msgpack", "application/x-msgpack":
		body := http.MaxBytesReader(w, r.Body, a.ingestBodyLimit())
		defer body.Close()
		res, err = a.ingestor.IngestMsgpack(r.Context(), a.ingestSource(r), body)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", err, a.logger)
			return
		}
	default:
		var raw []byte
		var ok bool
		if raw, ok = a.readIngestBody(w, r); !ok {
			return
		}
		res, err = a.ingestor.IngestJSONBatch(r.Context(), a.ingestSource(r), raw)
	}
	if err != nil {
		a.writeIngestError(w, err)
		return
	}

	for _, item := range res.Results {
		a.announceIngested(item)
	}

	// A batch where nothing survived is a client error; partial failures
	// still count as success with the failures itemized.
	status := http.StatusOK
	if res.Accepted == 0 && len(res.Failures) > 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res, a.logger)
}

// isNewAlert reports whether the record produced a brand-new original.
func isNewAlert(res *ingest.IngestResult) bool {
	return res != nil && !res.AlreadyIngested &&
		res.Submit != nil && res.Submit.Outcome == core.OutcomeNew
}

// announceIngested pushes freshly created originals to websocket
// subscribers. Merged submissions are announced by the merge notifier
// instead, so only new alerts go out here.
func (a *API) announceIngested(res *ingest.IngestResult) {
	if a.hub == nil || !isNewAlert(res) {
		return
	}
	if err := a.hub.BroadcastMessage("alert", res.Alert); err != nil {
		a.logger.Warnw("Failed to broadcast ingested alert",
			"alert_id", res.Alert.ID,
			"error", err)
	}
}
