// Package ingest turns raw provider payloads into canonical alerts and hands
// them to the deduplication engine. Mapping profiles translate per-provider
// field names; the normalizer owns idempotent insertion keyed on the upstream
// (source, external_id) pair.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"chimera/config"
	"chimera/core"
	"chimera/metrics"
	"chimera/mitre"
	"chimera/storage"
)

// Rejection reasons. Bounded set: these become metric label values.
const (
	rejectSchema     = "schema"
	rejectDecode     = "decode"
	rejectMapping    = "mapping"
	rejectValidation = "validation"
	rejectStorage    = "storage"
	rejectSubmit     = "submit"
	rejectBatchLimit = "batch_limit"
)

const defaultMaxBatch = 500

// Submitter is the slice of the engine the normalizer drives.
type Submitter interface {
	Submit(ctx context.Context, alert *core.Alert) (*core.SubmitResult, error)
}

// AlertRepository is the slice of the alert store ingest needs: first-write
// insertion and the idempotency lookup.
type AlertRepository interface {
	InsertAlert(ctx context.Context, alert *core.Alert) error
	FindByExternalID(ctx context.Context, source, externalID string) (*core.Alert, error)
}

// IngestResult reports what happened to one record. AlreadyIngested means the
// (source, external_id) pair was seen before; the alert is the stored one and
// Submit reflects a re-run against current state, not a second fold.
type IngestResult struct {
	Alert           *core.Alert        `json:"alert"`
	Submit          *core.SubmitResult `json:"submit,omitempty"`
	AlreadyIngested bool               `json:"already_ingested,omitempty"`
}

// BatchError locates one failed record inside a batch.
type BatchError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchResult summarizes a batch ingest. Record-level failures are collected
// here rather than aborting the batch; only undecodable framing aborts.
type BatchResult struct {
	Accepted int             `json:"accepted"`
	Results  []*IngestResult `json:"results"`
	Failures []BatchError    `json:"failures,omitempty"`
}

type profileRuntime struct {
	profile   *MappingProfile
	extractor *ObservableExtractor
}

// Normalizer maps provider payloads onto alerts and submits them. Safe for
// concurrent use: profiles are read-only after construction.
type Normalizer struct {
	repo     AlertRepository
	engine   Submitter
	profiles map[string]*profileRuntime
	fallback *profileRuntime
	maxBatch int
	logger   *zap.SugaredLogger
}

// NewNormalizer builds a normalizer over the given profiles. cfg.DefaultProfile
// selects the fallback for unknown sources; when it names no loaded profile
// the built-in canonical mapping is used.
func NewNormalizer(repo AlertRepository, engine Submitter, profiles map[string]*MappingProfile, cfg config.IngestConfig, logger *zap.SugaredLogger) (*Normalizer, error) {
	if repo == nil {
		return nil, fmt.Errorf("alert repository is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("submitter is required")
	}

	runtimes := make(map[string]*profileRuntime, len(profiles))
	for source, profile := range profiles {
		extractor, err := NewObservableExtractor(profile.Patterns)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", source, err)
		}
		runtimes[source] = &profileRuntime{profile: profile, extractor: extractor}
	}

	fallback, ok := runtimes[cfg.DefaultProfile]
	if !ok {
		extractor, err := NewObservableExtractor(nil)
		if err != nil {
			return nil, err
		}
		fallback = &profileRuntime{profile: DefaultProfile(), extractor: extractor}
	}

	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	if maxBatch > maxBatchRecords {
		maxBatch = maxBatchRecords
	}

	return &Normalizer{
		repo:     repo,
		engine:   engine,
		profiles: runtimes,
		fallback: fallback,
		maxBatch: maxBatch,
		logger:   logger,
	}, nil
}

// MaxBatch returns the effective batch size bound.
func (n *Normalizer) MaxBatch() int {
	return n.maxBatch
}

// IngestJSON normalizes and submits a single JSON record.
func (n *Normalizer) IngestJSON(ctx context.Context, source string, raw []byte) (*IngestResult, error) {
	if err := ValidateEnvelope(raw); err != nil {
		metrics.IngestRejected.WithLabelValues(source, rejectSchema).Inc()
		return nil, err
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		metrics.IngestRejected.WithLabelValues(source, rejectDecode).Inc()
		return nil, fmt.Errorf("payload is not a single record; use the batch endpoint for arrays")
	}

	return n.ingestRecord(ctx, source, payload)
}

// IngestJSONBatch normalizes a JSON array of records. A single object is
// accepted as a batch of one. Record failures are reported per index; the
// rest of the batch still lands.
func (n *Normalizer) IngestJSONBatch(ctx context.Context, source string, raw []byte) (*BatchResult, error) {
	if err := ValidateEnvelope(raw); err != nil {
		metrics.IngestRejected.WithLabelValues(source, rejectSchema).Inc()
		return nil, err
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		metrics.IngestRejected.WithLabelValues(source, rejectDecode).Inc()
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}

	records, err := recordsFromDecoded(decoded)
	if err != nil {
		metrics.IngestRejected.WithLabelValues(source, rejectDecode).Inc()
		return nil, err
	}

	return n.ingestBatch(ctx, source, records)
}

// IngestMsgpack normalizes a msgpack stream: either one map per frame or
// arrays of maps, decoded until EOF. Framing errors abort the batch because
// decoder state past a corrupt frame is garbage.
func (n *Normalizer) IngestMsgpack(ctx context.Context, source string, r io.Reader) (*BatchResult, error) {
	decoder := msgpack.NewDecoder(r)
	var records []map[string]interface{}

	for {
		entry, err := decoder.DecodeInterface()
		if err == io.EOF {
			break
		}
		if err != nil {
			metrics.IngestRejected.WithLabelValues(source, rejectDecode).Inc()
			return nil, fmt.Errorf("failed to decode msgpack frame %d: %w", len(records), err)
		}

		switch v := entry.(type) {
		case map[string]interface{}:
			records = append(records, v)
		case []interface{}:
			for i, item := range v {
				record, ok := item.(map[string]interface{})
				if !ok {
					metrics.IngestRejected.WithLabelValues(source, rejectDecode).Inc()
					return nil, fmt.Errorf("msgpack array element %d is not a map", i)
				}
				records = append(records, record)
			}
		default:
			metrics.IngestRejected.WithLabelValues(source, rejectDecode).Inc()
			return nil, fmt.Errorf("unsupported msgpack frame type %T", entry)
		}

		if len(records) > n.maxBatch {
			metrics.IngestRejected.WithLabelValues(source, rejectBatchLimit).Inc()
			return nil, fmt.Errorf("batch exceeds maximum of %d records", n.maxBatch)
		}
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("msgpack payload contains no records")
	}

	return n.ingestBatch(ctx, source, records)
}

func recordsFromDecoded(decoded interface{}) ([]map[string]interface{}, error) {
	switch v := decoded.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{v}, nil
	case []interface{}:
		records := make([]map[string]interface{}, 0, len(v))
		for i, item := range v {
			record, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("batch element %d is not an object", i)
			}
			records = append(records, record)
		}
		return records, nil
	default:
		return nil, fmt.Errorf("unsupported payload type %T", decoded)
	}
}

func (n *Normalizer) ingestBatch(ctx context.Context, source string, records []map[string]interface{}) (*BatchResult, error) {
	if len(records) > n.maxBatch {
		metrics.IngestRejected.WithLabelValues(source, rejectBatchLimit).Inc()
		return nil, fmt.Errorf("batch exceeds maximum of %d records", n.maxBatch)
	}

	result := &BatchResult{Results: make([]*IngestResult, 0, len(records))}
	for i, record := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := n.ingestRecord(ctx, source, record)
		if err != nil {
			result.Failures = append(result.Failures, BatchError{Index: i, Reason: err.Error()})
			continue
		}
		result.Accepted++
		result.Results = append(result.Results, res)
	}

	n.logger.Infow("Batch ingested",
		"source", source,
		"records", len(records),
		"accepted", result.Accepted,
		"failed", len(result.Failures),
	)

	return result, nil
}

// ingestRecord runs the full pipeline for one record: map, validate, insert,
// submit. Replays of a known (source, external_id) pair skip the insert but
// still re-run Submit; Submit is idempotent against current state, so a
// replay heals an earlier ingest that persisted the alert and then crashed
// before deduplication.
func (n *Normalizer) ingestRecord(ctx context.Context, source string, payload map[string]interface{}) (*IngestResult, error) {
	rt := n.profileFor(source)

	alert, err := n.mapRecord(rt, source, payload)
	if err != nil {
		metrics.IngestRejected.WithLabelValues(source, rejectMapping).Inc()
		return nil, err
	}

	if err := alert.Validate(); err != nil {
		metrics.IngestRejected.WithLabelValues(source, rejectValidation).Inc()
		return nil, err
	}
	alert.DedupFingerprint = core.Fingerprint(alert)

	replayed := false
	if alert.ExternalID != "" {
		existing, err := n.findExisting(ctx, alert.Source, alert.ExternalID)
		if err != nil {
			metrics.IngestRejected.WithLabelValues(source, rejectStorage).Inc()
			return nil, err
		}
		if existing != nil {
			alert = existing
			replayed = true
		}
	}

	if !replayed {
		err := n.repo.InsertAlert(ctx, alert)
		if errors.Is(err, storage.ErrDuplicateExternalID) {
			// Lost a replay race: another delivery inserted between our
			// lookup and insert. Adopt the committed row.
			existing, ferr := n.findExisting(ctx, alert.Source, alert.ExternalID)
			if ferr != nil || existing == nil {
				metrics.IngestRejected.WithLabelValues(source, rejectStorage).Inc()
				return nil, fmt.Errorf("alert exists but could not be fetched: %w", ferr)
			}
			alert = existing
			replayed = true
		} else if err != nil {
			metrics.IngestRejected.WithLabelValues(source, rejectStorage).Inc()
			return nil, err
		}
	}

	submit, err := n.engine.Submit(ctx, alert)
	if err != nil {
		metrics.IngestRejected.WithLabelValues(source, rejectSubmit).Inc()
		return nil, err
	}

	if !replayed {
		metrics.AlertsIngested.WithLabelValues(alert.Source).Inc()
	}

	n.logger.Debugw("Record ingested",
		"alert_id", alert.ID,
		"source", alert.Source,
		"outcome", submit.Outcome,
		"replayed", replayed,
	)

	return &IngestResult{Alert: alert, Submit: submit, AlreadyIngested: replayed}, nil
}

// findExisting resolves the idempotency lookup, mapping not-found to nil.
func (n *Normalizer) findExisting(ctx context.Context, source, externalID string) (*core.Alert, error) {
	existing, err := n.repo.FindByExternalID(ctx, source, externalID)
	if err != nil {
		var notFound *core.NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	return existing, nil
}

func (n *Normalizer) profileFor(source string) *profileRuntime {
	if rt, ok := n.profiles[source]; ok {
		return rt
	}
	return n.fallback
}

// mapRecord translates one payload into an alert via the profile. Correlation
// fields are best-effort: a value that fails its format check is dropped, not
// fatal. Only a missing title rejects the record.
func (n *Normalizer) mapRecord(rt *profileRuntime, source string, payload map[string]interface{}) (*core.Alert, error) {
	profile := rt.profile

	title := strings.TrimSpace(stringAt(payload, profile.fieldPath(FieldTitle)))
	if title == "" {
		return nil, fmt.Errorf("record has no title at %q", profile.fieldPath(FieldTitle))
	}

	alert := core.NewAlert(truncateRunes(title, 255), truncateRunes(source, 100))
	alert.ExternalID = strings.TrimSpace(stringAt(payload, profile.fieldPath(FieldExternalID)))
	alert.Description = stringAt(payload, profile.fieldPath(FieldDescription))
	alert.Severity = resolveSeverity(stringAt(payload, profile.fieldPath(FieldSeverity)), profile)
	alert.Category = resolveCategory(stringAt(payload, profile.fieldPath(FieldCategory)), profile)

	if ip := net.ParseIP(strings.TrimSpace(stringAt(payload, profile.fieldPath(FieldSourceIP)))); ip != nil {
		alert.SourceIP = ip.String()
	}
	if ip := net.ParseIP(strings.TrimSpace(stringAt(payload, profile.fieldPath(FieldDestIP)))); ip != nil {
		alert.DestIP = ip.String()
	}
	alert.Hostname = sanitizeHostname(stringAt(payload, profile.fieldPath(FieldHostname)))

	alert.MitreTechniques = mitre.NormalizeTechniques(stringsAt(payload, profile.fieldPath(FieldTechniques)))
	alert.Observables = n.collectObservables(rt, payload)

	if ts, ok := parseEventTime(lookupPath(payload, profile.fieldPath(FieldCreatedAt))); ok {
		alert.CreatedAt = ts
		alert.UpdatedAt = ts
	}

	return alert, nil
}

// collectObservables merges the explicitly mapped observable list with the
// values extracted from the profile's text fields.
func (n *Normalizer) collectObservables(rt *profileRuntime, payload map[string]interface{}) []string {
	seen := make(map[string]struct{})
	for _, raw := range stringsAt(payload, rt.profile.fieldPath(FieldObservables)) {
		record(seen, strings.TrimSpace(raw))
	}

	texts := make([]string, 0, len(rt.profile.ExtractFrom))
	for _, path := range rt.profile.ExtractFrom {
		if text := stringAt(payload, path); text != "" {
			texts = append(texts, text)
		}
	}
	for _, extracted := range rt.extractor.Extract(texts...) {
		record(seen, extracted)
	}

	if len(seen) == 0 {
		return nil
	}
	observables := make([]string, 0, len(seen))
	for obs := range seen {
		observables = append(observables, obs)
	}
	sort.Strings(observables)
	if len(observables) > MaxObservablesPerAlert {
		observables = observables[:MaxObservablesPerAlert]
	}
	return observables
}

// fieldPath resolves the payload path for a canonical field, falling back to
// the canonical name itself so partial profiles only need to map the fields
// that differ.
func (p *MappingProfile) fieldPath(field string) string {
	if path, ok := p.Fields[field]; ok && path != "" {
		return path
	}
	return field
}

// parseEventTime accepts the timestamp formats seen across providers:
// RFC3339, a legacy space-separated form, and unix epoch seconds or
// milliseconds. Zero or unparseable values keep the receive time.
func parseEventTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		if epoch, err := strconv.ParseFloat(s, 64); err == nil {
			return epochToTime(epoch)
		}
		return time.Time{}, false
	case float64:
		return epochToTime(t)
	case int64:
		return epochToTime(float64(t))
	case int:
		return epochToTime(float64(t))
	case json.Number:
		if epoch, err := t.Float64(); err == nil {
			return epochToTime(epoch)
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// epochToTime interprets an epoch value, treating magnitudes above 1e12 as
// milliseconds. Rejects values outside a plausible alert-time range.
func epochToTime(epoch float64) (time.Time, bool) {
	if epoch <= 0 {
		return time.Time{}, false
	}
	if epoch > 1e12 {
		epoch /= 1000
	}
	if epoch < 1e9 || epoch > 4e9 {
		return time.Time{}, false
	}
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), true
}

// sanitizeHostname lowercases and checks a hostname against RFC1123 label
// rules, returning empty for anything that would fail alert validation.
func sanitizeHostname(raw string) string {
	hostname := strings.ToLower(strings.TrimSpace(raw))
	hostname = strings.TrimSuffix(hostname, ".")
	if hostname == "" || len(hostname) > 253 {
		return ""
	}
	for _, label := range strings.Split(hostname, ".") {
		if label == "" || len(label) > 63 {
			return ""
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return ""
		}
		for _, r := range label {
			if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
				return ""
			}
		}
	}
	return hostname
}

// truncateRunes shortens s to at most max runes without splitting one.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
