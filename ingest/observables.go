package ingest

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"chimera/util"
)

// Extraction limits. Alert text is attacker-influenced, so both the input
// and the output are bounded.
const (
	MaxObservablesPerAlert = 100
	maxExtractionInput     = 64 * 1024
	maxObservableLength    = 512
)

// Builtin extraction patterns. Unlike anchored validators these scan free
// text, so every match is re-validated before it is kept.
var (
	ipv4Extract   = util.MustCompilePattern(`\b(?:\d{1,3}\.){3}\d{1,3}\b`, util.DefaultMatchTimeout)
	md5Extract    = util.MustCompilePattern(`\b[a-fA-F0-9]{32}\b`, util.DefaultMatchTimeout)
	sha256Extract = util.MustCompilePattern(`\b[a-fA-F0-9]{64}\b`, util.DefaultMatchTimeout)
	domainExtract = util.MustCompilePattern(`(?i)\b[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?)+\b`, util.DefaultMatchTimeout)
	urlExtract    = util.MustCompilePattern(`\bhttps?://[^\s"'<>]+`, util.DefaultMatchTimeout)
	cveExtract    = util.MustCompilePattern(`(?i)\bCVE-\d{4}-\d{4,}\b`, util.DefaultMatchTimeout)
)

// nonDomainSuffixes lists final labels that are overwhelmingly file
// extensions in alert text rather than TLDs.
var nonDomainSuffixes = map[string]struct{}{
	"exe": {}, "dll": {}, "bat": {}, "ps1": {}, "vbs": {}, "js": {},
	"py": {}, "rb": {}, "jar": {}, "tmp": {}, "log": {}, "txt": {},
	"dat": {}, "bin": {}, "ini": {}, "cfg": {}, "conf": {}, "yaml": {},
	"yml": {}, "json": {}, "xml": {}, "csv": {}, "pdf": {}, "doc": {},
	"docx": {}, "xls": {}, "xlsx": {}, "zip": {}, "gz": {}, "tar": {},
	"rar": {}, "iso": {}, "img": {}, "lnk": {}, "scr": {}, "dmp": {},
	"local": {}, "localdomain": {}, "internal": {}, "lan": {},
}

// ObservableExtractor pulls indicator strings out of free-form alert text.
// The builtin patterns cover IPs, hashes, domains, URLs and CVEs; profiles
// can add source-specific patterns on top.
type ObservableExtractor struct {
	extras []*util.SafePattern
}

// NewObservableExtractor compiles the profile-supplied extra patterns.
// Patterns go through the same static screen and match timeout as
// everything else that executes against alert content.
func NewObservableExtractor(extraPatterns []string) (*ObservableExtractor, error) {
	extras := make([]*util.SafePattern, 0, len(extraPatterns))
	for _, raw := range extraPatterns {
		compiled, err := util.CompilePattern(raw, util.DefaultMatchTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid extraction pattern %q: %w", raw, err)
		}
		extras = append(extras, compiled)
	}
	return &ObservableExtractor{extras: extras}, nil
}

// Extract scans the given texts and returns a sorted, deduplicated set of
// observables, capped at MaxObservablesPerAlert.
func (e *ObservableExtractor) Extract(texts ...string) []string {
	seen := make(map[string]struct{})
	for _, text := range texts {
		if text == "" {
			continue
		}
		if len(text) > maxExtractionInput {
			text = text[:maxExtractionInput]
		}
		e.extractFrom(text, seen)
		if len(seen) >= MaxObservablesPerAlert {
			break
		}
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

func (e *ObservableExtractor) extractFrom(text string, seen map[string]struct{}) {
	for _, match := range findLimited(ipv4Extract, text) {
		if net.ParseIP(match) != nil {
			record(seen, match)
		}
	}
	for _, match := range findLimited(md5Extract, text) {
		record(seen, strings.ToLower(match))
	}
	for _, match := range findLimited(sha256Extract, text) {
		record(seen, strings.ToLower(match))
	}
	for _, match := range findLimited(urlExtract, text) {
		if normalized, ok := normalizeExtractedURL(match); ok {
			record(seen, normalized)
		}
	}
	for _, match := range findLimited(domainExtract, text) {
		if normalized, ok := normalizeExtractedDomain(match); ok {
			record(seen, normalized)
		}
	}
	for _, match := range findLimited(cveExtract, text) {
		record(seen, strings.ToUpper(match))
	}
	for _, pattern := range e.extras {
		for _, match := range findLimited(pattern, text) {
			record(seen, strings.TrimSpace(match))
		}
	}
}

func findLimited(pattern *util.SafePattern, text string) []string {
	matches, err := pattern.FindAll(text, MaxObservablesPerAlert)
	if err != nil {
		// Timeouts on hostile input degrade to "no matches" rather than
		// failing the whole ingest.
		return nil
	}
	return matches
}

func record(seen map[string]struct{}, observable string) {
	if observable == "" || len(observable) > maxObservableLength {
		return
	}
	seen[observable] = struct{}{}
}

// normalizeExtractedDomain lowercases a candidate domain and filters out
// strings that are really filenames, bare IPs or single labels.
func normalizeExtractedDomain(match string) (string, bool) {
	domain := strings.ToLower(strings.TrimSpace(match))
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return "", false
	}
	last := labels[len(labels)-1]
	// A numeric final label means this is an IP, already handled above.
	if last == "" || (last[0] >= '0' && last[0] <= '9') {
		return "", false
	}
	if len(last) < 2 {
		return "", false
	}
	if _, skip := nonDomainSuffixes[last]; skip {
		return "", false
	}
	return domain, true
}

// normalizeExtractedURL trims trailing punctuation picked up by the scan
// and lowercases the scheme and host, leaving the path intact.
func normalizeExtractedURL(match string) (string, bool) {
	trimmed := strings.TrimRight(match, `.,;:!?)]}>'"`)
	parsed, err := url.ParseRequestURI(trimmed)
	if err != nil {
		return "", false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", false
	}
	if parsed.Host == "" {
		return "", false
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	return parsed.String(), true
}
