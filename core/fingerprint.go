package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// fingerprintSep joins preimage parts. Absent optional fields stay in the
// preimage as empty strings so presence itself is part of alert identity.
const fingerprintSep = "|"

// Fingerprint computes the deduplication hash for an alert: SHA-256 over a
// fixed, declared field order (title, source, source IP, dest IP, hostname,
// sorted observables), each part lowercased and trimmed. Sorting the
// observables removes set-ordering nondeterminism, so two alerts whose
// indicator lists arrive in different order fingerprint identically.
//
// The result is a 64-character hex string used only for equality comparison.
// Deterministic and pure: no error conditions given a validated alert.
func Fingerprint(alert *Alert) string {
	parts := make([]string, 0, 5+len(alert.Observables))
	parts = append(parts,
		normalizePart(alert.Title),
		normalizePart(alert.Source),
		normalizePart(alert.SourceIP),
		normalizePart(alert.DestIP),
		normalizePart(alert.Hostname),
	)

	observables := make([]string, len(alert.Observables))
	for i, o := range alert.Observables {
		observables[i] = normalizePart(o)
	}
	sort.Strings(observables)
	parts = append(parts, observables...)

	sum := sha256.Sum256([]byte(strings.Join(parts, fingerprintSep)))
	return hex.EncodeToString(sum[:])
}

// normalizePart lowercases, trims and escapes a preimage component. Escaping
// the separator (and the escape itself) keeps the join injective: a literal
// "|" inside a title can never shift a field boundary, so distinct field
// tuples always hash distinct preimages.
func normalizePart(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, fingerprintSep, `\`+fingerprintSep)
}
