// Package mitre validates and normalizes MITRE ATT&CK technique identifiers.
// Alerts carry technique ids as plain strings; this package is the single
// place that decides what counts as one.
package mitre

import (
	"regexp"
	"sort"
	"strings"
)

// techniqueIDRe matches technique ids like T1055 and sub-techniques like
// T1055.011.
var techniqueIDRe = regexp.MustCompile(`^T\d{4}(?:\.\d{3})?$`)

// IsValidTechniqueID reports whether id is a well-formed technique id.
func IsValidTechniqueID(id string) bool {
	return techniqueIDRe.MatchString(id)
}

// NormalizeTechniqueID canonicalizes an id: surrounding whitespace trimmed,
// letters upper-cased. ok is false when the result is still malformed.
func NormalizeTechniqueID(id string) (normalized string, ok bool) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if !techniqueIDRe.MatchString(id) {
		return "", false
	}
	return id, true
}

// IsSubTechnique reports whether id names a sub-technique (e.g. T1055.011).
func IsSubTechnique(id string) bool {
	return IsValidTechniqueID(id) && strings.Contains(id, ".")
}

// ParentTechniqueID returns the parent technique for a sub-technique, or the
// id itself when it has no parent.
func ParentTechniqueID(id string) string {
	if i := strings.IndexByte(id, '.'); i > 0 {
		return id[:i]
	}
	return id
}

// NormalizeTechniques canonicalizes a technique list: entries normalized,
// malformed entries dropped, duplicates removed, result sorted. Returns nil
// when nothing survives so absent and empty lists look the same downstream.
func NormalizeTechniques(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id, ok := NormalizeTechniqueID(raw)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
