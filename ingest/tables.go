package ingest

import (
	"strconv"
	"strings"

	"chimera/core"
)

// severityAliases maps the severity vocabulary seen across providers onto
// the canonical five levels.
var severityAliases = map[string]string{
	"critical":      core.SeverityCritical,
	"crit":          core.SeverityCritical,
	"fatal":         core.SeverityCritical,
	"emergency":     core.SeverityCritical,
	"p1":            core.SeverityCritical,
	"high":          core.SeverityHigh,
	"severe":        core.SeverityHigh,
	"error":         core.SeverityHigh,
	"major":         core.SeverityHigh,
	"p2":            core.SeverityHigh,
	"medium":        core.SeverityMedium,
	"moderate":      core.SeverityMedium,
	"warning":       core.SeverityMedium,
	"warn":          core.SeverityMedium,
	"p3":            core.SeverityMedium,
	"low":           core.SeverityLow,
	"minor":         core.SeverityLow,
	"notice":        core.SeverityLow,
	"p4":            core.SeverityLow,
	"informational": core.SeverityInformational,
	"info":          core.SeverityInformational,
	"debug":         core.SeverityInformational,
	"p5":            core.SeverityInformational,
}

// normalizeSeverityToken maps one provider severity string onto a canonical
// level. Numeric severities are treated as a 0-10 scale (CVSS-style).
func normalizeSeverityToken(raw string) (string, bool) {
	token := strings.ToLower(strings.TrimSpace(raw))
	if token == "" {
		return "", false
	}
	if canonical, ok := severityAliases[token]; ok {
		return canonical, true
	}
	if score, err := strconv.ParseFloat(token, 64); err == nil {
		switch {
		case score >= 9:
			return core.SeverityCritical, true
		case score >= 7:
			return core.SeverityHigh, true
		case score >= 4:
			return core.SeverityMedium, true
		case score >= 1:
			return core.SeverityLow, true
		case score >= 0:
			return core.SeverityInformational, true
		}
	}
	return "", false
}

// resolveSeverity applies, in order: the profile's severity_map, the shared
// alias table, the profile default, then medium.
func resolveSeverity(raw string, profile *MappingProfile) string {
	token := strings.ToLower(strings.TrimSpace(raw))
	if profile != nil && token != "" {
		if mapped, ok := profile.SeverityMap[token]; ok {
			if canonical, valid := normalizeSeverityToken(mapped); valid {
				return canonical
			}
		}
	}
	if canonical, ok := normalizeSeverityToken(token); ok {
		return canonical
	}
	if profile != nil && profile.DefaultSeverity != "" {
		if canonical, ok := normalizeSeverityToken(profile.DefaultSeverity); ok {
			return canonical
		}
	}
	return core.SeverityMedium
}

// categoryAliases folds common provider category spellings into a small
// canonical set so the scorer's exact-match category term fires across
// sources that mean the same thing.
var categoryAliases = map[string]string{
	"malware":              "malware",
	"trojan":               "malware",
	"ransomware":           "malware",
	"virus":                "malware",
	"intrusion":            "intrusion",
	"exploit":              "intrusion",
	"attack":               "intrusion",
	"bruteforce":           "intrusion",
	"brute_force":          "intrusion",
	"brute-force":          "intrusion",
	"phishing":             "phishing",
	"spearphishing":        "phishing",
	"credential_access":    "credential_access",
	"credential-access":    "credential_access",
	"credentials":          "credential_access",
	"exfiltration":         "exfiltration",
	"data_leak":            "exfiltration",
	"data-leak":            "exfiltration",
	"dlp":                  "exfiltration",
	"reconnaissance":       "recon",
	"recon":                "recon",
	"scanning":             "recon",
	"scan":                 "recon",
	"lateral_movement":     "lateral_movement",
	"lateral-movement":     "lateral_movement",
	"persistence":          "persistence",
	"privilege_escalation": "privilege_escalation",
	"privilege-escalation": "privilege_escalation",
	"privesc":              "privilege_escalation",
	"policy":               "policy",
	"compliance":           "policy",
	"audit":                "policy",
	"anomaly":              "anomaly",
	"behavioral":           "anomaly",
	"uba":                  "anomaly",
}

// resolveCategory applies the profile's category_map, then the shared alias
// table. Unknown categories pass through lower-cased with spaces collapsed
// to underscores; category is a soft signal, not an enum.
func resolveCategory(raw string, profile *MappingProfile) string {
	token := strings.ToLower(strings.TrimSpace(raw))
	if profile != nil && token != "" {
		if mapped, ok := profile.CategoryMap[token]; ok {
			token = strings.ToLower(strings.TrimSpace(mapped))
		}
	}
	if token == "" {
		if profile != nil && profile.DefaultCategory != "" {
			token = strings.ToLower(strings.TrimSpace(profile.DefaultCategory))
		} else {
			return ""
		}
	}
	if canonical, ok := categoryAliases[token]; ok {
		return canonical
	}
	return strings.ReplaceAll(token, " ", "_")
}
