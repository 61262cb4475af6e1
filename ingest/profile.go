package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"chimera/util"
)

// Canonical field names a mapping profile may target.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldExternalID  = "external_id"
	FieldSeverity    = "severity"
	FieldCategory    = "category"
	FieldSourceIP    = "source_ip"
	FieldDestIP      = "dest_ip"
	FieldHostname    = "hostname"
	FieldTechniques  = "mitre_techniques"
	FieldObservables = "observables"
	FieldCreatedAt   = "created_at"
)

var canonicalFields = map[string]struct{}{
	FieldTitle:       {},
	FieldDescription: {},
	FieldExternalID:  {},
	FieldSeverity:    {},
	FieldCategory:    {},
	FieldSourceIP:    {},
	FieldDestIP:      {},
	FieldHostname:    {},
	FieldTechniques:  {},
	FieldObservables: {},
	FieldCreatedAt:   {},
}

// MappingProfile describes how one provider's payloads map onto canonical
// alerts. Fields maps canonical field name to a dotted path into the payload
// ("details.src_ip" reads payload["details"]["src_ip"]). ExtractFrom lists
// payload paths whose text is scanned for observables; Patterns adds
// operator extraction regexes on top of the built-in set.
type MappingProfile struct {
	Source          string            `yaml:"source"`
	Fields          map[string]string `yaml:"fields"`
	SeverityMap     map[string]string `yaml:"severity_map,omitempty"`
	CategoryMap     map[string]string `yaml:"category_map,omitempty"`
	DefaultSeverity string            `yaml:"default_severity,omitempty"`
	DefaultCategory string            `yaml:"default_category,omitempty"`
	ExtractFrom     []string          `yaml:"extract_from,omitempty"`
	Patterns        []string          `yaml:"patterns,omitempty"`
}

// Validate checks the profile is usable: a source name, known canonical
// targets, and extraction patterns that pass the safe-regex screen.
func (p *MappingProfile) Validate() error {
	if strings.TrimSpace(p.Source) == "" {
		return fmt.Errorf("mapping profile missing source name")
	}
	for canonical := range p.Fields {
		if _, ok := canonicalFields[canonical]; !ok {
			return fmt.Errorf("profile %q maps unknown canonical field %q", p.Source, canonical)
		}
	}
	if p.DefaultSeverity != "" {
		if _, ok := normalizeSeverityToken(p.DefaultSeverity); !ok {
			return fmt.Errorf("profile %q has invalid default_severity %q", p.Source, p.DefaultSeverity)
		}
	}
	for _, pattern := range p.Patterns {
		if err := util.ValidatePattern(pattern); err != nil {
			return fmt.Errorf("profile %q pattern rejected: %w", p.Source, err)
		}
	}
	return nil
}

// DefaultProfile maps payloads that already use canonical field names. It is
// the fallback for sources without a profile of their own.
func DefaultProfile() *MappingProfile {
	return &MappingProfile{
		Source: "default",
		Fields: map[string]string{
			FieldTitle:       "title",
			FieldDescription: "description",
			FieldExternalID:  "external_id",
			FieldSeverity:    "severity",
			FieldCategory:    "category",
			FieldSourceIP:    "source_ip",
			FieldDestIP:      "dest_ip",
			FieldHostname:    "hostname",
			FieldTechniques:  "mitre_techniques",
			FieldObservables: "observables",
			FieldCreatedAt:   "created_at",
		},
		ExtractFrom: []string{"description", "message"},
	}
}

// LoadProfiles reads every *.yaml / *.yml mapping profile in dir, keyed by
// source name. A missing directory is not an error: deployments without
// custom providers run on the default profile alone.
func LoadProfiles(dir string) (map[string]*MappingProfile, error) {
	profiles := make(map[string]*MappingProfile)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return profiles, nil
		}
		return nil, fmt.Errorf("failed to read mapping profile directory %s: %w", dir, err)
	}

	// Deterministic load order so duplicate-source conflicts resolve the
	// same way on every start.
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read mapping profile %s: %w", path, err)
		}
		var profile MappingProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("failed to parse mapping profile %s: %w", path, err)
		}
		if err := profile.Validate(); err != nil {
			return nil, fmt.Errorf("invalid mapping profile %s: %w", path, err)
		}
		if _, dup := profiles[profile.Source]; dup {
			return nil, fmt.Errorf("duplicate mapping profile for source %q in %s", profile.Source, path)
		}
		profiles[profile.Source] = &profile
	}

	return profiles, nil
}

// lookupPath resolves a dotted path inside a decoded payload. Returns nil
// when any segment is missing or not a map.
func lookupPath(record map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}
	segments := strings.Split(path, ".")
	var current interface{} = record
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return current
}

// stringAt resolves a payload path to a trimmed string. Numbers and booleans
// are formatted; structured values yield "".
func stringAt(record map[string]interface{}, path string) string {
	return coerceString(lookupPath(record, path))
}

func coerceString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case uint64:
		return strconv.FormatUint(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// stringsAt resolves a payload path to a list of strings: an array yields
// its string-coercible elements, a scalar yields a one-element list.
func stringsAt(record map[string]interface{}, path string) []string {
	v := lookupPath(record, path)
	if v == nil {
		return nil
	}
	if arr, ok := v.([]interface{}); ok {
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			if s := coerceString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s := coerceString(v); s != "" {
		return []string{s}
	}
	return nil
}
