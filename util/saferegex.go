// Package util holds small shared helpers with no domain knowledge.
package util

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

const (
	// MaxPatternLength caps accepted regex pattern length
	MaxPatternLength = 500
	// DefaultMatchTimeout bounds a single match attempt
	DefaultMatchTimeout = 100 * time.Millisecond
	// maxAlternations caps '|' branches in one pattern
	maxAlternations = 50
	// maxRepetition caps counted repetition like {n} or {n,m}
	maxRepetition = 999
)

// ErrPatternTimeout is returned when a match attempt exceeds its timeout.
var ErrPatternTimeout = errors.New("regex evaluation timed out")

var repetitionRe = regexp.MustCompile(`\{(\d+)(?:,\d*)?\}`)

// ValidatePattern rejects patterns that are malformed or likely to backtrack
// catastrophically. Observable-extraction patterns arrive from operator
// mapping profiles, so they are screened before compilation.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("regex pattern cannot be empty")
	}
	if len(pattern) > MaxPatternLength {
		return fmt.Errorf("regex pattern too long: %d characters (max %d)", len(pattern), MaxPatternLength)
	}

	nested := []string{")+*", ")*+", ")+{", ")*{", "}+*", "}*+", "}+{", "}*{", "++", "**", "*+", "+*"}
	for _, bad := range nested {
		if strings.Contains(pattern, bad) {
			return fmt.Errorf("pattern contains nested quantifiers which may cause catastrophic backtracking: found %q", bad)
		}
	}

	if n := strings.Count(pattern, "|"); n > maxAlternations {
		return fmt.Errorf("too many alternations: %d (max %d)", n, maxAlternations)
	}

	for _, match := range repetitionRe.FindAllStringSubmatch(pattern, -1) {
		count, err := strconv.Atoi(match[1])
		if err == nil && count > maxRepetition {
			return fmt.Errorf("excessive repetition: %s (max %d)", match[0], maxRepetition)
		}
	}

	return nil
}

// SafePattern is a compiled regex with a hard per-match timeout. The regexp2
// engine enforces the timeout inside matching, which covers backtracking
// blowups that a goroutine-side deadline would only observe, not stop.
type SafePattern struct {
	re *regexp2.Regexp
}

// CompilePattern validates and compiles a pattern. timeout <= 0 selects
// DefaultMatchTimeout.
func CompilePattern(pattern string, timeout time.Duration) (*SafePattern, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultMatchTimeout
	}
	re, err := regexp2.Compile(pattern, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex pattern: %w", err)
	}
	re.MatchTimeout = timeout
	return &SafePattern{re: re}, nil
}

// MustCompilePattern is CompilePattern for built-in patterns; it panics on
// error.
func MustCompilePattern(pattern string, timeout time.Duration) *SafePattern {
	p, err := CompilePattern(pattern, timeout)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in pattern %q: %v", pattern, err))
	}
	return p
}

// String returns the pattern source.
func (p *SafePattern) String() string {
	return p.re.String()
}

// MatchString reports whether input matches the pattern.
func (p *SafePattern) MatchString(input string) (bool, error) {
	ok, err := p.re.MatchString(input)
	if err != nil {
		return false, classifyMatchError(err)
	}
	return ok, nil
}

// FindAll returns up to limit non-overlapping matches in input order.
// limit <= 0 means unlimited.
func (p *SafePattern) FindAll(input string, limit int) ([]string, error) {
	var out []string
	m, err := p.re.FindStringMatch(input)
	for err == nil && m != nil {
		out = append(out, m.String())
		if limit > 0 && len(out) >= limit {
			return out, nil
		}
		m, err = p.re.FindNextMatch(m)
	}
	if err != nil {
		return out, classifyMatchError(err)
	}
	return out, nil
}

func classifyMatchError(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return ErrPatternTimeout
	}
	return fmt.Errorf("regex matching error: %w", err)
}
