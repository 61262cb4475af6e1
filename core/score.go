package core

import "strings"

// Correlation signal weights. Fixed by design, summing to 1.0. Network and
// asset identity dominate; classification fields are weak signals.
const (
	WeightSourceIP    = 0.25
	WeightDestIP      = 0.20
	WeightHostname    = 0.25
	WeightTechniques  = 0.15
	WeightObservables = 0.10
	WeightCategory    = 0.05
)

// DefaultThreshold is the minimum score for two alerts to count as correlated.
const DefaultThreshold = 0.3

// ScoredAlert pairs a candidate with its correlation score. The score lives
// on this result type, never on the Alert itself; scoring a pair mutates
// nothing.
type ScoredAlert struct {
	Alert *Alert  `json:"alert"`
	Score float64 `json:"score"`
}

// Score computes the weighted similarity of two alerts in [0, 1].
//
// Exact-match signals (source IP, dest IP, hostname, category) contribute
// their full weight when both sides are present and equal; hostname and
// category compare case-insensitively. Set signals (MITRE techniques,
// observables) contribute weight scaled by Jaccard overlap, so a single
// shared technique among many distinct ones counts less than an identical
// technique set. A signal where either side is absent contributes zero;
// absence is never a match.
func Score(a, b *Alert) float64 {
	var score float64

	if a.SourceIP != "" && b.SourceIP != "" && a.SourceIP == b.SourceIP {
		score += WeightSourceIP
	}
	if a.DestIP != "" && b.DestIP != "" && a.DestIP == b.DestIP {
		score += WeightDestIP
	}
	if a.Hostname != "" && b.Hostname != "" && strings.EqualFold(a.Hostname, b.Hostname) {
		score += WeightHostname
	}
	score += WeightTechniques * jaccard(a.MitreTechniques, b.MitreTechniques)
	score += WeightObservables * jaccard(a.Observables, b.Observables)
	if a.Category != "" && b.Category != "" && strings.EqualFold(a.Category, b.Category) {
		score += WeightCategory
	}

	return score
}

// jaccard computes |A ∩ B| / |A ∪ B| over case-folded string sets.
// Returns 0 when either set is empty.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(a))
	for _, v := range a {
		setA[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, v := range b {
		setB[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}

	intersection := 0
	for v := range setA {
		if _, ok := setB[v]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
