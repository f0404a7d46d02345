package retrieval

import (
	"math"
	"time"

	"github.com/engramlabs/engram/core"
)

// calibrator turns a final candidate set into UncertaintyMetrics. The
// same calibration runs regardless of which strategy produced the
// candidates.
type calibrator struct {
	cfg CalibrationConfig
	now func() time.Time
}

// Component weights for the composite confidence score.
const (
	confWeightRelevance   = 0.4
	confWeightCoverage    = 0.3
	confWeightConsistency = 0.2
	confWeightRecency     = 0.1
)

// Calibrate computes the confidence components and applies the ordered
// abstention rules, first match wins.
func (c *calibrator) Calibrate(candidates []core.Candidate, wantK int) core.UncertaintyMetrics {
	m := core.UncertaintyMetrics{
		Relevance:   c.relevance(candidates),
		Coverage:    c.coverage(candidates, wantK),
		Consistency: consistency(candidates),
		Recency:     c.recency(candidates),
	}
	m.ConfidenceScore = confWeightRelevance*m.Relevance +
		confWeightCoverage*m.Coverage +
		confWeightConsistency*m.Consistency +
		confWeightRecency*m.Recency

	switch {
	case len(candidates) < c.cfg.MinCandidates:
		m.ShouldAbstain = true
		m.AbstentionReason = core.AbstainInsufficientContext
	case m.Relevance < c.cfg.LowRelevanceThreshold:
		m.ShouldAbstain = true
		m.AbstentionReason = core.AbstainLowRelevance
	case m.Consistency < c.cfg.ConsistencyThreshold:
		m.ShouldAbstain = true
		m.AbstentionReason = core.AbstainConflictingResults
	case maxSimilarity(candidates) < c.cfg.OutOfDomainThreshold:
		m.ShouldAbstain = true
		m.AbstentionReason = core.AbstainOutOfDomain
	case m.ConfidenceScore < c.cfg.AbstainThreshold:
		m.ShouldAbstain = true
		m.AbstentionReason = core.AbstainInsufficientContext
	}

	if m.ShouldAbstain {
		m.ConfidenceLevel = core.ConfidenceAbstain
		return m
	}

	switch {
	case m.ConfidenceScore >= 0.8:
		m.ConfidenceLevel = core.ConfidenceHigh
	case m.ConfidenceScore >= 0.6:
		m.ConfidenceLevel = core.ConfidenceMedium
	default:
		m.ConfidenceLevel = core.ConfidenceLow
	}
	return m
}

// relevance averages the top-N similarities, penalized proportionally
// when the candidate count falls short of the minimum.
func (c *calibrator) relevance(candidates []core.Candidate) float64 {
	if len(candidates) == 0 {
		return 0
	}
	n := c.cfg.TopN
	if n <= 0 || n > len(candidates) {
		n = len(candidates)
	}
	sum := 0.0
	for _, cand := range candidates[:n] {
		sum += cand.Similarity
	}
	avg := sum / float64(n)

	if len(candidates) < c.cfg.MinCandidates {
		avg *= float64(len(candidates)) / float64(c.cfg.MinCandidates)
	}
	return avg
}

// coverage combines candidate count against the requested k with the
// diversity of memory types present.
func (c *calibrator) coverage(candidates []core.Candidate, wantK int) float64 {
	if len(candidates) == 0 || wantK <= 0 {
		return 0
	}
	fill := float64(len(candidates)) / float64(wantK)
	if fill > 1 {
		fill = 1
	}

	types := make(map[core.MemoryType]struct{})
	for _, cand := range candidates {
		types[cand.Record.Type] = struct{}{}
	}
	diversity := float64(len(types)) / 5.0 // five memory types exist
	if diversity > 1 {
		diversity = 1
	}

	return 0.7*fill + 0.3*diversity
}

// consistency is one minus the normalized variance of the similarity
// scores: tightly clustered scores mean the candidates agree.
func consistency(candidates []core.Candidate) float64 {
	if len(candidates) < 2 {
		return 1
	}
	mean := 0.0
	for _, cand := range candidates {
		mean += cand.Similarity
	}
	mean /= float64(len(candidates))

	variance := 0.0
	for _, cand := range candidates {
		d := cand.Similarity - mean
		variance += d * d
	}
	variance /= float64(len(candidates))

	// 0.25 is the maximum variance of values confined to [0,1].
	normalized := math.Min(variance/0.25, 1)
	return 1 - normalized
}

// recency averages a linear 90-day decay over last access times; never
// accessed records sit at the 0.5 neutral point.
func (c *calibrator) recency(candidates []core.Candidate) float64 {
	if len(candidates) == 0 {
		return 0
	}
	now := c.now()
	sum := 0.0
	for _, cand := range candidates {
		if cand.Record.LastAccessed == nil {
			sum += 0.5
			continue
		}
		days := now.Sub(*cand.Record.LastAccessed).Hours() / 24.0
		r := 1.0 - days/90.0
		if r < 0 {
			r = 0
		}
		sum += r
	}
	return sum / float64(len(candidates))
}

func maxSimilarity(candidates []core.Candidate) float64 {
	best := 0.0
	for _, cand := range candidates {
		if cand.Similarity > best {
			best = cand.Similarity
		}
	}
	return best
}
