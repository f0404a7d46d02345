package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/engramlabs/engram/core"
)

func newCalibrator() *calibrator {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &calibrator{
		cfg: DefaultConfig().Calibration,
		now: func() time.Time { return now },
	}
}

func candidate(similarity float64, memType core.MemoryType, lastAccessed *time.Time) core.Candidate {
	return core.Candidate{
		Record: &core.MemoryRecord{
			Type:         memType,
			LastAccessed: lastAccessed,
		},
		Similarity: similarity,
	}
}

func TestCalibrateEmptyResult(t *testing.T) {
	c := newCalibrator()

	m := c.Calibrate(nil, 5)
	assert.True(t, m.ShouldAbstain)
	assert.Equal(t, core.AbstainInsufficientContext, m.AbstentionReason)
	assert.Equal(t, core.ConfidenceAbstain, m.ConfidenceLevel)
}

func TestCalibrateSingleCandidate(t *testing.T) {
	c := newCalibrator()
	now := c.now()

	m := c.Calibrate([]core.Candidate{
		candidate(0.95, core.TypeFact, &now),
	}, 5)
	assert.True(t, m.ShouldAbstain)
	assert.Equal(t, core.AbstainInsufficientContext, m.AbstentionReason)
}

func TestCalibrateHighConfidence(t *testing.T) {
	c := newCalibrator()
	now := c.now()

	candidates := []core.Candidate{
		candidate(0.92, core.TypeFact, &now),
		candidate(0.90, core.TypeDecision, &now),
		candidate(0.89, core.TypePattern, &now),
		candidate(0.88, core.TypeFact, &now),
		candidate(0.87, core.TypeFact, &now),
	}
	m := c.Calibrate(candidates, 5)

	assert.False(t, m.ShouldAbstain)
	assert.Equal(t, core.ConfidenceHigh, m.ConfidenceLevel)
	assert.Greater(t, m.ConfidenceScore, 0.8)
	assert.InDelta(t, 0.892, m.Relevance, 1e-9)
	assert.InDelta(t, 1.0, m.Consistency, 0.01)
	assert.InDelta(t, 1.0, m.Recency, 1e-9)
}

func TestCalibrateOutOfDomain(t *testing.T) {
	c := newCalibrator()

	// Both candidates clear the relevance floor but neither comes close
	// to the query's domain.
	m := c.Calibrate([]core.Candidate{
		candidate(0.20, core.TypeFact, nil),
		candidate(0.18, core.TypeFact, nil),
	}, 5)
	assert.True(t, m.ShouldAbstain)
	assert.Equal(t, core.AbstainOutOfDomain, m.AbstentionReason)
}

func TestCalibrateLowRelevance(t *testing.T) {
	c := newCalibrator()

	m := c.Calibrate([]core.Candidate{
		candidate(0.12, core.TypeFact, nil),
		candidate(0.10, core.TypeFact, nil),
	}, 5)
	assert.True(t, m.ShouldAbstain)
	assert.Equal(t, core.AbstainLowRelevance, m.AbstentionReason)
}

func TestCalibrateConflictingResults(t *testing.T) {
	c := newCalibrator()

	// Wildly spread similarities: the store disagrees with itself.
	m := c.Calibrate([]core.Candidate{
		candidate(1.0, core.TypeFact, nil),
		candidate(0.0, core.TypeFact, nil),
		candidate(1.0, core.TypeFact, nil),
		candidate(0.0, core.TypeFact, nil),
	}, 5)
	assert.True(t, m.ShouldAbstain)
	assert.Equal(t, core.AbstainConflictingResults, m.AbstentionReason)
	assert.InDelta(t, 0.0, m.Consistency, 1e-9)
}

func TestCalibrateMediumConfidence(t *testing.T) {
	c := newCalibrator()
	then := c.now().AddDate(0, 0, -45)

	candidates := make([]core.Candidate, 5)
	for i := range candidates {
		candidates[i] = candidate(0.55, core.TypeFact, &then)
	}
	m := c.Calibrate(candidates, 5)

	assert.False(t, m.ShouldAbstain)
	assert.Equal(t, core.ConfidenceMedium, m.ConfidenceLevel)
	assert.GreaterOrEqual(t, m.ConfidenceScore, 0.6)
	assert.Less(t, m.ConfidenceScore, 0.8)
}

func TestCalibrateLowConfidence(t *testing.T) {
	c := newCalibrator()

	m := c.Calibrate([]core.Candidate{
		candidate(0.30, core.TypeFact, nil),
		candidate(0.30, core.TypeFact, nil),
	}, 5)

	assert.False(t, m.ShouldAbstain)
	assert.Equal(t, core.ConfidenceLow, m.ConfidenceLevel)
	assert.Less(t, m.ConfidenceScore, 0.6)
}

func TestRelevancePenalizesShortResults(t *testing.T) {
	c := newCalibrator()

	full := c.relevance([]core.Candidate{
		candidate(0.8, core.TypeFact, nil),
		candidate(0.8, core.TypeFact, nil),
	})
	short := c.relevance([]core.Candidate{
		candidate(0.8, core.TypeFact, nil),
	})
	assert.InDelta(t, 0.8, full, 1e-9)
	assert.InDelta(t, 0.4, short, 1e-9, "one of two minimum candidates halves relevance")
}

func TestCoverageRewardsDiversity(t *testing.T) {
	c := newCalibrator()
	uniform := []core.Candidate{
		candidate(0.8, core.TypeFact, nil),
		candidate(0.8, core.TypeFact, nil),
		candidate(0.8, core.TypeFact, nil),
		candidate(0.8, core.TypeFact, nil),
		candidate(0.8, core.TypeFact, nil),
	}
	mixed := []core.Candidate{
		candidate(0.8, core.TypeFact, nil),
		candidate(0.8, core.TypeDecision, nil),
		candidate(0.8, core.TypePattern, nil),
		candidate(0.8, core.TypeContext, nil),
		candidate(0.8, core.TypeTask, nil),
	}
	assert.Greater(t, c.coverage(mixed, 5), c.coverage(uniform, 5))
}

func TestConsistencyBounds(t *testing.T) {
	assert.Equal(t, 1.0, consistency(nil))
	assert.Equal(t, 1.0, consistency([]core.Candidate{candidate(0.4, core.TypeFact, nil)}))

	tight := consistency([]core.Candidate{
		candidate(0.70, core.TypeFact, nil),
		candidate(0.72, core.TypeFact, nil),
		candidate(0.71, core.TypeFact, nil),
	})
	assert.Greater(t, tight, 0.99)
}
