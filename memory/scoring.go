package memory

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/engramlabs/engram/core"
)

// Usefulness scoring weights. The composite stays in [0,1] because the
// three components do and the weights sum to 1.
const (
	weightFrequency = 0.4
	weightRecency   = 0.3
	weightType      = 0.3

	// recencyHorizonDays is the linear decay horizon: a record accessed
	// today scores 1.0, one untouched for 90+ days scores 0.
	recencyHorizonDays = 90.0
)

// typePriority ranks memory types by retention value. Unlisted types
// score the 0.5 default.
var typePriority = map[core.MemoryType]float64{
	core.TypeDecision: 1.0,
	core.TypePattern:  0.9,
	core.TypeFact:     0.7,
	core.TypeContext:  0.5,
}

// UsefulnessScore computes the composite eviction score for a record at
// the given instant:
//
//	0.4*accessFrequency + 0.3*recencyDecay + 0.3*typePriority
func UsefulnessScore(rec *core.MemoryRecord, now time.Time) float64 {
	ageDays := now.Sub(rec.CreatedAt).Hours() / 24.0
	if ageDays < 1.0 {
		ageDays = 1.0
	}
	frequency := float64(rec.AccessCount) / ageDays
	if frequency > 1.0 {
		frequency = 1.0
	}

	recency := 0.5 // never accessed
	if rec.LastAccessed != nil {
		sinceDays := now.Sub(*rec.LastAccessed).Hours() / 24.0
		recency = 1.0 - sinceDays/recencyHorizonDays
		if recency < 0 {
			recency = 0
		}
	}

	priority, ok := typePriority[rec.Type]
	if !ok {
		priority = 0.5
	}

	return weightFrequency*frequency + weightRecency*recency + weightType*priority
}

// RecomputeScores runs the batch scoring pass for a project and writes
// the refreshed scores back to the store. Returns the number of records
// scored.
func (e *Engine) RecomputeScores(ctx context.Context, project string) (int, error) {
	records, err := e.store.List(ctx, Filter{Project: project})
	if err != nil {
		return 0, &core.StorageError{Op: "list", Err: err}
	}

	now := e.now()
	for _, rec := range records {
		score := UsefulnessScore(rec, now)
		if err := e.store.UpdateScore(ctx, rec.ID, score); err != nil {
			return 0, &core.StorageError{Op: "update score", Err: err}
		}
	}

	e.logger.WithFields(logrus.Fields{
		"component": "scoring",
		"project":   project,
		"scored":    len(records),
	}).Debug("usefulness scores recomputed")

	return len(records), nil
}

// PruneReport summarizes a pruning pass.
type PruneReport struct {
	Examined   int
	Candidates int
	Deleted    int
	DryRun     bool

	// Aggregate store stats before and after, for the prune log.
	CountBefore     int
	MeanScoreBefore float64
	CountAfter      int
	MeanScoreAfter  float64
}

// Prune deletes records whose usefulness score fell below the threshold
// AND whose last access is older than ageDays (or which were never
// accessed). With dryRun the candidates are only counted. Deletion is
// all-or-nothing per record; a failed delete aborts the pass.
func (e *Engine) Prune(ctx context.Context, project string, scoreThreshold float64, ageDays int, dryRun bool) (*PruneReport, error) {
	if scoreThreshold <= 0 {
		scoreThreshold = e.config.PruneScoreThreshold
	}
	if ageDays <= 0 {
		ageDays = e.config.PruneAgeDays
	}

	f := Filter{Project: project}
	report := &PruneReport{DryRun: dryRun}

	var err error
	report.CountBefore, report.MeanScoreBefore, err = e.store.Aggregate(ctx, f)
	if err != nil {
		return nil, &core.StorageError{Op: "aggregate", Err: err}
	}

	records, err := e.store.List(ctx, f)
	if err != nil {
		return nil, &core.StorageError{Op: "list", Err: err}
	}
	report.Examined = len(records)

	now := e.now()
	cutoff := now.Add(-time.Duration(ageDays) * 24 * time.Hour)
	for _, rec := range records {
		if UsefulnessScore(rec, now) >= scoreThreshold {
			continue
		}
		if rec.LastAccessed != nil && rec.LastAccessed.After(cutoff) {
			continue
		}
		report.Candidates++
		if dryRun {
			continue
		}
		if err := e.store.Delete(ctx, rec.ID); err != nil {
			return report, &core.StorageError{Op: "prune delete", Err: err}
		}
		report.Deleted++
	}

	report.CountAfter, report.MeanScoreAfter, err = e.store.Aggregate(ctx, f)
	if err != nil {
		return nil, &core.StorageError{Op: "aggregate", Err: err}
	}

	e.logger.WithFields(logrus.Fields{
		"component":    "pruning",
		"project":      project,
		"examined":     report.Examined,
		"candidates":   report.Candidates,
		"deleted":      report.Deleted,
		"dry_run":      dryRun,
		"count_before": report.CountBefore,
		"mean_before":  report.MeanScoreBefore,
		"count_after":  report.CountAfter,
		"mean_after":   report.MeanScoreAfter,
	}).Info("prune pass complete")

	return report, nil
}
