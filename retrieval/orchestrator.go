package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/engramlabs/engram/core"
	"github.com/engramlabs/engram/memory"
)

// Orchestrator runs retrieval end to end: strategy selection, the
// strategy itself under a deadline, at most one fallback hop, result
// caching, confidence calibration, and the access bookkeeping that
// feeds the lifecycle engine.
//
// Provider failures never surface to the caller. Every path either
// produces candidates (possibly degraded) or an empty result whose
// uncertainty metrics say to abstain. Only validation and storage
// errors return as errors.
type Orchestrator struct {
	engine     *memory.Engine
	strategies *strategies
	selector   *selector
	calibrator *calibrator
	cache      *resultCache
	cfg        *Config
	logger     *logrus.Logger
}

// NewOrchestrator wires an orchestrator over a lifecycle engine and a
// reasoning provider. The engine supplies the store and embedder so
// both halves of the system see the same records.
func NewOrchestrator(engine *memory.Engine, reasoner memory.Reasoner, cfg *Config, logger *logrus.Logger) (*Orchestrator, error) {
	if engine == nil {
		return nil, &core.ValidationError{Field: "engine", Reason: "must not be nil"}
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	cache, err := newResultCache(cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("result cache: %w", err)
	}
	pool := newWorkerPool(cfg.PoolSize)

	return &Orchestrator{
		engine: engine,
		strategies: &strategies{
			store:    engine.Store(),
			embedder: engine.Embedder(),
			reasoner: reasoner,
			pool:     pool,
			cfg:      cfg,
			logger:   logger,
		},
		selector:   newSelector(reasoner, pool, cfg, logger),
		calibrator: &calibrator{cfg: cfg.Calibration, now: time.Now},
		cache:      cache,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Retrieve answers a retrieval request. The returned result always
// carries calibrated uncertainty metrics, even when empty.
func (o *Orchestrator) Retrieve(ctx context.Context, req *core.RetrievalRequest) (*core.RetrievalResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	normalized := *req
	if normalized.K <= 0 {
		normalized.K = o.cfg.DefaultK
	}

	strategy := normalized.Strategy
	if strategy == "" || strategy == core.StrategyAuto {
		strategy = o.selector.Select(ctx, &normalized)
	}

	result := &core.RetrievalResult{Strategy: strategy}
	candidates, err := o.runWithDeadline(ctx, strategy, &normalized)
	if err != nil {
		// Provider failures and timeouts fall back one level; storage
		// and validation errors surface unchanged.
		if !core.IsProviderFailure(err) {
			return nil, err
		}
		candidates, result.Strategy, result.Degraded = o.fallback(ctx, strategy, &normalized, err)
	}

	fingerprint := normalized.Fingerprint()
	if result.Degraded == "" && len(candidates) > 0 {
		o.cache.Put(fingerprint, candidates)
	} else if cached := o.cache.Get(fingerprint); len(cached) > 0 {
		// A degraded or empty answer never overwrites the cache; it
		// picks up whatever a healthier earlier run left behind.
		fresh := len(candidates)
		candidates = mergeCandidates(candidates, cached, normalized.K)
		if fresh == 0 {
			result.Degraded = "served from result cache"
		} else {
			result.Degraded += ", merged with cached results"
		}
		o.logger.WithFields(logrus.Fields{
			"component": "retrieval",
			"strategy":  result.Strategy,
			"fresh":     fresh,
			"cached":    len(cached),
		}).Warn("completed degraded retrieval from result cache")
	}

	result.Candidates = candidates
	result.Uncertainty = o.calibrator.Calibrate(candidates, normalized.K)

	o.recordAccess(ctx, candidates)

	o.logger.WithFields(logrus.Fields{
		"component":  "retrieval",
		"strategy":   result.Strategy,
		"candidates": len(candidates),
		"confidence": result.Uncertainty.ConfidenceScore,
		"abstain":    result.Uncertainty.ShouldAbstain,
		"degraded":   result.Degraded != "",
	}).Info("retrieval complete")

	return result, nil
}

// Close releases the result cache.
func (o *Orchestrator) Close() {
	o.cache.Close()
}

// runWithDeadline executes a single strategy under the per-strategy
// timeout.
func (o *Orchestrator) runWithDeadline(ctx context.Context, strategy core.Strategy, req *core.RetrievalRequest) ([]core.Candidate, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.StrategyTimeout)
	defer cancel()
	return o.strategies.run(callCtx, strategy, req)
}

// fallback runs the single cheaper strategy mapped to the failed one.
// When the fallback also fails, or no fallback exists, the caller gets
// an empty candidate set and calibration turns it into an abstention.
func (o *Orchestrator) fallback(ctx context.Context, failed core.Strategy, req *core.RetrievalRequest, cause error) ([]core.Candidate, core.Strategy, string) {
	next := fallbackFor(failed)
	if next == "" {
		o.logger.WithFields(logrus.Fields{
			"component": "retrieval",
			"strategy":  failed,
			"error":     cause,
		}).Warn("strategy failed, no fallback available")
		return nil, failed, fmt.Sprintf("%s failed with no fallback", failed)
	}

	o.logger.WithFields(logrus.Fields{
		"component": "retrieval",
		"strategy":  failed,
		"fallback":  next,
		"error":     cause,
	}).Warn("strategy failed, falling back")

	candidates, err := o.runWithDeadline(ctx, next, req)
	if err != nil {
		o.logger.WithFields(logrus.Fields{
			"component": "retrieval",
			"strategy":  next,
			"error":     err,
		}).Error("fallback strategy failed")
		return nil, next, fmt.Sprintf("%s and fallback %s both failed", failed, next)
	}
	return candidates, next, fmt.Sprintf("fell back from %s to %s", failed, next)
}

// mergeCandidates combines a degraded run's partial results with a
// cached set for the same fingerprint. A record appearing in both keeps
// the higher similarity; the merged list is re-ranked and truncated to k.
func mergeCandidates(fresh, cached []core.Candidate, k int) []core.Candidate {
	byID := make(map[int64]core.Candidate, len(fresh)+len(cached))
	for _, cand := range fresh {
		byID[cand.Record.ID] = cand
	}
	for _, cand := range cached {
		if have, ok := byID[cand.Record.ID]; !ok || cand.Similarity > have.Similarity {
			byID[cand.Record.ID] = cand
		}
	}
	merged := make([]core.Candidate, 0, len(byID))
	for _, cand := range byID {
		merged = append(merged, cand)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Similarity != merged[j].Similarity {
			return merged[i].Similarity > merged[j].Similarity
		}
		return merged[i].Record.ID < merged[j].Record.ID
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	for i := range merged {
		merged[i].Rank = i + 1
	}
	return merged
}

// recordAccess updates access counters and opens the reconsolidation
// window for every returned record. Bookkeeping failures are logged
// and swallowed; they must not fail a retrieval that already has
// results.
func (o *Orchestrator) recordAccess(ctx context.Context, candidates []core.Candidate) {
	for _, cand := range candidates {
		id := cand.Record.ID
		if err := o.engine.Touch(ctx, id); err != nil {
			o.logger.WithFields(logrus.Fields{
				"component": "retrieval",
				"record_id": id,
				"error":     err,
			}).Warn("access touch failed")
		}
		if err := o.engine.MarkLabile(ctx, id); err != nil {
			o.logger.WithFields(logrus.Fields{
				"component": "retrieval",
				"record_id": id,
				"error":     err,
			}).Warn("labile transition failed")
		}
	}
}

func validateRequest(req *core.RetrievalRequest) error {
	if req == nil {
		return &core.ValidationError{Field: "request", Reason: "must not be nil"}
	}
	if req.Query == "" {
		return &core.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if req.Strategy != "" && req.Strategy != core.StrategyAuto && !core.ValidStrategy(req.Strategy) {
		return &core.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", req.Strategy)}
	}
	if req.TypeFilter != "" && !core.ValidType(req.TypeFilter) {
		return &core.ValidationError{Field: "type_filter", Reason: fmt.Sprintf("unknown memory type %q", req.TypeFilter)}
	}
	return nil
}
