// Package engine is the top-level facade over the memory substrate:
// the lifecycle engine and the retrieval orchestrator behind one API
// that agent hosts embed directly or expose through tools.
package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/engramlabs/engram/core"
	"github.com/engramlabs/engram/memory"
	"github.com/engramlabs/engram/retrieval"
)

// Engine bundles the lifecycle engine and retrieval orchestrator over
// a shared store and embedder.
type Engine struct {
	lifecycle    *memory.Engine
	orchestrator *retrieval.Orchestrator

	lifecycleConfig *memory.Config
	retrievalConfig *retrieval.Config
	logger          *logrus.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithLifecycleConfig overrides the lifecycle configuration.
func WithLifecycleConfig(cfg *memory.Config) Option {
	return func(e *Engine) {
		e.lifecycleConfig = cfg
	}
}

// WithRetrievalConfig overrides the retrieval configuration.
func WithRetrievalConfig(cfg *retrieval.Config) Option {
	return func(e *Engine) {
		e.retrievalConfig = cfg
	}
}

// WithLogger sets the logger shared by both halves of the engine.
func WithLogger(logger *logrus.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an engine over the given store, embedder, and reasoning
// provider.
func New(store memory.Store, embedder memory.Embedder, reasoner memory.Reasoner, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, &core.ValidationError{Field: "store", Reason: "must not be nil"}
	}
	if embedder == nil {
		return nil, &core.ValidationError{Field: "embedder", Reason: "must not be nil"}
	}

	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logrus.New()
	}
	if e.lifecycleConfig == nil {
		e.lifecycleConfig = memory.DefaultConfig()
	}
	if e.retrievalConfig == nil {
		e.retrievalConfig = retrieval.DefaultConfig()
	}

	e.lifecycle = memory.NewEngine(store, embedder, e.lifecycleConfig, e.logger)

	orchestrator, err := retrieval.NewOrchestrator(e.lifecycle, reasoner, e.retrievalConfig, e.logger)
	if err != nil {
		return nil, err
	}
	e.orchestrator = orchestrator
	return e, nil
}

// Remember stores a new memory and returns its ID.
func (e *Engine) Remember(ctx context.Context, project, content string, memType core.MemoryType, tags []string) (int64, error) {
	return e.lifecycle.Remember(ctx, project, content, memType, tags)
}

// Recall retrieves memories for a query with calibrated confidence.
func (e *Engine) Recall(ctx context.Context, req *core.RetrievalRequest) (*core.RetrievalResult, error) {
	return e.orchestrator.Retrieve(ctx, req)
}

// Forget permanently deletes a memory.
func (e *Engine) Forget(ctx context.Context, id int64) error {
	return e.lifecycle.Forget(ctx, id)
}

// Revise supersedes a memory with corrected content, valid only while
// its reconsolidation window is open. Returns the replacement's ID.
func (e *Engine) Revise(ctx context.Context, id int64, newContent, reason string, confidence float64) (int64, error) {
	return e.lifecycle.Revise(ctx, id, newContent, reason, confidence)
}

// History returns the full supersession chain containing id, oldest
// first.
func (e *Engine) History(ctx context.Context, id int64) ([]*core.MemoryRecord, error) {
	return e.lifecycle.History(ctx, id)
}

// Revisions returns the revision audit entries for id's lineage.
func (e *Engine) Revisions(ctx context.Context, id int64) ([]core.RevisionEntry, error) {
	return e.lifecycle.Revisions(ctx, id)
}

// OptimizeReport summarizes one maintenance pass.
type OptimizeReport struct {
	// Consolidated counts records promoted to the consolidated state,
	// including labile records whose window expired.
	Consolidated int

	// Rescored counts records whose usefulness score was recomputed.
	Rescored int

	// Prune reports the pruning sweep, including before and after
	// aggregates. Respects dry-run.
	Prune *memory.PruneReport
}

// Optimize runs one maintenance pass over a project: consolidation,
// score recomputation, then pruning. With dryRun the prune step only
// reports what it would delete.
func (e *Engine) Optimize(ctx context.Context, project string, dryRun bool) (*OptimizeReport, error) {
	consolidated, err := e.lifecycle.Consolidate(ctx, project)
	if err != nil {
		return nil, err
	}
	rescored, err := e.lifecycle.RecomputeScores(ctx, project)
	if err != nil {
		return nil, err
	}
	prune, err := e.lifecycle.Prune(ctx, project,
		e.lifecycleConfig.PruneScoreThreshold, e.lifecycleConfig.PruneAgeDays, dryRun)
	if err != nil {
		return nil, err
	}
	return &OptimizeReport{
		Consolidated: consolidated,
		Rescored:     rescored,
		Prune:        prune,
	}, nil
}

// Lifecycle exposes the underlying lifecycle engine for callers that
// need the finer-grained operations.
func (e *Engine) Lifecycle() *memory.Engine {
	return e.lifecycle
}

// Close releases the retrieval orchestrator's resources and the store.
func (e *Engine) Close() error {
	e.orchestrator.Close()
	return e.lifecycle.Store().Close()
}
