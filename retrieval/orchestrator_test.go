package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/core"
	"github.com/engramlabs/engram/memory"
	"github.com/engramlabs/engram/memory/store/memstore"
)

func newTestOrchestrator(t *testing.T, embedder *mapEmbedder, reasoner memory.Reasoner) (*Orchestrator, *memstore.MemStore) {
	t.Helper()
	store := memstore.New()
	engine := memory.NewEngine(store, embedder, memory.DefaultConfig(), testLogger())

	cfg := DefaultConfig()
	cfg.StrategyTimeout = 5 * time.Second
	cfg.ProviderTimeout = 2 * time.Second

	o, err := NewOrchestrator(engine, reasoner, cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o, store
}

func TestRetrieveValidatesRequest(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, newMapEmbedder(), nil)

	_, err := o.Retrieve(ctx, nil)
	assert.True(t, core.IsValidation(err))

	_, err = o.Retrieve(ctx, &core.RetrievalRequest{Project: "proj"})
	assert.True(t, core.IsValidation(err))

	_, err = o.Retrieve(ctx, &core.RetrievalRequest{Query: "q", Project: "proj", Strategy: "telepathy"})
	assert.True(t, core.IsValidation(err))

	_, err = o.Retrieve(ctx, &core.RetrievalRequest{Query: "q", Project: "proj", TypeFilter: "opinion"})
	assert.True(t, core.IsValidation(err))
}

func TestRetrieveBasicEndToEnd(t *testing.T) {
	ctx := context.Background()
	embedder := newMapEmbedder()
	o, store := newTestOrchestrator(t, embedder, nil)

	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, insertConsolidated(t, store, "proj",
			fmt.Sprintf("note %d", i), []float32{1, float32(i) * 0.1, 0}))
	}
	embedder.set("the query", []float32{1, 0, 0})

	result, err := o.Retrieve(ctx, &core.RetrievalRequest{
		Query:    "the query",
		Project:  "proj",
		K:        2,
		Strategy: core.StrategyBasic,
	})
	require.NoError(t, err)
	assert.Equal(t, core.StrategyBasic, result.Strategy)
	assert.Empty(t, result.Degraded)
	require.Len(t, result.Candidates, 2, "never more than k")
	assert.Equal(t, ids[0], result.Candidates[0].Record.ID)

	// Returned records picked up access bookkeeping and opened their
	// reconsolidation windows.
	for _, cand := range result.Candidates {
		rec, err := store.Get(ctx, cand.Record.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.AccessCount)
		assert.NotNil(t, rec.LastAccessed)
		assert.Equal(t, core.StateLabile, rec.State)
	}

	// The record outside k was left alone.
	rec, err := store.Get(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, 0, rec.AccessCount)
	assert.Equal(t, core.StateConsolidated, rec.State)
}

func TestRetrieveDefaultsK(t *testing.T) {
	ctx := context.Background()
	embedder := newMapEmbedder()
	o, store := newTestOrchestrator(t, embedder, nil)

	for i := 0; i < 10; i++ {
		insertConsolidated(t, store, "proj", fmt.Sprintf("note %d", i), []float32{1, 0, 0})
	}
	embedder.set("the query", []float32{1, 0, 0})

	result, err := o.Retrieve(ctx, &core.RetrievalRequest{
		Query:    "the query",
		Project:  "proj",
		Strategy: core.StrategyBasic,
	})
	require.NoError(t, err)
	assert.Len(t, result.Candidates, DefaultConfig().DefaultK)
}

func TestRetrieveFallsBackOnProviderFailure(t *testing.T) {
	ctx := context.Background()
	embedder := newMapEmbedder()
	reasoner := &fakeReasoner{
		score: func(query, document string) (float64, error) {
			return 0, errors.New("provider down")
		},
	}
	o, store := newTestOrchestrator(t, embedder, reasoner)

	insertConsolidated(t, store, "proj", "a note", []float32{1, 0, 0})
	embedder.set("the query", []float32{1, 0, 0})

	result, err := o.Retrieve(ctx, &core.RetrievalRequest{
		Query:    "the query",
		Project:  "proj",
		K:        5,
		Strategy: core.StrategyRerank,
	})
	require.NoError(t, err, "provider failures never surface as errors")
	assert.Equal(t, core.StrategyBasic, result.Strategy)
	assert.Contains(t, result.Degraded, "fell back")
	require.Len(t, result.Candidates, 1)
}

func TestRetrieveMergesCachedResultsOnFallback(t *testing.T) {
	ctx := context.Background()
	embedder := newMapEmbedder()

	var down atomic.Bool
	reasoner := &fakeReasoner{
		score: func(query, document string) (float64, error) {
			if down.Load() {
				return 0, errors.New("provider down")
			}
			return 0.9, nil
		},
	}
	o, store := newTestOrchestrator(t, embedder, reasoner)

	first := insertConsolidated(t, store, "proj", "first note", []float32{1, 0, 0})
	second := insertConsolidated(t, store, "proj", "second note", []float32{0.6, 0.8, 0})
	embedder.set("the query", []float32{1, 0, 0})

	req := &core.RetrievalRequest{Query: "the query", Project: "proj", K: 5, Strategy: core.StrategyRerank}

	healthy, err := o.Retrieve(ctx, req)
	require.NoError(t, err)
	require.Len(t, healthy.Candidates, 2)
	assert.Empty(t, healthy.Degraded)

	// The second record disappears and the reasoner goes down. Rerank
	// falls back to basic, which can only see one record now, but the
	// cached set from the healthy run fills in the rest.
	require.NoError(t, store.Delete(ctx, second))
	down.Store(true)

	degraded, err := o.Retrieve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, core.StrategyBasic, degraded.Strategy)
	assert.Contains(t, degraded.Degraded, "fell back")
	assert.Contains(t, degraded.Degraded, "merged with cached")

	require.Len(t, degraded.Candidates, 2)
	assert.Equal(t, first, degraded.Candidates[0].Record.ID)
	assert.Equal(t, second, degraded.Candidates[1].Record.ID)
	assert.Equal(t, 1, degraded.Candidates[0].Rank)
	assert.Equal(t, 2, degraded.Candidates[1].Rank)
	// The fresh basic hit keeps its raw vector similarity; the filled-in
	// candidate keeps the blended score it was cached with.
	assert.InDelta(t, 1.0, degraded.Candidates[0].Similarity, 1e-6)
	assert.InDelta(t, 0.7*0.9+0.3*0.6, degraded.Candidates[1].Similarity, 1e-6)
}

func TestRetrieveCacheRespectsTypeFilter(t *testing.T) {
	ctx := context.Background()
	embedder := newMapEmbedder()
	o, store := newTestOrchestrator(t, embedder, nil)

	insertConsolidated(t, store, "proj", "the golden note", []float32{1, 0, 0})
	embedder.set("zzz qqq", []float32{1, 0, 0})

	unfiltered, err := o.Retrieve(ctx, &core.RetrievalRequest{
		Query: "zzz qqq", Project: "proj", K: 5, Strategy: core.StrategyBasic,
	})
	require.NoError(t, err)
	require.Len(t, unfiltered.Candidates, 1)

	// With the embedder down and a type filter on, the unfiltered cache
	// entry must not leak wrong-type candidates into the answer.
	embedder.setFail(true)
	filtered, err := o.Retrieve(ctx, &core.RetrievalRequest{
		Query: "zzz qqq", Project: "proj", K: 5, Strategy: core.StrategyBasic,
		TypeFilter: core.TypeDecision,
	})
	require.NoError(t, err)
	assert.Empty(t, filtered.Candidates)
	assert.True(t, filtered.Uncertainty.ShouldAbstain)
}

func TestRetrieveServesCacheWhenAllElseFails(t *testing.T) {
	ctx := context.Background()
	embedder := newMapEmbedder()
	o, store := newTestOrchestrator(t, embedder, nil)

	insertConsolidated(t, store, "proj", "the golden note", []float32{1, 0, 0})
	embedder.set("zzz qqq", []float32{1, 0, 0})

	req := &core.RetrievalRequest{Query: "zzz qqq", Project: "proj", K: 5, Strategy: core.StrategyBasic}

	first, err := o.Retrieve(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.Candidates, 1)

	// Embedder outage: basic degrades to full-text, which finds nothing
	// for this vocabulary, and the cached result steps in.
	embedder.setFail(true)
	second, err := o.Retrieve(ctx, req)
	require.NoError(t, err)
	require.Len(t, second.Candidates, 1)
	assert.Equal(t, "the golden note", second.Candidates[0].Record.Content)
	assert.Contains(t, second.Degraded, "cache")
}

func TestRetrieveAbstainsOnEmptyStore(t *testing.T) {
	ctx := context.Background()
	embedder := newMapEmbedder()
	o, _ := newTestOrchestrator(t, embedder, nil)

	result, err := o.Retrieve(ctx, &core.RetrievalRequest{
		Query:    "anything at all",
		Project:  "proj",
		Strategy: core.StrategyBasic,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Candidates)
	assert.True(t, result.Uncertainty.ShouldAbstain)
	assert.Equal(t, core.AbstainInsufficientContext, result.Uncertainty.AbstentionReason)
	assert.Equal(t, core.ConfidenceAbstain, result.Uncertainty.ConfidenceLevel)
}

func TestRetrieveAutoSelection(t *testing.T) {
	ctx := context.Background()
	embedder := newMapEmbedder()
	o, store := newTestOrchestrator(t, embedder, nil)

	insertConsolidated(t, store, "proj", "the launch plan milestones", []float32{1, 0, 0}, "launch")
	embedder.set("plan the launch milestones", []float32{1, 0, 0})

	// No reasoner: the heuristic chain routes planning queries to hybrid.
	result, err := o.Retrieve(ctx, &core.RetrievalRequest{
		Query:   "plan the launch milestones",
		Project: "proj",
	})
	require.NoError(t, err)
	assert.Equal(t, core.StrategyHybrid, result.Strategy)
	require.NotEmpty(t, result.Candidates)
}

func TestRetrieveTypeFilter(t *testing.T) {
	ctx := context.Background()
	embedder := newMapEmbedder()
	o, store := newTestOrchestrator(t, embedder, nil)

	insertConsolidated(t, store, "proj", "a fact note", []float32{1, 0, 0})
	decision := &core.MemoryRecord{
		Content:   "a decision note",
		Type:      core.TypeDecision,
		Project:   "proj",
		Embedding: []float32{1, 0, 0},
		State:     core.StateConsolidated,
		Version:   1,
		CreatedAt: time.Now(),
	}
	_, err := store.Insert(ctx, decision)
	require.NoError(t, err)
	embedder.set("the query", []float32{1, 0, 0})

	result, err := o.Retrieve(ctx, &core.RetrievalRequest{
		Query:      "the query",
		Project:    "proj",
		TypeFilter: core.TypeDecision,
		Strategy:   core.StrategyBasic,
	})
	require.NoError(t, err)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, core.TypeDecision, result.Candidates[0].Record.Type)
}
