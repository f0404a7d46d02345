package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/engramlabs/engram/core"
	"github.com/engramlabs/engram/memory"
)

// strategies holds the shared collaborators every retrieval strategy
// draws on. Each strategy is a method so they can compose: transform
// rewrites and then reranks, reflective iterates over rerank.
type strategies struct {
	store    memory.Store
	embedder memory.Embedder
	reasoner memory.Reasoner
	pool     *workerPool
	cfg      *Config
	logger   *logrus.Logger
}

// run dispatches to a concrete strategy. Callers pass a resolved
// strategy, never StrategyAuto.
func (s *strategies) run(ctx context.Context, strategy core.Strategy, req *core.RetrievalRequest) ([]core.Candidate, error) {
	switch strategy {
	case core.StrategyBasic:
		return s.basic(ctx, req)
	case core.StrategyHyDE:
		return s.hyde(ctx, req)
	case core.StrategyRerank:
		return s.rerank(ctx, req)
	case core.StrategyTransform:
		return s.transform(ctx, req)
	case core.StrategyReflective:
		return s.reflective(ctx, req)
	case core.StrategyHybrid:
		return s.hybrid(ctx, req)
	default:
		return nil, &core.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", strategy)}
	}
}

// fallbackFor maps each strategy to the single cheaper strategy the
// orchestrator tries when the first attempt fails or times out.
// Exactly one level: the fallback's own failure surfaces as a result
// with zero candidates, never a second hop.
func fallbackFor(strategy core.Strategy) core.Strategy {
	switch strategy {
	case core.StrategyHyDE, core.StrategyRerank, core.StrategyHybrid:
		return core.StrategyBasic
	case core.StrategyTransform, core.StrategyReflective:
		return core.StrategyRerank
	default:
		return ""
	}
}

// basic runs plain vector similarity over the query embedding. When the
// embedder itself fails, it degrades to lexical full-text search rather
// than failing the whole retrieval.
func (s *strategies) basic(ctx context.Context, req *core.RetrievalRequest) ([]core.Candidate, error) {
	filter := memory.Filter{Project: req.Project, Type: req.TypeFilter}

	embedding, err := s.embed(ctx, req.Query)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"component": "retrieval",
			"strategy":  core.StrategyBasic,
			"error":     err,
		}).Warn("embedding failed, degrading to full-text search")
		hits, textErr := s.store.FullTextSearch(ctx, req.Query, filter, req.K)
		if textErr != nil {
			return nil, &core.StorageError{Op: "full-text search", Err: textErr}
		}
		return hitsToCandidates(hits), nil
	}

	hits, err := s.store.VectorSearch(ctx, embedding, filter, req.K)
	if err != nil {
		return nil, &core.StorageError{Op: "vector search", Err: err}
	}
	return hitsToCandidates(hits), nil
}

const hydePrompt = `Write a short hypothetical note that would perfectly answer the question below. Write only the note, two or three sentences, no preamble.

Question: %s`

// hyde embeds a hypothetical answer instead of the question, bridging
// the vocabulary gap between short queries and stored prose.
func (s *strategies) hyde(ctx context.Context, req *core.RetrievalRequest) ([]core.Candidate, error) {
	var hypothetical string
	err := s.pool.do(ctx, s.cfg.ProviderTimeout, func(callCtx context.Context) error {
		var genErr error
		hypothetical, genErr = s.reasoner.Generate(callCtx, fmt.Sprintf(hydePrompt, req.Query), 256, 0.7)
		return genErr
	})
	if err != nil {
		return nil, &core.ProviderUnavailable{Provider: "reasoner", Err: err}
	}
	hypothetical = strings.TrimSpace(hypothetical)
	if hypothetical == "" {
		return nil, &core.ProviderUnavailable{Provider: "reasoner", Err: fmt.Errorf("empty hypothetical document")}
	}

	embedding, err := s.embed(ctx, hypothetical)
	if err != nil {
		return nil, err
	}
	filter := memory.Filter{Project: req.Project, Type: req.TypeFilter}
	hits, err := s.store.VectorSearch(ctx, embedding, filter, req.K)
	if err != nil {
		return nil, &core.StorageError{Op: "vector search", Err: err}
	}
	return hitsToCandidates(hits), nil
}

// rerank over-fetches vector candidates and rescores each with the
// reasoning provider, blending the LLM score with the original vector
// similarity. Individual scoring failures fall back to the vector
// similarity for that document; only a total provider outage fails the
// strategy.
func (s *strategies) rerank(ctx context.Context, req *core.RetrievalRequest) ([]core.Candidate, error) {
	embedding, err := s.embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	filter := memory.Filter{Project: req.Project, Type: req.TypeFilter}
	hits, err := s.store.VectorSearch(ctx, embedding, filter, req.K*s.cfg.CandidateMultiplier)
	if err != nil {
		return nil, &core.StorageError{Op: "vector search", Err: err}
	}
	if len(hits) == 0 {
		return nil, nil
	}

	blended := make([]float64, len(hits))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
	)
	for i, hit := range hits {
		wg.Add(1)
		go func(i int, hit memory.SearchHit) {
			defer wg.Done()
			var score float64
			err := s.pool.do(ctx, s.cfg.ProviderTimeout, func(callCtx context.Context) error {
				var scoreErr error
				score, scoreErr = s.reasoner.ScoreRelevance(callCtx, req.Query, hit.Record.Content)
				return scoreErr
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				blended[i] = hit.Similarity
				return
			}
			blended[i] = s.cfg.LLMWeight*score + s.cfg.VectorWeight*hit.Similarity
		}(i, hit)
	}
	wg.Wait()

	if failures == len(hits) {
		return nil, &core.ProviderUnavailable{Provider: "reasoner", Err: fmt.Errorf("all %d relevance calls failed", len(hits))}
	}
	if failures > 0 {
		s.logger.WithFields(logrus.Fields{
			"component": "retrieval",
			"strategy":  core.StrategyRerank,
			"failures":  failures,
			"total":     len(hits),
		}).Warn("partial rerank, some documents kept vector similarity")
	}

	candidates := make([]core.Candidate, len(hits))
	for i, hit := range hits {
		candidates[i] = core.Candidate{Record: hit.Record, Similarity: blended[i]}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].Similarity > candidates[b].Similarity
	})
	if len(candidates) > req.K {
		candidates = candidates[:req.K]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	return candidates, nil
}

const transformPrompt = `Rewrite the final question as a standalone search query. Resolve every pronoun and implicit reference using the conversation. Reply with only the rewritten query.

Conversation:
%s
Final question: %s`

// transform rewrites a context-dependent follow-up into a standalone
// query using the conversation history, then reranks with the rewrite.
func (s *strategies) transform(ctx context.Context, req *core.RetrievalRequest) ([]core.Candidate, error) {
	if len(req.Context) == 0 {
		return s.rerank(ctx, req)
	}

	var history strings.Builder
	for _, turn := range req.Context {
		fmt.Fprintf(&history, "%s: %s\n", turn.Role, turn.Content)
	}

	var rewritten string
	err := s.pool.do(ctx, s.cfg.ProviderTimeout, func(callCtx context.Context) error {
		var genErr error
		rewritten, genErr = s.reasoner.Generate(callCtx, fmt.Sprintf(transformPrompt, history.String(), req.Query), 128, 0)
		return genErr
	})
	if err != nil {
		return nil, &core.ProviderUnavailable{Provider: "reasoner", Err: err}
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" {
		rewritten = req.Query
	}

	s.logger.WithFields(logrus.Fields{
		"component": "retrieval",
		"strategy":  core.StrategyTransform,
		"rewritten": rewritten,
	}).Debug("query rewritten")

	rewrittenReq := *req
	rewrittenReq.Query = rewritten
	return s.rerank(ctx, &rewrittenReq)
}

const reflectivePrompt = `You retrieved these notes for the query %q:

%s
Judge whether the notes answer the query. Reply with exactly one line:
either "SUFFICIENT <confidence 0.0-1.0>" or "REFINE <a better search query>".`

// reflective retrieves, critiques its own results, and retries with a
// refined query until the critique is satisfied or the iteration budget
// runs out. Each pass reuses rerank; the best-scoring pass wins.
func (s *strategies) reflective(ctx context.Context, req *core.RetrievalRequest) ([]core.Candidate, error) {
	current := *req
	var best []core.Candidate
	bestScore := -1.0

	for iteration := 0; iteration < s.cfg.MaxIterations; iteration++ {
		candidates, err := s.rerank(ctx, &current)
		if err != nil {
			if best != nil {
				return best, nil
			}
			return nil, err
		}
		if score := maxSimilarity(candidates); score > bestScore {
			best, bestScore = candidates, score
		}

		sufficient, confidence, refined := s.critique(ctx, current.Query, candidates)
		if sufficient && confidence >= s.cfg.ReflectiveConfidence {
			return best, nil
		}
		if refined == "" || refined == current.Query {
			// Sufficient but shaky, or no refinement offered. Another
			// pass with the same query cannot improve the result.
			return best, nil
		}
		current.Query = refined
	}
	return best, nil
}

// critique asks the reasoner to judge one reflective pass. Returns
// sufficient, confidence, and the refined query for another pass.
// Provider failures read as sufficient so the loop terminates.
func (s *strategies) critique(ctx context.Context, query string, candidates []core.Candidate) (bool, float64, string) {
	var notes strings.Builder
	for i, cand := range candidates {
		if i >= 5 {
			break
		}
		fmt.Fprintf(&notes, "- %s\n", cand.Record.Content)
	}

	var reply string
	err := s.pool.do(ctx, s.cfg.ProviderTimeout, func(callCtx context.Context) error {
		var genErr error
		reply, genErr = s.reasoner.Generate(callCtx, fmt.Sprintf(reflectivePrompt, query, notes.String()), 128, 0)
		return genErr
	})
	if err != nil {
		return true, 1, ""
	}

	reply = strings.TrimSpace(reply)
	upper := strings.ToUpper(reply)
	switch {
	case strings.HasPrefix(upper, "SUFFICIENT"):
		confidence := 1.0
		fields := strings.Fields(reply)
		if len(fields) >= 2 {
			fmt.Sscanf(fields[1], "%f", &confidence)
		}
		return true, confidence, ""
	case strings.HasPrefix(upper, "REFINE"):
		return false, 0, strings.TrimSpace(reply[len("REFINE"):])
	default:
		return true, 1, ""
	}
}

// hybrid fuses vector and full-text rankings, then expands the merged
// set with tag neighbors at dampened similarity. Planning queries care
// about relationships more than pure semantic closeness, and shared
// tags are the relationship edges the store has.
func (s *strategies) hybrid(ctx context.Context, req *core.RetrievalRequest) ([]core.Candidate, error) {
	filter := memory.Filter{Project: req.Project, Type: req.TypeFilter}
	fetch := req.K * s.cfg.CandidateMultiplier

	embedding, err := s.embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	vectorHits, err := s.store.VectorSearch(ctx, embedding, filter, fetch)
	if err != nil {
		return nil, &core.StorageError{Op: "vector search", Err: err}
	}
	textHits, err := s.store.FullTextSearch(ctx, req.Query, filter, fetch)
	if err != nil {
		return nil, &core.StorageError{Op: "full-text search", Err: err}
	}

	fused := make(map[int64]core.Candidate)
	for _, hit := range vectorHits {
		fused[hit.Record.ID] = core.Candidate{
			Record:     hit.Record,
			Similarity: s.cfg.HybridVectorWeight * hit.Similarity,
		}
	}
	for _, hit := range textHits {
		if existing, ok := fused[hit.Record.ID]; ok {
			existing.Similarity += s.cfg.HybridTextWeight * hit.Similarity
			fused[hit.Record.ID] = existing
			continue
		}
		fused[hit.Record.ID] = core.Candidate{
			Record:     hit.Record,
			Similarity: s.cfg.HybridTextWeight * hit.Similarity,
		}
	}

	s.expandTagNeighbors(ctx, filter, fused)

	candidates := make([]core.Candidate, 0, len(fused))
	for _, cand := range fused {
		candidates = append(candidates, cand)
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].Similarity != candidates[b].Similarity {
			return candidates[a].Similarity > candidates[b].Similarity
		}
		return candidates[a].Record.ID < candidates[b].Record.ID
	})
	if len(candidates) > req.K {
		candidates = candidates[:req.K]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	return candidates, nil
}

// expandTagNeighbors folds in records sharing a tag with a fused
// candidate, inheriting the best sharer's similarity dampened one hop.
// Scores only ever move up, so a record never loses rank to its own
// dampened echo. A listing failure skips expansion; the fused set
// stands on its own.
func (s *strategies) expandTagNeighbors(ctx context.Context, filter memory.Filter, fused map[int64]core.Candidate) {
	tagScore := make(map[string]float64)
	for _, cand := range fused {
		for _, tag := range cand.Record.Tags {
			if cand.Similarity > tagScore[tag] {
				tagScore[tag] = cand.Similarity
			}
		}
	}
	if len(tagScore) == 0 {
		return
	}

	all, err := s.store.List(ctx, filter)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"component": "retrieval",
			"strategy":  core.StrategyHybrid,
			"error":     err,
		}).Warn("tag expansion skipped")
		return
	}

	for _, rec := range all {
		for _, tag := range rec.Tags {
			score, ok := tagScore[tag]
			if !ok {
				continue
			}
			inherited := s.cfg.HybridGraphDamping * score
			if existing, seen := fused[rec.ID]; !seen || inherited > existing.Similarity {
				fused[rec.ID] = core.Candidate{Record: rec, Similarity: inherited}
			}
		}
	}
}

// embed runs the embedder under the provider timeout, wrapping failures
// in the typed error the orchestrator keys fallback decisions on.
func (s *strategies) embed(ctx context.Context, text string) ([]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	embedding, err := s.embedder.Embed(callCtx, text)
	if err != nil {
		return nil, &core.EmbeddingFailure{Err: err}
	}
	return embedding, nil
}

func hitsToCandidates(hits []memory.SearchHit) []core.Candidate {
	candidates := make([]core.Candidate, len(hits))
	for i, hit := range hits {
		candidates[i] = core.Candidate{Record: hit.Record, Similarity: hit.Similarity, Rank: i + 1}
	}
	return candidates
}
