package core

import (
	"fmt"
	"strings"
)

// Strategy names a retrieval strategy. StrategyAuto lets the orchestrator
// pick one via its classifier chain.
type Strategy string

const (
	StrategyAuto       Strategy = "auto"
	StrategyBasic      Strategy = "basic"
	StrategyHyDE       Strategy = "hyde"
	StrategyRerank     Strategy = "rerank"
	StrategyTransform  Strategy = "transform"
	StrategyReflective Strategy = "reflective"
	StrategyHybrid     Strategy = "hybrid"
)

// ValidStrategy reports whether s names a concrete strategy (auto excluded).
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyBasic, StrategyHyDE, StrategyRerank, StrategyTransform,
		StrategyReflective, StrategyHybrid:
		return true
	}
	return false
}

// ContextTurn is one prior exchange from the calling conversation, used
// by the transform strategy to resolve pronouns and implicit references.
type ContextTurn struct {
	Role    string // "user" or "assistant"
	Content string
}

// RetrievalRequest is a query against a project's memory.
type RetrievalRequest struct {
	Query   string
	Project string

	// K is the number of results wanted. Defaults to 5 when zero.
	K int

	// TypeFilter restricts candidates to one memory type when set.
	TypeFilter MemoryType

	// Strategy overrides automatic selection when not StrategyAuto.
	Strategy Strategy

	// Context carries recent conversation turns, newest last.
	Context []ContextTurn
}

// Fingerprint is the cache key for this request: query text, project,
// type filter, and result count. Strategy and context deliberately
// excluded so a fallback can reuse results cached by a richer strategy.
func (r *RetrievalRequest) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%d", strings.TrimSpace(strings.ToLower(r.Query)), r.Project, r.TypeFilter, r.K)
}

// Candidate is one ranked retrieval hit.
type Candidate struct {
	Record *MemoryRecord

	// Similarity is the blended relevance score in [0,1]. For plain
	// vector search it is the cosine similarity; reranking strategies
	// blend an LLM relevance score into it.
	Similarity float64

	// Rank is 1-based position in the result list.
	Rank int
}

// ConfidenceLevel buckets the calibrated confidence score.
type ConfidenceLevel string

const (
	ConfidenceHigh    ConfidenceLevel = "high"   // >= 0.8
	ConfidenceMedium  ConfidenceLevel = "medium" // >= 0.6
	ConfidenceLow     ConfidenceLevel = "low"    // >= 0.4
	ConfidenceAbstain ConfidenceLevel = "abstain"
)

// AbstentionReason explains why the orchestrator declined to answer.
type AbstentionReason string

const (
	AbstainInsufficientContext AbstentionReason = "insufficient_context"
	AbstainLowRelevance        AbstentionReason = "low_relevance"
	AbstainConflictingResults  AbstentionReason = "conflicting_results"
	AbstainOutOfDomain         AbstentionReason = "out_of_domain"
	AbstainQueryAmbiguity      AbstentionReason = "query_ambiguity"
)

// UncertaintyMetrics is the calibration attached to every retrieval
// result, computed over the final candidate set regardless of strategy.
type UncertaintyMetrics struct {
	ConfidenceScore float64
	ConfidenceLevel ConfidenceLevel

	// Component scores, kept for observability.
	Relevance   float64
	Coverage    float64
	Consistency float64
	Recency     float64

	ShouldAbstain    bool
	AbstentionReason AbstentionReason
}

// RetrievalResult is the orchestrator's answer to a RetrievalRequest.
type RetrievalResult struct {
	Candidates  []Candidate
	Uncertainty UncertaintyMetrics

	// Strategy is the strategy that actually produced the candidates,
	// after any fallback.
	Strategy Strategy

	// Degraded notes the fallback taken, empty when the selected
	// strategy ran to completion.
	Degraded string
}
