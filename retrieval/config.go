package retrieval

import "time"

// Config holds orchestrator configuration.
type Config struct {
	// DefaultK is the result count when the request leaves K zero.
	DefaultK int

	// CandidateMultiplier is how many vector candidates reranking
	// strategies fetch per requested result.
	CandidateMultiplier int

	// LLMWeight and VectorWeight blend rerank scores:
	// final = LLMWeight*llmScore + VectorWeight*vectorSimilarity.
	LLMWeight    float64
	VectorWeight float64

	// StrategyTimeout bounds one strategy execution end to end.
	StrategyTimeout time.Duration

	// ProviderTimeout bounds a single reasoning or embedding call.
	ProviderTimeout time.Duration

	// CacheTTL is how long cached result sets stay mergeable.
	CacheTTL time.Duration

	// PoolSize is the bounded worker pool for blocking provider calls.
	PoolSize int

	// MaxIterations caps the reflective strategy's critique loop.
	MaxIterations int

	// ReflectiveConfidence stops the reflective loop early once the
	// candidate set's relevance reaches it.
	ReflectiveConfidence float64

	// ClassifierConfidence is the minimum confidence at which an LLM
	// strategy suggestion is accepted over the heuristic chain.
	ClassifierConfidence float64

	// HybridVectorWeight and HybridTextWeight fuse vector and full-text
	// scores in the hybrid strategy; tag-neighborhood expansion hits
	// are dampened by HybridGraphDamping.
	HybridVectorWeight float64
	HybridTextWeight   float64
	HybridGraphDamping float64

	Calibration CalibrationConfig
}

// CalibrationConfig holds the uncertainty thresholds.
type CalibrationConfig struct {
	// MinCandidates is the minimum candidate count below which the
	// orchestrator abstains with insufficient_context.
	MinCandidates int

	// TopN is how many top candidates feed the relevance average.
	TopN int

	// LowRelevanceThreshold triggers low_relevance abstention.
	LowRelevanceThreshold float64

	// ConsistencyThreshold triggers conflicting_results abstention.
	ConsistencyThreshold float64

	// OutOfDomainThreshold: when even the best candidate similarity
	// sits below it, the query is out of domain.
	OutOfDomainThreshold float64

	// AbstainThreshold is the overall-confidence floor.
	AbstainThreshold float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultK:             5,
		CandidateMultiplier:  3,
		LLMWeight:            0.7,
		VectorWeight:         0.3,
		StrategyTimeout:      15 * time.Second,
		ProviderTimeout:      6 * time.Second,
		CacheTTL:             time.Minute,
		PoolSize:             4,
		MaxIterations:        3,
		ReflectiveConfidence: 0.7,
		ClassifierConfidence: 0.7,
		HybridVectorWeight:   0.7,
		HybridTextWeight:     0.3,
		HybridGraphDamping:   0.8,
		Calibration: CalibrationConfig{
			MinCandidates:         2,
			TopN:                  5,
			LowRelevanceThreshold: 0.15,
			ConsistencyThreshold:  0.3,
			OutOfDomainThreshold:  0.25,
			AbstainThreshold:      0.35,
		},
	}
}
