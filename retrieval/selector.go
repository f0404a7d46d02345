package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/engramlabs/engram/core"
	"github.com/engramlabs/engram/memory"
)

// Classifier proposes a strategy for a request with a confidence. The
// selector walks a ranked list of classifiers and takes the first
// proposal at or above the confidence threshold, which keeps the
// selection policy testable without mocking the LLM for every
// heuristic case.
type Classifier interface {
	Classify(ctx context.Context, req *core.RetrievalRequest) (core.Strategy, float64)
}

// selector picks a strategy for requests that left Strategy as auto.
type selector struct {
	classifiers []Classifier
	threshold   float64
	logger      *logrus.Logger
}

func newSelector(reasoner memory.Reasoner, pool *workerPool, cfg *Config, logger *logrus.Logger) *selector {
	classifiers := []Classifier{}
	if reasoner != nil {
		classifiers = append(classifiers, &llmClassifier{
			reasoner: reasoner,
			pool:     pool,
			timeout:  cfg.ProviderTimeout,
		})
	}
	classifiers = append(classifiers, &heuristicClassifier{})

	return &selector{
		classifiers: classifiers,
		threshold:   cfg.ClassifierConfidence,
		logger:      logger,
	}
}

// Select returns the strategy for the request. The heuristic classifier
// always proposes something at full confidence, so Select cannot come
// back empty.
func (s *selector) Select(ctx context.Context, req *core.RetrievalRequest) core.Strategy {
	for _, c := range s.classifiers {
		strategy, confidence := c.Classify(ctx, req)
		if !core.ValidStrategy(strategy) || confidence < s.threshold {
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"component":  "selector",
			"strategy":   strategy,
			"confidence": confidence,
		}).Debug("strategy selected")
		return strategy
	}
	return core.StrategyRerank
}

// llmClassifier asks the reasoning provider to pick a strategy. A
// provider failure or an unparseable reply simply yields zero
// confidence and lets the heuristic chain decide.
type llmClassifier struct {
	reasoner memory.Reasoner
	pool     *workerPool
	timeout  time.Duration
}

const classifierPrompt = `Pick the best retrieval strategy for the query below.

Strategies:
- basic: plain vector similarity, for simple lookups
- hyde: embed a hypothetical answer, for vocabulary-gap questions
- rerank: LLM reranking of vector candidates, general purpose
- transform: rewrite the query from conversation history, for follow-ups with pronouns
- reflective: iterative self-critique, for multi-part analytical questions
- hybrid: graph plus vector fusion, for planning and relationship queries

Reply with exactly two tokens: the strategy name and your confidence between 0.0 and 1.0.

Query: %s`

func (c *llmClassifier) Classify(ctx context.Context, req *core.RetrievalRequest) (core.Strategy, float64) {
	var reply string
	err := c.pool.do(ctx, c.timeout, func(callCtx context.Context) error {
		var genErr error
		reply, genErr = c.reasoner.Generate(callCtx, fmt.Sprintf(classifierPrompt, req.Query), 32, 0)
		return genErr
	})
	if err != nil {
		return "", 0
	}

	fields := strings.Fields(strings.ToLower(strings.TrimSpace(reply)))
	if len(fields) < 2 {
		return "", 0
	}
	strategy := core.Strategy(strings.Trim(fields[0], ".,:"))
	confidence, convErr := strconv.ParseFloat(strings.Trim(fields[1], ".,:"), 64)
	if convErr != nil || !core.ValidStrategy(strategy) {
		return "", 0
	}
	return strategy, confidence
}

// heuristicClassifier applies keyword rules in priority order. It is
// the terminal classifier: every query gets a proposal at confidence 1.
type heuristicClassifier struct{}

var planningKeywords = []string{
	"plan", "planning", "roadmap", "milestone", "dependencies",
	"architecture", "relates", "related", "connection",
}

var explainPrefixes = []string{"how", "what", "explain"}

var pronounMarkers = []string{"it", "that", "this", "they", "them", "those", "these"}

func (h *heuristicClassifier) Classify(ctx context.Context, req *core.RetrievalRequest) (core.Strategy, float64) {
	query := strings.ToLower(strings.TrimSpace(req.Query))
	words := strings.Fields(query)

	for _, kw := range planningKeywords {
		if containsWord(words, kw) {
			return core.StrategyHybrid, 1
		}
	}

	// Multi-clause or stacked questions suggest an analytical query.
	if strings.Count(query, "?") > 1 || (strings.Contains(query, " and ") && strings.Contains(query, "?")) {
		return core.StrategyReflective, 1
	}

	if len(req.Context) > 0 {
		for _, marker := range pronounMarkers {
			if containsWord(words, marker) {
				return core.StrategyTransform, 1
			}
		}
	}

	if len(words) < 5 {
		return core.StrategyHyDE, 1
	}
	for _, prefix := range explainPrefixes {
		if strings.HasPrefix(query, prefix) {
			return core.StrategyHyDE, 1
		}
	}

	return core.StrategyRerank, 1
}

func containsWord(words []string, target string) bool {
	for _, w := range words {
		if strings.Trim(w, ".,!?;:") == target {
			return true
		}
	}
	return false
}
