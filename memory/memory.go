package memory

import (
	"context"
	"errors"
	"time"

	"github.com/engramlabs/engram/core"
)

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), onnx (local models), or an API-backed
// embedder supplied by the caller.
//
// Note: Embedder is an implementation detail of the lifecycle engine and
// the retrieval orchestrator. Collaborators never interact with it
// directly.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Reasoner is the reasoning provider consumed by the retrieval
// orchestrator: free-form generation plus pointwise relevance scoring.
// Implementations: claude (Anthropic Messages API), or test fakes.
type Reasoner interface {
	// Generate returns generated text for the prompt.
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)

	// ScoreRelevance rates how relevant document is to query, in [0,1].
	ScoreRelevance(ctx context.Context, query, document string) (float64, error)
}

// ErrConflict is returned by Store implementations when a conditional
// state transition loses the compare-and-set race: the record's
// (state, version) no longer match what the caller observed.
var ErrConflict = errors.New("memory: concurrent state transition conflict")

// ErrNotFound is returned by Store implementations when no record has
// the requested ID.
var ErrNotFound = errors.New("memory: record not found")

// Filter restricts search and listing to a project and optionally one
// memory type. Superseded records are always excluded from search.
type Filter struct {
	Project string
	Type    core.MemoryType
}

// SearchHit pairs a record with its similarity to the query.
type SearchHit struct {
	Record     *core.MemoryRecord
	Similarity float64
}

// Store is the persistence backend: a relational store with
// vector-similarity and full-text query support.
// Implementations: memstore (embedded, tests and local development),
// postgres (pgvector, production).
//
// All conditional mutations use compare-and-set semantics on the
// record's current (state, version); a lost race yields ErrConflict.
type Store interface {
	// Insert persists a new record and returns its assigned ID.
	Insert(ctx context.Context, rec *core.MemoryRecord) (int64, error)

	// Get retrieves a record by ID. Returns ErrNotFound when absent.
	Get(ctx context.Context, id int64) (*core.MemoryRecord, error)

	// List returns all non-superseded records matching the filter.
	// Used by the batch scoring and pruning passes.
	List(ctx context.Context, f Filter) ([]*core.MemoryRecord, error)

	// VectorSearch returns up to limit records ranked by cosine
	// similarity to the embedding, best first.
	VectorSearch(ctx context.Context, embedding []float32, f Filter, limit int) ([]SearchHit, error)

	// FullTextSearch returns up to limit records ranked by lexical
	// relevance to the text, best first.
	FullTextSearch(ctx context.Context, text string, f Filter, limit int) ([]SearchHit, error)

	// TransitionState moves a record from (fromState, fromVersion) to
	// toState atomically. Returns ErrConflict when the record has moved.
	TransitionState(ctx context.Context, id int64, fromState core.ConsolidationState, fromVersion int, toState core.ConsolidationState) error

	// MarkRetrieved stamps LastRetrieved as part of the consolidated ->
	// labile transition. Same CAS contract as TransitionState.
	MarkRetrieved(ctx context.Context, id int64, fromVersion int, at time.Time) error

	// TouchAccess increments AccessCount and stamps LastAccessed.
	// Pure bookkeeping, no CAS: concurrent touches may interleave.
	TouchAccess(ctx context.Context, id int64, at time.Time) error

	// UpdateScore writes a recomputed usefulness score.
	UpdateScore(ctx context.Context, id int64, score float64) error

	// Supersede atomically marks the old record superseded (CAS on its
	// current state and version), inserts the replacement, and links
	// them through SupersededBy. Returns the new record's ID.
	Supersede(ctx context.Context, oldID int64, oldState core.ConsolidationState, oldVersion int, replacement *core.MemoryRecord) (int64, error)

	// Predecessor returns the record whose SupersededBy points at id,
	// or nil when id is the lineage root.
	Predecessor(ctx context.Context, id int64) (*core.MemoryRecord, error)

	// AppendRevision appends an audit entry for a completed revision.
	AppendRevision(ctx context.Context, entry core.RevisionEntry) error

	// Revisions returns all audit entries whose OriginalID or NewID is
	// part of the given record's lineage, oldest first.
	Revisions(ctx context.Context, id int64) ([]core.RevisionEntry, error)

	// Delete removes a record permanently. Pruning is destructive and
	// irreversible.
	Delete(ctx context.Context, id int64) error

	// Aggregate returns count and mean usefulness score for the filter,
	// used for before/after prune logging.
	Aggregate(ctx context.Context, f Filter) (count int, meanScore float64, err error)

	// Close releases resources.
	Close() error
}
