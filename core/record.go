package core

import (
	"time"
)

// MemoryType classifies a memory record. The type feeds into usefulness
// scoring: decisions and patterns are worth more than ambient context.
type MemoryType string

const (
	TypeFact     MemoryType = "fact"
	TypePattern  MemoryType = "pattern"
	TypeDecision MemoryType = "decision"
	TypeContext  MemoryType = "context"
	TypeTask     MemoryType = "task"
)

// ValidType reports whether t is a known memory type.
func ValidType(t MemoryType) bool {
	switch t {
	case TypeFact, TypePattern, TypeDecision, TypeContext, TypeTask:
		return true
	}
	return false
}

// ConsolidationState is the lifecycle state of a memory record.
//
// State machine (initial: unconsolidated, terminal: superseded):
//
//	unconsolidated -> consolidating -> consolidated
//	consolidated --(retrieved)--> labile
//	labile --(window expires untouched)--> consolidated
//	labile --(revised within window)--> reconsolidating -> consolidated (new version)
//	any state --(explicit replace)--> superseded (old) + unconsolidated (new)
type ConsolidationState string

const (
	StateUnconsolidated  ConsolidationState = "unconsolidated"
	StateConsolidating   ConsolidationState = "consolidating"
	StateConsolidated    ConsolidationState = "consolidated"
	StateLabile          ConsolidationState = "labile"
	StateReconsolidating ConsolidationState = "reconsolidating"
	StateSuperseded      ConsolidationState = "superseded"
)

// MemoryRecord is the unit of knowledge.
//
// Records are created by the lifecycle engine and mutated only by it
// (state transitions, scores) and by the retrieval orchestrator (access
// bookkeeping). A record is never updated in place when its content
// changes: revision produces a new record and marks the old one
// superseded, linked through SupersededBy.
type MemoryRecord struct {
	// ID is assigned by the store on insert. Zero means unsaved.
	ID int64

	Content string
	Type    MemoryType
	Tags    []string

	// Project scopes the record; retrieval and pruning are per-project.
	Project string

	// Embedding is produced at write time and immutable afterwards.
	Embedding []float32

	// UsefulnessScore is in [0,1] and is set exclusively by the scoring
	// pass. Callers never write it directly.
	UsefulnessScore float64

	AccessCount   int
	LastAccessed  *time.Time
	LastRetrieved *time.Time

	State ConsolidationState

	// Version starts at 1 and strictly increases across the supersession
	// chain. The chain is acyclic by construction: a record can be
	// superseded at most once.
	Version      int
	SupersededBy *int64

	CreatedAt time.Time
}

// NewRecord validates inputs and builds an unconsolidated record ready
// for embedding and insertion. It returns a *ValidationError on empty
// content or project, or an unknown type.
func NewRecord(project, content string, memType MemoryType, tags []string) (*MemoryRecord, error) {
	if content == "" {
		return nil, &ValidationError{Field: "content", Reason: "content must not be empty"}
	}
	if project == "" {
		return nil, &ValidationError{Field: "project", Reason: "project must not be empty"}
	}
	if memType == "" {
		memType = TypeContext
	}
	if !ValidType(memType) {
		return nil, &ValidationError{Field: "type", Reason: "unknown memory type: " + string(memType)}
	}

	// Deduplicate tags; insertion order is irrelevant.
	seen := make(map[string]struct{}, len(tags))
	var clean []string
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		clean = append(clean, tag)
	}

	return &MemoryRecord{
		Content:   content,
		Type:      memType,
		Tags:      clean,
		Project:   project,
		State:     StateUnconsolidated,
		Version:   1,
		CreatedAt: time.Now(),
	}, nil
}

// RevisionEntry is an append-only audit record written whenever a memory
// is revised during its reconsolidation window.
type RevisionEntry struct {
	ID         string
	OriginalID int64
	NewID      int64
	Reason     string
	Confidence float64
	Timestamp  time.Time
}
