// Package memstore provides an embedded, in-memory implementation of the
// memory.Store contract: cosine vector search, token-overlap full-text
// search, and compare-and-set state transitions. It backs local
// development and tests; production deployments use the postgres store.
package memstore

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/engramlabs/engram/core"
	"github.com/engramlabs/engram/memory"
)

// MemStore keeps all records in process memory, guarded by a single
// RWMutex. Search cost is linear in the number of records, which is
// acceptable at embedded scale.
type MemStore struct {
	mu        sync.RWMutex
	records   map[int64]*core.MemoryRecord
	revisions []core.RevisionEntry
	nextID    int64
}

// New creates an empty store.
func New() *MemStore {
	return &MemStore{
		records: make(map[int64]*core.MemoryRecord),
		nextID:  1,
	}
}

func (s *MemStore) Insert(ctx context.Context, rec *core.MemoryRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneRecord(rec)
	stored.ID = s.nextID
	s.nextID++
	s.records[stored.ID] = stored
	return stored.ID, nil
}

func (s *MemStore) Get(ctx context.Context, id int64) (*core.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, memory.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemStore) List(ctx context.Context, f memory.Filter) ([]*core.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.MemoryRecord
	for _, rec := range s.records {
		if !matches(rec, f) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) VectorSearch(ctx context.Context, embedding []float32, f memory.Filter, limit int) ([]memory.SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []memory.SearchHit
	for _, rec := range s.records {
		if !matches(rec, f) || len(rec.Embedding) == 0 {
			continue
		}
		sim := cosine(embedding, rec.Embedding)
		hits = append(hits, memory.SearchHit{Record: cloneRecord(rec), Similarity: sim})
	}
	rank(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *MemStore) FullTextSearch(ctx context.Context, text string, f memory.Filter, limit int) ([]memory.SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := tokenize(text)
	if len(query) == 0 {
		return nil, nil
	}

	var hits []memory.SearchHit
	for _, rec := range s.records {
		if !matches(rec, f) {
			continue
		}
		score := overlap(query, tokenize(rec.Content))
		if score == 0 {
			continue
		}
		hits = append(hits, memory.SearchHit{Record: cloneRecord(rec), Similarity: score})
	}
	rank(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *MemStore) TransitionState(ctx context.Context, id int64, fromState core.ConsolidationState, fromVersion int, toState core.ConsolidationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return memory.ErrNotFound
	}
	if rec.State != fromState || rec.Version != fromVersion {
		return memory.ErrConflict
	}
	rec.State = toState
	return nil
}

func (s *MemStore) MarkRetrieved(ctx context.Context, id int64, fromVersion int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return memory.ErrNotFound
	}
	if rec.State != core.StateConsolidated || rec.Version != fromVersion {
		return memory.ErrConflict
	}
	rec.State = core.StateLabile
	t := at
	rec.LastRetrieved = &t
	return nil
}

func (s *MemStore) TouchAccess(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return memory.ErrNotFound
	}
	rec.AccessCount++
	t := at
	rec.LastAccessed = &t
	return nil
}

func (s *MemStore) UpdateScore(ctx context.Context, id int64, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return memory.ErrNotFound
	}
	rec.UsefulnessScore = score
	return nil
}

func (s *MemStore) Supersede(ctx context.Context, oldID int64, oldState core.ConsolidationState, oldVersion int, replacement *core.MemoryRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.records[oldID]
	if !ok {
		return 0, memory.ErrNotFound
	}
	if old.State != oldState || old.Version != oldVersion || old.SupersededBy != nil {
		return 0, memory.ErrConflict
	}

	stored := cloneRecord(replacement)
	stored.ID = s.nextID
	s.nextID++
	s.records[stored.ID] = stored

	old.State = core.StateSuperseded
	newID := stored.ID
	old.SupersededBy = &newID
	return newID, nil
}

func (s *MemStore) Predecessor(ctx context.Context, id int64) (*core.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if rec.SupersededBy != nil && *rec.SupersededBy == id {
			return cloneRecord(rec), nil
		}
	}
	return nil, nil
}

func (s *MemStore) AppendRevision(ctx context.Context, entry core.RevisionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revisions = append(s.revisions, entry)
	return nil
}

func (s *MemStore) Revisions(ctx context.Context, id int64) ([]core.RevisionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Collect the lineage IDs reachable from id in both directions.
	lineage := map[int64]bool{id: true}
	for changed := true; changed; {
		changed = false
		for _, rec := range s.records {
			if rec.SupersededBy == nil {
				continue
			}
			if lineage[rec.ID] && !lineage[*rec.SupersededBy] {
				lineage[*rec.SupersededBy] = true
				changed = true
			}
			if lineage[*rec.SupersededBy] && !lineage[rec.ID] {
				lineage[rec.ID] = true
				changed = true
			}
		}
	}

	var out []core.RevisionEntry
	for _, entry := range s.revisions {
		if lineage[entry.OriginalID] || lineage[entry.NewID] {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return memory.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemStore) Aggregate(ctx context.Context, f memory.Filter) (int, float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	sum := 0.0
	for _, rec := range s.records {
		if !matches(rec, f) {
			continue
		}
		count++
		sum += rec.UsefulnessScore
	}
	mean := 0.0
	if count > 0 {
		mean = sum / float64(count)
	}
	return count, mean, nil
}

func (s *MemStore) Close() error {
	return nil
}

// matches applies the filter and always excludes superseded records.
func matches(rec *core.MemoryRecord, f memory.Filter) bool {
	if rec.State == core.StateSuperseded {
		return false
	}
	if f.Project != "" && rec.Project != f.Project {
		return false
	}
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	return true
}

func rank(hits []memory.SearchHit) {
	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Cosine lands in [-1,1]; similarity is reported in [0,1].
	return math.Max(0, math.Min(1, sim))
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()")
		if len(word) > 1 {
			tokens[word] = true
		}
	}
	return tokens
}

func overlap(query, doc map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for tok := range query {
		if doc[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}

func cloneRecord(rec *core.MemoryRecord) *core.MemoryRecord {
	out := *rec
	if rec.Tags != nil {
		out.Tags = append([]string(nil), rec.Tags...)
	}
	if rec.Embedding != nil {
		out.Embedding = append([]float32(nil), rec.Embedding...)
	}
	if rec.LastAccessed != nil {
		t := *rec.LastAccessed
		out.LastAccessed = &t
	}
	if rec.LastRetrieved != nil {
		t := *rec.LastRetrieved
		out.LastRetrieved = &t
	}
	if rec.SupersededBy != nil {
		id := *rec.SupersededBy
		out.SupersededBy = &id
	}
	return &out
}

// Compile-time interface check.
var _ memory.Store = (*MemStore)(nil)
