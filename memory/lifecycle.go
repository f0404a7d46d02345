package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/engramlabs/engram/core"
)

// Engine owns the memory lifecycle: creation, consolidation, labile
// windows, revision, and history. Scoring and pruning live in scoring.go.
//
// Per-record state transitions are strictly ordered through the store's
// compare-and-set contract; there is no ordering guarantee across
// different records.
type Engine struct {
	store    Store
	embedder Embedder
	config   *Config
	logger   *logrus.Logger

	// now is swappable so tests can control the reconsolidation window.
	now func() time.Time
}

// Config holds lifecycle engine configuration.
type Config struct {
	// ReconsolidationWindow is how long a retrieved memory stays
	// revisable. Default: 5 minutes.
	ReconsolidationWindow time.Duration

	// EmbedTimeout bounds embedding provider calls. Default: 10s.
	EmbedTimeout time.Duration

	// PruneScoreThreshold is the usefulness score below which a record
	// becomes a prune candidate. Default: 0.2.
	PruneScoreThreshold float64

	// PruneAgeDays is the minimum staleness, in days since last access,
	// for a prune candidate. Default: 90.
	PruneAgeDays int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReconsolidationWindow: 5 * time.Minute,
		EmbedTimeout:          10 * time.Second,
		PruneScoreThreshold:   0.2,
		PruneAgeDays:          90,
	}
}

// NewEngine creates a lifecycle engine. A nil config or logger falls
// back to defaults.
func NewEngine(store Store, embedder Embedder, config *Config, logger *logrus.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// Remember validates, embeds, and persists a new memory record in state
// unconsolidated. The returned ID is the store-assigned identity.
func (e *Engine) Remember(ctx context.Context, project, content string, memType core.MemoryType, tags []string) (int64, error) {
	rec, err := core.NewRecord(project, content, memType, tags)
	if err != nil {
		return 0, err
	}

	embedCtx, cancel := context.WithTimeout(ctx, e.config.EmbedTimeout)
	defer cancel()
	embedding, err := e.embedder.Embed(embedCtx, content)
	if err != nil {
		return 0, &core.EmbeddingFailure{Err: err}
	}
	rec.Embedding = embedding

	id, err := e.store.Insert(ctx, rec)
	if err != nil {
		return 0, &core.StorageError{Op: "insert", Err: err}
	}

	e.logger.WithFields(logrus.Fields{
		"component": "lifecycle",
		"id":        id,
		"project":   project,
		"type":      memType,
	}).Debug("memory recorded")

	return id, nil
}

// MarkLabile opens the reconsolidation window for a record that was just
// retrieved: consolidated records move to labile with LastRetrieved
// stamped. Idempotent: a record already labile is left untouched (the
// window is not extended by repeat reads), and records in any other
// state are ignored since only consolidated memories can become labile.
func (e *Engine) MarkLabile(ctx context.Context, id int64) error {
	rec, err := e.get(ctx, id)
	if err != nil {
		return err
	}

	switch rec.State {
	case core.StateConsolidated:
		// Fall through to the transition below.
	case core.StateLabile:
		return nil
	default:
		return nil
	}

	err = e.store.MarkRetrieved(ctx, id, rec.Version, e.now())
	if errors.Is(err, ErrConflict) {
		// Another reader won the race; the record is labile either way.
		return nil
	}
	if err != nil {
		return &core.StorageError{Op: "mark labile", Err: err}
	}
	return nil
}

// InReconsolidationWindow reports whether the record is labile and its
// window has not yet expired.
func (e *Engine) InReconsolidationWindow(ctx context.Context, id int64) (bool, error) {
	rec, err := e.get(ctx, id)
	if err != nil {
		return false, err
	}
	return e.windowOpen(rec), nil
}

func (e *Engine) windowOpen(rec *core.MemoryRecord) bool {
	if rec.State != core.StateLabile || rec.LastRetrieved == nil {
		return false
	}
	return e.now().Sub(*rec.LastRetrieved) < e.config.ReconsolidationWindow
}

// Revise replaces a labile record's content inside its reconsolidation
// window. The original is marked superseded and a new record at
// version+1 is written, already consolidated. Revising outside the
// window, or losing the race to a concurrent revision, fails with a
// ValidationError: the window is consumed by the first writer.
func (e *Engine) Revise(ctx context.Context, id int64, newContent, reason string, confidence float64) (int64, error) {
	if newContent == "" {
		return 0, &core.ValidationError{Field: "content", Reason: "content must not be empty"}
	}

	rec, err := e.get(ctx, id)
	if err != nil {
		return 0, err
	}
	if !e.windowOpen(rec) {
		return 0, &core.ValidationError{Field: "id", Reason: fmt.Sprintf("record %d is not in its reconsolidation window", id)}
	}

	embedCtx, cancel := context.WithTimeout(ctx, e.config.EmbedTimeout)
	defer cancel()
	embedding, err := e.embedder.Embed(embedCtx, newContent)
	if err != nil {
		return 0, &core.EmbeddingFailure{Err: err}
	}

	replacement := &core.MemoryRecord{
		Content:   newContent,
		Type:      rec.Type,
		Tags:      rec.Tags,
		Project:   rec.Project,
		Embedding: embedding,
		State:     core.StateConsolidated,
		Version:   rec.Version + 1,
		CreatedAt: e.now(),
	}

	newID, err := e.store.Supersede(ctx, id, core.StateLabile, rec.Version, replacement)
	if errors.Is(err, ErrConflict) {
		return 0, &core.ValidationError{Field: "id", Reason: fmt.Sprintf("reconsolidation window for record %d already consumed", id)}
	}
	if err != nil {
		return 0, &core.StorageError{Op: "supersede", Err: err}
	}

	entry := core.RevisionEntry{
		ID:         uuid.New().String(),
		OriginalID: id,
		NewID:      newID,
		Reason:     reason,
		Confidence: confidence,
		Timestamp:  e.now(),
	}
	if err := e.store.AppendRevision(ctx, entry); err != nil {
		return 0, &core.StorageError{Op: "append revision", Err: err}
	}

	e.logger.WithFields(logrus.Fields{
		"component":  "lifecycle",
		"original":   id,
		"revised":    newID,
		"reason":     reason,
		"confidence": confidence,
	}).Info("memory reconsolidated")

	return newID, nil
}

// History returns every version in the record's lineage, oldest first.
// The supersession chain is acyclic by construction, so both walks
// terminate.
func (e *Engine) History(ctx context.Context, id int64) ([]*core.MemoryRecord, error) {
	rec, err := e.get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Walk backward to the lineage root.
	var back []*core.MemoryRecord
	cur := rec
	for {
		prev, err := e.store.Predecessor(ctx, cur.ID)
		if err != nil {
			return nil, &core.StorageError{Op: "predecessor", Err: err}
		}
		if prev == nil {
			break
		}
		back = append(back, prev)
		cur = prev
	}

	// Reverse into oldest-first order, then walk forward from id.
	history := make([]*core.MemoryRecord, 0, len(back)+1)
	for i := len(back) - 1; i >= 0; i-- {
		history = append(history, back[i])
	}
	history = append(history, rec)

	cur = rec
	for cur.SupersededBy != nil {
		next, err := e.get(ctx, *cur.SupersededBy)
		if err != nil {
			return nil, err
		}
		history = append(history, next)
		cur = next
	}

	return history, nil
}

// Revisions returns the audit entries for the record's lineage.
func (e *Engine) Revisions(ctx context.Context, id int64) ([]core.RevisionEntry, error) {
	entries, err := e.store.Revisions(ctx, id)
	if err != nil {
		return nil, &core.StorageError{Op: "revisions", Err: err}
	}
	return entries, nil
}

// Forget deletes a record permanently.
func (e *Engine) Forget(ctx context.Context, id int64) error {
	if _, err := e.get(ctx, id); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return &core.StorageError{Op: "delete", Err: err}
	}
	e.logger.WithFields(logrus.Fields{"component": "lifecycle", "id": id}).Info("memory forgotten")
	return nil
}

// Consolidate promotes unconsolidated records in the project through
// consolidating to consolidated. Records that move concurrently are
// skipped; the next pass picks them up.
func (e *Engine) Consolidate(ctx context.Context, project string) (int, error) {
	records, err := e.store.List(ctx, Filter{Project: project})
	if err != nil {
		return 0, &core.StorageError{Op: "list", Err: err}
	}

	promoted := 0
	for _, rec := range records {
		if rec.State != core.StateUnconsolidated {
			continue
		}
		if err := e.store.TransitionState(ctx, rec.ID, core.StateUnconsolidated, rec.Version, core.StateConsolidating); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return promoted, &core.StorageError{Op: "consolidate", Err: err}
		}
		if err := e.store.TransitionState(ctx, rec.ID, core.StateConsolidating, rec.Version, core.StateConsolidated); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return promoted, &core.StorageError{Op: "consolidate", Err: err}
		}
		promoted++
	}

	// Expired labile windows settle back to consolidated.
	for _, rec := range records {
		if rec.State == core.StateLabile && !e.windowOpen(rec) {
			if err := e.store.TransitionState(ctx, rec.ID, core.StateLabile, rec.Version, core.StateConsolidated); err != nil && !errors.Is(err, ErrConflict) {
				return promoted, &core.StorageError{Op: "settle labile", Err: err}
			}
		}
	}

	if promoted > 0 {
		e.logger.WithFields(logrus.Fields{
			"component": "lifecycle",
			"project":   project,
			"promoted":  promoted,
		}).Debug("consolidation pass complete")
	}
	return promoted, nil
}

// Touch records an access for bookkeeping: AccessCount and LastAccessed.
// Called by the retrieval orchestrator for every returned candidate.
func (e *Engine) Touch(ctx context.Context, id int64) error {
	if err := e.store.TouchAccess(ctx, id, e.now()); err != nil {
		return &core.StorageError{Op: "touch", Err: err}
	}
	return nil
}

// Store exposes the underlying store for read access by the retrieval
// orchestrator.
func (e *Engine) Store() Store {
	return e.store
}

// Embedder exposes the embedding provider shared with the orchestrator.
func (e *Engine) Embedder() Embedder {
	return e.embedder
}

func (e *Engine) get(ctx context.Context, id int64) (*core.MemoryRecord, error) {
	rec, err := e.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &core.ValidationError{Field: "id", Reason: fmt.Sprintf("no memory record with id %d", id)}
	}
	if err != nil {
		return nil, &core.StorageError{Op: "get", Err: err}
	}
	return rec, nil
}
