// Package memory implements the lifecycle engine for long-term agent
// memory: the consolidation state machine, usefulness scoring,
// cache-style pruning, and versioning through supersession chains.
//
// A record moves through consolidation states as it ages:
// newly written memories are unconsolidated, a consolidation pass
// promotes them to consolidated, and retrieval makes them labile for a
// bounded reconsolidation window during which they may be revised.
// Revision never mutates content in place: it writes a new record at
// version+1 and marks the original superseded.
//
// Architecture:
//   - Store: persistence backend (memstore for local, pgvector for production)
//   - Embedder: text-to-vector conversion (onnx local model, mock for tests)
//   - Engine: orchestrates remember, labile windows, revision, scoring, pruning
//
// The retrieval orchestrator (package retrieval) consumes this package
// read-mostly: it searches the Store and calls back into the Engine only
// for access bookkeeping and labile marking.
package memory
