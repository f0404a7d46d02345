// Package retrieval implements the adaptive retrieval orchestrator: it
// selects a retrieval strategy for each query (plain vector search,
// HyDE, LLM reranking, history-aware query transformation, iterative
// self-critique, or hybrid fusion), executes it under a timeout, falls
// back one level toward basic vector search on provider failure, and
// calibrates a confidence score that can trigger outright abstention.
//
// The orchestrator treats the lifecycle engine as read-mostly: it
// searches the store directly and calls back only for access
// bookkeeping and labile marking. Provider calls (embedding, reasoning)
// run on a bounded worker pool with explicit deadlines; deadline expiry
// is handled identically to a provider error.
package retrieval
