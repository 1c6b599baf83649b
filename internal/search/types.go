// Package search maintains the per-project search indices: it writes
// chunks, embeddings, and metadata to the BM25, vector, and SQLite stores
// in lockstep, and removes them the same way. Query-side ranking lives in
// internal/retrieval; this package is the write path the index coordinator
// drives.
package search

import (
	"time"

	"github.com/codeintel/corpusindex/internal/store"
)

// EngineStats describes the current size of the maintained indices.
type EngineStats struct {
	// BM25Stats contains BM25 index statistics.
	BM25Stats *store.IndexStats

	// VectorCount is the number of vectors in the store.
	VectorCount int
}

// EngineConfig configures the index engine.
type EngineConfig struct {
	// IndexTimeout is the maximum duration for a single incremental
	// index batch (default: 5s).
	IndexTimeout time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() EngineConfig {
	return EngineConfig{
		IndexTimeout: 5 * time.Second,
	}
}
