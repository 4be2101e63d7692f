// Package vectorstore persists chunk embeddings and runs hybrid retrieval.
package vectorstore

import (
	"context"
	"time"

	"github.com/signal305/rag-service/internal/scope"
)

// Chunk is one indexed chunk with its text and display metadata.
type Chunk struct {
	ChunkID      string    `json:"chunk_id"`
	ParentDocID  string    `json:"parent_doc_id"`
	Text         string    `json:"text"`
	Title        string    `json:"title"`
	Section      string    `json:"section"`
	Summary      string    `json:"summary"`
	WhyThisChunk string    `json:"why_this_chunk"`
	DocType      string    `json:"doc_type"`
	Pages        []int     `json:"pages"`
	StartChar    int       `json:"start_char"`
	EndChar      int       `json:"end_char"`
	Metadata     string    `json:"metadata,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Scope        scope.Key `json:"-"`
}

// Result is one hybrid search hit.
type Result struct {
	// UUID is the vector store object id, usable as a graph seed.
	UUID  string
	Score float64
	Chunk Chunk
}

// VectorStore stores chunk vectors and serves scope-filtered hybrid search.
type VectorStore interface {
	// EnsureCollection creates the chunk collection when absent.
	EnsureCollection(ctx context.Context) error

	// InsertChunks stores chunks with their vectors. vectors[i] belongs
	// to chunks[i].
	InsertChunks(ctx context.Context, chunks []Chunk, vectors [][]float32) ([]string, error)

	// HybridSearch mixes BM25 and vector similarity with alpha and
	// applies the caller's visibility as a filter.
	HybridSearch(ctx context.Context, query string, vector []float32, alpha float32, limit int, vis scope.Visibility) ([]Result, error)

	// FetchByUUIDs loads chunks by object id, visibility filtered.
	FetchByUUIDs(ctx context.Context, uuids []string, vis scope.Visibility) ([]Result, error)

	// DeleteByDoc removes all chunks of one document.
	DeleteByDoc(ctx context.Context, docID string) error

	// DeleteByTenant removes all chunks of one tenant (admin reset).
	DeleteByTenant(ctx context.Context, tenantID string) error

	// DeleteAll drops and recreates the collection (admin global reset).
	DeleteAll(ctx context.Context) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
