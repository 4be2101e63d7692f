// Package graphstore maintains the chunk/entity graph used for retrieval
// expansion and graph browsing.
package graphstore

import (
	"context"

	"github.com/signal305/rag-service/internal/scope"
)

// Entity is a named entity extracted from chunk text.
type Entity struct {
	EntityID     string `json:"entity_id"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	MentionCount int    `json:"mention_count,omitempty"`
}

// ChunkEntities links one indexed chunk to the entities it mentions.
type ChunkEntities struct {
	ChunkUUID string
	ChunkID   string
	Entities  []Entity
}

// ChunkRef points at an indexed chunk from the graph side.
type ChunkRef struct {
	UUID    string `json:"uuid"`
	ChunkID string `json:"chunk_id"`
	DocID   string `json:"doc_id"`
}

// Expansion is a chunk reached from the seed set through shared entities.
type Expansion struct {
	UUID           string
	SharedEntities []string
	Entities       []string
	SharedCount    int
}

// GraphStore persists chunk/entity relations and answers expansion queries.
type GraphStore interface {
	// Enabled reports whether a real graph backend is configured.
	Enabled() bool

	// EnsureConstraints creates uniqueness constraints when absent.
	EnsureConstraints(ctx context.Context) error

	// LinkChunkEntities merges chunks, entities and their MENTIONS edges
	// for one document.
	LinkChunkEntities(ctx context.Context, docID string, key scope.Key, links []ChunkEntities) error

	// ExpandBySharedEntities finds visible chunks that share entities
	// with the seeds, most shared first. Seeds are excluded and at most
	// entityLimit shared entity names are reported per chunk.
	ExpandBySharedEntities(ctx context.Context, seedUUIDs []string, vis scope.Visibility, limit, entityLimit int) ([]Expansion, error)

	// TopEntities returns the most mentioned visible entities, optionally
	// filtered by a name substring and an entity type.
	TopEntities(ctx context.Context, vis scope.Visibility, q, entityType string, limit int) ([]Entity, error)

	// ChunksForEntity returns visible chunks mentioning an entity.
	ChunksForEntity(ctx context.Context, vis scope.Visibility, entityID string, limit int) ([]ChunkRef, error)

	// EntitiesForDocument returns entities mentioned by a document's
	// visible chunks.
	EntitiesForDocument(ctx context.Context, vis scope.Visibility, docID string, limit int) ([]Entity, error)

	// DeleteByDoc removes a document's chunks and orphaned entities.
	DeleteByDoc(ctx context.Context, docID string) error

	// DeleteByTenant removes a tenant's chunks and orphaned entities.
	DeleteByTenant(ctx context.Context, tenantID string) error

	// DeleteAll wipes the graph.
	DeleteAll(ctx context.Context) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close(ctx context.Context) error
}

// Disabled is the graph store used when no backend is configured. Writes
// are no-ops and reads come back empty.
type Disabled struct{}

func (Disabled) Enabled() bool                                        { return false }
func (Disabled) EnsureConstraints(context.Context) error              { return nil }
func (Disabled) LinkChunkEntities(context.Context, string, scope.Key, []ChunkEntities) error {
	return nil
}
func (Disabled) ExpandBySharedEntities(context.Context, []string, scope.Visibility, int, int) ([]Expansion, error) {
	return nil, nil
}
func (Disabled) TopEntities(context.Context, scope.Visibility, string, string, int) ([]Entity, error) {
	return nil, nil
}
func (Disabled) ChunksForEntity(context.Context, scope.Visibility, string, int) ([]ChunkRef, error) {
	return nil, nil
}
func (Disabled) EntitiesForDocument(context.Context, scope.Visibility, string, int) ([]Entity, error) {
	return nil, nil
}
func (Disabled) DeleteByDoc(context.Context, string) error    { return nil }
func (Disabled) DeleteByTenant(context.Context, string) error { return nil }
func (Disabled) DeleteAll(context.Context) error              { return nil }
func (Disabled) Ping(context.Context) error                   { return nil }
func (Disabled) Close(context.Context) error                  { return nil }

// Ensure Disabled implements the interface
var _ GraphStore = Disabled{}
