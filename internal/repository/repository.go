// Package repository defines the document model and the MetaStore interface.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/signal305/rag-service/internal/scope"
)

// ErrNotFound is returned when a requested document does not exist or is not
// visible to the caller.
var ErrNotFound = errors.New("not found")

// Status is the coarse lifecycle state of a document.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusIndexed    Status = "indexed"
	StatusFailed     Status = "failed"
)

// ParseStatus validates a status filter string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusQueued, StatusProcessing, StatusIndexed, StatusFailed:
		return Status(s), nil
	}
	return "", errors.New("invalid status: " + s)
}

// Document represents an ingested document.
type Document struct {
	DocID        string    `json:"doc_id"`
	Scope        scope.Key `json:"-"`
	Filename     string    `json:"filename"`
	ContentType  string    `json:"content_type"`
	StoragePath  string    `json:"-"`
	Status       Status    `json:"status"`
	Stage        string    `json:"stage"`
	Progress     int       `json:"progress"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ChunkCount   int       `json:"chunk_count"`
	EntityCount  int       `json:"entity_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StatusCounts aggregates documents by status within a visibility set.
type StatusCounts struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Indexed    int `json:"indexed"`
	Failed     int `json:"failed"`
}

// SortColumns lists the columns List accepts for ordering.
var SortColumns = map[string]bool{
	"created_at":   true,
	"updated_at":   true,
	"filename":     true,
	"status":       true,
	"stage":        true,
	"progress":     true,
	"chunk_count":  true,
	"entity_count": true,
}

// ListOptions control pagination and ordering for List.
type ListOptions struct {
	Status Status // empty means all
	Limit  int
	Offset int
	Sort   string // one of SortColumns; default created_at
	Order  string // asc or desc; default desc
}

// Fields holds the mutable columns the worker updates. Nil pointers are
// left untouched; the whole update is a single statement, atomic per row.
type Fields struct {
	Status       *Status
	Stage        *string
	Progress     *int
	ErrorMessage *string
	ChunkCount   *int
	EntityCount  *int
}

// DocumentRepository is the MetaStore: canonical document rows with
// visibility-filtered reads.
type DocumentRepository interface {
	Insert(ctx context.Context, doc *Document) error

	// GetByID returns ErrNotFound when the row is absent or outside the
	// caller's visibility.
	GetByID(ctx context.Context, vis scope.Visibility, docID string) (*Document, error)

	List(ctx context.Context, vis scope.Visibility, opts ListOptions) ([]*Document, error)

	// ListActive returns documents in queued or processing state.
	ListActive(ctx context.Context, vis scope.Visibility, limit int) ([]*Document, error)

	CountsByStatus(ctx context.Context, vis scope.Visibility) (StatusCounts, error)

	// Get loads a row without a visibility filter; used by the worker,
	// which acts on jobs rather than on behalf of a caller.
	Get(ctx context.Context, docID string) (*Document, error)

	// UpdateFields applies the non-nil fields in a single statement.
	UpdateFields(ctx context.Context, docID string, fields Fields) error

	// CountsAll aggregates every row regardless of visibility (admin).
	CountsAll(ctx context.Context) (StatusCounts, error)

	// DeleteByTenant removes all rows for a tenant (admin reset) and
	// returns the deleted doc ids so dependent stores can be cleaned.
	DeleteByTenant(ctx context.Context, tenantID string) ([]string, error)

	// DeleteAll removes every row (admin global reset).
	DeleteAll(ctx context.Context) (int64, error)
}
