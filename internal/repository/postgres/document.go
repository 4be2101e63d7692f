package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/signal305/rag-service/internal/repository"
	"github.com/signal305/rag-service/internal/scope"
)

const documentColumns = `doc_id, tenant_id, scope, workspace_id, principal_id, filename, content_type,
	storage_path, status, stage, progress, error_message, chunk_count, entity_count, created_at, updated_at`

// DocumentRepo implements repository.DocumentRepository
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new document repository
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

// visibilityPredicate renders the scope-membership rule as SQL. Args are
// appended to base and the predicate references them positionally.
func visibilityPredicate(vis scope.Visibility, base []any) (string, []any) {
	args := append(base, vis.TenantID)
	tenantArg := len(args)

	clauses := []string{fmt.Sprintf("(tenant_id = $%d AND scope = 'tenant')", tenantArg)}

	if vis.WorkspaceID != "" {
		args = append(args, vis.WorkspaceID)
		wsArg := len(args)
		clauses = append(clauses, fmt.Sprintf(
			"(tenant_id = $%d AND scope = 'workspace' AND workspace_id = $%d)", tenantArg, wsArg))

		if vis.PrincipalID != "" {
			args = append(args, vis.PrincipalID)
			prArg := len(args)
			clauses = append(clauses, fmt.Sprintf(
				"(tenant_id = $%d AND scope = 'user' AND workspace_id = $%d AND principal_id = $%d)",
				tenantArg, wsArg, prArg))
		}
	}

	return "(" + strings.Join(clauses, " OR ") + ")", args
}

// Insert creates a new document row.
func (r *DocumentRepo) Insert(ctx context.Context, doc *repository.Document) error {
	query := `
		INSERT INTO documents (doc_id, tenant_id, scope, workspace_id, principal_id, filename, content_type,
			storage_path, status, stage, progress, error_message, chunk_count, entity_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		doc.DocID, doc.Scope.TenantID, string(doc.Scope.Scope),
		nullable(doc.Scope.WorkspaceID), nullable(doc.Scope.PrincipalID),
		doc.Filename, doc.ContentType, doc.StoragePath,
		string(doc.Status), doc.Stage, doc.Progress, nullable(doc.ErrorMessage),
		doc.ChunkCount, doc.EntityCount, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// GetByID retrieves a document by ID within the caller's visibility.
func (r *DocumentRepo) GetByID(ctx context.Context, vis scope.Visibility, docID string) (*repository.Document, error) {
	predicate, args := visibilityPredicate(vis, []any{docID})
	query := `SELECT ` + documentColumns + ` FROM documents WHERE doc_id = $1 AND ` + predicate
	return r.scanDocument(ctx, query, args...)
}

// Get retrieves a document by ID without a visibility filter (worker side).
func (r *DocumentRepo) Get(ctx context.Context, docID string) (*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE doc_id = $1`
	return r.scanDocument(ctx, query, docID)
}

func (r *DocumentRepo) scanDocument(ctx context.Context, query string, args ...any) (*repository.Document, error) {
	row := r.db.Pool.QueryRow(ctx, query, args...)
	doc, err := scanDocumentRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocumentRow(row rowScanner) (*repository.Document, error) {
	var doc repository.Document
	var scopeStr string
	var workspaceID, principalID, errorMessage *string

	err := row.Scan(
		&doc.DocID, &doc.Scope.TenantID, &scopeStr, &workspaceID, &principalID,
		&doc.Filename, &doc.ContentType, &doc.StoragePath,
		&doc.Status, &doc.Stage, &doc.Progress, &errorMessage,
		&doc.ChunkCount, &doc.EntityCount, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	doc.Scope.Scope = scope.Scope(scopeStr)
	if workspaceID != nil {
		doc.Scope.WorkspaceID = *workspaceID
	}
	if principalID != nil {
		doc.Scope.PrincipalID = *principalID
	}
	if errorMessage != nil {
		doc.ErrorMessage = *errorMessage
	}
	return &doc, nil
}

// List retrieves visible documents with filtering, sorting and pagination.
func (r *DocumentRepo) List(ctx context.Context, vis scope.Visibility, opts repository.ListOptions) ([]*repository.Document, error) {
	sortCol := opts.Sort
	if sortCol == "" {
		sortCol = "created_at"
	}
	if !repository.SortColumns[sortCol] {
		return nil, fmt.Errorf("invalid sort column: %s", sortCol)
	}
	order := strings.ToUpper(opts.Order)
	if order == "" {
		order = "DESC"
	}
	if order != "ASC" && order != "DESC" {
		return nil, fmt.Errorf("invalid order: %s", opts.Order)
	}

	predicate, args := visibilityPredicate(vis, nil)
	query := `SELECT ` + documentColumns + ` FROM documents WHERE ` + predicate

	if opts.Status != "" {
		args = append(args, string(opts.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	query += fmt.Sprintf(" ORDER BY %s %s, doc_id ASC", sortCol, order)

	args = append(args, opts.Limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, opts.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	return r.queryDocuments(ctx, query, args...)
}

// ListActive returns visible documents that are queued or processing.
func (r *DocumentRepo) ListActive(ctx context.Context, vis scope.Visibility, limit int) ([]*repository.Document, error) {
	predicate, args := visibilityPredicate(vis, nil)
	query := `SELECT ` + documentColumns + ` FROM documents WHERE ` + predicate +
		` AND status IN ('queued', 'processing') ORDER BY created_at DESC`
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	return r.queryDocuments(ctx, query, args...)
}

func (r *DocumentRepo) queryDocuments(ctx context.Context, query string, args ...any) ([]*repository.Document, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*repository.Document
	for rows.Next() {
		doc, err := scanDocumentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CountsByStatus aggregates visible documents by status.
func (r *DocumentRepo) CountsByStatus(ctx context.Context, vis scope.Visibility) (repository.StatusCounts, error) {
	predicate, args := visibilityPredicate(vis, nil)
	query := `SELECT status, COUNT(*) FROM documents WHERE ` + predicate + ` GROUP BY status`

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return repository.StatusCounts{}, fmt.Errorf("failed to count documents: %w", err)
	}
	defer rows.Close()
	return scanCounts(rows)
}

func scanCounts(rows pgx.Rows) (repository.StatusCounts, error) {
	var counts repository.StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return repository.StatusCounts{}, fmt.Errorf("failed to scan counts: %w", err)
		}
		switch repository.Status(status) {
		case repository.StatusQueued:
			counts.Queued = n
		case repository.StatusProcessing:
			counts.Processing = n
		case repository.StatusIndexed:
			counts.Indexed = n
		case repository.StatusFailed:
			counts.Failed = n
		}
	}
	counts.Total = counts.Queued + counts.Processing + counts.Indexed + counts.Failed
	return counts, rows.Err()
}

// UpdateFields applies the non-nil fields in one statement.
func (r *DocumentRepo) UpdateFields(ctx context.Context, docID string, fields repository.Fields) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{docID}

	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if fields.Status != nil {
		add("status", string(*fields.Status))
	}
	if fields.Stage != nil {
		add("stage", *fields.Stage)
	}
	if fields.Progress != nil {
		add("progress", *fields.Progress)
	}
	if fields.ErrorMessage != nil {
		add("error_message", *fields.ErrorMessage)
	}
	if fields.ChunkCount != nil {
		add("chunk_count", *fields.ChunkCount)
	}
	if fields.EntityCount != nil {
		add("entity_count", *fields.EntityCount)
	}

	query := `UPDATE documents SET ` + strings.Join(sets, ", ") + ` WHERE doc_id = $1`
	result, err := r.db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CountsAll aggregates all documents by status, across every tenant.
func (r *DocumentRepo) CountsAll(ctx context.Context) (repository.StatusCounts, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return repository.StatusCounts{}, fmt.Errorf("failed to count documents: %w", err)
	}
	defer rows.Close()
	return scanCounts(rows)
}

// DeleteByTenant removes all rows for a tenant and returns the deleted ids.
func (r *DocumentRepo) DeleteByTenant(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `DELETE FROM documents WHERE tenant_id = $1 RETURNING doc_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete tenant documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan deleted doc id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteAll removes every row.
func (r *DocumentRepo) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM documents`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	return result.RowsAffected(), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Ensure DocumentRepo implements the interface
var _ repository.DocumentRepository = (*DocumentRepo)(nil)
