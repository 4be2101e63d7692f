package vectorstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/signal305/rag-service/internal/scope"
)

// Weaviate implements VectorStore on a Weaviate collection. Vectors are
// provided externally, the collection has no vectorizer.
type Weaviate struct {
	client *weaviate.Client
	class  string
}

// NewWeaviate creates a vector store on the given collection class.
func NewWeaviate(scheme, host, class string) *Weaviate {
	return &Weaviate{
		client: weaviate.New(weaviate.Config{Scheme: scheme, Host: host}),
		class:  class,
	}
}

// chunkProperties lists every property the collection carries.
var chunkProperties = []*models.Property{
	{Name: "text", DataType: []string{"text"}},
	{Name: "title", DataType: []string{"text"}},
	{Name: "section", DataType: []string{"text"}},
	{Name: "summary", DataType: []string{"text"}},
	{Name: "whyThisChunk", DataType: []string{"text"}},
	{Name: "docType", DataType: []string{"text"}},
	{Name: "chunkId", DataType: []string{"text"}},
	{Name: "parentDocId", DataType: []string{"text"}},
	{Name: "pages", DataType: []string{"int[]"}},
	{Name: "startChar", DataType: []string{"int"}},
	{Name: "endChar", DataType: []string{"int"}},
	{Name: "metadata", DataType: []string{"text"}},
	{Name: "createdAt", DataType: []string{"date"}},
	{Name: "tenantId", DataType: []string{"text"}},
	{Name: "scope", DataType: []string{"text"}},
	{Name: "workspaceId", DataType: []string{"text"}},
	{Name: "principalId", DataType: []string{"text"}},
}

// EnsureCollection creates the chunk collection when absent.
func (w *Weaviate) EnsureCollection(ctx context.Context) error {
	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(w.class).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:      w.class,
		Vectorizer: "none",
		Properties: chunkProperties,
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// InsertChunks stores chunks in one batch and returns the object ids in
// chunk order.
func (w *Weaviate) InsertChunks(ctx context.Context, chunks []Chunk, vectors [][]float32) ([]string, error) {
	if len(chunks) != len(vectors) {
		return nil, fmt.Errorf("got %d chunks and %d vectors", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	ids := make([]string, len(chunks))
	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		ids[i] = uuid.New().String()
		objects[i] = &models.Object{
			Class:      w.class,
			ID:         strfmt.UUID(ids[i]),
			Vector:     models.C11yVector(vectors[i]),
			Properties: chunkToProperties(c),
		}
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to insert chunks: %w", err)
	}
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			return nil, fmt.Errorf("failed to insert chunk %s: %s",
				item.ID, item.Result.Errors.Error[0].Message)
		}
	}
	return ids, nil
}

func chunkToProperties(c Chunk) map[string]any {
	return map[string]any{
		"text":         c.Text,
		"title":        c.Title,
		"section":      c.Section,
		"summary":      c.Summary,
		"whyThisChunk": c.WhyThisChunk,
		"docType":      c.DocType,
		"chunkId":      c.ChunkID,
		"parentDocId":  c.ParentDocID,
		"pages":        c.Pages,
		"startChar":    c.StartChar,
		"endChar":      c.EndChar,
		"metadata":     c.Metadata,
		"createdAt":    c.CreatedAt.UTC().Format(time.RFC3339),
		"tenantId":     c.Scope.TenantID,
		"scope":        string(c.Scope.Scope),
		"workspaceId":  c.Scope.WorkspaceID,
		"principalId":  c.Scope.PrincipalID,
	}
}

func chunkFields() []graphql.Field {
	return []graphql.Field{
		{Name: "text"}, {Name: "title"}, {Name: "section"}, {Name: "summary"},
		{Name: "whyThisChunk"}, {Name: "docType"}, {Name: "chunkId"},
		{Name: "parentDocId"}, {Name: "pages"}, {Name: "startChar"},
		{Name: "endChar"}, {Name: "metadata"}, {Name: "createdAt"},
		{Name: "tenantId"}, {Name: "scope"}, {Name: "workspaceId"},
		{Name: "principalId"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "score"}}},
	}
}

func eqText(path, value string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{path}).
		WithOperator(filters.Equal).
		WithValueText(value)
}

func allOf(operands ...*filters.WhereBuilder) *filters.WhereBuilder {
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

// visibilityFilter renders the scope-membership rule as a where filter.
func visibilityFilter(vis scope.Visibility) *filters.WhereBuilder {
	operands := []*filters.WhereBuilder{
		allOf(eqText("tenantId", vis.TenantID), eqText("scope", "tenant")),
	}
	if vis.WorkspaceID != "" {
		operands = append(operands, allOf(
			eqText("tenantId", vis.TenantID),
			eqText("scope", "workspace"),
			eqText("workspaceId", vis.WorkspaceID),
		))
		if vis.PrincipalID != "" {
			operands = append(operands, allOf(
				eqText("tenantId", vis.TenantID),
				eqText("scope", "user"),
				eqText("workspaceId", vis.WorkspaceID),
				eqText("principalId", vis.PrincipalID),
			))
		}
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().WithOperator(filters.Or).WithOperands(operands)
}

// HybridSearch mixes BM25 and vector similarity with alpha, filtered to the
// caller's visibility.
func (w *Weaviate) HybridSearch(ctx context.Context, query string, vector []float32, alpha float32, limit int, vis scope.Visibility) ([]Result, error) {
	hybrid := (&graphql.HybridArgumentBuilder{}).WithQuery(query).WithAlpha(alpha)
	if len(vector) > 0 {
		hybrid = hybrid.WithVector(vector)
	}

	resp, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithHybrid(hybrid).
		WithWhere(visibilityFilter(vis)).
		WithLimit(limit).
		WithFields(chunkFields()...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("hybrid search failed: %w", err)
	}
	return w.decodeResults(resp)
}

// FetchByUUIDs loads chunks by object id within the caller's visibility.
func (w *Weaviate) FetchByUUIDs(ctx context.Context, uuids []string, vis scope.Visibility) ([]Result, error) {
	if len(uuids) == 0 {
		return nil, nil
	}

	idOperands := make([]*filters.WhereBuilder, len(uuids))
	for i, id := range uuids {
		idOperands[i] = filters.Where().
			WithPath([]string{"id"}).
			WithOperator(filters.Equal).
			WithValueText(id)
	}
	idFilter := idOperands[0]
	if len(idOperands) > 1 {
		idFilter = filters.Where().WithOperator(filters.Or).WithOperands(idOperands)
	}

	resp, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithWhere(allOf(idFilter, visibilityFilter(vis))).
		WithLimit(len(uuids)).
		WithFields(chunkFields()...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch by id failed: %w", err)
	}
	return w.decodeResults(resp)
}

func (w *Weaviate) decodeResults(resp *models.GraphQLResponse) ([]Result, error) {
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}

	get, ok := resp.Data["Get"].(map[string]any)
	if !ok {
		return nil, nil
	}
	rows, ok := get[w.class].([]any)
	if !ok {
		return nil, nil
	}

	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		props, ok := row.(map[string]any)
		if !ok {
			continue
		}
		results = append(results, decodeResult(props))
	}
	return results, nil
}

func decodeResult(props map[string]any) Result {
	var res Result
	if additional, ok := props["_additional"].(map[string]any); ok {
		res.UUID, _ = additional["id"].(string)
		switch s := additional["score"].(type) {
		case string:
			res.Score, _ = strconv.ParseFloat(s, 64)
		case float64:
			res.Score = s
		}
	}

	c := Chunk{
		Text:         str(props, "text"),
		Title:        str(props, "title"),
		Section:      str(props, "section"),
		Summary:      str(props, "summary"),
		WhyThisChunk: str(props, "whyThisChunk"),
		DocType:      str(props, "docType"),
		ChunkID:      str(props, "chunkId"),
		ParentDocID:  str(props, "parentDocId"),
		Metadata:     str(props, "metadata"),
		StartChar:    integer(props, "startChar"),
		EndChar:      integer(props, "endChar"),
		Scope: scope.Key{
			TenantID:    str(props, "tenantId"),
			Scope:       scope.Scope(str(props, "scope")),
			WorkspaceID: str(props, "workspaceId"),
			PrincipalID: str(props, "principalId"),
		},
	}
	if pages, ok := props["pages"].([]any); ok {
		for _, p := range pages {
			if f, ok := p.(float64); ok {
				c.Pages = append(c.Pages, int(f))
			}
		}
	}
	if raw := str(props, "createdAt"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			c.CreatedAt = t
		}
	}
	res.Chunk = c
	return res
}

func str(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func integer(props map[string]any, key string) int {
	f, _ := props[key].(float64)
	return int(f)
}

// DeleteByDoc removes all chunks of one document.
func (w *Weaviate) DeleteByDoc(ctx context.Context, docID string) error {
	return w.deleteWhere(ctx, eqText("parentDocId", docID))
}

// DeleteByTenant removes all chunks of one tenant.
func (w *Weaviate) DeleteByTenant(ctx context.Context, tenantID string) error {
	return w.deleteWhere(ctx, eqText("tenantId", tenantID))
}

func (w *Weaviate) deleteWhere(ctx context.Context, where *filters.WhereBuilder) error {
	_, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(w.class).
		WithWhere(where).
		WithOutput("minimal").
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// DeleteAll drops and recreates the collection.
func (w *Weaviate) DeleteAll(ctx context.Context) error {
	if err := w.client.Schema().ClassDeleter().WithClassName(w.class).Do(ctx); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return w.EnsureCollection(ctx)
}

// Ping checks the store is ready.
func (w *Weaviate) Ping(ctx context.Context) error {
	ready, err := w.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("vector store unreachable: %w", err)
	}
	if !ready {
		return fmt.Errorf("vector store not ready")
	}
	return nil
}

// Ensure Weaviate implements the interface
var _ VectorStore = (*Weaviate)(nil)
