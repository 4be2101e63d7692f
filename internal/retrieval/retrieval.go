// Package retrieval runs the query pipeline: hybrid search, rerank, graph
// expansion over shared entities, merge, rerank again.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/signal305/rag-service/internal/embedder"
	"github.com/signal305/rag-service/internal/graphstore"
	"github.com/signal305/rag-service/internal/reranker"
	"github.com/signal305/rag-service/internal/scope"
	"github.com/signal305/rag-service/internal/vectorstore"
)

const (
	defaultLimit = 10
	maxLimit     = 50
	defaultAlpha = 0.5
)

// Request is a retrieval query. Absent Limit and Alpha take their defaults.
type Request struct {
	Query string   `json:"query"`
	Limit int      `json:"limit"`
	Alpha *float64 `json:"alpha"`
}

// Validate applies defaults and bounds.
func (r *Request) Validate() error {
	if r.Query == "" {
		return errors.New("query is required")
	}
	if r.Limit == 0 {
		r.Limit = defaultLimit
	}
	if r.Limit < 1 || r.Limit > maxLimit {
		return fmt.Errorf("limit must be between 1 and %d", maxLimit)
	}
	if r.Alpha == nil {
		alpha := defaultAlpha
		r.Alpha = &alpha
	}
	if *r.Alpha < 0 || *r.Alpha > 1 {
		return errors.New("alpha must be between 0 and 1")
	}
	return nil
}

// Result is one retrieved chunk.
type Result struct {
	Source              string    `json:"source"`
	WeaviateUUID        string    `json:"weaviate_uuid"`
	Score               float64   `json:"score"`
	RerankScore         *float64  `json:"rerank_score,omitempty"`
	ChunkID             string    `json:"chunk_id"`
	DocID               string    `json:"doc_id"`
	ScopeKey            scope.Key `json:"scope_key"`
	Title               string    `json:"title"`
	Section             string    `json:"section"`
	Summary             string    `json:"summary"`
	Pages               []int     `json:"pages"`
	Text                string    `json:"text"`
	AlsoFromGraph       bool      `json:"also_from_graph,omitempty"`
	GraphSharedEntities []string  `json:"graph_shared_entities,omitempty"`
	GraphEntities       []string  `json:"graph_entities,omitempty"`
}

// GraphInfo summarizes the expansion step for the caller.
type GraphInfo struct {
	Enabled       bool     `json:"enabled"`
	SeedChunkIDs  []string `json:"seed_chunk_ids"`
	ExpandedCount int      `json:"expanded_count"`
	Error         string   `json:"error,omitempty"`
}

// Response is the retrieval reply.
type Response struct {
	Query   string    `json:"query"`
	Results []Result  `json:"results"`
	Graph   GraphInfo `json:"graph"`
}

// Pipeline wires the retrieval stages together.
type Pipeline struct {
	embedder    embedder.Embedder
	store       vectorstore.VectorStore
	graph       graphstore.GraphStore
	reranker    reranker.Reranker // nil disables reranking
	seedLimit   int
	expandFloor int
	entityLimit int
	logger      *slog.Logger
}

// NewPipeline creates the retrieval pipeline. Pass a nil reranker to skip
// both rerank passes.
func NewPipeline(emb embedder.Embedder, store vectorstore.VectorStore, graph graphstore.GraphStore, rr reranker.Reranker, seedLimit, expandFloor, entityLimit int) *Pipeline {
	return &Pipeline{
		embedder:    emb,
		store:       store,
		graph:       graph,
		reranker:    rr,
		seedLimit:   seedLimit,
		expandFloor: expandFloor,
		entityLimit: entityLimit,
		logger:      slog.Default(),
	}
}

// Retrieve runs the full pipeline. Hybrid search failure fails the request;
// reranker and graph failures degrade.
func (p *Pipeline) Retrieve(ctx context.Context, vis scope.Visibility, req Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	vector, err := p.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	k1 := max(req.Limit*4, 20)
	hits, err := p.store.HybridSearch(ctx, req.Query, vector, float32(*req.Alpha), k1, vis)
	if err != nil {
		return nil, fmt.Errorf("hybrid search failed: %w", err)
	}

	results := make([]Result, len(hits))
	for i, hit := range hits {
		results[i] = fromHit(hit, "weaviate")
	}

	// First rerank orders the candidates before seed selection.
	results = p.rerank(ctx, req.Query, results)

	resp := &Response{Query: req.Query, Graph: GraphInfo{Enabled: p.graph.Enabled()}}

	if p.graph.Enabled() && len(results) > 0 {
		results = p.expand(ctx, vis, req.Limit, results, &resp.Graph)
	}

	// Second rerank orders the merged set.
	results = p.rerank(ctx, req.Query, results)

	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	resp.Results = results
	return resp, nil
}

func fromHit(hit vectorstore.Result, source string) Result {
	return Result{
		Source:       source,
		WeaviateUUID: hit.UUID,
		Score:        hit.Score,
		ChunkID:      hit.Chunk.ChunkID,
		DocID:        hit.Chunk.ParentDocID,
		ScopeKey:     hit.Chunk.Scope,
		Title:        hit.Chunk.Title,
		Section:      hit.Chunk.Section,
		Summary:      hit.Chunk.Summary,
		Pages:        hit.Chunk.Pages,
		Text:         hit.Chunk.Text,
	}
}

// rerank scores results against the query with the cross-encoder and sorts
// descending. On failure the incoming order is kept.
func (p *Pipeline) rerank(ctx context.Context, query string, results []Result) []Result {
	if p.reranker == nil || len(results) == 0 {
		return results
	}

	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}

	scores, err := p.reranker.Score(ctx, query, texts)
	if err != nil {
		p.logger.Warn("reranker failed, keeping previous order", "error", err)
		return results
	}

	for i := range results {
		score := scores[i]
		results[i].RerankScore = &score
	}
	sort.SliceStable(results, func(i, j int) bool {
		return *results[i].RerankScore > *results[j].RerankScore
	})
	return results
}

// expand grows the result set with graph neighbors of the top seeds.
// Failures populate graph.Error and leave the results untouched.
func (p *Pipeline) expand(ctx context.Context, vis scope.Visibility, limit int, results []Result, info *GraphInfo) []Result {
	seedCount := min(p.seedLimit, len(results))
	seeds := make([]string, seedCount)
	for i := 0; i < seedCount; i++ {
		seeds[i] = results[i].WeaviateUUID
	}
	info.SeedChunkIDs = seeds

	kExp := max(limit*2, p.expandFloor)
	expansions, err := p.graph.ExpandBySharedEntities(ctx, seeds, vis, kExp, p.entityLimit)
	if err != nil {
		p.logger.Warn("graph expansion failed", "error", err)
		info.Error = err.Error()
		return results
	}
	if len(expansions) == 0 {
		return results
	}

	byUUID := make(map[string]*graphstore.Expansion, len(expansions))
	uuids := make([]string, 0, len(expansions))
	for i := range expansions {
		byUUID[expansions[i].UUID] = &expansions[i]
		uuids = append(uuids, expansions[i].UUID)
	}

	fetched, err := p.store.FetchByUUIDs(ctx, uuids, vis)
	if err != nil {
		p.logger.Warn("failed to load expanded chunks", "error", err)
		info.Error = err.Error()
		return results
	}

	known := make(map[string]int, len(results))
	for i, r := range results {
		known[r.ChunkID] = i
	}

	for _, hit := range fetched {
		exp := byUUID[hit.UUID]
		if exp == nil {
			continue
		}
		if i, ok := known[hit.Chunk.ChunkID]; ok {
			// Present in both passes: keep the hybrid score.
			results[i].AlsoFromGraph = true
			results[i].GraphSharedEntities = exp.SharedEntities
			results[i].GraphEntities = exp.Entities
			continue
		}
		r := fromHit(hit, "graph")
		r.Score = 0
		r.GraphSharedEntities = exp.SharedEntities
		r.GraphEntities = exp.Entities
		results = append(results, r)
		info.ExpandedCount++
	}
	return results
}
