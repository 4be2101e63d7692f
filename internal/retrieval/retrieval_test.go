package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/signal305/rag-service/internal/graphstore"
	"github.com/signal305/rag-service/internal/scope"
	"github.com/signal305/rag-service/internal/vectorstore"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func (fakeEmbedder) ModelName() string          { return "fake" }
func (fakeEmbedder) Ping(context.Context) error { return nil }

type fakeStore struct {
	hits      []vectorstore.Result
	fetched   []vectorstore.Result
	gotAlpha  float32
	gotLimit  int
	searchErr error
}

func (s *fakeStore) EnsureCollection(context.Context) error { return nil }

func (s *fakeStore) InsertChunks(context.Context, []vectorstore.Chunk, [][]float32) ([]string, error) {
	return nil, nil
}

func (s *fakeStore) HybridSearch(ctx context.Context, query string, vector []float32, alpha float32, limit int, vis scope.Visibility) ([]vectorstore.Result, error) {
	s.gotAlpha = alpha
	s.gotLimit = limit
	return s.hits, s.searchErr
}

func (s *fakeStore) FetchByUUIDs(ctx context.Context, uuids []string, vis scope.Visibility) ([]vectorstore.Result, error) {
	return s.fetched, nil
}

func (s *fakeStore) DeleteByDoc(context.Context, string) error    { return nil }
func (s *fakeStore) DeleteByTenant(context.Context, string) error { return nil }
func (s *fakeStore) DeleteAll(context.Context) error              { return nil }
func (s *fakeStore) Ping(context.Context) error                   { return nil }

type fakeGraph struct {
	graphstore.Disabled
	expansions []graphstore.Expansion
	err        error
	gotSeeds   []string
}

func (g *fakeGraph) Enabled() bool { return true }

func (g *fakeGraph) ExpandBySharedEntities(ctx context.Context, seeds []string, vis scope.Visibility, limit, entityLimit int) ([]graphstore.Expansion, error) {
	g.gotSeeds = seeds
	return g.expansions, g.err
}

type fakeReranker struct {
	scores []float64
	err    error
}

func (r *fakeReranker) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.scores[:len(texts)], nil
}

func (r *fakeReranker) Ping(context.Context) error { return nil }

func hit(uuid, chunkID, text string, score float64) vectorstore.Result {
	return vectorstore.Result{
		UUID:  uuid,
		Score: score,
		Chunk: vectorstore.Chunk{
			ChunkID:     chunkID,
			ParentDocID: "doc-1",
			Text:        text,
			Scope:       scope.Key{TenantID: "t1", Scope: scope.ScopeTenant},
		},
	}
}

func TestRequestValidate(t *testing.T) {
	half := 0.5
	bad := 1.5

	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"defaults applied", Request{Query: "q"}, false},
		{"explicit values", Request{Query: "q", Limit: 50, Alpha: &half}, false},
		{"empty query", Request{}, true},
		{"limit too large", Request{Query: "q", Limit: 51}, true},
		{"limit negative", Request{Query: "q", Limit: -1}, true},
		{"alpha out of range", Request{Query: "q", Alpha: &bad}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.req.Limit == 0 {
				t.Error("default limit not applied")
			}
			if err == nil && tt.req.Alpha == nil {
				t.Error("default alpha not applied")
			}
		})
	}
}

func TestRetrieveAlphaAndOverfetch(t *testing.T) {
	store := &fakeStore{hits: []vectorstore.Result{hit("u1", "c1", "text one", 0.9)}}
	p := NewPipeline(fakeEmbedder{}, store, graphstore.Disabled{}, nil, 10, 10, 25)

	resp, err := p.Retrieve(context.Background(), scope.Visibility{TenantID: "t1"}, Request{Query: "q"})
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}

	if store.gotAlpha != 0.5 {
		t.Errorf("alpha = %v, want default 0.5", store.gotAlpha)
	}
	// limit 10 over-fetches to max(10*4, 20) = 40.
	if store.gotLimit != 40 {
		t.Errorf("k1 = %d, want 40", store.gotLimit)
	}
	if len(resp.Results) != 1 || resp.Results[0].Source != "weaviate" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestRetrieveGraphDisabled(t *testing.T) {
	store := &fakeStore{hits: []vectorstore.Result{hit("u1", "c1", "text", 0.9)}}
	p := NewPipeline(fakeEmbedder{}, store, graphstore.Disabled{}, nil, 10, 10, 25)

	resp, err := p.Retrieve(context.Background(), scope.Visibility{TenantID: "t1"}, Request{Query: "q"})
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if resp.Graph.Enabled {
		t.Error("graph.enabled = true, want false")
	}
	if resp.Graph.ExpandedCount != 0 {
		t.Errorf("expanded_count = %d, want 0", resp.Graph.ExpandedCount)
	}
	for _, r := range resp.Results {
		if r.AlsoFromGraph {
			t.Error("also_from_graph set with graph disabled")
		}
	}
}

func TestRetrieveHybridFailureFailsRequest(t *testing.T) {
	store := &fakeStore{searchErr: errors.New("store down")}
	p := NewPipeline(fakeEmbedder{}, store, graphstore.Disabled{}, nil, 10, 10, 25)

	if _, err := p.Retrieve(context.Background(), scope.Visibility{TenantID: "t1"}, Request{Query: "q"}); err == nil {
		t.Fatal("expected error when hybrid search fails")
	}
}

func TestRetrieveRerankerFailureKeepsHybridOrder(t *testing.T) {
	store := &fakeStore{hits: []vectorstore.Result{
		hit("u1", "c1", "first", 0.9),
		hit("u2", "c2", "second", 0.7),
	}}
	p := NewPipeline(fakeEmbedder{}, store, graphstore.Disabled{}, &fakeReranker{err: errors.New("rr down")}, 10, 10, 25)

	resp, err := p.Retrieve(context.Background(), scope.Visibility{TenantID: "t1"}, Request{Query: "q"})
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if resp.Results[0].ChunkID != "c1" || resp.Results[1].ChunkID != "c2" {
		t.Errorf("order changed despite reranker failure: %+v", resp.Results)
	}
	if resp.Results[0].RerankScore != nil {
		t.Error("rerank_score set despite reranker failure")
	}
}

func TestRetrieveRerankReorders(t *testing.T) {
	store := &fakeStore{hits: []vectorstore.Result{
		hit("u1", "c1", "first", 0.9),
		hit("u2", "c2", "second", 0.7),
	}}
	// Second candidate scores higher on both passes.
	p := NewPipeline(fakeEmbedder{}, store, graphstore.Disabled{}, &fakeReranker{scores: []float64{0.2, 0.8}}, 10, 10, 25)

	resp, err := p.Retrieve(context.Background(), scope.Visibility{TenantID: "t1"}, Request{Query: "q"})
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if resp.Results[0].ChunkID != "c2" {
		t.Errorf("top result = %s, want c2", resp.Results[0].ChunkID)
	}
}

func TestRetrieveMerge(t *testing.T) {
	store := &fakeStore{
		hits: []vectorstore.Result{
			hit("u1", "c1", "first", 0.9),
			hit("u2", "c2", "second", 0.7),
		},
		fetched: []vectorstore.Result{
			hit("u2", "c2", "second", 0.4),  // already in hybrid results
			hit("u3", "c3", "expanded", 0.3), // graph only
		},
	}
	graph := &fakeGraph{expansions: []graphstore.Expansion{
		{UUID: "u2", SharedEntities: []string{"acme"}, Entities: []string{"acme", "widget"}, SharedCount: 1},
		{UUID: "u3", SharedEntities: []string{"acme"}, Entities: []string{"acme"}, SharedCount: 1},
	}}

	p := NewPipeline(fakeEmbedder{}, store, graph, nil, 10, 10, 25)
	resp, err := p.Retrieve(context.Background(), scope.Visibility{TenantID: "t1"}, Request{Query: "q"})
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}

	if !resp.Graph.Enabled {
		t.Error("graph.enabled = false")
	}
	if len(graph.gotSeeds) != 2 {
		t.Errorf("seeds = %v, want both hybrid uuids", graph.gotSeeds)
	}
	if resp.Graph.ExpandedCount != 1 {
		t.Errorf("expanded_count = %d, want 1", resp.Graph.ExpandedCount)
	}

	byChunk := make(map[string]Result)
	for _, r := range resp.Results {
		byChunk[r.ChunkID] = r
	}

	both := byChunk["c2"]
	if !both.AlsoFromGraph {
		t.Error("c2 not marked also_from_graph")
	}
	if both.Score != 0.7 {
		t.Errorf("c2 score = %v, want hybrid score 0.7", both.Score)
	}
	if both.Source != "weaviate" {
		t.Errorf("c2 source = %q, want weaviate", both.Source)
	}
	if len(both.GraphSharedEntities) != 1 || both.GraphSharedEntities[0] != "acme" {
		t.Errorf("c2 shared entities = %v", both.GraphSharedEntities)
	}

	graphOnly := byChunk["c3"]
	if graphOnly.Source != "graph" {
		t.Errorf("c3 source = %q, want graph", graphOnly.Source)
	}
	if graphOnly.AlsoFromGraph {
		t.Error("c3 marked also_from_graph")
	}
}

func TestRetrieveGraphFailureDegrades(t *testing.T) {
	store := &fakeStore{hits: []vectorstore.Result{hit("u1", "c1", "text", 0.9)}}
	graph := &fakeGraph{err: errors.New("neo4j down")}
	p := NewPipeline(fakeEmbedder{}, store, graph, nil, 10, 10, 25)

	resp, err := p.Retrieve(context.Background(), scope.Visibility{TenantID: "t1"}, Request{Query: "q"})
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if resp.Graph.Error == "" {
		t.Error("graph.error not populated")
	}
	if len(resp.Results) != 1 {
		t.Errorf("results = %d, want 1", len(resp.Results))
	}
}

func TestRetrieveTruncatesToLimit(t *testing.T) {
	var hits []vectorstore.Result
	for i := 0; i < 30; i++ {
		hits = append(hits, hit(string(rune('a'+i)), string(rune('A'+i)), "text", float64(30-i)))
	}
	store := &fakeStore{hits: hits}
	p := NewPipeline(fakeEmbedder{}, store, graphstore.Disabled{}, nil, 10, 10, 25)

	resp, err := p.Retrieve(context.Background(), scope.Visibility{TenantID: "t1"}, Request{Query: "q", Limit: 5})
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(resp.Results) != 5 {
		t.Errorf("results = %d, want 5", len(resp.Results))
	}
}
