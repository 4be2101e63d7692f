package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type stubLLM struct {
	reply    string
	err      error
	failures int // fail this many calls before replying
	calls    int
}

func (s *stubLLM) CompleteJSON(ctx context.Context, system, user string, maxTokens int) (json.RawMessage, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("upstream unavailable")
	}
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(s.reply), nil
}

func (s *stubLLM) Ping(ctx context.Context) error { return nil }

func TestPaginateText(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		if pages := paginateText("   \n  "); pages != nil {
			t.Errorf("expected no pages, got %d", len(pages))
		}
	})

	t.Run("short text is one page", func(t *testing.T) {
		pages := paginateText("hello\n\nworld")
		if len(pages) != 1 {
			t.Fatalf("got %d pages, want 1", len(pages))
		}
		if pages[0].Page != 1 || pages[0].Text != "hello\n\nworld" {
			t.Errorf("page = %+v", pages[0])
		}
	})

	t.Run("long text splits on paragraph boundaries", func(t *testing.T) {
		para := strings.Repeat("x", 7000)
		pages := paginateText(para + "\n\n" + para + "\n\n" + para)
		if len(pages) != 3 {
			t.Fatalf("got %d pages, want 3", len(pages))
		}
		for i, p := range pages {
			if p.Page != i+1 {
				t.Errorf("page %d numbered %d", i, p.Page)
			}
			if p.Text != para {
				t.Errorf("page %d text length %d, want %d", i, len(p.Text), len(para))
			}
		}
	})
}

func TestChunkPagesFor(t *testing.T) {
	pages := []PageText{
		{Page: 1, Text: strings.Repeat("a", 10)}, // offsets 0-12
		{Page: 2, Text: strings.Repeat("b", 10)}, // offsets 12-24
		{Page: 3, Text: strings.Repeat("c", 10)}, // offsets 24-36
	}

	tests := []struct {
		name       string
		start, end int
		want       []int
	}{
		{"inside first page", 0, 5, []int{1}},
		{"spans two pages", 8, 15, []int{1, 2}},
		{"inside last page", 25, 30, []int{3}},
		{"spans all", 0, 36, []int{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunkPagesFor(tt.start, tt.end, pages)
			if len(got) != len(tt.want) {
				t.Fatalf("pages = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("pages = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestMakeWindows(t *testing.T) {
	// Each page is ~250 tokens; a 400-token window forces several windows.
	pageText := strings.Repeat("the quick brown fox jumps over the lazy dog ", 28)
	pages := []PageText{
		{Page: 1, Text: pageText},
		{Page: 2, Text: pageText},
		{Page: 3, Text: pageText},
	}
	fullText := FullText(pages)

	chunker := NewChunker(&stubLLM{}, 400, 50, 1000, "cl100k_base")
	windows, err := chunker.makeWindows(pages)
	if err != nil {
		t.Fatalf("makeWindows() error: %v", err)
	}
	if len(windows) < 2 {
		t.Fatalf("got %d windows, want at least 2", len(windows))
	}

	if windows[0].base != 0 || windows[0].prefix != 0 {
		t.Errorf("first window base/prefix = %d/%d, want 0/0", windows[0].base, windows[0].prefix)
	}

	for i, win := range windows {
		if fullText[win.base:win.base+len(win.text)] != win.text {
			t.Fatalf("window %d text is not a slice of the document", i)
		}
		if i > 0 {
			if win.prefix == 0 {
				t.Errorf("window %d has no overlap prefix", i)
			}
			prev := windows[i-1]
			if win.base+win.prefix != prev.base+len(prev.text) {
				t.Errorf("window %d new content does not start where window %d ended", i, i-1)
			}
		}
	}

	last := windows[len(windows)-1]
	if last.base+len(last.text) != len(fullText) {
		t.Error("windows do not cover the document")
	}
}

func TestChunkPages(t *testing.T) {
	pages := []PageText{{Page: 1, Text: "Alpha beta gamma.\n\nDelta epsilon zeta."}}

	stub := &stubLLM{reply: `[
		{"chunk_id":0,"section":"intro","title":"Greek letters","pages":[1],
		 "text":"Alpha beta gamma.","summary":"First letters.","why_this_chunk":"Paragraph."},
		{"chunk_id":1,"section":"body","title":"More letters","pages":[1],
		 "text":"Delta epsilon zeta.","summary":"Next letters.","why_this_chunk":"Paragraph."}
	]`}

	chunker := NewChunker(stub, 16000, 1000, 20000, "cl100k_base")
	chunks, err := chunker.ChunkPages(context.Background(), "doc-1", "document", pages)
	if err != nil {
		t.Fatalf("ChunkPages() error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}

	first := chunks[0]
	if first.Text != "Alpha beta gamma." || first.StartChar != 0 || first.EndChar != 17 {
		t.Errorf("first chunk = %+v", first)
	}
	if first.Section != "intro" || first.Title != "Greek letters" {
		t.Errorf("first chunk metadata = %+v", first)
	}
	if len(first.Pages) != 1 || first.Pages[0] != 1 {
		t.Errorf("first chunk pages = %v", first.Pages)
	}

	second := chunks[1]
	if second.StartChar != 19 || second.EndChar != 38 {
		t.Errorf("second chunk span = [%d, %d)", second.StartChar, second.EndChar)
	}
	if first.ChunkID == second.ChunkID {
		t.Error("chunk ids are not unique")
	}
}

func TestChunkPagesSkipsUnlocatableText(t *testing.T) {
	pages := []PageText{{Page: 1, Text: "Alpha beta gamma."}}
	stub := &stubLLM{reply: `[
		{"chunk_id":0,"section":"s","title":"t","pages":[1],
		 "text":"Alpha beta gamma.","summary":"","why_this_chunk":""},
		{"chunk_id":1,"section":"s","title":"t","pages":[1],
		 "text":"a paraphrase the model invented","summary":"","why_this_chunk":""}
	]`}

	chunker := NewChunker(stub, 16000, 1000, 20000, "cl100k_base")
	chunks, err := chunker.ChunkPages(context.Background(), "doc-1", "document", pages)
	if err != nil {
		t.Fatalf("ChunkPages() error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
}

func TestChunkPagesDefaultsMissingFields(t *testing.T) {
	pages := []PageText{{Page: 1, Text: "Some document text."}}
	stub := &stubLLM{reply: `[{"chunk_id":0,"pages":[1],"text":"Some document text."}]`}

	chunker := NewChunker(stub, 16000, 1000, 20000, "cl100k_base")
	chunks, err := chunker.ChunkPages(context.Background(), "doc-1", "document", pages)
	if err != nil {
		t.Fatalf("ChunkPages() error: %v", err)
	}
	if chunks[0].Section != "unknown" || chunks[0].Title != "Untitled" {
		t.Errorf("defaults = %q / %q", chunks[0].Section, chunks[0].Title)
	}
}

func TestChunkPagesRetriesTransientFailure(t *testing.T) {
	pages := []PageText{{Page: 1, Text: "Alpha beta gamma."}}
	stub := &stubLLM{
		failures: 1,
		reply: `[{"chunk_id":0,"section":"s","title":"t","pages":[1],
			"text":"Alpha beta gamma.","summary":"","why_this_chunk":""}]`,
	}

	chunker := NewChunker(stub, 16000, 1000, 20000, "cl100k_base")
	chunks, err := chunker.ChunkPages(context.Background(), "doc-1", "document", pages)
	if err != nil {
		t.Fatalf("ChunkPages() error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if stub.calls != 2 {
		t.Errorf("model called %d times, want 2", stub.calls)
	}
}

func TestChunkPagesAllWindowsFail(t *testing.T) {
	pages := []PageText{{Page: 1, Text: "Alpha beta gamma."}}
	stub := &stubLLM{err: errors.New("model unavailable")}

	chunker := NewChunker(stub, 16000, 1000, 20000, "cl100k_base")
	if _, err := chunker.ChunkPages(context.Background(), "doc-1", "document", pages); !errors.Is(err, ErrNoChunks) {
		t.Errorf("error = %v, want ErrNoChunks", err)
	}
	if stub.calls != windowAttempts {
		t.Errorf("model called %d times, want %d", stub.calls, windowAttempts)
	}
}

func TestChunkPagesEmptyInput(t *testing.T) {
	chunker := NewChunker(&stubLLM{}, 16000, 1000, 20000, "cl100k_base")
	if _, err := chunker.ChunkPages(context.Background(), "doc-1", "document", nil); !errors.Is(err, ErrNoChunks) {
		t.Errorf("error = %v, want ErrNoChunks", err)
	}
}

func TestDuplicateOf(t *testing.T) {
	existing := []Chunk{{StartChar: 100, EndChar: 200}}

	tests := []struct {
		name       string
		start, end int
		want       bool
	}{
		{"identical span", 100, 200, true},
		{"mostly contained", 105, 195, true},
		{"disjoint", 300, 400, false},
		{"small overlap", 180, 300, false},
		{"shorter span swallowed", 150, 160, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := duplicateOf(tt.start, tt.end, existing); got != tt.want {
				t.Errorf("duplicateOf(%d, %d) = %v, want %v", tt.start, tt.end, got, tt.want)
			}
		})
	}
}
