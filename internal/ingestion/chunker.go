package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/signal305/rag-service/internal/llm"
)

const chunkerSystemPrompt = `You are "DynamicChunker", a model used inside a RAG ingestion pipeline.
Your ONLY job is to split a single document into variable-length, semantically coherent chunks.

You return ONLY a single valid JSON array of chunk objects. No extra text, no prose, no Markdown.

Return JSON like:
[
  {
    "chunk_id": 0,
    "section": "front_matter",
    "title": "Disclaimer & usage notice",
    "pages": [2],
    "text": "...exact document text for this chunk...",
    "summary": "1-3 sentences describing this chunk.",
    "why_this_chunk": "One short sentence explaining why this boundary makes sense."
  }
]

Rules:
- Top-level MUST be a JSON array.
- Each element MUST be an object with keys: chunk_id, section, title, pages, text, summary, why_this_chunk.
- chunk_id is an integer starting at 0 and increasing by 1 in document order.
- text MUST be copied from the document (no paraphrasing).
- Do NOT invent content.

Chunking goals:
- Respect headings, subheadings, lists, and repeated "cards"/templates.
- Prefer semantic completeness over rigid length.
- Target ~200-600 tokens per chunk when possible.
- Hard max ~800 tokens per chunk (split on sub-headings/paragraph breaks if needed).
- Never split inside a sentence or inside a list item/bullet.`

const windowMarker = "=== NEW WINDOW START ==="

const windowAttempts = 3

// ErrNoChunks is returned when chunking produces nothing usable.
var ErrNoChunks = errors.New("chunking produced no chunks")

// Chunk is one chunk of a document as produced by the chunker. Character
// offsets index into the canonical document text.
type Chunk struct {
	ChunkID      string
	DocID        string
	DocType      string
	Text         string
	Section      string
	Title        string
	Summary      string
	WhyThisChunk string
	Pages        []int
	StartChar    int
	EndChar      int
}

// Chunker drives LLM-based structure-aware chunking over token windows.
type Chunker struct {
	llm            llm.Client
	windowTokens   int
	overlapTokens  int
	llmMaxTokens   int
	tokenizerModel string
	logger         *slog.Logger
}

// NewChunker creates a chunker. tokenizerModel names a tiktoken encoding,
// typically cl100k_base.
func NewChunker(client llm.Client, windowTokens, overlapTokens, llmMaxTokens int, tokenizerModel string) *Chunker {
	return &Chunker{
		llm:            client,
		windowTokens:   windowTokens,
		overlapTokens:  overlapTokens,
		llmMaxTokens:   llmMaxTokens,
		tokenizerModel: tokenizerModel,
		logger:         slog.Default(),
	}
}

// window is one token-bounded slice of the document. base is its offset in
// the full document text; the first prefix chars repeat the tail of the
// previous window and were already chunked there.
type window struct {
	text   string
	base   int
	prefix int
	tokens int
}

// makeWindows slices the document into token windows. Each window past the
// first starts with an overlap prefix carried over from its predecessor.
func (c *Chunker) makeWindows(pages []PageText) ([]window, error) {
	encoder, err := tiktoken.GetEncoding(c.tokenizerModel)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	fullText := FullText(pages)
	var windows []window
	base, prefix, tokens := 0, 0, 0
	end := 0

	for i, page := range pages {
		if i > 0 {
			end += 2 // "\n\n" join
		}
		end += len(page.Text)
		tokens += len(encoder.Encode(page.Text, nil, nil))

		if tokens >= c.windowTokens {
			text := fullText[base:end]
			overlapRatio := float64(c.overlapTokens) / float64(tokens)
			overlapChars := int(float64(len(text)) * overlapRatio)
			tailStart := max(base, end-overlapChars)

			windows = append(windows, window{text: text, base: base, prefix: prefix, tokens: tokens})

			prefix = end - tailStart
			base = tailStart
			tokens = len(encoder.Encode(fullText[tailStart:end], nil, nil))
		}
	}

	// Leftover beyond the carried prefix becomes the final window.
	if end > base+prefix {
		windows = append(windows, window{
			text:   fullText[base:end],
			base:   base,
			prefix: prefix,
			tokens: tokens,
		})
	}
	return windows, nil
}

// buildUserMessage frames the window for the model, marking where overlap
// from the previous window ends so it is not re-chunked.
func buildUserMessage(win window) string {
	context := win.text[:win.prefix]
	newText := win.text[win.prefix:]

	var lines []string
	if context != "" {
		lines = append(lines,
			"The text before the marker '"+windowMarker+"' is overlap from the previous window. "+
				"It has ALREADY been chunked. Use it only as context and DO NOT create new chunks from it.")
	} else {
		lines = append(lines,
			"There is no overlap from the previous window. Everything below is new content to chunk.")
	}

	lines = append(lines, "\n=== DOCUMENT TEXT ===")
	if context != "" {
		lines = append(lines, context)
	}
	lines = append(lines, "\n"+windowMarker)
	lines = append(lines, newText)
	return strings.Join(lines, "\n")
}

// rawChunk is one element of the model's JSON array.
type rawChunk struct {
	Section      string `json:"section"`
	Title        string `json:"title"`
	Text         string `json:"text"`
	Summary      string `json:"summary"`
	WhyThisChunk string `json:"why_this_chunk"`
}

// chunkWindow asks the model to chunk one window. Upstream failures and
// malformed replies are transient: each window gets a bounded number of
// attempts with jittered backoff before the window counts as failed.
func (c *Chunker) chunkWindow(ctx context.Context, win window) ([]rawChunk, error) {
	user := buildUserMessage(win)
	wait := 500 * time.Millisecond
	var lastErr error

	for attempt := 1; attempt <= windowAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait/2 + rand.N(wait/2)):
			}
			wait *= 2
		}

		payload, err := c.llm.CompleteJSON(ctx, chunkerSystemPrompt, user, c.llmMaxTokens)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, lastErr
			}
			c.logger.Warn("chunker window attempt failed", "attempt", attempt, "error", err)
			continue
		}

		var raw []rawChunk
		if err := json.Unmarshal(payload, &raw); err != nil {
			lastErr = fmt.Errorf("chunker reply is not a JSON array: %w", err)
			c.logger.Warn("chunker window attempt failed", "attempt", attempt, "error", lastErr)
			continue
		}
		return raw, nil
	}
	return nil, lastErr
}

// spanOverlap returns how many characters two [start, end) spans share.
func spanOverlap(aStart, aEnd, bStart, bEnd int) int {
	return max(0, min(aEnd, bEnd)-max(aStart, bStart))
}

// duplicateOf reports whether the candidate span overlaps an existing chunk
// by more than 80% of the shorter span. The earlier chunk wins.
func duplicateOf(start, end int, chunks []Chunk) bool {
	for _, prev := range chunks {
		shorter := min(end-start, prev.EndChar-prev.StartChar)
		if shorter <= 0 {
			continue
		}
		if float64(spanOverlap(start, end, prev.StartChar, prev.EndChar)) > 0.8*float64(shorter) {
			return true
		}
	}
	return false
}

// ChunkPages runs the chunker over the document windows and returns located
// chunks in document order. ErrNoChunks when every window fails or nothing
// valid comes back.
func (c *Chunker) ChunkPages(ctx context.Context, docID, docType string, pages []PageText) ([]Chunk, error) {
	if len(pages) == 0 {
		return nil, ErrNoChunks
	}

	windows, err := c.makeWindows(pages)
	if err != nil {
		return nil, err
	}

	var chunks []Chunk
	failed := 0

	for i, win := range windows {
		c.logger.Info("chunking window",
			"doc_id", docID,
			"window", fmt.Sprintf("%d/%d", i+1, len(windows)),
			"tokens", win.tokens)

		raw, err := c.chunkWindow(ctx, win)
		if err != nil {
			c.logger.Warn("chunker window failed", "doc_id", docID, "window", i+1, "error", err)
			failed++
			continue
		}

		for _, rc := range raw {
			if rc.Text == "" {
				continue
			}

			// Chunks the model paraphrased cannot be located; skip them.
			idx := strings.Index(win.text, rc.Text)
			if idx == -1 {
				continue
			}
			start := win.base + idx
			end := start + len(rc.Text)

			// Fully inside the already-chunked prefix.
			if end <= win.base+win.prefix {
				continue
			}
			if duplicateOf(start, end, chunks) {
				continue
			}

			section := rc.Section
			if section == "" {
				section = "unknown"
			}
			title := rc.Title
			if title == "" {
				title = "Untitled"
			}

			chunks = append(chunks, Chunk{
				ChunkID:      uuid.New().String(),
				DocID:        docID,
				DocType:      docType,
				Text:         rc.Text,
				Section:      section,
				Title:        title,
				Summary:      rc.Summary,
				WhyThisChunk: rc.WhyThisChunk,
				Pages:        chunkPagesFor(start, end, pages),
				StartChar:    start,
				EndChar:      end,
			})
		}
	}

	if failed == len(windows) {
		return nil, fmt.Errorf("all %d chunker windows failed: %w", len(windows), ErrNoChunks)
	}
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}

	c.logger.Info("chunking complete", "doc_id", docID, "chunks", len(chunks), "windows", len(windows))
	return chunks, nil
}

// chunkPagesFor maps a character span to the 1-based pages it intersects.
func chunkPagesFor(startChar, endChar int, pages []PageText) []int {
	var result []int
	offset := 0
	for _, page := range pages {
		pageStart := offset
		pageEnd := pageStart + len(page.Text) + 2 // joined with "\n\n"
		if startChar < pageEnd && endChar > pageStart {
			result = append(result, page.Page)
		}
		offset = pageEnd
	}
	return result
}
