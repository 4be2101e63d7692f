package ingestion

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/signal305/rag-service/internal/llm"
)

const entitySystemPrompt = `You are EntityExtractor, used inside a RAG ingestion pipeline.

Extract entities and key concepts that are explicitly mentioned in the provided text chunk.

Output MUST be valid JSON and MUST match this schema:
{
  "entities": [
    {"type": "company", "name": "Acme Corp"},
    {"type": "person", "name": "Jane Doe"},
    {"type": "product", "name": "Widget 2.0"},
    {"type": "concept", "name": "support and resistance"}
  ]
}

Rules:
- Return only entities present in the text (no guesses).
- Use short, lowercase ` + "`type`" + ` strings (snake_case).
- Prefer fewer, higher-signal entities over exhaustive lists.
- Limit to at most 25 entities.`

// Entity is one extracted entity before it is assigned a graph id.
type Entity struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// EntityID derives the stable graph id for an entity within a tenant.
func EntityID(tenantID, entityType, name string) string {
	sum := sha1.Sum([]byte(tenantID + "|" + entityType + "|" + strings.ToLower(name)))
	return hex.EncodeToString(sum[:])
}

// EntityExtractor prompts the chat model for entities per chunk.
type EntityExtractor struct {
	llm          llm.Client
	maxEntities  int
	llmMaxTokens int
}

// NewEntityExtractor creates an extractor capped at maxEntities per chunk.
func NewEntityExtractor(client llm.Client, maxEntities int) *EntityExtractor {
	return &EntityExtractor{
		llm:          client,
		maxEntities:  maxEntities,
		llmMaxTokens: 1200,
	}
}

var (
	typeSeparators = regexp.MustCompile(`[\s\-]+`)
	typeInvalid    = regexp.MustCompile(`[^a-z0-9_]`)
)

func cleanType(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = typeSeparators.ReplaceAllString(value, "_")
	value = typeInvalid.ReplaceAllString(value, "")
	if len(value) > 48 {
		value = value[:48]
	}
	return value
}

func cleanName(value string) string {
	value = strings.Join(strings.Fields(value), " ")
	if len(value) > 200 {
		value = value[:200]
	}
	return value
}

type entityReply struct {
	Entities []Entity `json:"entities"`
}

// Extract returns the normalized, deduplicated entities mentioned in text.
func (e *EntityExtractor) Extract(ctx context.Context, text string) ([]Entity, error) {
	user := fmt.Sprintf("Extract entities from this text chunk:\n\n%s\n\nReturn JSON with an 'entities' array.", text)

	payload, err := e.llm.CompleteJSON(ctx, entitySystemPrompt, user, e.llmMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("entity extraction failed: %w", err)
	}

	var parsed entityReply
	if err := json.Unmarshal(payload, &parsed); err != nil {
		// Some models return a bare array instead of the wrapper object.
		var list []Entity
		if err := json.Unmarshal(payload, &list); err != nil {
			return nil, fmt.Errorf("entity reply is not valid JSON: %w", err)
		}
		parsed.Entities = list
	}

	var out []Entity
	seen := make(map[string]bool)
	for _, raw := range parsed.Entities {
		if len(out) >= e.maxEntities {
			break
		}
		entityType := cleanType(raw.Type)
		name := cleanName(raw.Name)
		if entityType == "" || len(name) < 2 {
			continue
		}
		key := entityType + "|" + strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Entity{Type: entityType, Name: name})
	}
	return out, nil
}
