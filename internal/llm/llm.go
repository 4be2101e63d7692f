// Package llm provides chat completions against an OpenAI-compatible API.
// The chunker and entity extractor both prompt for JSON output.
package llm

import (
	"context"
	"encoding/json"
)

// Client runs a chat completion that is expected to produce JSON.
type Client interface {
	// CompleteJSON sends a system and user message and returns the JSON
	// payload of the assistant reply. Replies wrapped in markdown fences
	// or prose are unwrapped; a reply with no JSON is an error.
	CompleteJSON(ctx context.Context, system, user string, maxTokens int) (json.RawMessage, error)

	// Ping verifies the endpoint is reachable.
	Ping(ctx context.Context) error
}
