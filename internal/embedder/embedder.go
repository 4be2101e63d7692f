// Package embedder provides text embedding via an OpenAI-compatible API.
package embedder

import "context"

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts. The result has
	// one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// ModelName reports the embedding model in use.
	ModelName() string

	// Ping verifies the endpoint is reachable.
	Ping(ctx context.Context) error
}
