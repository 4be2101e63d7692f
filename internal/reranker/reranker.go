// Package reranker scores query/passage pairs with a cross-encoder service.
package reranker

import "context"

// Reranker scores candidate texts against a query. Higher is more relevant.
type Reranker interface {
	// Score returns one relevance score per text, in input order.
	Score(ctx context.Context, query string, texts []string) ([]float64, error)

	// Ping verifies the service is reachable.
	Ping(ctx context.Context) error
}
