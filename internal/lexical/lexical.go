// Package lexical provides keyword-based retrieval over the chunk corpus.
package lexical

import "context"

// Hit is a single keyword-search match
type Hit struct {
	ID       string
	Content  string
	Score    float32
	Metadata map[string]string
}

// Index defines the interface for lexical (keyword) search backends
type Index interface {
	// Search returns chunks matching the query terms, scored by lexical
	// relevance. Scores are comparable only within one call.
	Search(ctx context.Context, collection string, query string, topK int) ([]Hit, error)
}
