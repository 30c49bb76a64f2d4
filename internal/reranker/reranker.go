// Package reranker provides re-ranking for retrieval candidates.
//
// Re-ranking uses cross-encoder scoring to improve retrieval precision by
// evaluating query-document pairs together rather than independently.
//
// # Trade-offs
//
//   - Latency: Adds 1-3 seconds per query (extra LLM call to score each result)
//   - Quality: Significantly better relevance when top candidates have similar scores
//   - Cost: Roughly doubles LLM token usage per query
//
// Reranking is toggleable per request; disable it for latency-sensitive use.
package reranker

import (
	"context"

	"github.com/sentiwiki/agent/internal/retrieval"
)

// Reranker defines the interface for re-ranking retrieval candidates.
type Reranker interface {
	// Rerank scores each candidate against the query and returns the topK
	// best, ordered by rerank score. Candidates with equal scores keep their
	// incoming (fusion) order. Scores are comparable within one call only.
	Rerank(ctx context.Context, query string, candidates []retrieval.Candidate, topK int) ([]retrieval.Candidate, error)
}
