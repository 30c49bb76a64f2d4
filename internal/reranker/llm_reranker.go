package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sentiwiki/agent/internal/llm"
	"github.com/sentiwiki/agent/internal/retrieval"
)

// LLMReranker uses an LLM to re-score query-document pairs for improved relevance.
// This implements a cross-encoder-like approach where the model sees both
// query and document together, enabling more accurate relevance assessment.
type LLMReranker struct {
	llmClient llm.LLM
	model     string
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model to use for reranking.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// NewLLMReranker creates a new LLM-based reranker.
func NewLLMReranker(llmClient llm.LLM, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		llmClient: llmClient,
		model:     "llama3.2", // Default model
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// relevanceScore represents the structured output from the LLM.
type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float32 `json:"score"`
	Reason   string  `json:"reason,omitempty"`
}

type rerankResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Rerank uses the LLM to score each candidate's relevance to the query.
// Unparseable model output falls back to the incoming fusion order.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []retrieval.Candidate, topK int) ([]retrieval.Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	if len(candidates) <= topK {
		topK = len(candidates)
	}

	prompt := r.buildRerankPrompt(query, candidates)

	opts := llm.GenerateOptions{
		Model:       r.model,
		Temperature: 0.0, // Deterministic scoring
		MaxTokens:   1024,
	}

	response, err := r.llmClient.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("LLM reranking failed: %w", err)
	}

	scores, err := r.parseRerankResponse(response, len(candidates))
	if err != nil {
		// Fallback: keep the incoming order and scores
		return r.fallbackScoring(candidates, topK), nil
	}

	reranked := make([]retrieval.Candidate, len(candidates))
	for i, c := range candidates {
		c.RerankScore = scores[i]
		c.Reranked = true
		reranked[i] = c
	}

	// Stable sort so equal scores keep their fusion order
	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].RerankScore > reranked[j].RerankScore
	})

	return reranked[:topK], nil
}

// buildRerankPrompt constructs the prompt for LLM-based reranking.
func (r *LLMReranker) buildRerankPrompt(query string, candidates []retrieval.Candidate) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("Documents to score:\n")
	for i, c := range candidates {
		// Truncate content to avoid token limits
		content := c.Content
		if len(content) > 500 {
			content = content[:500] + "..."
		}
		sb.WriteString(fmt.Sprintf("[Doc %d]: %s\n\n", i, content))
	}

	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseRerankResponse extracts scores from the LLM response.
func (r *LLMReranker) parseRerankResponse(response string, numResults int) ([]float32, error) {
	// Try to find JSON in the response
	response = strings.TrimSpace(response)

	// Try to extract JSON from markdown code blocks if present
	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	response = strings.TrimSpace(response)

	var parsed rerankResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	// Build score array indexed by doc_index
	scores := make([]float32, numResults)
	for i := range scores {
		scores[i] = 0.5 // Default score for missing entries
	}

	for _, s := range parsed.Scores {
		if s.DocIndex >= 0 && s.DocIndex < numResults {
			// Clamp score to valid range
			score := s.Score
			if score < 0 {
				score = 0
			}
			if score > 1 {
				score = 1
			}
			scores[s.DocIndex] = score
		}
	}

	return scores, nil
}

// fallbackScoring keeps the incoming order, reusing fused scores as rerank scores.
func (r *LLMReranker) fallbackScoring(candidates []retrieval.Candidate, topK int) []retrieval.Candidate {
	out := make([]retrieval.Candidate, len(candidates))
	for i, c := range candidates {
		c.RerankScore = c.FusedScore
		c.Reranked = true
		out[i] = c
	}

	if len(out) > topK {
		out = out[:topK]
	}

	return out
}

// Ensure LLMReranker implements Reranker interface.
var _ Reranker = (*LLMReranker)(nil)
