package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/sentiwiki/agent/internal/embedder"
	"github.com/sentiwiki/agent/internal/lexical"
	"github.com/sentiwiki/agent/internal/vectorstore"
)

// HybridRetriever runs semantic and lexical search in parallel and fuses the
// two ranked lists into one candidate list.
type HybridRetriever struct {
	embedder embedder.Embedder
	vectors  vectorstore.VectorStore
	lexical  lexical.Index
	logger   *slog.Logger
}

// NewHybridRetriever creates a retriever over the given sources. The lexical
// index may be nil; retrieval is then semantic-only regardless of options.
func NewHybridRetriever(emb embedder.Embedder, vectors vectorstore.VectorStore, lex lexical.Index, logger *slog.Logger) *HybridRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridRetriever{
		embedder: emb,
		vectors:  vectors,
		lexical:  lex,
		logger:   logger,
	}
}

// Retrieve runs one retrieval pass for the query. A non-empty filters map is
// pushed down to the vector search as a hard metadata filter; if the filtered
// search returns nothing the search is retried unfiltered.
//
// Both sources are searched at TopK*Oversample breadth; the fused list is
// also truncated at that breadth so boosting and reranking downstream keep
// their headroom. The caller applies the final TopK cut.
func (r *HybridRetriever) Retrieve(ctx context.Context, collection, query string, filters map[string]string, opts Options) (Result, error) {
	opts = opts.WithDefaults()
	breadth := opts.TopK * opts.Oversample

	var (
		semHits []vectorstore.SearchResult
		lexHits []lexical.Hit
		semErr  error
		lexErr  error
	)

	// Both searches run to completion; a failing source degrades the pass
	// instead of cancelling its sibling.
	g := &errgroup.Group{}
	g.Go(func() error {
		semHits, semErr = r.searchSemantic(ctx, collection, query, filters, breadth)
		return nil
	})
	if opts.Hybrid && r.lexical != nil {
		g.Go(func() error {
			lexHits, lexErr = r.lexical.Search(ctx, collection, query, breadth)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	result := Result{}
	switch {
	case semErr != nil && (!opts.Hybrid || r.lexical == nil):
		return Result{}, fmt.Errorf("semantic search: %w", semErr)
	case semErr != nil && lexErr != nil:
		return Result{}, fmt.Errorf("all retrieval sources failed: %w", semErr)
	case semErr != nil:
		r.logger.Warn("semantic search unavailable, using lexical only", "error", semErr)
		result.Degraded = true
		semHits = nil
	case lexErr != nil:
		r.logger.Warn("lexical search unavailable, using semantic only", "error", lexErr)
		result.Degraded = true
		lexHits = nil
	}

	hybridActive := opts.Hybrid && r.lexical != nil
	result.Candidates = fuse(semHits, lexHits, opts, hybridActive)
	if len(result.Candidates) > breadth {
		result.Candidates = result.Candidates[:breadth]
	}

	r.logger.Debug("retrieval pass complete",
		"semantic_hits", len(semHits),
		"lexical_hits", len(lexHits),
		"fused", len(result.Candidates),
		"degraded", result.Degraded)

	return result, nil
}

func (r *HybridRetriever) searchSemantic(ctx context.Context, collection, query string, filters map[string]string, limit int) ([]vectorstore.SearchResult, error) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	hits, err := r.vectors.Search(ctx, collection, vector, limit, filters)
	if err != nil {
		return nil, err
	}

	// Hard filters can over-constrain; fall back to an unfiltered search
	// rather than returning nothing.
	if len(hits) == 0 && len(filters) > 0 {
		r.logger.Debug("filtered search empty, retrying unfiltered", "filters", filters)
		return r.vectors.Search(ctx, collection, vector, limit, nil)
	}

	return hits, nil
}

// fuse normalizes each source list independently, then combines per-chunk
// scores: both sources contribute alpha/1-alpha weighted; chunks seen by one
// source only are discounted by the partial penalty. When hybrid is off the
// fused score is just the normalized semantic score.
func fuse(semHits []vectorstore.SearchResult, lexHits []lexical.Hit, opts Options, hybridActive bool) []Candidate {
	semNorm := normalizeScores(len(semHits), func(i int) float32 { return semHits[i].Score })
	lexNorm := normalizeScores(len(lexHits), func(i int) float32 { return lexHits[i].Score })

	byID := make(map[string]Candidate, len(semHits)+len(lexHits))

	for i, hit := range semHits {
		c, ok := byID[hit.ID]
		if !ok {
			c = candidateFromPayload(hit.ID, hit.Content, hit.Metadata)
		}
		// Duplicate IDs within one source keep the higher score.
		if !c.inSemantic || semNorm[i] > c.SemanticScore {
			c.SemanticScore = semNorm[i]
		}
		c.inSemantic = true
		byID[hit.ID] = c
	}

	for i, hit := range lexHits {
		c, ok := byID[hit.ID]
		if !ok {
			c = candidateFromPayload(hit.ID, hit.Content, hit.Metadata)
		}
		if !c.inLexical || lexNorm[i] > c.LexicalScore {
			c.LexicalScore = lexNorm[i]
		}
		c.inLexical = true
		byID[hit.ID] = c
	}

	candidates := make([]Candidate, 0, len(byID))
	for _, c := range byID {
		switch {
		case !hybridActive:
			c.FusedScore = c.SemanticScore
		case c.inSemantic && c.inLexical:
			c.FusedScore = opts.Alpha*c.SemanticScore + (1-opts.Alpha)*c.LexicalScore
		case c.inSemantic:
			c.FusedScore = c.SemanticScore * opts.PartialPenalty
		default:
			c.FusedScore = c.LexicalScore * opts.PartialPenalty
		}
		candidates = append(candidates, c)
	}

	SortCandidates(candidates)
	return candidates
}

// SortCandidates orders by fused score descending. Ties go to the candidate
// with the shorter heading path (closer to the document root); remaining ties
// break on chunk ID so the order is deterministic.
func SortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.FusedScore != b.FusedScore {
			return a.FusedScore > b.FusedScore
		}
		if len(a.HeadingPath) != len(b.HeadingPath) {
			return len(a.HeadingPath) < len(b.HeadingPath)
		}
		return a.ChunkID < b.ChunkID
	})
}

// normalizeScores min-max normalizes a score list into [0,1]. A single
// element (or all-equal scores) maps to 1.
func normalizeScores(n int, score func(int) float32) []float32 {
	if n == 0 {
		return nil
	}
	min, max := score(0), score(0)
	for i := 1; i < n; i++ {
		s := score(i)
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	out := make([]float32, n)
	if max == min {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i := range out {
		out[i] = (score(i) - min) / (max - min)
	}
	return out
}

func candidateFromPayload(id, content string, metadata map[string]string) Candidate {
	c := Candidate{
		ChunkID:  id,
		Content:  content,
		Metadata: metadata,
	}
	if metadata != nil {
		c.Title = metadata["title"]
		c.URL = metadata["url"]
		c.HeadingPath = SplitHeadingPath(metadata["heading_path"])
	}
	return c
}
