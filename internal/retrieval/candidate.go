// Package retrieval implements hybrid semantic plus lexical retrieval with
// score fusion over a shared chunk corpus.
package retrieval

import "strings"

// Candidate is one retrieved chunk with its full scoring trail. Candidates
// are created per query, passed by value, and never persisted.
type Candidate struct {
	ChunkID     string            `json:"chunk_id"`
	Title       string            `json:"title"`
	URL         string            `json:"url"`
	HeadingPath []string          `json:"heading_path,omitempty"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	SemanticScore float32 `json:"semantic_score"`
	LexicalScore  float32 `json:"lexical_score"`
	FusedScore    float32 `json:"fused_score"`
	BoostApplied  bool    `json:"boost_applied,omitempty"`
	BoostReason   string  `json:"boost_reason,omitempty"`
	RerankScore   float32 `json:"rerank_score,omitempty"`
	Reranked      bool    `json:"reranked,omitempty"`

	inSemantic bool
	inLexical  bool
}

// BestScore returns the rerank score when reranking ran, else the fused score.
func (c Candidate) BestScore() float32 {
	if c.Reranked {
		return c.RerankScore
	}
	return c.FusedScore
}

// Result is the outcome of one retrieval pass
type Result struct {
	Candidates []Candidate
	// Degraded is set when a source was unreachable and retrieval fell back
	// to the remaining one.
	Degraded bool
}

const headingSeparator = " > "

// SplitHeadingPath parses the stored heading path ("Mission > Instrument >
// Calibration") into its ordered segments, root first.
func SplitHeadingPath(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, headingSeparator)
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinHeadingPath is the inverse of SplitHeadingPath
func JoinHeadingPath(parts []string) string {
	return strings.Join(parts, headingSeparator)
}
