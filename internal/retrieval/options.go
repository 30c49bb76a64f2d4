package retrieval

// Default retrieval knobs. Config and per-request parameters override these.
const (
	DefaultTopK           = 10
	DefaultOversample     = 3
	DefaultAlpha          = 0.7
	DefaultPartialPenalty = 0.85
	DefaultRerankTopN     = 5
	DefaultFloorPct       = 15.0
)

// Options is the per-request retrieval configuration. It is built once per
// request and passed by value through every layer; no layer mutates it.
type Options struct {
	// TopK is the number of candidates returned to the caller.
	TopK int

	// Oversample widens each source search to TopK*Oversample to give the
	// fusion and reranking stages headroom.
	Oversample int

	// Alpha weighs the semantic score in fusion; the lexical score gets 1-Alpha.
	Alpha float32

	// PartialPenalty discounts candidates that appeared in only one source.
	PartialPenalty float32

	// RerankTopN is the candidate count kept after reranking.
	RerankTopN int

	// Hybrid enables lexical search alongside semantic search.
	Hybrid bool

	// Rerank enables the reranking stage.
	Rerank bool

	// Filtering enables metadata signal extraction with boosting.
	Filtering bool

	// HardFilter drops candidates contradicting extracted signals instead of
	// just down-weighting them. Only meaningful when Filtering is on.
	HardFilter bool

	// FloorEnabled gates citations on FloorPct.
	FloorEnabled bool

	// FloorPct is the citation floor as a percentage of the best rerank score.
	FloorPct float32
}

// WithDefaults returns a copy with zero-valued numeric knobs filled in.
// Boolean toggles are taken as-is.
func (o Options) WithDefaults() Options {
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.Oversample < 2 {
		o.Oversample = DefaultOversample
	}
	if o.Alpha <= 0 || o.Alpha > 1 {
		o.Alpha = DefaultAlpha
	}
	if o.PartialPenalty <= 0 || o.PartialPenalty > 1 {
		o.PartialPenalty = DefaultPartialPenalty
	}
	if o.RerankTopN <= 0 {
		o.RerankTopN = DefaultRerankTopN
	}
	if o.FloorPct <= 0 || o.FloorPct > 100 {
		o.FloorPct = DefaultFloorPct
	}
	return o
}
