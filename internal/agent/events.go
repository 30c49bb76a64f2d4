package agent

// Stage identifies a point in the request lifecycle. Stages are emitted in a
// fixed order: routing, routed, retrieving, retrieved, generating, streaming
// (repeated), then exactly one of complete or error. Direct answers skip the
// retrieval stages; a rewrite retry repeats retrieving/retrieved once.
type Stage string

const (
	StageRouting    Stage = "routing"
	StageRouted     Stage = "routed"
	StageRetrieving Stage = "retrieving"
	StageRetrieved  Stage = "retrieved"
	StageGenerating Stage = "generating"
	StageStreaming  Stage = "streaming"
	StageComplete   Stage = "complete"
	StageError      Stage = "error"
)

// Route is the answering strategy chosen for a query
type Route string

const (
	RouteRAG    Route = "rag"
	RouteDirect Route = "direct"
)

// Grade is the evidence verdict for a retrieved candidate set
type Grade string

const (
	GradeSufficient   Grade = "sufficient"
	GradeInsufficient Grade = "insufficient"
	GradeNotEvaluated Grade = "not_evaluated"
)

// Source is one cited document in the final answer
type Source struct {
	Title           string   `json:"title"`
	URL             string   `json:"url,omitempty"`
	Heading         string   `json:"heading,omitempty"`
	Headings        []string `json:"headings,omitempty"`
	ScorePercentage float32  `json:"score_percentage"`
}

// Metadata summarizes how the answer was produced
type Metadata struct {
	Route             Route  `json:"route"`
	Grade             Grade  `json:"grade"`
	RewriteAttempted  bool   `json:"rewrite_attempted"`
	RewrittenQuery    string `json:"rewritten_query,omitempty"`
	Decomposed        bool   `json:"decomposed,omitempty"`
	NumSubQueries     int    `json:"num_sub_queries,omitempty"`
	DegradedRetrieval bool   `json:"degraded_retrieval,omitempty"`
}

// Event is one streamed lifecycle update. Error events carry the failure in
// Message; every other field is stage-specific.
type Event struct {
	Stage    Stage     `json:"stage"`
	Message  string    `json:"message,omitempty"`
	Route    Route     `json:"route,omitempty"`
	Count    *int      `json:"count,omitempty"`
	Chunk    string    `json:"chunk,omitempty"`
	Sources  []Source  `json:"sources,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// EmitFunc delivers one event to the client. A non-nil return aborts the run;
// no further events are emitted after that.
type EmitFunc func(Event) error

func countOf(n int) *int { return &n }
