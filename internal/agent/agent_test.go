package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sentiwiki/agent/internal/llm"
	"github.com/sentiwiki/agent/internal/retrieval"
)

// scriptedLLM answers each prompt kind with a canned response, keyed off
// distinctive fragments of the prompt templates.
type scriptedLLM struct {
	route     string
	decompose string
	rewrite   string
	grades    []string
	tokens    []string

	rateLimitFailures int
	calls             int
	gradeCalls        int
	gradePrompt       string
}

func (s *scriptedLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	s.calls++
	if s.rateLimitFailures > 0 {
		s.rateLimitFailures--
		return "", &llm.RateLimitError{StatusCode: 429, Message: "slow down"}
	}
	switch {
	case strings.Contains(prompt, "One word (RAG or DIRECT)"):
		return s.route, nil
	case strings.Contains(prompt, "JSON array"):
		return s.decompose, nil
	case strings.Contains(prompt, "yes or no"):
		s.gradePrompt = prompt
		i := s.gradeCalls
		s.gradeCalls++
		if i >= len(s.grades) {
			i = len(s.grades) - 1
		}
		if i < 0 {
			return "no", nil
		}
		return s.grades[i], nil
	case strings.Contains(prompt, "Rewrite the question"):
		return s.rewrite, nil
	}
	return "", nil
}

func (s *scriptedLLM) GenerateStream(ctx context.Context, prompt string, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, len(s.tokens)+1)
	for _, tok := range s.tokens {
		ch <- llm.StreamChunk{Token: tok}
	}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

type fakeRetriever struct {
	candidates []retrieval.Candidate
	err        error
	queries    []string
}

func (f *fakeRetriever) Retrieve(ctx context.Context, collection, query string, filters map[string]string, opts retrieval.Options) (retrieval.Result, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return retrieval.Result{}, f.err
	}
	return retrieval.Result{Candidates: f.candidates}, nil
}

type eventLog struct {
	events []Event
	failAt Stage
}

func (l *eventLog) emit(e Event) error {
	if l.failAt != "" && e.Stage == l.failAt {
		return errors.New("client gone")
	}
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) stages() []Stage {
	out := make([]Stage, 0, len(l.events))
	for _, e := range l.events {
		if len(out) > 0 && e.Stage == StageStreaming && out[len(out)-1] == StageStreaming {
			continue // collapse token runs
		}
		out = append(out, e.Stage)
	}
	return out
}

func (l *eventLog) terminal() *Event {
	var term *Event
	count := 0
	for i, e := range l.events {
		if e.Stage == StageComplete || e.Stage == StageError {
			term = &l.events[i]
			count++
		}
	}
	if count != 1 {
		return nil
	}
	return term
}

func sentinelCandidates() []retrieval.Candidate {
	return []retrieval.Candidate{
		{
			ChunkID: "c1", Title: "Sentinel-2 User Guide", URL: "https://sentiwiki.example/s2",
			HeadingPath: []string{"MSI", "Spectral Bands"},
			Content:     "MSI acquires 13 spectral bands at 10, 20 and 60 m resolution.",
			FusedScore:  0.9,
			Metadata:    map[string]string{"mission": "Sentinel-2"},
		},
		{
			ChunkID: "c2", Title: "Sentinel-2 User Guide", URL: "https://sentiwiki.example/s2",
			HeadingPath: []string{"MSI", "Radiometry"},
			Content:     "Radiometric resolution is 12 bits per band.",
			FusedScore:  0.6,
			Metadata:    map[string]string{"mission": "Sentinel-2"},
		},
	}
}

func newTestAgent(s *scriptedLLM, r Retriever, opts ...Option) *Agent {
	return New(s, r, Models{Router: "router-model", RAG: "rag-model"}, opts...)
}

func ragOptions() retrieval.Options {
	return retrieval.Options{Hybrid: true}.WithDefaults()
}

func assertStages(t *testing.T, got, want []Stage) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("stage sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stage sequence %v, want %v", got, want)
		}
	}
}

func TestRunDirectRoute(t *testing.T) {
	s := &scriptedLLM{route: "DIRECT", tokens: []string{"Hello", " there"}}
	r := &fakeRetriever{candidates: sentinelCandidates()}
	log := &eventLog{}

	err := newTestAgent(s, r).Run(context.Background(), Request{Query: "hi!", Options: ragOptions()}, log.emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	assertStages(t, log.stages(), []Stage{StageRouting, StageRouted, StageGenerating, StageStreaming, StageComplete})
	if len(r.queries) != 0 {
		t.Errorf("direct route must not retrieve, saw %v", r.queries)
	}

	term := log.terminal()
	if term == nil {
		t.Fatal("expected exactly one terminal event")
	}
	if len(term.Sources) != 0 {
		t.Errorf("direct answers cite nothing, got %v", term.Sources)
	}
	if term.Metadata.Route != RouteDirect || term.Metadata.Grade != GradeNotEvaluated {
		t.Errorf("unexpected metadata: %+v", term.Metadata)
	}
}

func TestRunRAGSufficient(t *testing.T) {
	s := &scriptedLLM{route: "RAG", grades: []string{"yes"}, tokens: []string{"The ", "MSI ", "has 13 bands."}}
	r := &fakeRetriever{candidates: sentinelCandidates()}
	log := &eventLog{}

	err := newTestAgent(s, r).Run(context.Background(), Request{
		Query:      "How many spectral bands does MSI have?",
		Collection: "sentiwiki",
		Options:    ragOptions(),
	}, log.emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	assertStages(t, log.stages(), []Stage{
		StageRouting, StageRouted, StageRetrieving, StageRetrieved,
		StageGenerating, StageStreaming, StageComplete,
	})

	term := log.terminal()
	if term == nil {
		t.Fatal("expected exactly one terminal event")
	}
	if len(term.Sources) == 0 {
		t.Fatal("sufficient grade must carry sources")
	}
	if term.Sources[0].Title != "Sentinel-2 User Guide" {
		t.Errorf("unexpected source title %q", term.Sources[0].Title)
	}
	if term.Sources[0].ScorePercentage != 100 {
		t.Errorf("top source should score 100%%, got %v", term.Sources[0].ScorePercentage)
	}
	if term.Metadata.RewriteAttempted {
		t.Error("no rewrite should have happened")
	}

	// Chunks grouped per document: both candidates share a title.
	if len(term.Sources) != 1 {
		t.Errorf("expected one grouped source, got %d", len(term.Sources))
	}
	if len(term.Sources[0].Headings) != 2 {
		t.Errorf("expected both section headings collected, got %v", term.Sources[0].Headings)
	}
}

func TestRunInsufficientAfterRetrySuppressesSources(t *testing.T) {
	s := &scriptedLLM{
		route:   "RAG",
		grades:  []string{"no", "no"},
		rewrite: "Sentinel-2 MSI spectral band count",
		tokens:  []string{"should not be used"},
	}
	r := &fakeRetriever{candidates: sentinelCandidates()}
	log := &eventLog{}

	err := newTestAgent(s, r).Run(context.Background(), Request{
		Query:   "band thing?",
		Options: ragOptions(),
	}, log.emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(r.queries) != 2 {
		t.Fatalf("expected exactly one retry retrieval, saw queries %v", r.queries)
	}
	if r.queries[1] != "Sentinel-2 MSI spectral band count" {
		t.Errorf("retry should use the rewritten query, got %q", r.queries[1])
	}
	if s.gradeCalls != 2 {
		t.Errorf("expected two grading passes, got %d", s.gradeCalls)
	}

	term := log.terminal()
	if term == nil {
		t.Fatal("expected exactly one terminal event")
	}
	if len(term.Sources) != 0 {
		t.Error("insufficient grade must suppress sources")
	}
	if !term.Metadata.RewriteAttempted || term.Metadata.RewrittenQuery == "" {
		t.Errorf("rewrite metadata missing: %+v", term.Metadata)
	}
	if term.Metadata.Grade != GradeInsufficient {
		t.Errorf("expected insufficient grade, got %s", term.Metadata.Grade)
	}

	// The answer must say the evidence was insufficient, not fabricate.
	var answer strings.Builder
	for _, e := range log.events {
		if e.Stage == StageStreaming {
			answer.WriteString(e.Chunk)
		}
	}
	if answer.String() != insufficientEvidenceAnswer {
		t.Errorf("unexpected answer %q", answer.String())
	}
}

func TestRunEmptyQueryNoEvidence(t *testing.T) {
	s := &scriptedLLM{route: "RAG"}
	r := &fakeRetriever{}
	log := &eventLog{}

	err := newTestAgent(s, r).Run(context.Background(), Request{Query: "   ", Options: ragOptions()}, log.emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(r.queries) != 0 {
		t.Errorf("empty query must not retrieve, saw %v", r.queries)
	}
	if s.calls != 0 {
		t.Errorf("empty query must not call the model, saw %d calls", s.calls)
	}

	term := log.terminal()
	if term == nil {
		t.Fatal("expected exactly one terminal event")
	}
	if term.Stage != StageComplete {
		t.Fatalf("expected completion, got %s", term.Stage)
	}
	if term.Metadata.Grade != GradeInsufficient || len(term.Sources) != 0 {
		t.Errorf("expected uncited insufficient answer, got %+v", term)
	}
}

func TestRunZeroCandidatesSkipsGraderAndRewrite(t *testing.T) {
	s := &scriptedLLM{route: "RAG", grades: []string{"yes"}}
	r := &fakeRetriever{} // returns nothing
	log := &eventLog{}

	err := newTestAgent(s, r).Run(context.Background(), Request{
		Query:   "What is the Sentinel-9 laser?",
		Options: ragOptions(),
	}, log.emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if s.gradeCalls != 0 {
		t.Errorf("zero candidates must grade insufficient without a model call, got %d calls", s.gradeCalls)
	}
	if len(r.queries) != 1 {
		t.Errorf("no-evidence queries must not loop on retry, saw %v", r.queries)
	}

	term := log.terminal()
	if term == nil {
		t.Fatal("expected exactly one terminal event")
	}
	if term.Metadata.Grade != GradeInsufficient || term.Metadata.RewriteAttempted {
		t.Errorf("unexpected metadata %+v", term.Metadata)
	}
}

func TestRunRetrievalErrorEmitsError(t *testing.T) {
	s := &scriptedLLM{route: "RAG"}
	r := &fakeRetriever{err: errors.New("qdrant and postgres both down")}
	log := &eventLog{}

	err := newTestAgent(s, r).Run(context.Background(), Request{
		Query:   "Sentinel-1 SAR modes",
		Options: ragOptions(),
	}, log.emit)
	if err == nil {
		t.Fatal("expected run error")
	}

	term := log.terminal()
	if term == nil || term.Stage != StageError {
		t.Fatalf("expected single error event, got %+v", log.events)
	}
}

func TestRunEmitFailureAborts(t *testing.T) {
	s := &scriptedLLM{route: "RAG", grades: []string{"yes"}, tokens: []string{"a", "b"}}
	r := &fakeRetriever{candidates: sentinelCandidates()}
	log := &eventLog{failAt: StageRetrieved}

	err := newTestAgent(s, r).Run(context.Background(), Request{
		Query:   "MSI bands",
		Options: ragOptions(),
	}, log.emit)
	if err == nil {
		t.Fatal("expected emit failure to abort the run")
	}

	for _, e := range log.events {
		if e.Stage == StageGenerating || e.Stage == StageComplete || e.Stage == StageError {
			t.Errorf("no events expected after emit failure, saw %s", e.Stage)
		}
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &scriptedLLM{route: "RAG"}
	log := &eventLog{}

	err := newTestAgent(s, &fakeRetriever{}).Run(ctx, Request{Query: "MSI bands", Options: ragOptions()}, log.emit)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// A caller who hung up gets nothing, not an error event.
	if len(log.events) != 0 {
		t.Fatalf("no events expected after cancellation, got %+v", log.events)
	}
}

type retrieverFunc func(ctx context.Context, collection, query string, filters map[string]string, opts retrieval.Options) (retrieval.Result, error)

func (f retrieverFunc) Retrieve(ctx context.Context, collection, query string, filters map[string]string, opts retrieval.Options) (retrieval.Result, error) {
	return f(ctx, collection, query, filters, opts)
}

func TestRunMidFlightCancellationStopsEmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &scriptedLLM{route: "RAG"}
	log := &eventLog{}
	r := retrieverFunc(func(ctx context.Context, _, _ string, _ map[string]string, _ retrieval.Options) (retrieval.Result, error) {
		cancel()
		return retrieval.Result{}, ctx.Err()
	})

	err := newTestAgent(s, r).Run(ctx, Request{Query: "MSI bands", Options: ragOptions()}, log.emit)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	for _, e := range log.events {
		if e.Stage == StageError || e.Stage == StageComplete {
			t.Errorf("no terminal event expected after cancellation, saw %s", e.Stage)
		}
	}
	if last := log.events[len(log.events)-1]; last.Stage != StageRetrieving {
		t.Errorf("expected the stream to stop at retrieving, got %v", log.stages())
	}
}

func TestRunRouterFallbackOnModelFailure(t *testing.T) {
	// Router model stays rate-limited past the retry budget; the Sentinel
	// vocabulary still routes the query to retrieval.
	s := &scriptedLLM{rateLimitFailures: 100, tokens: []string{"x"}}
	r := &fakeRetriever{} // zero candidates, so no further grading calls needed
	log := &eventLog{}

	err := newTestAgent(s, r).Run(context.Background(), Request{
		Query:   "Sentinel-3 OLCI swath width",
		Options: ragOptions(),
	}, log.emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	term := log.terminal()
	if term == nil || term.Metadata.Route != RouteRAG {
		t.Fatalf("expected keyword fallback to choose retrieval, got %+v", term)
	}
}

func TestGradeTopNLimitsGraderContext(t *testing.T) {
	s := &scriptedLLM{route: "RAG", grades: []string{"yes"}, tokens: []string{"answer"}}
	r := &fakeRetriever{candidates: sentinelCandidates()}

	err := newTestAgent(s, r, WithGradeTopN(1)).Run(context.Background(), Request{
		Query:   "MSI bands",
		Options: ragOptions(),
	}, (&eventLog{}).emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if !strings.Contains(s.gradePrompt, "[Doc 1]") {
		t.Error("grader saw no candidates")
	}
	if strings.Contains(s.gradePrompt, "[Doc 2]") {
		t.Errorf("grader should inspect only the top candidate:\n%s", s.gradePrompt)
	}
}

func TestGenerateWithRetryRecoversFromRateLimit(t *testing.T) {
	s := &scriptedLLM{route: "RAG", rateLimitFailures: 2}
	a := newTestAgent(s, &fakeRetriever{})

	got, err := a.generateWithRetry(context.Background(), buildRoutingPrompt("q", ""), llm.GenerateOptions{})
	if err != nil {
		t.Fatalf("expected recovery within retry budget, got %v", err)
	}
	if got != "RAG" {
		t.Errorf("unexpected response %q", got)
	}
	if s.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", s.calls)
	}
}

func TestDecomposedQueriesAllRetrieved(t *testing.T) {
	s := &scriptedLLM{
		route:     "RAG",
		decompose: `["Sentinel-1 revisit time", "Sentinel-2 revisit time"]`,
		grades:    []string{"yes"},
		tokens:    []string{"both revisit times"},
	}
	r := &fakeRetriever{candidates: sentinelCandidates()}
	log := &eventLog{}

	err := newTestAgent(s, r).Run(context.Background(), Request{
		Query:   "Compare the revisit times of Sentinel-1 and Sentinel-2",
		Options: ragOptions(),
	}, log.emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(r.queries) != 2 {
		t.Fatalf("expected one retrieval per sub-query, saw %v", r.queries)
	}

	term := log.terminal()
	if term == nil {
		t.Fatal("expected exactly one terminal event")
	}
	if !term.Metadata.Decomposed || term.Metadata.NumSubQueries != 2 {
		t.Errorf("decomposition metadata missing: %+v", term.Metadata)
	}
}
