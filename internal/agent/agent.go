// Package agent orchestrates query answering as an explicit state machine:
// classify, retrieve, grade, optionally rewrite and retry once, then generate
// a streamed answer with citations.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/sentiwiki/agent/internal/llm"
	"github.com/sentiwiki/agent/internal/memory"
	"github.com/sentiwiki/agent/internal/metafilter"
	"github.com/sentiwiki/agent/internal/reranker"
	"github.com/sentiwiki/agent/internal/retrieval"
)

const (
	// DefaultGradeTopN is how many top candidates the grader inspects.
	DefaultGradeTopN = 4

	historyWindow  = 6
	maxRateRetries = 2 // retries after the first attempt, 3 attempts total
)

// Retriever runs one retrieval pass. Satisfied by retrieval.HybridRetriever.
type Retriever interface {
	Retrieve(ctx context.Context, collection, query string, filters map[string]string, opts retrieval.Options) (retrieval.Result, error)
}

// Request is one question put to the agent
type Request struct {
	Query      string
	Collection string
	SessionID  string
	Options    retrieval.Options
}

// Models selects which model serves each role
type Models struct {
	Router string
	RAG    string
}

// Agent answers questions over the Sentinel documentation corpus
type Agent struct {
	llm       llm.LLM
	retriever Retriever
	models    Models
	reranker  reranker.Reranker
	memory    *memory.Store
	logger    *slog.Logger
	gradeTopN int
}

// Option is a functional option for configuring the Agent.
type Option func(*Agent)

// WithReranker enables the reranking stage.
func WithReranker(r reranker.Reranker) Option {
	return func(a *Agent) { a.reranker = r }
}

// WithMemory enables conversation history across requests in a session.
func WithMemory(m *memory.Store) Option {
	return func(a *Agent) { a.memory = m }
}

// WithLogger sets the agent's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithGradeTopN sets how many top candidates the grader inspects.
// Values below 1 keep the default.
func WithGradeTopN(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.gradeTopN = n
		}
	}
}

// New creates an agent over the given collaborators.
func New(llmClient llm.LLM, retriever Retriever, models Models, opts ...Option) *Agent {
	a := &Agent{
		llm:       llmClient,
		retriever: retriever,
		models:    models,
		logger:    slog.Default(),
		gradeTopN: DefaultGradeTopN,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// step is one node of the agent state machine
type step int

const (
	stepClassify step = iota
	stepRetrieve
	stepGrade
	stepRewrite
	stepGenerate
	stepDone
)

// runState carries everything accumulated across steps for one request
type runState struct {
	query       string // as asked
	activeQuery string // current search query (changes on rewrite)
	route       Route
	grade       Grade
	candidates  []retrieval.Candidate
	subQueries  []string
	degraded    bool

	rewriteAttempted bool
	rewrittenQuery   string
	noEvidence       bool
	answer           strings.Builder
}

// emitter latches the first emit failure so nothing more is sent to a
// client that is gone.
type emitter struct {
	emit   EmitFunc
	failed bool
}

func (e *emitter) send(ev Event) error {
	if e.failed {
		return fmt.Errorf("event stream closed")
	}
	if err := e.emit(ev); err != nil {
		e.failed = true
		return err
	}
	return nil
}

// Run drives one request through the state machine, emitting lifecycle
// events along the way. It returns after emitting exactly one terminal event
// (complete or error), or earlier if emit itself fails.
func (a *Agent) Run(ctx context.Context, req Request, emit EmitFunc) error {
	req.Options = req.Options.WithDefaults()
	em := &emitter{emit: emit}

	st := &runState{
		query:       strings.TrimSpace(req.Query),
		activeQuery: strings.TrimSpace(req.Query),
		grade:       GradeNotEvaluated,
	}

	if a.memory != nil && req.SessionID != "" && st.query != "" {
		a.memory.AddUserMessage(req.SessionID, st.query)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	current := stepClassify
	if st.query == "" {
		// Nothing to classify or search for; answer the no-evidence way
		// instead of looping on rewrites.
		st.route = RouteRAG
		st.grade = GradeInsufficient
		st.noEvidence = true
		current = stepGenerate
		if err := em.send(Event{Stage: StageRouting}); err != nil {
			return err
		}
		if err := em.send(Event{Stage: StageRouted, Route: st.route}); err != nil {
			return err
		}
	}

	for current != stepDone {
		if err := ctx.Err(); err != nil {
			// Cancellation halts the stream silently; it is not a failure to
			// report to a caller who already hung up.
			return err
		}

		var err error
		switch current {
		case stepClassify:
			current, err = a.classify(ctx, req, st, em)
		case stepRetrieve:
			current, err = a.retrieve(ctx, req, st, em)
		case stepGrade:
			current, err = a.gradeCandidates(ctx, st)
		case stepRewrite:
			current, err = a.rewrite(ctx, st)
		case stepGenerate:
			current, err = a.generate(ctx, req, st, em)
		default:
			err = fmt.Errorf("invalid agent step %d", current)
		}
		if err != nil {
			return a.fail(em, err)
		}
	}

	return nil
}

// fail emits the terminal error event. Cancellation and a failed stream are
// exceptions: nothing further may be emitted after either.
func (a *Agent) fail(em *emitter, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	a.logger.Error("agent run failed", "error", err)
	if !em.failed {
		if emitErr := em.send(Event{Stage: StageError, Message: err.Error()}); emitErr != nil {
			return emitErr
		}
	}
	return err
}

func (a *Agent) classify(ctx context.Context, req Request, st *runState, em *emitter) (step, error) {
	if err := em.send(Event{Stage: StageRouting}); err != nil {
		return stepDone, err
	}

	history := ""
	if a.memory != nil && req.SessionID != "" {
		history = memory.FormatForPrompt(a.memory.GetRecentHistory(req.SessionID, historyWindow))
	}

	response, err := a.generateWithRetry(ctx, buildRoutingPrompt(st.query, history), llm.GenerateOptions{
		Model:       a.models.Router,
		Temperature: 0.0,
		MaxTokens:   8,
	})
	if err != nil {
		if ctx.Err() != nil {
			return stepDone, ctx.Err()
		}
		// Routing must not block answering; fall back to vocabulary matching.
		a.logger.Warn("router model unavailable, falling back to keyword routing", "error", err)
		st.route = fallbackRoute(st.query)
	} else {
		st.route = parseRoute(response)
	}

	if err := em.send(Event{Stage: StageRouted, Route: st.route}); err != nil {
		return stepDone, err
	}

	if st.route == RouteDirect {
		return stepGenerate, nil
	}

	a.decompose(ctx, st)
	return stepRetrieve, nil
}

// decompose asks the model to split comparative questions into independent
// sub-queries. Failures leave the query whole.
func (a *Agent) decompose(ctx context.Context, st *runState) {
	response, err := a.generateWithRetry(ctx, buildDecomposePrompt(st.query), llm.GenerateOptions{
		Model:       a.models.RAG,
		Temperature: 0.0,
		MaxTokens:   256,
	})
	if err != nil {
		a.logger.Debug("decomposition skipped", "error", err)
		return
	}
	st.subQueries = parseSubQueries(response)
	if len(st.subQueries) > 0 {
		a.logger.Debug("query decomposed", "sub_queries", len(st.subQueries))
	}
}

func (a *Agent) retrieve(ctx context.Context, req Request, st *runState, em *emitter) (step, error) {
	if err := em.send(Event{Stage: StageRetrieving}); err != nil {
		return stepDone, err
	}

	queries := []string{st.activeQuery}
	if len(st.subQueries) > 0 && !st.rewriteAttempted {
		queries = st.subQueries
	}

	var sig metafilter.Signals
	var filters map[string]string
	if req.Options.Filtering {
		sig = metafilter.Extract(st.activeQuery)
		filters = sig.Filters()
	}

	// Sub-queries hit the sources concurrently; the stage events around this
	// block are the only externally visible ordering.
	results := make([]retrieval.Result, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			res, err := a.retriever.Retrieve(gctx, req.Collection, q, filters, req.Options)
			if err != nil {
				return fmt.Errorf("retrieving %q: %w", q, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stepDone, err
	}

	candidates := mergeResults(results, st)

	if req.Options.Filtering {
		candidates = metafilter.Apply(sig, candidates, req.Options.HardFilter)
	}
	if len(candidates) > req.Options.TopK {
		candidates = candidates[:req.Options.TopK]
	}

	if req.Options.Rerank && a.reranker != nil && len(candidates) > 0 {
		reranked, err := a.reranker.Rerank(ctx, st.activeQuery, candidates, req.Options.RerankTopN)
		if err != nil {
			if ctx.Err() != nil {
				return stepDone, ctx.Err()
			}
			// Fusion order is still a valid ranking; keep it.
			a.logger.Warn("reranking unavailable, keeping fusion order", "error", err)
			if len(candidates) > req.Options.RerankTopN {
				candidates = candidates[:req.Options.RerankTopN]
			}
		} else {
			candidates = reranked
		}
	}

	st.candidates = candidates

	if err := em.send(Event{Stage: StageRetrieved, Count: countOf(len(candidates))}); err != nil {
		return stepDone, err
	}
	return stepGrade, nil
}

// Retrieve runs the retrieval pipeline for one query without the agent loop:
// signal extraction, hybrid search, boosting, and reranking honor the same
// per-request options a full run uses. No events are emitted and no answer is
// generated.
func (a *Agent) Retrieve(ctx context.Context, collection, query string, opts retrieval.Options) (retrieval.Result, error) {
	opts = opts.WithDefaults()

	var sig metafilter.Signals
	var filters map[string]string
	if opts.Filtering {
		sig = metafilter.Extract(query)
		filters = sig.Filters()
	}

	res, err := a.retriever.Retrieve(ctx, collection, query, filters, opts)
	if err != nil {
		return retrieval.Result{}, err
	}

	candidates := res.Candidates
	if opts.Filtering {
		candidates = metafilter.Apply(sig, candidates, opts.HardFilter)
	}
	if len(candidates) > opts.TopK {
		candidates = candidates[:opts.TopK]
	}

	if opts.Rerank && a.reranker != nil && len(candidates) > 0 {
		reranked, err := a.reranker.Rerank(ctx, query, candidates, opts.RerankTopN)
		if err != nil {
			if ctx.Err() != nil {
				return retrieval.Result{}, ctx.Err()
			}
			a.logger.Warn("reranking unavailable, keeping fusion order", "error", err)
			if len(candidates) > opts.RerankTopN {
				candidates = candidates[:opts.RerankTopN]
			}
		} else {
			candidates = reranked
		}
	}

	return retrieval.Result{Candidates: candidates, Degraded: res.Degraded}, nil
}

// mergeResults concatenates per-sub-query results, deduplicating by chunk ID
// and keeping each chunk's best fused score.
func mergeResults(results []retrieval.Result, st *runState) []retrieval.Candidate {
	if len(results) == 1 {
		st.degraded = st.degraded || results[0].Degraded
		return results[0].Candidates
	}

	byID := make(map[string]retrieval.Candidate)
	for _, res := range results {
		st.degraded = st.degraded || res.Degraded
		for _, c := range res.Candidates {
			if prev, ok := byID[c.ChunkID]; !ok || c.FusedScore > prev.FusedScore {
				byID[c.ChunkID] = c
			}
		}
	}

	merged := make([]retrieval.Candidate, 0, len(byID))
	for _, c := range byID {
		merged = append(merged, c)
	}
	retrieval.SortCandidates(merged)
	return merged
}

// gradeCandidates decides whether the candidates can support an answer. The
// verdict is total: no candidates, a failed model call, or an unparseable
// response all grade insufficient.
func (a *Agent) gradeCandidates(ctx context.Context, st *runState) (step, error) {
	if len(st.candidates) == 0 {
		st.grade = GradeInsufficient
		st.noEvidence = true
	} else {
		response, err := a.generateWithRetry(ctx, buildGradePrompt(st.activeQuery, st.candidates, a.gradeTopN), llm.GenerateOptions{
			Model:       a.models.Router,
			Temperature: 0.0,
			MaxTokens:   8,
		})
		if err != nil {
			if ctx.Err() != nil {
				return stepDone, ctx.Err()
			}
			a.logger.Warn("grading unavailable, treating evidence as insufficient", "error", err)
			st.grade = GradeInsufficient
		} else {
			st.grade = parseGrade(response)
		}
	}

	if st.grade == GradeSufficient {
		return stepGenerate, nil
	}
	if st.rewriteAttempted || st.noEvidence {
		return stepGenerate, nil
	}
	return stepRewrite, nil
}

// rewrite reformulates the query once after an insufficient grade. An
// unusable rewrite skips the retry and proceeds straight to generation.
func (a *Agent) rewrite(ctx context.Context, st *runState) (step, error) {
	st.rewriteAttempted = true

	response, err := a.generateWithRetry(ctx, buildRewritePrompt(st.activeQuery, st.candidates), llm.GenerateOptions{
		Model:       a.models.RAG,
		Temperature: 0.3,
		MaxTokens:   128,
	})
	if err != nil {
		if ctx.Err() != nil {
			return stepDone, ctx.Err()
		}
		a.logger.Warn("rewrite unavailable", "error", err)
		return stepGenerate, nil
	}

	rewritten := cleanRewrittenQuery(response, st.activeQuery)
	if rewritten == "" {
		return stepGenerate, nil
	}

	a.logger.Debug("query rewritten", "from", st.activeQuery, "to", rewritten)
	st.rewrittenQuery = rewritten
	st.activeQuery = rewritten
	return stepRetrieve, nil
}

func (a *Agent) generate(ctx context.Context, req Request, st *runState, em *emitter) (step, error) {
	if err := em.send(Event{Stage: StageGenerating}); err != nil {
		return stepDone, err
	}

	history := ""
	if a.memory != nil && req.SessionID != "" {
		history = memory.FormatForPrompt(a.memory.GetRecentHistory(req.SessionID, historyWindow))
	}

	var sources []Source
	switch {
	case st.route == RouteDirect:
		if err := a.streamAnswer(ctx, st, em, st.query, llm.GenerateOptions{
			Model:        a.models.RAG,
			SystemPrompt: directSystemPrompt,
			Temperature:  0.7,
		}); err != nil {
			return stepDone, err
		}

	case st.grade == GradeSufficient:
		prompt := buildRAGPrompt(st.query, st.candidates, history)
		if err := a.streamAnswer(ctx, st, em, prompt, llm.GenerateOptions{
			Model:        a.models.RAG,
			SystemPrompt: ragSystemPromptHeader,
			Temperature:  0.3,
		}); err != nil {
			return stepDone, err
		}
		sources = formatSources(st.candidates, req.Options)

	default:
		// Evidence did not pass grading, with or without a retry. The answer
		// says so and cites nothing rather than dressing weak matches up as
		// support.
		st.answer.WriteString(insufficientEvidenceAnswer)
		if err := em.send(Event{Stage: StageStreaming, Chunk: insufficientEvidenceAnswer}); err != nil {
			return stepDone, err
		}
	}

	if a.memory != nil && req.SessionID != "" {
		a.memory.AddAssistantMessage(req.SessionID, st.answer.String())
	}

	meta := &Metadata{
		Route:             st.route,
		Grade:             st.grade,
		RewriteAttempted:  st.rewriteAttempted,
		RewrittenQuery:    st.rewrittenQuery,
		Decomposed:        len(st.subQueries) > 0,
		NumSubQueries:     len(st.subQueries),
		DegradedRetrieval: st.degraded,
	}
	if err := em.send(Event{Stage: StageComplete, Sources: sources, Metadata: meta}); err != nil {
		return stepDone, err
	}
	return stepDone, nil
}

// streamAnswer streams one generation, forwarding tokens as streaming events
// and accumulating the full answer for session memory.
func (a *Agent) streamAnswer(ctx context.Context, st *runState, em *emitter, prompt string, opts llm.GenerateOptions) error {
	chunks, err := a.openStreamWithRetry(ctx, prompt, opts)
	if err != nil {
		return fmt.Errorf("starting generation: %w", err)
	}

	for chunk := range chunks {
		if chunk.Error != nil {
			return fmt.Errorf("generation stream: %w", chunk.Error)
		}
		if chunk.Token == "" {
			continue
		}
		st.answer.WriteString(chunk.Token)
		if err := em.send(Event{Stage: StageStreaming, Chunk: chunk.Token}); err != nil {
			return err
		}
	}

	return ctx.Err()
}

// generateWithRetry wraps blocking generation calls with exponential backoff
// on rate-limit errors. Other errors are returned immediately.
func (a *Agent) generateWithRetry(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	var response string
	operation := func() error {
		var err error
		response, err = a.llm.Generate(ctx, prompt, opts)
		if err != nil && !llm.IsRateLimit(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRateRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}
	return response, nil
}

// openStreamWithRetry applies the same rate-limit policy to opening a
// generation stream. Errors mid-stream are not retried.
func (a *Agent) openStreamWithRetry(ctx context.Context, prompt string, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	var chunks <-chan llm.StreamChunk
	operation := func() error {
		var err error
		chunks, err = a.llm.GenerateStream(ctx, prompt, opts)
		if err != nil && !llm.IsRateLimit(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRateRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return chunks, nil
}
