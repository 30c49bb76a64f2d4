package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentiwiki/agent/internal/agent"
	"github.com/sentiwiki/agent/internal/retrieval"
	"github.com/sentiwiki/agent/internal/vectorstore"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports ready once the collection catalog has loaded at least
// once, which also proves the vector store is reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.catalog.RefreshedAt().IsZero() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type tokenRequest struct {
	APIKey     string `json:"api_key"`
	ClientName string `json:"client_name"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
}

// handleToken exchanges a valid API key for a bearer token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Enabled() {
		respondError(w, http.StatusNotFound, "authentication is not enabled")
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.auth.IssueToken(req.APIKey, req.ClientName)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	respondJSON(w, http.StatusOK, tokenResponse{Token: token, TokenType: "Bearer"})
}

type collectionsResponse struct {
	Collections []vectorstore.CollectionInfo `json:"collections"`
	RefreshedAt time.Time                    `json:"refreshed_at"`
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, collectionsResponse{
		Collections: s.catalog.Collections(),
		RefreshedAt: s.catalog.RefreshedAt(),
	})
}

type retrieveResponse struct {
	Query      string                `json:"query"`
	Collection string                `json:"collection"`
	Count      int                   `json:"count"`
	Degraded   bool                  `json:"degraded,omitempty"`
	Candidates []retrieval.Candidate `json:"candidates"`
}

// handleRetrieve runs the retrieval pipeline without routing or generation.
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		respondError(w, http.StatusBadRequest, "query parameter is required")
		return
	}

	collection, ok := s.resolveCollection(w, r)
	if !ok {
		return
	}

	opts, err := s.requestOptions(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.agent.Retrieve(r.Context(), collection, query, opts)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.logger.Error("retrieval failed", "collection", collection, "error", err)
		respondError(w, http.StatusBadGateway, "retrieval failed")
		return
	}

	respondJSON(w, http.StatusOK, retrieveResponse{
		Query:      query,
		Collection: collection,
		Count:      len(res.Candidates),
		Degraded:   res.Degraded,
		Candidates: res.Candidates,
	})
}

// handleChatStream runs the full agent and relays its lifecycle events as
// server-sent events. Closing the connection cancels the run.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))

	collection, ok := s.resolveCollection(w, r)
	if !ok {
		return
	}

	opts, err := s.requestOptions(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	req := agent.Request{
		Query:      query,
		Collection: collection,
		SessionID:  sessionID,
		Options:    opts,
	}

	err = s.agent.Run(r.Context(), req, func(ev agent.Event) error {
		return sse.Send(string(ev.Stage), ev)
	})
	if err != nil && !errors.Is(err, r.Context().Err()) {
		// The error stage event already told the client; this is for operators.
		s.logger.Error("chat run failed", "session_id", sessionID, "error", err)
	}
}

// resolveCollection picks the requested or default collection and rejects
// names the catalog has never seen. An unrefreshed catalog rejects nothing.
func (s *Server) resolveCollection(w http.ResponseWriter, r *http.Request) (string, bool) {
	collection := r.URL.Query().Get("collection")
	if collection == "" {
		collection = s.defaultCollection
	}
	if !s.catalog.RefreshedAt().IsZero() && !s.catalog.Has(collection) {
		respondError(w, http.StatusNotFound, "unknown collection: "+collection)
		return "", false
	}
	return collection, true
}

// requestOptions builds per-request retrieval options from the server
// defaults, overridden knob by knob from query parameters.
func (s *Server) requestOptions(r *http.Request) (retrieval.Options, error) {
	opts := s.defaults
	q := r.URL.Query()

	var err error
	if opts.TopK, err = intParam(q.Get("top_k"), opts.TopK); err != nil {
		return opts, errors.New("invalid top_k")
	}
	if opts.Oversample, err = intParam(q.Get("oversample"), opts.Oversample); err != nil {
		return opts, errors.New("invalid oversample")
	}
	if opts.Alpha, err = floatParam(q.Get("alpha"), opts.Alpha); err != nil {
		return opts, errors.New("invalid alpha")
	}
	if opts.RerankTopN, err = intParam(q.Get("rerank_top_n"), opts.RerankTopN); err != nil {
		return opts, errors.New("invalid rerank_top_n")
	}
	if opts.FloorPct, err = floatParam(q.Get("floor_pct"), opts.FloorPct); err != nil {
		return opts, errors.New("invalid floor_pct")
	}
	if opts.Hybrid, err = boolParam(q.Get("use_hybrid"), opts.Hybrid); err != nil {
		return opts, errors.New("invalid use_hybrid")
	}
	if opts.Rerank, err = boolParam(q.Get("use_reranking"), opts.Rerank); err != nil {
		return opts, errors.New("invalid use_reranking")
	}
	if opts.Filtering, err = boolParam(q.Get("use_filtering"), opts.Filtering); err != nil {
		return opts, errors.New("invalid use_filtering")
	}
	if opts.HardFilter, err = boolParam(q.Get("hard_filter"), opts.HardFilter); err != nil {
		return opts, errors.New("invalid hard_filter")
	}
	if opts.FloorEnabled, err = boolParam(q.Get("use_floor"), opts.FloorEnabled); err != nil {
		return opts, errors.New("invalid use_floor")
	}

	return opts.WithDefaults(), nil
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func floatParam(raw string, fallback float32) (float32, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 32)
	return float32(v), err
}

func boolParam(raw string, fallback bool) (bool, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseBool(raw)
}
