package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sentiwiki/agent/internal/agent"
	"github.com/sentiwiki/agent/internal/auth"
	"github.com/sentiwiki/agent/internal/catalog"
	"github.com/sentiwiki/agent/internal/llm"
	"github.com/sentiwiki/agent/internal/retrieval"
	"github.com/sentiwiki/agent/internal/vectorstore"
)

type scriptedLLM struct{}

func (s *scriptedLLM) Generate(_ context.Context, prompt string, _ llm.GenerateOptions) (string, error) {
	switch {
	case strings.Contains(prompt, "One word (RAG or DIRECT)"):
		return "DIRECT", nil
	case strings.Contains(prompt, "yes or no"):
		return "yes", nil
	}
	return "ok", nil
}

func (s *scriptedLLM) GenerateStream(_ context.Context, _ string, _ llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 3)
	ch <- llm.StreamChunk{Token: "Sentinel-2 carries "}
	ch <- llm.StreamChunk{Token: "the MSI instrument."}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

type fakeRetriever struct {
	result retrieval.Result
}

func (f *fakeRetriever) Retrieve(_ context.Context, _, _ string, _ map[string]string, _ retrieval.Options) (retrieval.Result, error) {
	return f.result, nil
}

// listOnlyStore backs the catalog; nothing else is exercised in these tests.
type listOnlyStore struct {
	infos []vectorstore.CollectionInfo
}

func (s *listOnlyStore) ListCollections(context.Context) ([]vectorstore.CollectionInfo, error) {
	return s.infos, nil
}
func (s *listOnlyStore) Upsert(context.Context, string, []vectorstore.Chunk) error { return nil }
func (s *listOnlyStore) Search(context.Context, string, []float32, int, map[string]string) ([]vectorstore.SearchResult, error) {
	return nil, nil
}

func testCandidates() []retrieval.Candidate {
	return []retrieval.Candidate{
		{
			ChunkID:     "s2-msi-001",
			Title:       "Sentinel-2 User Guide",
			URL:         "https://sentiwiki.copernicus.eu/web/s2-mission",
			HeadingPath: []string{"Sentinel-2", "MSI"},
			Content:     "The MultiSpectral Instrument acquires 13 spectral bands.",
			FusedScore:  0.92,
		},
		{
			ChunkID:    "s2-msi-002",
			Title:      "Sentinel-2 Products",
			URL:        "https://sentiwiki.copernicus.eu/web/s2-products",
			Content:    "Level-2A products provide surface reflectance.",
			FusedScore: 0.61,
		},
	}
}

func newTestServer(t *testing.T, apiKey string, refresh bool) *Server {
	t.Helper()

	store := &listOnlyStore{infos: []vectorstore.CollectionInfo{
		{Name: "sentiwiki", PointsCount: 1204},
	}}
	cat := catalog.New(store, time.Minute, nil)
	if refresh {
		if err := cat.Refresh(context.Background()); err != nil {
			t.Fatalf("catalog refresh: %v", err)
		}
	}

	ag := agent.New(&scriptedLLM{}, &fakeRetriever{result: retrieval.Result{Candidates: testCandidates()}}, agent.Models{Router: "router", RAG: "rag"})

	tokens := auth.NewJWTManager(auth.DefaultJWTConfig("test-secret"))
	return New(Config{
		Port:              8080,
		Agent:             ag,
		Catalog:           cat,
		Auth:              auth.NewMiddleware(apiKey, tokens),
		DefaultCollection: "sentiwiki",
	})
}

func TestReadinessFollowsCatalog(t *testing.T) {
	s := newTestServer(t, "", false)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before refresh = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	if err := s.catalog.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz after refresh = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestCollectionsEndpoint(t *testing.T) {
	s := newTestServer(t, "", true)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/collections", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp collectionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Collections) != 1 || resp.Collections[0].Name != "sentiwiki" {
		t.Errorf("collections = %+v, want one named sentiwiki", resp.Collections)
	}
	if resp.Collections[0].PointsCount != 1204 {
		t.Errorf("points count = %d, want 1204", resp.Collections[0].PointsCount)
	}
}

func TestRetrieveEndpoint(t *testing.T) {
	s := newTestServer(t, "", true)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/retrieve?query=msi+bands", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp retrieveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Count != 2 || len(resp.Candidates) != 2 {
		t.Fatalf("count = %d with %d candidates, want 2", resp.Count, len(resp.Candidates))
	}
	if resp.Candidates[0].ChunkID != "s2-msi-001" {
		t.Errorf("first candidate = %q, want s2-msi-001", resp.Candidates[0].ChunkID)
	}
	if resp.Collection != "sentiwiki" {
		t.Errorf("collection = %q, want sentiwiki", resp.Collection)
	}
}

func TestRetrieveRequiresQuery(t *testing.T) {
	s := newTestServer(t, "", true)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/retrieve", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestRetrieveUnknownCollection(t *testing.T) {
	s := newTestServer(t, "", true)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/retrieve?query=x&collection=nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRequestOptionsOverrides(t *testing.T) {
	s := newTestServer(t, "", true)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/retrieve?query=x&top_k=3&alpha=0.5&use_hybrid=false&use_reranking=true&floor_pct=30", nil)
	opts, err := s.requestOptions(r)
	if err != nil {
		t.Fatalf("requestOptions: %v", err)
	}
	if opts.TopK != 3 {
		t.Errorf("TopK = %d, want 3", opts.TopK)
	}
	if opts.Alpha != 0.5 {
		t.Errorf("Alpha = %v, want 0.5", opts.Alpha)
	}
	if opts.Hybrid {
		t.Error("Hybrid = true, want false")
	}
	if !opts.Rerank {
		t.Error("Rerank = false, want true")
	}
	if opts.FloorPct != 30 {
		t.Errorf("FloorPct = %v, want 30", opts.FloorPct)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/retrieve?query=x&top_k=abc", nil)
	if _, err := s.requestOptions(r); err == nil {
		t.Error("expected error for non-numeric top_k")
	}
}

func TestChatStreamEmitsStages(t *testing.T) {
	s := newTestServer(t, "", true)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chat/stream?query=hello", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	body := rec.Body.String()
	for _, stage := range []string{"routing", "routed", "generating", "streaming", "complete"} {
		if !strings.Contains(body, "event: "+stage+"\n") {
			t.Errorf("stream missing %s event:\n%s", stage, body)
		}
	}
	if strings.Contains(body, "event: error") {
		t.Errorf("unexpected error event:\n%s", body)
	}
}

func TestTokenExchangeAndBearerAccess(t *testing.T) {
	s := newTestServer(t, "secret-key", true)

	// Protected routes reject anonymous requests once a key is configured.
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/collections", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader(`{"api_key":"wrong","client_name":"cli"}`))
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader(`{"api_key":"secret-key","client_name":"cli"}`))
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding token response: %v", err)
	}
	if resp.Token == "" || resp.TokenType != "Bearer" {
		t.Fatalf("token response = %+v", resp)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/collections", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer status = %d, want %d", rec.Code, http.StatusOK)
	}
}
