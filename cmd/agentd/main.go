package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sentiwiki/agent/internal/agent"
	"github.com/sentiwiki/agent/internal/auth"
	"github.com/sentiwiki/agent/internal/catalog"
	"github.com/sentiwiki/agent/internal/config"
	"github.com/sentiwiki/agent/internal/embedder"
	"github.com/sentiwiki/agent/internal/lexical"
	"github.com/sentiwiki/agent/internal/llm"
	"github.com/sentiwiki/agent/internal/memory"
	"github.com/sentiwiki/agent/internal/reranker"
	"github.com/sentiwiki/agent/internal/retrieval"
	"github.com/sentiwiki/agent/internal/server"
	"github.com/sentiwiki/agent/internal/vectorstore"
)

func main() {
	// Bootstrap logger; replaced with the configured level once config loads.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set up structured logging at the configured level
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("starting agent service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"default_collection", cfg.DefaultCollection,
	)

	// Initialize PostgreSQL lexical index
	lexIndex, err := lexical.NewPostgresIndex(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer lexIndex.Close()
	slog.Info("connected to PostgreSQL")

	// Initialize Qdrant vector store
	vectorStore, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer vectorStore.Close()
	slog.Info("connected to Qdrant")

	// Initialize Ollama embedder
	embed := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.OllamaEmbeddingModel,
	})
	slog.Info("initialized Ollama embedder", "model", cfg.OllamaEmbeddingModel)

	// Initialize Ollama LLM
	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaRAGModel),
	)
	slog.Info("initialized Ollama LLM", "router_model", cfg.OllamaRouterModel, "rag_model", cfg.OllamaRAGModel)

	// Collection catalog, refreshed in the background
	cat := catalog.New(vectorStore, cfg.CatalogRefreshInterval, slog.Default())
	if err := cat.Refresh(ctx); err != nil {
		slog.Warn("initial catalog refresh failed, readiness deferred", "error", err)
	}
	go cat.Run(ctx)

	// Retrieval pipeline and agent
	retriever := retrieval.NewHybridRetriever(embed, vectorStore, lexIndex, slog.Default())
	rerank := reranker.NewLLMReranker(llmClient, reranker.WithModel(cfg.OllamaRAGModel))

	ag := agent.New(llmClient, retriever,
		agent.Models{
			Router: cfg.OllamaRouterModel,
			RAG:    cfg.OllamaRAGModel,
		},
		agent.WithReranker(rerank),
		agent.WithMemory(memory.DefaultStore()),
		agent.WithLogger(slog.Default()),
		agent.WithGradeTopN(cfg.GradeTopN),
	)

	// Auth
	tokens := auth.NewJWTManager(&auth.JWTConfig{
		Secret: cfg.JWTSecret,
		Expiry: cfg.JWTExpiry,
		Issuer: "sentiwiki-agent",
	})
	authMW := auth.NewMiddleware(cfg.APIKey, tokens)
	if !authMW.Enabled() {
		slog.Warn("no API key configured, endpoints are open")
	}

	// HTTP server
	httpServer := server.New(server.Config{
		Port:              cfg.HTTPPort,
		Logger:            slog.Default(),
		AllowedOrigins:    []string{"*"}, // Configure in production
		Agent:             ag,
		Catalog:           cat,
		Auth:              authMW,
		DefaultCollection: cfg.DefaultCollection,
		Defaults: retrieval.Options{
			TopK:           cfg.DefaultTopK,
			Oversample:     cfg.DefaultOversample,
			Alpha:          cfg.DefaultAlpha,
			PartialPenalty: cfg.PartialPenalty,
			RerankTopN:     cfg.DefaultRerankTopN,
			FloorPct:       cfg.RelevanceFloorPct,
			Hybrid:         cfg.UseHybridSearch,
			Rerank:         cfg.UseReranking,
			Filtering:      cfg.UseMetadataFilters,
			FloorEnabled:   cfg.UseRelevanceFloor,
		},
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ vectorstore.VectorStore = (*vectorstore.QdrantStore)(nil)
	_ lexical.Index           = (*lexical.PostgresIndex)(nil)
	_ embedder.Embedder       = (*embedder.OllamaEmbedder)(nil)
	_ llm.LLM                 = (*llm.OllamaClient)(nil)
	_ agent.Retriever         = (*retrieval.HybridRetriever)(nil)
)
