// Package vectorstore provides interfaces and implementations for vector similarity search.
package vectorstore

import (
	"context"
)

// Chunk represents a document chunk with its embedding
type Chunk struct {
	ID       string
	Content  string
	Vector   []float32
	Metadata map[string]string
}

// SearchResult represents a search result from the vector store
type SearchResult struct {
	ID       string
	Content  string
	Score    float32
	Metadata map[string]string
}

// CollectionInfo describes one collection in the store
type CollectionInfo struct {
	Name        string `json:"name"`
	PointsCount uint64 `json:"points_count"`
}

// VectorStore is the query/upsert surface of the vector index. Collection
// lifecycle (creation, deletion, schema) belongs to the indexing jobs that
// populate the store, not to this service.
type VectorStore interface {
	// ListCollections returns all collections with their point counts
	ListCollections(ctx context.Context) ([]CollectionInfo, error)

	// Upsert inserts or updates chunks in a collection
	Upsert(ctx context.Context, collection string, chunks []Chunk) error

	// Search performs similarity search. A non-empty filters map restricts
	// results to points whose payload matches every key/value pair.
	Search(ctx context.Context, collection string, vector []float32, topK int, filters map[string]string) ([]SearchResult, error)
}
