package lexical

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresIndex implements Index using PostgreSQL full-text search.
// The chunks table mirrors the vector store payload and carries a tsvector
// column over title, headings and body.
type PostgresIndex struct {
	pool *pgxpool.Pool
}

// NewPostgresIndex creates a lexical index backed by a pgx connection pool
func NewPostgresIndex(ctx context.Context, databaseURL string) (*PostgresIndex, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresIndex{pool: pool}, nil
}

// Close closes the connection pool
func (idx *PostgresIndex) Close() {
	idx.pool.Close()
}

// Search runs full-text search over the collection's chunks
func (idx *PostgresIndex) Search(ctx context.Context, collection string, query string, topK int) ([]Hit, error) {
	sql := `
		SELECT chunk_id, body, title, url, heading_path, mission, document_type,
		       ts_rank_cd(tsv, q) AS rank
		FROM chunks, websearch_to_tsquery('english', $2) q
		WHERE collection = $1 AND tsv @@ q
		ORDER BY rank DESC
		LIMIT $3
	`
	rows, err := idx.pool.Query(ctx, sql, collection, query, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to run lexical search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			hit                     Hit
			title, url, headingPath string
			mission, documentType   string
		)
		if err := rows.Scan(&hit.ID, &hit.Content, &title, &url, &headingPath, &mission, &documentType, &hit.Score); err != nil {
			return nil, fmt.Errorf("failed to scan lexical hit: %w", err)
		}
		hit.Metadata = map[string]string{
			"title":         title,
			"url":           url,
			"heading_path":  headingPath,
			"mission":       mission,
			"document_type": documentType,
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read lexical hits: %w", err)
	}

	return hits, nil
}

// Ensure PostgresIndex implements Index
var _ Index = (*PostgresIndex)(nil)
