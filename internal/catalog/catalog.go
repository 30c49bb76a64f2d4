// Package catalog maintains a read-only snapshot of the document collections
// available in the vector store.
package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sentiwiki/agent/internal/vectorstore"
)

// Catalog caches collection listings so request handlers never block on the
// vector store. The snapshot is replaced wholesale on refresh; readers always
// see a consistent list.
type Catalog struct {
	store    vectorstore.VectorStore
	logger   *slog.Logger
	interval time.Duration

	mu        sync.RWMutex
	snapshot  []vectorstore.CollectionInfo
	refreshed time.Time
}

// New creates a catalog over the vector store. Call Run to keep it fresh.
func New(store vectorstore.VectorStore, interval time.Duration, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Catalog{
		store:    store,
		logger:   logger,
		interval: interval,
	}
}

// Refresh reloads the snapshot from the vector store once.
func (c *Catalog) Refresh(ctx context.Context) error {
	infos, err := c.store.ListCollections(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.snapshot = infos
	c.refreshed = time.Now()
	c.mu.Unlock()

	c.logger.Debug("collection catalog refreshed", "collections", len(infos))
	return nil
}

// Run refreshes periodically until the context is cancelled. A failed refresh
// keeps the previous snapshot.
func (c *Catalog) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("collection catalog refresh failed", "error", err)
			}
		}
	}
}

// Collections returns the current snapshot. The returned slice is a copy.
func (c *Catalog) Collections() []vectorstore.CollectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]vectorstore.CollectionInfo, len(c.snapshot))
	copy(out, c.snapshot)
	return out
}

// Has reports whether a collection is present in the snapshot.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, info := range c.snapshot {
		if info.Name == name {
			return true
		}
	}
	return false
}

// RefreshedAt returns the time of the last successful refresh.
func (c *Catalog) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshed
}
