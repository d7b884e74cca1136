// Package retrieval embeds text and searches it by similarity within
// strictly separate collections.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Index defaults.
const (
	DefaultTopK         = 5
	DefaultChunkSize    = 10000
	DefaultChunkOverlap = 1000
)

// IndexConfig tunes search and folding.
type IndexConfig struct {
	TopK         int
	ChunkSize    int
	ChunkOverlap int
}

// Index is the semantic memory: it embeds queries and chunks and stores
// them in a VectorStore.
type Index struct {
	embedder *Embedder
	store    VectorStore
	cfg      IndexConfig
}

// NewIndex creates an Index. Zero config fields take the defaults.
func NewIndex(embedder *Embedder, store VectorStore, cfg IndexConfig) *Index {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = 0
	}
	return &Index{embedder: embedder, store: store, cfg: cfg}
}

// Search returns the texts of collection most similar to query, best first.
// An absent collection yields an empty list.
func (ix *Index) Search(ctx context.Context, collection, query string) ([]string, error) {
	hits, err := ix.SearchScored(ctx, collection, query, ix.cfg.TopK)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Text
	}
	return texts, nil
}

// SearchScored is Search with scores and an explicit result limit.
func (ix *Index) SearchScored(ctx context.Context, collection, query string, topK int) ([]ScoredRecord, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	n, err := ix.store.Count(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("counting %s: %w", collection, err)
	}
	if n == 0 {
		return nil, nil
	}
	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := ix.store.Search(ctx, collection, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", collection, err)
	}
	return hits, nil
}

// Upsert embeds chunks and appends them to collection.
func (ix *Index) Upsert(ctx context.Context, collection string, chunks []string) error {
	var texts []string
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			texts = append(texts, c)
		}
	}
	if len(texts) == 0 {
		return nil
	}
	vecs, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	records := make([]Record, len(texts))
	for i, t := range texts {
		records[i] = Record{ID: uuid.NewString(), Text: t, Embedding: vecs[i], CreatedAt: now}
	}
	if err := ix.store.Insert(ctx, collection, records); err != nil {
		return fmt.Errorf("inserting into %s: %w", collection, err)
	}
	return nil
}

// Fold stores an evicted summary in collection, chunked for embedding.
func (ix *Index) Fold(ctx context.Context, collection, summary string) error {
	doc := FoldDocument(summary)
	return ix.Upsert(ctx, collection, Chunk(doc, ix.cfg.ChunkSize, ix.cfg.ChunkOverlap))
}

// FoldDocument wraps a summary the way folded summaries are stored.
func FoldDocument(summary string) string {
	return "Latest chat summary-\n" + summary + "\n"
}

// Count returns the number of chunks in collection.
func (ix *Index) Count(ctx context.Context, collection string) (int, error) {
	return ix.store.Count(ctx, collection)
}
