package retrieval

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/mnemo/internal/engine"
)

// DefaultCacheBytes bounds the embedding cache.
const DefaultCacheBytes = 32 << 20

// Embedder wraps an Engine to generate text embeddings. Vectors are cached
// by text so repeated questions and re-folded chunks skip the model.
type Embedder struct {
	engine engine.Engine
	model  string
	cache  *ristretto.Cache
}

// NewEmbedder creates an Embedder using the given Engine and model name.
// cacheBytes <= 0 disables caching.
func NewEmbedder(e engine.Engine, model string, cacheBytes int64) (*Embedder, error) {
	emb := &Embedder{engine: e, model: model}
	if cacheBytes <= 0 {
		return emb, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: max(cacheBytes/256, 1000),
		MaxCost:     cacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}
	emb.cache = cache
	return emb, nil
}

// Model returns the embedding model name.
func (e *Embedder) Model() string {
	return e.model
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.cache != nil {
		if v, ok := e.cache.Get(text); ok {
			return v.([]float32), nil
		}
	}
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if e.cache != nil {
		e.cache.Set(text, vec, int64(len(vec)*4+len(text)))
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the engine.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Close releases the cache.
func (e *Embedder) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}
