package retrieval

import (
	"context"
	"fmt"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

var _ VectorStore = (*ChromemStore)(nil)

// ChromemStore keeps collections in an embedded chromem-go database,
// optionally persisted to a directory.
type ChromemStore struct {
	db *chromem.DB
	mu sync.Mutex
}

// NewChromemStore opens a chromem database. An empty dir keeps everything
// in memory.
func NewChromemStore(dir string) (*ChromemStore, error) {
	if dir == "" {
		return &ChromemStore{db: chromem.NewDB()}, nil
	}
	db, err := chromem.NewPersistentDB(dir, true)
	if err != nil {
		return nil, fmt.Errorf("opening chromem db at %s: %w", dir, err)
	}
	return &ChromemStore{db: db}, nil
}

// noEmbedding is installed as the collection's embedding func. Every
// document arrives with its vector, so it must never run.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("chromem store requires precomputed embeddings")
}

func (s *ChromemStore) collection(name string, create bool) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.db.GetCollection(name, noEmbedding); c != nil || !create {
		return c, nil
	}
	c, err := s.db.GetOrCreateCollection(name, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", name, err)
	}
	return c, nil
}

// Insert appends records to collection.
func (s *ChromemStore) Insert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	c, err := s.collection(collection, true)
	if err != nil {
		return err
	}
	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		docs[i] = chromem.Document{
			ID:        r.ID,
			Content:   r.Text,
			Embedding: r.Embedding,
			Metadata:  map[string]string{"created_at": createdAt.UTC().Format(timeLayout)},
		}
	}
	if err := c.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents to %s: %w", collection, err)
	}
	return nil
}

// Search queries one collection. chromem rejects nResults above the
// collection size, so topK is clamped to Count.
func (s *ChromemStore) Search(ctx context.Context, collection string, vector []float32, topK int) ([]ScoredRecord, error) {
	c, err := s.collection(collection, false)
	if err != nil || c == nil {
		return nil, err
	}
	n := min(topK, c.Count())
	if n <= 0 {
		return nil, nil
	}
	results, err := c.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}

	out := make([]ScoredRecord, 0, len(results))
	for _, r := range results {
		rec := Record{ID: r.ID, Text: r.Content, Embedding: r.Embedding}
		if ts, err := time.Parse(timeLayout, r.Metadata["created_at"]); err == nil {
			rec.CreatedAt = ts
		}
		out = append(out, ScoredRecord{Record: rec, Score: r.Similarity})
	}
	return out, nil
}

// Count returns the number of documents in collection.
func (s *ChromemStore) Count(_ context.Context, collection string) (int, error) {
	c, err := s.collection(collection, false)
	if err != nil || c == nil {
		return 0, err
	}
	return c.Count(), nil
}
