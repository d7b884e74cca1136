package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

var _ VectorStore = (*PGVectorStore)(nil)

// PGVectorStore keeps chunks in PostgreSQL and ranks them with the pgvector
// cosine distance operator.
type PGVectorStore struct {
	pool *pgxpool.Pool
}

// NewPGVectorStore enables the vector extension and creates the chunk table.
func NewPGVectorStore(ctx context.Context, pool *pgxpool.Pool) (*PGVectorStore, error) {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		`CREATE TABLE IF NOT EXISTS context_vectors (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			text_chunk TEXT NOT NULL,
			embedding vector NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_context_vectors_collection ON context_vectors (collection);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init pgvector schema failed on %q: %w", stmt, err)
		}
	}
	return &PGVectorStore{pool: pool}, nil
}

// Insert appends records to collection.
func (s *PGVectorStore) Insert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO context_vectors (id, collection, text_chunk, embedding, created_at)
			 VALUES ($1, $2, $3, $4::vector, $5)`,
			r.ID, collection, r.Text, pgvector.NewVector(r.Embedding), createdAt,
		); err != nil {
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// Search ranks collection by cosine distance to vector. Rows with a
// different dimension are ignored.
func (s *PGVectorStore) Search(ctx context.Context, collection string, vector []float32, topK int) ([]ScoredRecord, error) {
	if len(vector) == 0 || topK <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, text_chunk, created_at, 1 - (embedding <=> $1::vector) AS score
		 FROM context_vectors
		 WHERE collection = $2 AND vector_dims(embedding) = $3
		 ORDER BY embedding <=> $1::vector
		 LIMIT $4`,
		pgvector.NewVector(vector), collection, len(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var out []ScoredRecord
	for rows.Next() {
		var r ScoredRecord
		var score float64
		if err := rows.Scan(&r.ID, &r.Text, &r.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		r.Score = float32(score)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of records in collection.
func (s *PGVectorStore) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM context_vectors WHERE collection = $1`, collection).Scan(&n)
	return n, err
}
