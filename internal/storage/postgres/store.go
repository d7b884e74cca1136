// Package postgres is the PostgreSQL-backed memory store, for deployments
// where several mnemo processes share one database.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/mnemo/internal/storage"
)

var _ storage.Memory = (*Store)(nil)

// Store persists turns and summaries in PostgreSQL. Eviction reads take a
// transaction-scoped advisory lock on the owner, so they serialize across
// processes without locking other owners.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and creates the schema if needed.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w: %w", storage.ErrUnavailable, err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the connection pool so the vector index can share it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_turns (
			id BIGSERIAL PRIMARY KEY,
			owner TEXT NOT NULL DEFAULT '',
			user_message TEXT NOT NULL,
			bot_response TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_turns_owner_created ON chat_turns (owner, created_at, id);`,
		`CREATE TABLE IF NOT EXISTS chat_summaries (
			id BIGSERIAL PRIMARY KEY,
			owner TEXT NOT NULL DEFAULT '',
			audience TEXT NOT NULL CHECK (audience IN ('user', 'general')),
			summary_text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_summaries_owner_audience_created ON chat_summaries (owner, audience, created_at, id);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w: %w", stmt, storage.ErrUnavailable, err)
		}
	}
	return nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, storage.ErrUnavailable, err)
}

// SaveTurn inserts t and returns it with id and timestamp set.
func (s *Store) SaveTurn(ctx context.Context, t storage.ChatTurn) (storage.ChatTurn, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chat_turns (owner, user_message, bot_response) VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		t.Owner, t.UserMessage, t.BotResponse,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return storage.ChatTurn{}, unavailable("save turn", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

// SaveSummary inserts r and returns it with id and timestamp set.
func (s *Store) SaveSummary(ctx context.Context, r storage.SummaryRecord) (storage.SummaryRecord, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chat_summaries (owner, audience, summary_text) VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		r.Owner, string(r.Audience), r.Text,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return storage.SummaryRecord{}, unavailable("save summary", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

// RecentTurns returns at most n of owner's newest turns, oldest first.
func (s *Store) RecentTurns(ctx context.Context, owner string, n int) ([]storage.ChatTurn, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, user_message, bot_response, created_at FROM (
			SELECT * FROM chat_turns WHERE owner = $1 ORDER BY created_at DESC, id DESC LIMIT $2
		) recent ORDER BY created_at ASC, id ASC`, owner, n)
	if err != nil {
		return nil, unavailable("query recent turns", err)
	}
	return scanTurns(rows)
}

// RecentSummaries returns at most n of owner's newest summaries for audience.
func (s *Store) RecentSummaries(ctx context.Context, owner string, audience storage.Audience, n int) ([]storage.SummaryRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, audience, summary_text, created_at FROM (
			SELECT * FROM chat_summaries WHERE owner = $1 AND audience = $2
			ORDER BY created_at DESC, id DESC LIMIT $3
		) recent ORDER BY created_at ASC, id ASC`, owner, string(audience), n)
	if err != nil {
		return nil, unavailable("query recent summaries", err)
	}
	return scanSummaries(rows)
}

// ReadTurns returns all of owner's turns, evicting the oldest when more than
// threshold exist.
func (s *Store) ReadTurns(ctx context.Context, owner string, threshold int) ([]storage.ChatTurn, error) {
	var out []storage.ChatTurn
	err := s.withOwnerLock(ctx, owner, func(tx pgx.Tx) error {
		turns, err := listTurns(ctx, tx, owner)
		if err != nil {
			return err
		}
		if threshold <= 0 || len(turns) <= threshold {
			out = turns
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM chat_turns WHERE id = $1`, turns[0].ID); err != nil {
			return unavailable("evict turn", err)
		}
		out = turns[1:]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadSummaries returns all of owner's summaries for audience. When more
// than threshold exist the oldest is folded and then deleted in the same
// transaction.
func (s *Store) ReadSummaries(ctx context.Context, owner string, audience storage.Audience, threshold int, fold storage.FoldFunc) ([]storage.SummaryRecord, error) {
	var out []storage.SummaryRecord
	err := s.withOwnerLock(ctx, owner, func(tx pgx.Tx) error {
		records, err := listSummaries(ctx, tx, owner, audience)
		if err != nil {
			return err
		}
		if threshold <= 0 || len(records) <= threshold {
			out = records
			return nil
		}
		oldest := records[0]
		if fold != nil {
			if err := fold(ctx, oldest); err != nil {
				return fmt.Errorf("folding summary %d: %w", oldest.ID, err)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM chat_summaries WHERE id = $1`, oldest.ID); err != nil {
			return unavailable("evict summary", err)
		}
		out = records[1:]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) withOwnerLock(ctx context.Context, owner string, fn func(pgx.Tx) error) error {
	var fnErr error
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, owner); err != nil {
			fnErr = unavailable("lock owner", err)
			return fnErr
		}
		fnErr = fn(tx)
		return fnErr
	})
	if err != nil && fnErr == nil {
		// Begin or commit failed.
		return unavailable("eviction transaction", err)
	}
	return err
}

func listTurns(ctx context.Context, q querier, owner string) ([]storage.ChatTurn, error) {
	rows, err := q.Query(ctx,
		`SELECT id, owner, user_message, bot_response, created_at
		 FROM chat_turns WHERE owner = $1 ORDER BY created_at ASC, id ASC`, owner)
	if err != nil {
		return nil, unavailable("query turns", err)
	}
	return scanTurns(rows)
}

func listSummaries(ctx context.Context, q querier, owner string, audience storage.Audience) ([]storage.SummaryRecord, error) {
	rows, err := q.Query(ctx,
		`SELECT id, owner, audience, summary_text, created_at
		 FROM chat_summaries WHERE owner = $1 AND audience = $2
		 ORDER BY created_at ASC, id ASC`, owner, string(audience))
	if err != nil {
		return nil, unavailable("query summaries", err)
	}
	return scanSummaries(rows)
}

func scanTurns(rows pgx.Rows) ([]storage.ChatTurn, error) {
	defer rows.Close()
	var out []storage.ChatTurn
	for rows.Next() {
		var t storage.ChatTurn
		if err := rows.Scan(&t.ID, &t.Owner, &t.UserMessage, &t.BotResponse, &t.CreatedAt); err != nil {
			return nil, unavailable("scan turn", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate turns", err)
	}
	return out, nil
}

func scanSummaries(rows pgx.Rows) ([]storage.SummaryRecord, error) {
	defer rows.Close()
	var out []storage.SummaryRecord
	for rows.Next() {
		var r storage.SummaryRecord
		var audience string
		if err := rows.Scan(&r.ID, &r.Owner, &audience, &r.Text, &r.CreatedAt); err != nil {
			return nil, unavailable("scan summary", err)
		}
		r.Audience = storage.Audience(audience)
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate summaries", err)
	}
	return out, nil
}
