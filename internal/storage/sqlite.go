package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ Memory = (*Store)(nil)

// Store is the SQLite-backed Memory. Eviction is serialized per owner in
// process; the database itself is opened with a single connection.
type Store struct {
	db    *sql.DB
	locks *ownerLocks

	clockMu sync.Mutex
	last    time.Time
	now     func() time.Time
}

// Open opens (or creates) mnemo.db in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "mnemo.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w: %w", ErrUnavailable, err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, locks: newOwnerLocks(), now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the connection so the vector index can share the file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// stamp returns a UTC timestamp strictly after the previous one issued by s.
func (s *Store) stamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// --- Chat turns ---

// SaveTurn inserts t and returns it with its id and timestamp set.
func (s *Store) SaveTurn(ctx context.Context, t ChatTurn) (ChatTurn, error) {
	t.CreatedAt = s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_turns (owner, user_message, bot_response, created_at) VALUES (?, ?, ?, ?)`,
		t.Owner, t.UserMessage, t.BotResponse, t.CreatedAt.Format(TimeLayout))
	if err != nil {
		return ChatTurn{}, unavailable("saving turn", err)
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return ChatTurn{}, unavailable("saving turn", err)
	}
	return t, nil
}

// RecentTurns returns at most n of owner's newest turns, oldest first.
func (s *Store) RecentTurns(ctx context.Context, owner string, n int) ([]ChatTurn, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, user_message, bot_response, created_at FROM (
			SELECT * FROM chat_turns WHERE owner = ? ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`, owner, n)
	if err != nil {
		return nil, unavailable("reading recent turns", err)
	}
	return scanTurns(rows)
}

// ReadTurns returns all of owner's turns, evicting the oldest when more
// than threshold exist. A threshold <= 0 disables eviction.
func (s *Store) ReadTurns(ctx context.Context, owner string, threshold int) ([]ChatTurn, error) {
	unlock := s.locks.lock(owner)
	defer unlock()

	turns, err := s.listTurns(ctx, owner)
	if err != nil {
		return nil, err
	}
	if threshold <= 0 || len(turns) <= threshold {
		return turns, nil
	}

	deleted, err := s.deleteIfOver(ctx, "chat_turns", "owner = ?", []any{owner}, turns[0].ID, threshold)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return s.listTurns(ctx, owner)
	}
	return turns[1:], nil
}

func (s *Store) listTurns(ctx context.Context, owner string) ([]ChatTurn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, user_message, bot_response, created_at
		FROM chat_turns WHERE owner = ? ORDER BY created_at ASC, id ASC`, owner)
	if err != nil {
		return nil, unavailable("reading turns", err)
	}
	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]ChatTurn, error) {
	defer rows.Close()
	var out []ChatTurn
	for rows.Next() {
		var t ChatTurn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Owner, &t.UserMessage, &t.BotResponse, &createdAt); err != nil {
			return nil, unavailable("scanning turn", err)
		}
		ts, err := time.Parse(TimeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		t.CreatedAt = ts
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating turns", err)
	}
	return out, nil
}

// --- Summaries ---

// SaveSummary inserts r and returns it with its id and timestamp set.
func (s *Store) SaveSummary(ctx context.Context, r SummaryRecord) (SummaryRecord, error) {
	r.CreatedAt = s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_summaries (owner, audience, summary_text, created_at) VALUES (?, ?, ?, ?)`,
		r.Owner, string(r.Audience), r.Text, r.CreatedAt.Format(TimeLayout))
	if err != nil {
		return SummaryRecord{}, unavailable("saving summary", err)
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return SummaryRecord{}, unavailable("saving summary", err)
	}
	return r, nil
}

// RecentSummaries returns at most n of owner's newest summaries for
// audience, oldest first.
func (s *Store) RecentSummaries(ctx context.Context, owner string, audience Audience, n int) ([]SummaryRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, audience, summary_text, created_at FROM (
			SELECT * FROM chat_summaries WHERE owner = ? AND audience = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`, owner, string(audience), n)
	if err != nil {
		return nil, unavailable("reading recent summaries", err)
	}
	return scanSummaries(rows)
}

// ReadSummaries returns all of owner's summaries for audience. When more
// than threshold exist the oldest is passed to fold and, only if fold
// succeeds, deleted.
func (s *Store) ReadSummaries(ctx context.Context, owner string, audience Audience, threshold int, fold FoldFunc) ([]SummaryRecord, error) {
	unlock := s.locks.lock(owner)
	defer unlock()

	records, err := s.listSummaries(ctx, owner, audience)
	if err != nil {
		return nil, err
	}
	if threshold <= 0 || len(records) <= threshold {
		return records, nil
	}

	oldest := records[0]
	if fold != nil {
		// Fold runs outside the delete transaction: it may write through the
		// same single connection.
		if err := fold(ctx, oldest); err != nil {
			return nil, fmt.Errorf("folding summary %d: %w", oldest.ID, err)
		}
	}

	deleted, err := s.deleteIfOver(ctx, "chat_summaries", "owner = ? AND audience = ?",
		[]any{owner, string(audience)}, oldest.ID, threshold)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return s.listSummaries(ctx, owner, audience)
	}
	return records[1:], nil
}

func (s *Store) listSummaries(ctx context.Context, owner string, audience Audience) ([]SummaryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, audience, summary_text, created_at
		FROM chat_summaries WHERE owner = ? AND audience = ?
		ORDER BY created_at ASC, id ASC`, owner, string(audience))
	if err != nil {
		return nil, unavailable("reading summaries", err)
	}
	return scanSummaries(rows)
}

func scanSummaries(rows *sql.Rows) ([]SummaryRecord, error) {
	defer rows.Close()
	var out []SummaryRecord
	for rows.Next() {
		var r SummaryRecord
		var audience, createdAt string
		if err := rows.Scan(&r.ID, &r.Owner, &audience, &r.Text, &createdAt); err != nil {
			return nil, unavailable("scanning summary", err)
		}
		ts, err := time.Parse(TimeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.Audience = Audience(audience)
		r.CreatedAt = ts
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating summaries", err)
	}
	return out, nil
}

// deleteIfOver deletes row id from table only if the partition selected by
// where still holds more than threshold rows. The count and the delete run
// in one transaction.
func (s *Store) deleteIfOver(ctx context.Context, table, where string, args []any, id int64, threshold int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("beginning eviction", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE "+where, args...).Scan(&count); err != nil {
		return false, unavailable("counting "+table, err)
	}
	if count <= threshold {
		return false, nil
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ? AND "+where, append([]any{id}, args...)...)
	if err != nil {
		return false, unavailable("evicting from "+table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("evicting from "+table, err)
	}
	if err := tx.Commit(); err != nil {
		return false, unavailable("committing eviction", err)
	}
	return n == 1, nil
}
