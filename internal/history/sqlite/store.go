// Package sqlite provides a [history.Store] backed by a local SQLite file.
// Uses pure-Go SQLite (modernc.org/sqlite), no cgo required.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/dawn/internal/history"
)

var _ history.Store = (*Store)(nil)

// Store is a SQLite-backed [history.Store].
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite store: create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// A single connection serialises writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	uuid              TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	history_id        TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	location          TEXT NOT NULL DEFAULT '',
	tier              TEXT NOT NULL DEFAULT '',
	created_at_ms     INTEGER NOT NULL,
	last_activity_ms  INTEGER NOT NULL,
	last_register_ms  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	history_id  TEXT NOT NULL,
	role        TEXT NOT NULL,
	text        TEXT NOT NULL,
	at_ms       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_history ON turns (history_id, id);
CREATE INDEX IF NOT EXISTS idx_turns_at ON turns (at_ms);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// LoadSession implements [history.Store].
func (s *Store) LoadSession(ctx context.Context, uuid string) (history.SessionRecord, error) {
	const q = `
		SELECT uuid, session_id, history_id, name, location, tier,
		       created_at_ms, last_activity_ms, last_register_ms
		FROM   sessions
		WHERE  uuid = ?`

	var (
		rec                    history.SessionRecord
		created, active, regAt int64
	)
	err := s.db.QueryRowContext(ctx, q, uuid).Scan(
		&rec.UUID, &rec.SessionID, &rec.HistoryID, &rec.Name, &rec.Location, &rec.Tier,
		&created, &active, &regAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return history.SessionRecord{}, history.ErrNotFound
	}
	if err != nil {
		return history.SessionRecord{}, fmt.Errorf("sqlite store: load session: %w", err)
	}
	rec.CreatedAt = fromMillis(created)
	rec.LastActivity = fromMillis(active)
	rec.LastRegistration = fromMillis(regAt)
	return rec, nil
}

// SaveSession implements [history.Store].
func (s *Store) SaveSession(ctx context.Context, rec history.SessionRecord) error {
	const q = `
		INSERT INTO sessions
		    (uuid, session_id, history_id, name, location, tier,
		     created_at_ms, last_activity_ms, last_register_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uuid) DO UPDATE SET
		    session_id       = excluded.session_id,
		    history_id       = excluded.history_id,
		    name             = excluded.name,
		    location         = excluded.location,
		    tier             = excluded.tier,
		    created_at_ms    = excluded.created_at_ms,
		    last_activity_ms = excluded.last_activity_ms,
		    last_register_ms = excluded.last_register_ms`

	_, err := s.db.ExecContext(ctx, q,
		rec.UUID, rec.SessionID, rec.HistoryID, rec.Name, rec.Location, rec.Tier,
		rec.CreatedAt.UnixMilli(), rec.LastActivity.UnixMilli(), rec.LastRegistration.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: save session: %w", err)
	}
	return nil
}

// DeleteSession implements [history.Store].
func (s *Store) DeleteSession(ctx context.Context, uuid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: delete session: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE history_id IN (SELECT history_id FROM sessions WHERE uuid = ?)`, uuid); err != nil {
		return fmt.Errorf("sqlite store: delete turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("sqlite store: delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: delete session: commit: %w", err)
	}
	return nil
}

// AppendTurn implements [history.Store].
func (s *Store) AppendTurn(ctx context.Context, historyID string, turn history.Turn) error {
	if turn.At.IsZero() {
		turn.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (history_id, role, text, at_ms) VALUES (?, ?, ?, ?)`,
		historyID, string(turn.Role), turn.Text, turn.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: append turn: %w", err)
	}
	return nil
}

// Turns implements [history.Store].
func (s *Store) Turns(ctx context.Context, historyID string, limit int) ([]history.Turn, error) {
	const q = `
		SELECT role, text, at_ms FROM (
		    SELECT id, role, text, at_ms
		    FROM   turns
		    WHERE  history_id = ?
		    ORDER  BY id DESC
		    LIMIT  ?
		) ORDER BY id`

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, q, historyID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: turns: %w", err)
	}
	defer rows.Close()

	var out []history.Turn
	for rows.Next() {
		var (
			tr   history.Turn
			role string
			at   int64
		)
		if err := rows.Scan(&role, &tr.Text, &at); err != nil {
			return nil, fmt.Errorf("sqlite store: scan turn: %w", err)
		}
		tr.Role = history.Role(role)
		tr.At = fromMillis(at)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: turns: %w", err)
	}
	return out, nil
}

// PruneOlderThan implements [history.Store].
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite store: prune: %w", err)
	}
	return res.RowsAffected()
}

// Ping implements [history.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [history.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
