// Package postgres provides a PostgreSQL-backed [history.Store] for deployments
// that share session state between daemon restarts on different hosts.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/dawn/internal/history"
)

var _ history.Store = (*Store)(nil)

// Store is the PostgreSQL-backed [history.Store]. It holds a single
// [pgxpool.Pool]; all methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the database at dsn, verifies it is
// reachable, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// LoadSession implements [history.Store].
func (s *Store) LoadSession(ctx context.Context, uuid string) (history.SessionRecord, error) {
	const q = `
		SELECT uuid, session_id, history_id, name, location, tier,
		       created_at, last_activity, last_registration
		FROM   satellite_sessions
		WHERE  uuid = $1`

	var rec history.SessionRecord
	err := s.pool.QueryRow(ctx, q, uuid).Scan(
		&rec.UUID, &rec.SessionID, &rec.HistoryID, &rec.Name, &rec.Location, &rec.Tier,
		&rec.CreatedAt, &rec.LastActivity, &rec.LastRegistration,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return history.SessionRecord{}, history.ErrNotFound
	}
	if err != nil {
		return history.SessionRecord{}, fmt.Errorf("postgres store: load session: %w", err)
	}
	return rec, nil
}

// SaveSession implements [history.Store].
func (s *Store) SaveSession(ctx context.Context, rec history.SessionRecord) error {
	const q = `
		INSERT INTO satellite_sessions
		    (uuid, session_id, history_id, name, location, tier,
		     created_at, last_activity, last_registration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (uuid) DO UPDATE SET
		    session_id        = EXCLUDED.session_id,
		    history_id        = EXCLUDED.history_id,
		    name              = EXCLUDED.name,
		    location          = EXCLUDED.location,
		    tier              = EXCLUDED.tier,
		    created_at        = EXCLUDED.created_at,
		    last_activity     = EXCLUDED.last_activity,
		    last_registration = EXCLUDED.last_registration`

	_, err := s.pool.Exec(ctx, q,
		rec.UUID, rec.SessionID, rec.HistoryID, rec.Name, rec.Location, rec.Tier,
		rec.CreatedAt, rec.LastActivity, rec.LastRegistration,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save session: %w", err)
	}
	return nil
}

// DeleteSession implements [history.Store]. The session row and its turns are
// removed in one transaction.
func (s *Store) DeleteSession(ctx context.Context, uuid string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM conversation_turns
			 WHERE history_id IN (SELECT history_id FROM satellite_sessions WHERE uuid = $1)`, uuid); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM satellite_sessions WHERE uuid = $1`, uuid)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres store: delete session: %w", err)
	}
	return nil
}

// AppendTurn implements [history.Store].
func (s *Store) AppendTurn(ctx context.Context, historyID string, turn history.Turn) error {
	if turn.At.IsZero() {
		turn.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_turns (history_id, role, text, at) VALUES ($1, $2, $3, $4)`,
		historyID, string(turn.Role), turn.Text, turn.At,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append turn: %w", err)
	}
	return nil
}

// Turns implements [history.Store].
func (s *Store) Turns(ctx context.Context, historyID string, limit int) ([]history.Turn, error) {
	const q = `
		SELECT role, text, at FROM (
		    SELECT id, role, text, at
		    FROM   conversation_turns
		    WHERE  history_id = $1
		    ORDER  BY id DESC
		    LIMIT  $2
		) recent
		ORDER BY id`

	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, q, historyID, lim)
	if err != nil {
		return nil, fmt.Errorf("postgres store: turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Turn, error) {
		var (
			tr   history.Turn
			role string
		)
		err := row.Scan(&role, &tr.Text, &tr.At)
		tr.Role = history.Role(role)
		return tr, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: collect turns: %w", err)
	}
	return turns, nil
}

// PruneOlderThan implements [history.Store].
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversation_turns WHERE at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres store: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping implements [history.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [history.Store]. It releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
