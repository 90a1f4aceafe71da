package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Session records
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS satellite_sessions (
    uuid              TEXT         PRIMARY KEY,
    session_id        TEXT         NOT NULL,
    history_id        TEXT         NOT NULL,
    name              TEXT         NOT NULL DEFAULT '',
    location          TEXT         NOT NULL DEFAULT '',
    tier              TEXT         NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_activity     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_registration TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Conversation turns
// ─────────────────────────────────────────────────────────────────────────────

const ddlTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id          BIGSERIAL    PRIMARY KEY,
    history_id  TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_history
    ON conversation_turns (history_id, id);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_at
    ON conversation_turns (at);
`

// Migrate creates all tables and indexes. Every statement is idempotent, so
// Migrate is safe to call on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlTurns} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
