// Package postgres persists finalized voice-session statistics in
// PostgreSQL.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	mgr := sessionstats.NewManager(sessionstats.WithStore(store))
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessionSummaries = `
CREATE TABLE IF NOT EXISTS session_summaries (
    session_id        TEXT             PRIMARY KEY,
    started_at        TIMESTAMPTZ      NOT NULL,
    ended_at          TIMESTAMPTZ      NOT NULL,
    asr_avg_ms        DOUBLE PRECISION NOT NULL DEFAULT 0,
    llm_avg_ms        DOUBLE PRECISION NOT NULL DEFAULT 0,
    tts_avg_ms        DOUBLE PRECISION NOT NULL DEFAULT 0,
    e2e_avg_ms        DOUBLE PRECISION NOT NULL DEFAULT 0,
    pipeline_total_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
    barge_ins         INTEGER          NOT NULL DEFAULT 0,
    errors            INTEGER          NOT NULL DEFAULT 0,
    summary           JSONB            NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_summaries_ended_at
    ON session_summaries (ended_at DESC);
`

const ddlStageRecords = `
CREATE TABLE IF NOT EXISTS stage_records (
    id          BIGSERIAL        PRIMARY KEY,
    session_id  TEXT             NOT NULL REFERENCES session_summaries (session_id) ON DELETE CASCADE,
    stage       TEXT             NOT NULL,
    latency_ms  DOUBLE PRECISION NOT NULL,
    success     BOOLEAN          NOT NULL,
    error       TEXT             NOT NULL DEFAULT '',
    recorded_at TIMESTAMPTZ      NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stage_records_session
    ON stage_records (session_id, recorded_at);
`

// Migrate creates the statistics tables if they do not exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessionSummaries, ddlStageRecords} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
