package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/sessionstats"
)

var _ sessionstats.Store = (*Store)(nil)

// Store implements [sessionstats.Store] on a [pgxpool.Pool]. It is safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
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

// Ping checks the database connection. It backs the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveSession writes the summary and its stage records in one transaction.
// Saving the same session twice replaces the earlier rows.
func (s *Store) SaveSession(ctx context.Context, sum sessionstats.Summary, records []sessionstats.StageRecord) error {
	doc, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("postgres store: encode summary: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO session_summaries
			    (session_id, started_at, ended_at, asr_avg_ms, llm_avg_ms, tts_avg_ms,
			     e2e_avg_ms, pipeline_total_ms, barge_ins, errors, summary)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (session_id) DO UPDATE SET
			    started_at        = EXCLUDED.started_at,
			    ended_at          = EXCLUDED.ended_at,
			    asr_avg_ms        = EXCLUDED.asr_avg_ms,
			    llm_avg_ms        = EXCLUDED.llm_avg_ms,
			    tts_avg_ms        = EXCLUDED.tts_avg_ms,
			    e2e_avg_ms        = EXCLUDED.e2e_avg_ms,
			    pipeline_total_ms = EXCLUDED.pipeline_total_ms,
			    barge_ins         = EXCLUDED.barge_ins,
			    errors            = EXCLUDED.errors,
			    summary           = EXCLUDED.summary`
		if _, err := tx.Exec(ctx, upsert,
			sum.SessionID, sum.StartedAt, sum.EndedAt,
			sum.ASR.AvgMS, sum.LLM.AvgMS, sum.TTS.AvgMS, sum.E2E.AvgMS,
			sum.PipelineMS, sum.BargeIns, sum.Errors, doc,
		); err != nil {
			return fmt.Errorf("upsert summary: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM stage_records WHERE session_id = $1`, sum.SessionID); err != nil {
			return fmt.Errorf("clear stage records: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"stage_records"},
			[]string{"session_id", "stage", "latency_ms", "success", "error", "recorded_at"},
			pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
				r := records[i]
				return []any{sum.SessionID, r.Stage, r.LatencyMS, r.Success, r.Error, r.At}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy stage records: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres store: save session %s: %w", sum.SessionID, err)
	}
	return nil
}

// RecentSessions returns up to limit summaries, most recently ended first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]sessionstats.Summary, error) {
	const q = `
		SELECT summary
		FROM   session_summaries
		ORDER  BY ended_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent sessions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sessionstats.Summary, error) {
		var doc []byte
		if err := row.Scan(&doc); err != nil {
			return sessionstats.Summary{}, err
		}
		var sum sessionstats.Summary
		err := json.Unmarshal(doc, &sum)
		return sum, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent sessions: %w", err)
	}
	return out, nil
}

// StageRecords returns the stored records of one session in recording order.
func (s *Store) StageRecords(ctx context.Context, sessionID string) ([]sessionstats.StageRecord, error) {
	const q = `
		SELECT stage, latency_ms, success, error, recorded_at
		FROM   stage_records
		WHERE  session_id = $1
		ORDER  BY recorded_at, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: stage records: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sessionstats.StageRecord, error) {
		var r sessionstats.StageRecord
		err := row.Scan(&r.Stage, &r.LatencyMS, &r.Success, &r.Error, &r.At)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: stage records: %w", err)
	}
	return out, nil
}
