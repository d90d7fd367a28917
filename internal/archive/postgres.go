package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS lecture_sessions (
    session_id      TEXT         PRIMARY KEY,
    lecture_id      TEXT         NOT NULL,
    presenter_id    TEXT         NOT NULL DEFAULT '',
    ended_at        TIMESTAMPTZ  NOT NULL,
    elapsed_seconds INTEGER      NOT NULL DEFAULT 0,
    stop_reason     TEXT         NOT NULL DEFAULT '',
    transcript_text TEXT         NOT NULL DEFAULT '',
    metrics         JSONB        NOT NULL DEFAULT '{}',
    sentiment       JSONB,
    suggestions     JSONB        NOT NULL DEFAULT '[]',
    frames_sent     BIGINT       NOT NULL DEFAULT 0,
    frames_dropped  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_lecture_sessions_lecture
    ON lecture_sessions (lecture_id, ended_at);

CREATE TABLE IF NOT EXISTS lecture_segments (
    session_id  TEXT         NOT NULL REFERENCES lecture_sessions (session_id) ON DELETE CASCADE,
    position    INTEGER      NOT NULL,
    text        TEXT         NOT NULL,
    captured_at TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (session_id, position)
);
`

// Migrate creates the archive tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// PostgresStore archives sessions to PostgreSQL. Saving the same session
// twice replaces the earlier row and its segments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection and runs
// [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Ping checks database reachability; it backs the readiness probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Save writes rec and its transcript in one transaction.
func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("archive: marshal metrics: %w", err)
	}
	var sentiment []byte
	if rec.Sentiment != nil {
		if sentiment, err = json.Marshal(rec.Sentiment); err != nil {
			return fmt.Errorf("archive: marshal sentiment: %w", err)
		}
	}
	suggestions := []byte("[]")
	if len(rec.Suggestions) > 0 {
		if suggestions, err = json.Marshal(rec.Suggestions); err != nil {
			return fmt.Errorf("archive: marshal suggestions: %w", err)
		}
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO lecture_sessions
			    (session_id, lecture_id, presenter_id, ended_at, elapsed_seconds, stop_reason,
			     transcript_text, metrics, sentiment, suggestions, frames_sent, frames_dropped)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (session_id) DO UPDATE SET
			    lecture_id      = EXCLUDED.lecture_id,
			    presenter_id    = EXCLUDED.presenter_id,
			    ended_at        = EXCLUDED.ended_at,
			    elapsed_seconds = EXCLUDED.elapsed_seconds,
			    stop_reason     = EXCLUDED.stop_reason,
			    transcript_text = EXCLUDED.transcript_text,
			    metrics         = EXCLUDED.metrics,
			    sentiment       = EXCLUDED.sentiment,
			    suggestions     = EXCLUDED.suggestions,
			    frames_sent     = EXCLUDED.frames_sent,
			    frames_dropped  = EXCLUDED.frames_dropped`

		if _, err := tx.Exec(ctx, upsert,
			rec.SessionID,
			rec.LectureID,
			rec.PresenterID,
			rec.EndedAt,
			rec.ElapsedSeconds,
			string(rec.StopReason),
			rec.TranscriptText,
			metrics,
			sentiment,
			suggestions,
			int64(rec.FramesSent),
			int64(rec.FramesDropped),
		); err != nil {
			return fmt.Errorf("archive: upsert session: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM lecture_segments WHERE session_id = $1`, rec.SessionID); err != nil {
			return fmt.Errorf("archive: clear segments: %w", err)
		}
		if len(rec.Transcript) == 0 {
			return nil
		}

		rows := make([][]any, len(rec.Transcript))
		for i, seg := range rec.Transcript {
			rows[i] = []any{rec.SessionID, i, seg.Text, seg.CapturedAt}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"lecture_segments"},
			[]string{"session_id", "position", "text", "captured_at"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("archive: copy segments: %w", err)
		}
		return nil
	})
}

// Transcript returns the archived segments of sessionID in order.
func (s *PostgresStore) Transcript(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT text FROM lecture_segments WHERE session_id = $1 ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: query transcript: %w", err)
	}
	texts, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("archive: scan transcript: %w", err)
	}
	return texts, nil
}
