package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresSink upserts dropped operations into dropped_ops keyed by operation id.
type PostgresSink struct {
	db *sql.DB
}

func OpenPostgresSink(databaseURL string) (*PostgresSink, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &PostgresSink{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dropped_ops schema: %w", err)
	}
	return s, nil
}

// NewPostgresSink wraps an existing handle; the schema is assumed present.
func NewPostgresSink(db *sql.DB) *PostgresSink { return &PostgresSink{db: db} }

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS dropped_ops (
			op_id        TEXT PRIMARY KEY,
			match_id     TEXT NOT NULL,
			team_id      TEXT NOT NULL,
			player_id    TEXT NOT NULL,
			stat_deltas  JSONB NOT NULL,
			retry_count  INTEGER NOT NULL,
			reason       TEXT NOT NULL,
			error        TEXT NOT NULL,
			device_id    TEXT NOT NULL DEFAULT '',
			enqueued_at  TIMESTAMPTZ NOT NULL,
			dropped_at   TIMESTAMPTZ NOT NULL
		)`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *PostgresSink) Record(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return nil
	}
	deltas, err := json.Marshal(e.Op.Deltas)
	if err != nil {
		return fmt.Errorf("marshal stat_deltas: %w", err)
	}
	dropped := e.DroppedAt
	if dropped.IsZero() {
		dropped = time.Now()
	}
	const q = `INSERT INTO dropped_ops (
		op_id, match_id, team_id, player_id, stat_deltas, retry_count,
		reason, error, device_id, enqueued_at, dropped_at
	  ) VALUES ($1,$2,$3,$4,$5::jsonb,$6,$7,$8,$9,$10,$11)
	  ON CONFLICT (op_id) DO UPDATE SET
		retry_count=EXCLUDED.retry_count,
		reason=EXCLUDED.reason,
		error=EXCLUDED.error,
		dropped_at=EXCLUDED.dropped_at`
	_, err = s.db.ExecContext(ctx, q,
		e.Op.ID, e.Op.MatchID, e.Op.TeamID, e.Op.PlayerID, string(deltas), e.Op.RetryCount,
		string(e.Reason), truncate(e.Error, 1024), e.DeviceID, e.Op.EnqueuedAt, dropped,
	)
	return err
}

func (s *PostgresSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
