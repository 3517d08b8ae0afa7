package oplog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/scorekeeper-sync/internal/domain"

	// pure Go driver, no cgo on scorekeeper devices
	_ "modernc.org/sqlite"
)

// SQLiteStore is the device-local log store: one row per match holding the JSON log.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig configures the device-local store.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

func OpenSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "statsync.db"
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite log store: %w", err)
	}
	// single writer; the file belongs to one device profile
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS pending_ops (
			match_id   TEXT PRIMARY KEY,
			payload    BLOB NOT NULL,
			op_count   INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, matchID string, ops []domain.QueuedOperation) error {
	if err := checkMatch(matchID); err != nil {
		return err
	}
	if len(ops) == 0 {
		return s.Clear(ctx, matchID)
	}
	raw, err := encode(ops)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO pending_ops (match_id, payload, op_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (match_id) DO UPDATE SET
			payload = excluded.payload,
			op_count = excluded.op_count,
			updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, q, strings.TrimSpace(matchID), raw, len(ops), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save log %s: %w", matchID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, matchID string) ([]domain.QueuedOperation, error) {
	if err := checkMatch(matchID); err != nil {
		return nil, err
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM pending_ops WHERE match_id = ?`, strings.TrimSpace(matchID)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load log %s: %w", matchID, err)
	}
	return decode(raw)
}

func (s *SQLiteStore) Clear(ctx context.Context, matchID string) error {
	if err := checkMatch(matchID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_ops WHERE match_id = ?`, strings.TrimSpace(matchID))
	return err
}

func (s *SQLiteStore) Matches(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT match_id FROM pending_ops ORDER BY match_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
