// Package oplog persists the per-match log of not-yet-confirmed stat deltas.
//
// Every mutation rewrites the full log for the match (write-through). Logs are short during a
// live match, so the rewrite cost is accepted in exchange for never losing a pending delta on
// reload.
package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/park285/scorekeeper-sync/internal/domain"
)

// Store is the durable key-value surface the queue manager writes through to.
type Store interface {
	// Save replaces the log for matchID. An empty log clears the entry.
	Save(ctx context.Context, matchID string, ops []domain.QueuedOperation) error
	// Load returns the persisted log, or nil when none exists.
	Load(ctx context.Context, matchID string) ([]domain.QueuedOperation, error)
	Clear(ctx context.Context, matchID string) error
	// Matches lists match ids that currently have a persisted log.
	Matches(ctx context.Context) ([]string, error)
	Close() error
}

var ErrInvalidMatch = errors.New("oplog: match id required")

func checkMatch(matchID string) error {
	if strings.TrimSpace(matchID) == "" {
		return ErrInvalidMatch
	}
	return nil
}

func encode(ops []domain.QueuedOperation) ([]byte, error) {
	return json.Marshal(ops)
}

func decode(raw []byte) ([]domain.QueuedOperation, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ops []domain.QueuedOperation
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return ops, nil
}
