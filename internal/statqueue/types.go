// Package statqueue is the reliable delta queue: a write-through log of unconfirmed stat
// deltas per match, the optimistic projection viewers read, and one dispatcher worker per
// match that drains the log against the remote store.
package statqueue

import (
	"context"
	"errors"

	"github.com/park285/scorekeeper-sync/internal/domain"
	"github.com/park285/scorekeeper-sync/internal/projection"
)

var (
	ErrInvalidDelta = errors.New("invalid delta request")
	ErrClosed       = errors.New("queue manager closed")

	errSessionReleased = errors.New("session released")
)

// ApplyResult is the remote store's answer to one apply.
type ApplyResult struct {
	Success      bool
	AppliedValue domain.StatDeltas
}

// Applier sends one operation's full delta set to the remote store. The call is not assumed
// idempotent; op.ID is available for stores that deduplicate.
type Applier interface {
	ApplyDelta(ctx context.Context, op domain.QueuedOperation) (*ApplyResult, error)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, op domain.QueuedOperation) (*ApplyResult, error)

func (f ApplierFunc) ApplyDelta(ctx context.Context, op domain.QueuedOperation) (*ApplyResult, error) {
	return f(ctx, op)
}

// SnapshotFetcher reads the authoritative table for a match. The manager uses it to seed a
// newly opened session.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, matchID string) (projection.Snapshot, error)
}

// EnqueueAck is returned once the delta is locally durable.
type EnqueueAck struct {
	OperationID string `json:"operationId"`
	MatchID     string `json:"matchId"`
	QueueDepth  int    `json:"queueDepth"`
	Version     uint64 `json:"versionStamp"`
}

// Scores is the read model for one match.
type Scores struct {
	projection.Snapshot
	QueueDepth int  `json:"queueDepth"`
	Processing bool `json:"processing"`
}

// DrainedCallback fires after a match log empties and its durable entry is cleared.
type DrainedCallback func(matchID string)

type drainedEntry struct {
	id       int
	callback DrainedCallback
}
