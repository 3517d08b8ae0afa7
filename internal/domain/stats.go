package domain

import (
	"sort"
	"strings"
	"time"
)

// StatName identifies a tracked statistic (points, rebounds, assists, goals, saves ...).
type StatName string

// StatDeltas maps a statistic to a relative change. Values are added to the current total,
// never assigned.
type StatDeltas map[StatName]int

// Clone returns a copy with zero entries removed.
func (d StatDeltas) Clone() StatDeltas {
	out := make(StatDeltas, len(d))
	for k, v := range d {
		if v == 0 || strings.TrimSpace(string(k)) == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// Add accumulates other into d. d must be non-nil.
func (d StatDeltas) Add(other StatDeltas) {
	for k, v := range other {
		d[k] += v
	}
}

// Names returns the stat names in stable order.
func (d StatDeltas) Names() []StatName {
	names := make([]StatName, 0, len(d))
	for k := range d {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// DeltaRequest is what a scorekeeper submits for one player.
type DeltaRequest struct {
	MatchID  string     `json:"matchId"`
	TeamID   string     `json:"teamId"`
	PlayerID string     `json:"playerId"`
	Deltas   StatDeltas `json:"statDeltas"`
}

// QueuedOperation is one not-yet-confirmed increment waiting in a match log.
// ID doubles as the idempotency key sent to the remote store.
type QueuedOperation struct {
	ID         string     `json:"id"`
	MatchID    string     `json:"matchId"`
	TeamID     string     `json:"teamId"`
	PlayerID   string     `json:"playerId"`
	Deltas     StatDeltas `json:"statDeltas"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
	RetryCount int        `json:"retryCount"`
}

// CloneOps deep-copies a log so callers never share delta maps.
func CloneOps(ops []QueuedOperation) []QueuedOperation {
	if len(ops) == 0 {
		return nil
	}
	out := make([]QueuedOperation, len(ops))
	for i, op := range ops {
		out[i] = op
		out[i].Deltas = make(StatDeltas, len(op.Deltas))
		for k, v := range op.Deltas {
			out[i].Deltas[k] = v
		}
	}
	return out
}
