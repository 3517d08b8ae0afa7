// Package feed is the realtime change channel from the remote store. The client keeps a
// WebSocket open, subscribes per match and fans pushed row changes out to callbacks.
package feed

import "github.com/park285/scorekeeper-sync/internal/domain"

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

type Table string

const (
	TablePlayerStats     Table = "player_stats"
	TableMatchAggregates Table = "match_aggregates"
)

// Row is an authoritative row. PlayerID is empty for match_aggregates rows.
type Row struct {
	TeamID   string            `json:"teamId"`
	PlayerID string            `json:"playerId,omitempty"`
	Stats    domain.StatDeltas `json:"stats"`
}

// ChangeEvent is one pushed row change.
type ChangeEvent struct {
	EventType EventType `json:"eventType"`
	Table     Table     `json:"table"`
	MatchID   string    `json:"matchId"`
	Row       Row       `json:"row"`
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

type EventCallback func(ev ChangeEvent)

type StateCallback func(state State)

// HeaderProvider injects headers into the WebSocket handshake.
type HeaderProvider func() map[string]string

type controlFrame struct {
	Action  string `json:"action"`
	MatchID string `json:"matchId"`
}
