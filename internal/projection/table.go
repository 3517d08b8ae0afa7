// Package projection holds the locally visible running totals for one match:
// last known authoritative values plus every delta still waiting for confirmation.
package projection

import (
	"sort"
	"strings"
	"sync"

	"github.com/park285/scorekeeper-sync/internal/domain"
)

// Entry is one player's running total.
type Entry struct {
	MatchID  string            `json:"matchId"`
	TeamID   string            `json:"teamId"`
	PlayerID string            `json:"playerId"`
	Stats    domain.StatDeltas `json:"stats"`
	Version  uint64            `json:"versionStamp"`
	// Pending counts local deltas not yet confirmed by the remote store.
	Pending int `json:"pending"`
}

// TeamTotal is the per-team aggregate.
type TeamTotal struct {
	TeamID  string            `json:"teamId"`
	Stats   domain.StatDeltas `json:"stats"`
	Version uint64            `json:"versionStamp"`
}

// Snapshot is a point-in-time copy of a table.
type Snapshot struct {
	MatchID string      `json:"matchId"`
	Version uint64      `json:"versionStamp"`
	Players []Entry     `json:"players"`
	Teams   []TeamTotal `json:"teams"`
}

type key struct{ team, player string }

// Table is the optimistic projection for a single match. Safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	matchID string
	clock   uint64
	players map[key]*Entry
	teams   map[string]*TeamTotal
}

func NewTable(matchID string) *Table {
	return &Table{
		matchID: strings.TrimSpace(matchID),
		players: make(map[key]*Entry),
		teams:   make(map[string]*TeamTotal),
	}
}

func (t *Table) MatchID() string { return t.matchID }

// tick must be called with mu held.
func (t *Table) tick() uint64 {
	t.clock++
	return t.clock
}

// Apply adds deltas to the player's and the team's running totals and marks one more
// pending local delta for the player.
func (t *Table) Apply(teamID, playerID string, deltas domain.StatDeltas) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.tick()
	e := t.player(teamID, playerID)
	e.Stats.Add(deltas)
	e.Version = v
	e.Pending++

	tt := t.team(teamID)
	tt.Stats.Add(deltas)
	tt.Version = v
	return cloneEntry(e)
}

// Confirm clears one pending marker for the player. The numeric value is untouched:
// the optimistic delta already accounts for it.
func (t *Table) Confirm(teamID, playerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.players[key{teamID, playerID}]; ok && e.Pending > 0 {
		e.Pending--
	}
}

// Replace swaps the whole table for an authoritative snapshot.
func (t *Table) Replace(s Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.tick()
	t.players = make(map[key]*Entry, len(s.Players))
	t.teams = make(map[string]*TeamTotal, len(s.Teams))
	for _, p := range s.Players {
		e := t.player(p.TeamID, p.PlayerID)
		e.Stats.Add(p.Stats)
		e.Version = v
	}
	for _, tm := range s.Teams {
		tt := t.team(tm.TeamID)
		tt.Stats.Add(tm.Stats)
		tt.Version = v
	}
}

// UpsertPlayer overwrites one player's totals with authoritative values.
func (t *Table) UpsertPlayer(teamID, playerID string, stats domain.StatDeltas) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.player(teamID, playerID)
	e.Stats = copyStats(stats)
	e.Version = t.tick()
	e.Pending = 0
	return cloneEntry(e)
}

func (t *Table) RemovePlayer(teamID, playerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.players[key{teamID, playerID}]; ok {
		delete(t.players, key{teamID, playerID})
		t.tick()
	}
}

func (t *Table) RemoveTeam(teamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.teams[teamID]; ok {
		delete(t.teams, teamID)
		t.tick()
	}
}

// SetTeamTotals overwrites team aggregates with authoritative values.
func (t *Table) SetTeamTotals(totals map[string]domain.StatDeltas) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.tick()
	for teamID, stats := range totals {
		tt := t.team(teamID)
		tt.Stats = copyStats(stats)
		tt.Version = v
	}
}

func (t *Table) Get(teamID, playerID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.players[key{teamID, playerID}]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(e), true
}

func (t *Table) Team(teamID string) (TeamTotal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tt, ok := t.teams[teamID]
	if !ok {
		return TeamTotal{}, false
	}
	return TeamTotal{TeamID: tt.TeamID, Stats: copyStats(tt.Stats), Version: tt.Version}, true
}

// Version is the latest stamp handed out by this table.
func (t *Table) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clock
}

// Snapshot returns players sorted by team then player, teams sorted by id.
func (t *Table) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Snapshot{MatchID: t.matchID, Version: t.clock}
	for _, e := range t.players {
		s.Players = append(s.Players, cloneEntry(e))
	}
	for _, tt := range t.teams {
		s.Teams = append(s.Teams, TeamTotal{TeamID: tt.TeamID, Stats: copyStats(tt.Stats), Version: tt.Version})
	}
	sort.Slice(s.Players, func(i, j int) bool {
		if s.Players[i].TeamID != s.Players[j].TeamID {
			return s.Players[i].TeamID < s.Players[j].TeamID
		}
		return s.Players[i].PlayerID < s.Players[j].PlayerID
	})
	sort.Slice(s.Teams, func(i, j int) bool { return s.Teams[i].TeamID < s.Teams[j].TeamID })
	return s
}

func (t *Table) player(teamID, playerID string) *Entry {
	k := key{teamID, playerID}
	e, ok := t.players[k]
	if !ok {
		e = &Entry{MatchID: t.matchID, TeamID: teamID, PlayerID: playerID, Stats: domain.StatDeltas{}}
		t.players[k] = e
	}
	return e
}

func (t *Table) team(teamID string) *TeamTotal {
	tt, ok := t.teams[teamID]
	if !ok {
		tt = &TeamTotal{TeamID: teamID, Stats: domain.StatDeltas{}}
		t.teams[teamID] = tt
	}
	return tt
}

func cloneEntry(e *Entry) Entry {
	c := *e
	c.Stats = copyStats(e.Stats)
	return c
}

func copyStats(in domain.StatDeltas) domain.StatDeltas {
	out := make(domain.StatDeltas, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
