package reconcile

import (
	"sort"

	"github.com/park285/scorekeeper-sync/internal/feed"
)

type rowKey struct {
	table        feed.Table
	team, player string
}

type mirrorRow struct {
	ev  feed.ChangeEvent
	seq uint64
}

// mirror keeps the latest authoritative version of every row seen for one match, deletes
// included, stamped with the order they arrived in.
type mirror struct {
	seq  uint64
	rows map[rowKey]mirrorRow
	// deferred is the newest row that could not be applied; covered is the newest row a
	// refresh has folded in. A refresh is owed while deferred > covered.
	deferred uint64
	covered  uint64
}

func newMirror() *mirror {
	return &mirror{rows: make(map[rowKey]mirrorRow)}
}

func (m *mirror) record(ev feed.ChangeEvent) uint64 {
	m.seq++
	k := rowKey{table: ev.Table, team: ev.Row.TeamID}
	if ev.Table == feed.TablePlayerStats {
		k.player = ev.Row.PlayerID
	}
	ev.Row.Stats = ev.Row.Stats.Clone()
	m.rows[k] = mirrorRow{ev: ev, seq: m.seq}
	return m.seq
}

func (m *mirror) markDeferred(seq uint64) {
	if seq > m.covered && seq > m.deferred {
		m.deferred = seq
	}
}

// since returns rows recorded after seq, oldest first.
func (m *mirror) since(seq uint64) []feed.ChangeEvent {
	picked := make([]mirrorRow, 0, len(m.rows))
	for _, r := range m.rows {
		if r.seq > seq {
			picked = append(picked, r)
		}
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].seq < picked[j].seq })
	out := make([]feed.ChangeEvent, len(picked))
	for i, r := range picked {
		out[i] = r.ev
	}
	return out
}
