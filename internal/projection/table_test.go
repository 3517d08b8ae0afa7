package projection

import (
	"testing"

	"github.com/park285/scorekeeper-sync/internal/domain"
)

func TestApplyAccumulatesAndStampsVersions(t *testing.T) {
	tbl := NewTable("m1")
	e1 := tbl.Apply("home", "p1", domain.StatDeltas{"points": 2})
	e2 := tbl.Apply("home", "p1", domain.StatDeltas{"points": 3, "assists": 1})
	if e2.Version <= e1.Version {
		t.Fatalf("version not monotonic: %d then %d", e1.Version, e2.Version)
	}
	got, ok := tbl.Get("home", "p1")
	if !ok {
		t.Fatalf("player missing")
	}
	if got.Stats["points"] != 5 || got.Stats["assists"] != 1 || got.Pending != 2 {
		t.Fatalf("unexpected entry: %+v", got)
	}
	tt, _ := tbl.Team("home")
	if tt.Stats["points"] != 5 {
		t.Fatalf("team total not advanced: %+v", tt)
	}
}

func TestConfirmKeepsValue(t *testing.T) {
	tbl := NewTable("m1")
	tbl.Apply("home", "p1", domain.StatDeltas{"goals": 1})
	tbl.Confirm("home", "p1")
	tbl.Confirm("home", "p1")
	got, _ := tbl.Get("home", "p1")
	if got.Stats["goals"] != 1 || got.Pending != 0 {
		t.Fatalf("confirm changed value or underflowed: %+v", got)
	}
}

func TestReplaceIsWholesale(t *testing.T) {
	tbl := NewTable("m1")
	tbl.Apply("home", "p1", domain.StatDeltas{"points": 4})
	tbl.Apply("away", "p9", domain.StatDeltas{"points": 1})
	before := tbl.Version()

	tbl.Replace(Snapshot{
		Players: []Entry{{TeamID: "home", PlayerID: "p1", Stats: domain.StatDeltas{"points": 6}}},
		Teams:   []TeamTotal{{TeamID: "home", Stats: domain.StatDeltas{"points": 6}}},
	})
	if tbl.Version() <= before {
		t.Fatalf("replace must advance version")
	}
	if _, ok := tbl.Get("away", "p9"); ok {
		t.Fatalf("replace should drop players missing from snapshot")
	}
	got, _ := tbl.Get("home", "p1")
	if got.Stats["points"] != 6 || got.Pending != 0 {
		t.Fatalf("unexpected entry after replace: %+v", got)
	}
}

func TestSnapshotIsSortedCopy(t *testing.T) {
	tbl := NewTable("m1")
	tbl.Apply("b", "p2", domain.StatDeltas{"saves": 1})
	tbl.Apply("a", "p3", domain.StatDeltas{"saves": 1})
	tbl.Apply("a", "p1", domain.StatDeltas{"saves": 1})
	s := tbl.Snapshot()
	if len(s.Players) != 3 || s.Players[0].PlayerID != "p1" || s.Players[1].PlayerID != "p3" || s.Players[2].TeamID != "b" {
		t.Fatalf("unexpected order: %+v", s.Players)
	}
	s.Players[0].Stats["saves"] = 100
	got, _ := tbl.Get("a", "p1")
	if got.Stats["saves"] != 1 {
		t.Fatalf("snapshot shares state with table")
	}
}

func TestUpsertAndRemove(t *testing.T) {
	tbl := NewTable("m1")
	tbl.UpsertPlayer("home", "p1", domain.StatDeltas{"points": 10})
	tbl.SetTeamTotals(map[string]domain.StatDeltas{"home": {"points": 10}})
	got, _ := tbl.Get("home", "p1")
	if got.Stats["points"] != 10 {
		t.Fatalf("upsert failed: %+v", got)
	}
	tbl.RemovePlayer("home", "p1")
	if _, ok := tbl.Get("home", "p1"); ok {
		t.Fatalf("remove failed")
	}
	tt, _ := tbl.Team("home")
	if tt.Stats["points"] != 10 {
		t.Fatalf("team totals lost: %+v", tt)
	}
}

func TestBookReusesTables(t *testing.T) {
	b := NewBook()
	if b.Table("m1") != b.Table("m1") {
		t.Fatalf("expected same table")
	}
	b.Drop("m1")
	if b.Table("m1").Version() != 0 {
		t.Fatalf("expected fresh table after drop")
	}
}
