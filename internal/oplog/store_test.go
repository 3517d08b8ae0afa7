package oplog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/scorekeeper-sync/internal/domain"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "log.db")})
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleOps(matchID string) []domain.QueuedOperation {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return []domain.QueuedOperation{
		{ID: "op-1", MatchID: matchID, TeamID: "home", PlayerID: "p7", Deltas: domain.StatDeltas{"points": 2}, EnqueuedAt: now},
		{ID: "op-2", MatchID: matchID, TeamID: "home", PlayerID: "p7", Deltas: domain.StatDeltas{"rebounds": 1, "points": 3}, EnqueuedAt: now, RetryCount: 4},
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Load(ctx, "m1")
	if err != nil || got != nil {
		t.Fatalf("empty load: ops=%v err=%v", got, err)
	}

	if err := s.Save(ctx, "m1", sampleOps("m1")); err != nil {
		t.Fatalf("Save m1: %v", err)
	}
	if err := s.Save(ctx, "m2", sampleOps("m2")[:1]); err != nil {
		t.Fatalf("Save m2: %v", err)
	}

	got, err = s.Load(ctx, "m1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 || got[0].ID != "op-1" || got[1].ID != "op-2" {
		t.Fatalf("unexpected order/content: %+v", got)
	}
	if got[1].RetryCount != 4 || got[1].Deltas["points"] != 3 || got[1].Deltas["rebounds"] != 1 {
		t.Fatalf("fields not round-tripped: %+v", got[1])
	}

	ids, err := s.Matches(ctx)
	if err != nil {
		t.Fatalf("Matches: %v", err)
	}
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Fatalf("unexpected matches: %v", ids)
	}

	// empty save clears
	if err := s.Save(ctx, "m2", nil); err != nil {
		t.Fatalf("Save empty: %v", err)
	}
	if err := s.Clear(ctx, "m1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	ids, _ = s.Matches(ctx)
	if len(ids) != 0 {
		t.Fatalf("expected no matches after clear, got %v", ids)
	}
	if got, _ := s.Load(ctx, "m1"); got != nil {
		t.Fatalf("expected nil after clear, got %v", got)
	}

	if err := s.Save(ctx, " ", sampleOps("x")); err != ErrInvalidMatch {
		t.Fatalf("expected ErrInvalidMatch, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	s, _ := newRedisStore(t)
	exerciseStore(t, s)
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, newSQLiteStore(t))
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := OpenSQLiteStore(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Save(ctx, "m1", sampleOps("m1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	_ = s.Close()

	s2, err := OpenSQLiteStore(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.Load(ctx, "m1")
	if err != nil || len(got) != 2 {
		t.Fatalf("expected 2 ops after reopen, got %d err=%v", len(got), err)
	}
}

func TestRedisStoreLogsNeverExpire(t *testing.T) {
	s, mr := newRedisStore(t)
	s.prefix = "dev1"
	ctx := context.Background()
	if err := s.Save(ctx, "m1", sampleOps("m1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !mr.Exists("dev1:log:m1") {
		t.Fatalf("expected prefixed key")
	}
	if ttl := mr.TTL("dev1:log:m1"); ttl != 0 {
		t.Fatalf("pending log must not carry a ttl, got %s", ttl)
	}
	mr.FastForward(48 * time.Hour)
	got, err := s.Load(ctx, "m1")
	if err != nil || len(got) != 2 {
		t.Fatalf("expected 2 ops after fast-forward, got %d err=%v", len(got), err)
	}
}

func TestRedisStoreMatchesSkipsMissingLogs(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, "m1", sampleOps("m1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	mr.Del("statq:log:m1")
	ids, err := s.Matches(ctx)
	if err != nil {
		t.Fatalf("Matches: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("dangling index entry still listed: %v", ids)
	}
}

func TestParseRedisURL(t *testing.T) {
	o, err := parseRedisURL("redis://:secret@localhost:6380/3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if o.Addr != "localhost:6380" || o.Password != "secret" || o.DB != 3 {
		t.Fatalf("unexpected options: %+v", o)
	}
	if _, err := parseRedisURL("http://x"); err == nil {
		t.Fatalf("expected scheme error")
	}
}
