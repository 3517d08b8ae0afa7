package statqueue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/scorekeeper-sync/internal/netmon"
	"github.com/park285/scorekeeper-sync/internal/oplog"
)

func TestReloadFromRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	open := func() *oplog.RedisStore {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return oplog.NewRedisStore(rdb, oplog.WithKeyPrefix("statq:dev1"))
	}
	ctx := context.Background()
	mon := netmon.New(false, nil)
	remote := newFakeRemote()

	first := NewManager(open(), remote, mon, WithDispatchDelay(0))
	_, _ = first.Enqueue(ctx, req("m1", "home", "p1", "rebounds", 2))
	_, _ = first.Enqueue(ctx, req("m2", "away", "p5", "assists", 1))
	_ = first.Close(ctx)

	if !mr.Exists("statq:dev1:log:m1") || !mr.Exists("statq:dev1:log:m2") {
		t.Fatalf("expected per-match keys in redis, have %v", mr.Keys())
	}

	store := open()
	second := newTestManager(t, store, remote, mon)
	ids, err := second.Restore(ctx)
	if err != nil || len(ids) != 2 {
		t.Fatalf("Restore: ids=%v err=%v", ids, err)
	}
	if second.QueueDepth("m1") != 1 || second.QueueDepth("m2") != 1 {
		t.Fatalf("unexpected depths after reload")
	}

	mon.Set(true)
	waitFor(t, "m1 drained", settled(second, "m1"))
	waitFor(t, "m2 drained", settled(second, "m2"))
	left, _ := store.Matches(ctx)
	if len(left) != 0 {
		t.Fatalf("redis log not cleared: %v", left)
	}
}
