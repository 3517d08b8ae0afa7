package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	appcfg "github.com/park285/scorekeeper-sync/internal/config"
	"github.com/park285/scorekeeper-sync/internal/deadletter"
	"github.com/park285/scorekeeper-sync/internal/domain"
	"github.com/park285/scorekeeper-sync/internal/oplog"
	"github.com/park285/scorekeeper-sync/internal/reconcile"
	"github.com/park285/scorekeeper-sync/internal/statqueue"
)

func openStore(ctx context.Context, cfg *appcfg.AppConfig) (oplog.Store, error) {
	switch cfg.StoreBackend {
	case appcfg.BackendRedis:
		// keys are scoped per device so two scorekeepers never share a log
		s, err := oplog.OpenRedisStore(ctx, cfg.RedisURL, oplog.WithKeyPrefix("statq:"+cfg.DeviceID))
		if err != nil {
			return nil, err
		}
		return s, nil
	case appcfg.BackendMemory:
		return oplog.NewMemoryStore(), nil
	case appcfg.BackendSQLite:
		s, err := oplog.OpenSQLiteStore(oplog.SQLiteConfig{Path: cfg.SQLitePath, BusyTimeout: 5 * time.Second})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func openSink(cfg *appcfg.AppConfig, logger *zap.Logger) (deadletter.Sink, func(), error) {
	if cfg.DatabaseURL == "" {
		return deadletter.Nop{}, func() {}, nil
	}
	pg, err := deadletter.OpenPostgresSink(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dead-letter ledger: %w", err)
	}
	logger.Info("dead_letter_ledger_ready")
	return pg, func() { _ = pg.Close() }, nil
}

// trackedQueue marks a match observed on every write and read. Reading a match that has
// no session opens one, which seeds it from the remote table.
type trackedQueue struct {
	*statqueue.Manager
	tracker *matchTracker
	logger  *zap.Logger
}

func (q *trackedQueue) Enqueue(ctx context.Context, req domain.DeltaRequest) (statqueue.EnqueueAck, error) {
	ack, err := q.Manager.Enqueue(ctx, req)
	if err != nil {
		return ack, err
	}
	q.tracker.touch(ctx, ack.MatchID)
	return ack, nil
}

func (q *trackedQueue) Scores(matchID string) statqueue.Scores {
	if q.tracker.touch(context.Background(), matchID) && !q.Opened(matchID) {
		if err := q.Open(context.Background(), matchID); err != nil {
			q.logger.Warn("match_open_failed", zap.String("match_id", matchID), zap.Error(err))
		}
	}
	return q.Manager.Scores(matchID)
}

// releaseSession treats a match without a session as already released.
func releaseSession(mgr *statqueue.Manager) func(string) bool {
	return func(matchID string) bool {
		return !mgr.Opened(matchID) || mgr.Release(matchID)
	}
}

// readThroughScores serves spectator reads straight from the read-through book.
type readThroughScores struct {
	rt      *reconcile.ReadThrough
	tracker *matchTracker
}

func (r readThroughScores) Scores(matchID string) statqueue.Scores {
	r.tracker.touch(context.Background(), matchID)
	return statqueue.Scores{Snapshot: r.rt.Snapshot(matchID)}
}
