package statqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/park285/scorekeeper-sync/internal/deadletter"
	"github.com/park285/scorekeeper-sync/internal/domain"
	"github.com/park285/scorekeeper-sync/internal/projection"
)

// session is the per-match queue. The enqueue path appends at the tail under mu; the worker
// goroutine is the only reader/remover at the head, so at most one remote call per match is
// ever in flight.
type session struct {
	m       *Manager
	matchID string

	mu         sync.Mutex
	log        []domain.QueuedOperation
	table      *projection.Table
	retryTimer *time.Timer

	processing atomic.Bool
	wake       chan struct{}
	// released is set under mu once Release has unregistered the session.
	released bool
	// settledApplies counts ApplyIfSettled writes; a seed fetched across one is stale.
	settledApplies uint64

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newSession(m *Manager, matchID string, ops []domain.QueuedOperation) *session {
	s := &session{
		m:       m,
		matchID: matchID,
		log:     ops,
		table:   projection.NewTable(matchID),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(m.rootCtx)
	// the persisted log is the source of truth: rebuild what viewers see from it
	for _, op := range ops {
		s.table.Apply(op.TeamID, op.PlayerID, op.Deltas)
	}
	return s
}

func (s *session) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

func (s *session) stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.retryTimer != nil {
			s.retryTimer.Stop()
		}
		s.mu.Unlock()
		s.cancel()
	})
	<-s.done
}

// append persists the extended log before anything becomes visible. On a storage error the
// in-memory log and projection are left untouched.
func (s *session) append(ctx context.Context, op domain.QueuedOperation) (projection.Entry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return projection.Entry{}, 0, errSessionReleased
	}
	next := make([]domain.QueuedOperation, len(s.log), len(s.log)+1)
	copy(next, s.log)
	next = append(next, op)
	if err := s.m.store.Save(ctx, s.matchID, next); err != nil {
		return projection.Entry{}, len(s.log), fmt.Errorf("persist log: %w", err)
	}
	s.log = next
	entry := s.table.Apply(op.TeamID, op.PlayerID, op.Deltas)
	return entry, len(s.log), nil
}

func (s *session) run() {
	defer close(s.done)
	if s.m.seeder != nil {
		s.seed()
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		s.drain()
	}
}

// drain pops and applies operations until the log empties, the device goes offline, or a
// transient failure stops the cycle.
func (s *session) drain() {
	defer s.processing.Store(false)
	logger := s.m.logger.With(zap.String("match_id", s.matchID))
	for {
		if s.ctx.Err() != nil {
			return
		}
		if !s.m.online() {
			logger.Info("dispatch_paused_offline", zap.Int("queue_depth", s.depth()))
			return
		}
		op, ok := s.head()
		if !ok {
			if s.complete() {
				return
			}
			continue
		}

		err := s.call(op)
		if s.ctx.Err() != nil {
			// shutting down; the outcome is unknown so the op stays queued
			return
		}
		if err == nil {
			s.succeed(op)
			logger.Debug("delta_applied", zap.String("op_id", op.ID), zap.Int("queue_depth", s.depth()))
			if !s.pause(s.m.dispatchDelay) {
				return
			}
			continue
		}

		if !s.m.online() || domain.IsTransient(err) {
			if s.retry(op, err) {
				continue
			}
			return
		}
		s.drop(op, deadletter.ReasonPermanent, err)
	}
}

// seed loads the authoritative table and replays the queued log on top of it. It runs on
// the worker before the first drain, so no head is confirmed while the fetch is in flight.
func (s *session) seed() {
	s.mu.Lock()
	gen := s.settledApplies
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.m.callTimeout)
	snap, err := s.m.seeder.FetchSnapshot(ctx, s.matchID)
	cancel()
	if err != nil {
		if s.ctx.Err() == nil {
			s.m.logger.Warn("projection_seed_failed", zap.String("match_id", s.matchID), zap.Error(err))
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settledApplies != gen {
		s.m.logger.Debug("projection_seed_stale", zap.String("match_id", s.matchID))
		return
	}
	s.table.Replace(snap)
	for _, op := range s.log {
		s.table.Apply(op.TeamID, op.PlayerID, op.Deltas)
	}
	s.m.logger.Info("projection_seeded",
		zap.String("match_id", s.matchID),
		zap.Int("players", len(snap.Players)),
		zap.Int("queue_depth", len(s.log)),
	)
}

func (s *session) head() (domain.QueuedOperation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.log) == 0 {
		return domain.QueuedOperation{}, false
	}
	s.processing.Store(true)
	return s.log[0], true
}

func (s *session) call(op domain.QueuedOperation) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.m.callTimeout)
	defer cancel()
	res, err := s.m.applier.ApplyDelta(ctx, op)
	if err != nil {
		return err
	}
	if res != nil && !res.Success {
		return domain.Permanent(errors.New("remote store rejected delta"))
	}
	return nil
}

// removeHead drops the head if it is still op and persists the shorter log. mu must be held.
func (s *session) removeHead(op domain.QueuedOperation) {
	if len(s.log) == 0 || s.log[0].ID != op.ID {
		return
	}
	next := make([]domain.QueuedOperation, len(s.log)-1)
	copy(next, s.log[1:])
	s.log = next
	ctx, cancel := s.m.storeCtx()
	defer cancel()
	if err := s.m.store.Save(ctx, s.matchID, s.log); err != nil {
		// in-memory log is already correct; the next write repairs the durable copy
		s.m.logger.Warn("log_persist_failed", zap.String("match_id", s.matchID), zap.String("op_id", op.ID), zap.Error(err))
	}
	s.table.Confirm(op.TeamID, op.PlayerID)
}

func (s *session) succeed(op domain.QueuedOperation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeHead(op)
}

// retry bumps the head's retry count. It reports true when the ceiling was exceeded and the
// op was dropped, in which case the loop may continue with the next operation.
func (s *session) retry(op domain.QueuedOperation, cause error) bool {
	s.mu.Lock()
	if len(s.log) == 0 || s.log[0].ID != op.ID {
		s.mu.Unlock()
		return false
	}
	attempt := s.log[0].RetryCount + 1
	if attempt > s.m.maxRetries {
		s.mu.Unlock()
		op.RetryCount = attempt
		s.drop(op, deadletter.ReasonRetryExhausted, cause)
		return true
	}
	next := make([]domain.QueuedOperation, len(s.log))
	copy(next, s.log)
	next[0].RetryCount = attempt
	ctx, cancel := s.m.storeCtx()
	err := s.m.store.Save(ctx, s.matchID, next)
	cancel()
	if err != nil {
		s.m.logger.Warn("log_persist_failed", zap.String("match_id", s.matchID), zap.String("op_id", op.ID), zap.Error(err))
	}
	s.log = next
	s.scheduleRetryLocked(attempt)
	s.mu.Unlock()

	s.m.logger.Warn("delta_apply_retry",
		zap.String("match_id", s.matchID),
		zap.String("op_id", op.ID),
		zap.Int("retry_count", attempt),
		zap.Int("max_retries", s.m.maxRetries),
		zap.Error(cause),
	)
	return false
}

func (s *session) scheduleRetryLocked(attempt int) {
	if s.m.retryBackoff <= 0 {
		return
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(backoffDuration(s.m.retryBackoff, attempt), func() {
		if s.ctx.Err() == nil && s.m.online() {
			s.kick()
		}
	})
}

// drop removes the head without touching the projected values; the next authoritative
// refresh corrects the display.
func (s *session) drop(op domain.QueuedOperation, reason deadletter.Reason, cause error) {
	s.mu.Lock()
	s.removeHead(op)
	s.mu.Unlock()

	s.m.logger.Error("delta_dropped",
		zap.String("match_id", s.matchID),
		zap.String("op_id", op.ID),
		zap.String("team_id", op.TeamID),
		zap.String("player_id", op.PlayerID),
		zap.String("reason", string(reason)),
		zap.Int("retry_count", op.RetryCount),
		zap.Any("stat_deltas", op.Deltas),
		zap.Error(cause),
	)
	s.m.recordDrop(op, reason, cause)
}

// complete clears the durable entry and flips processing off once the log is empty.
// It returns false if an enqueue slipped in, so the loop keeps going.
func (s *session) complete() bool {
	s.mu.Lock()
	if len(s.log) > 0 {
		s.mu.Unlock()
		return false
	}
	wasProcessing := s.processing.Load()
	ctx, cancel := s.m.storeCtx()
	if err := s.m.store.Clear(ctx, s.matchID); err != nil {
		s.m.logger.Warn("log_clear_failed", zap.String("match_id", s.matchID), zap.Error(err))
	}
	cancel()
	s.processing.Store(false)
	s.mu.Unlock()

	if wasProcessing {
		s.m.logger.Info("dispatch_drained", zap.String("match_id", s.matchID))
		s.m.fireDrained(s.matchID)
	}
	return true
}

func (s *session) pause(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
