// Package reconcile merges authoritative pushes from the realtime feed into the projection
// without ever overwriting deltas that are still queued or in flight.
package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/scorekeeper-sync/internal/domain"
	"github.com/park285/scorekeeper-sync/internal/feed"
	"github.com/park285/scorekeeper-sync/internal/obslog"
	"github.com/park285/scorekeeper-sync/internal/projection"
)

const fetchTimeout = 10 * time.Second

// Target is where reconciled rows land. ApplyIfSettled must refuse (return false) while the
// match has local work pending, and must run fn atomically with respect to new local work.
type Target interface {
	ApplyIfSettled(matchID string, fn func(t *projection.Table)) bool
}

// SnapshotFetcher reads the full authoritative table for a match.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, matchID string) (projection.Snapshot, error)
}

type Option func(*Reconciler)

func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithFetcher makes post-drain refreshes pull a full snapshot instead of replaying the mirror.
func WithFetcher(f SnapshotFetcher) Option {
	return func(r *Reconciler) { r.fetcher = f }
}

type Reconciler struct {
	target  Target
	fetcher SnapshotFetcher
	logger  *zap.Logger

	mu      sync.Mutex
	mirrors map[string]*mirror

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(target Target, opts ...Option) *Reconciler {
	r := &Reconciler{
		target:  target,
		logger:  obslog.L(),
		mirrors: make(map[string]*mirror),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Handle records a pushed change in the mirror and applies it right away when the match is
// settled. Otherwise the match is marked for refresh once its queue drains.
func (r *Reconciler) Handle(ev feed.ChangeEvent) {
	matchID := strings.TrimSpace(ev.MatchID)
	if matchID == "" {
		return
	}
	switch ev.Table {
	case feed.TablePlayerStats, feed.TableMatchAggregates:
	default:
		r.logger.Debug("realtime_event_ignored", zap.String("match_id", matchID), zap.String("table", string(ev.Table)))
		return
	}

	r.mu.Lock()
	m := r.mirrorLocked(matchID)
	seq := m.record(ev)
	r.mu.Unlock()

	if r.target.ApplyIfSettled(matchID, func(t *projection.Table) { applyEvent(t, ev) }) {
		return
	}
	r.mu.Lock()
	m.markDeferred(seq)
	r.mu.Unlock()
	r.logger.Debug("realtime_deferred",
		zap.String("match_id", matchID),
		zap.String("table", string(ev.Table)),
		zap.String("event_type", string(ev.EventType)),
	)
}

// OnDrained is the queue's completion hook. The refresh runs off the dispatcher goroutine.
func (r *Reconciler) OnDrained(matchID string) {
	if r.ctx.Err() != nil {
		return
	}
	due := r.fetcher != nil || r.RefreshPending(matchID)
	if !due {
		return
	}
	r.refreshAsync(matchID)
}

// Resync refreshes every listed match in the background, e.g. after the feed reconnects
// and pushes may have been missed. Busy matches catch up on their next drain.
func (r *Reconciler) Resync(matchIDs ...string) {
	if r.ctx.Err() != nil {
		return
	}
	for _, id := range matchIDs {
		if id = strings.TrimSpace(id); id != "" {
			r.refreshAsync(id)
		}
	}
}

func (r *Reconciler) refreshAsync(matchID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Refresh(r.ctx, matchID)
	}()
}

// Refresh brings the projection back in line with authoritative state. It reports whether
// the refresh was applied; when the match is busy again it stays pending.
func (r *Reconciler) Refresh(ctx context.Context, matchID string) bool {
	r.mu.Lock()
	m := r.mirrorLocked(matchID)
	since := m.seq
	r.mu.Unlock()

	var snap *projection.Snapshot
	if r.fetcher != nil {
		fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		s, err := r.fetcher.FetchSnapshot(fctx, matchID)
		cancel()
		if err != nil {
			// mirror rows still carry everything pushed so far
			r.logger.Warn("snapshot_fetch_failed", zap.String("match_id", matchID), zap.Error(err))
		} else {
			snap = &s
		}
	}
	if snap == nil {
		since = 0
	}

	rows := 0
	applied := r.target.ApplyIfSettled(matchID, func(t *projection.Table) {
		r.mu.Lock()
		overlay := m.since(since)
		m.covered = m.seq
		r.mu.Unlock()
		if snap != nil {
			t.Replace(*snap)
		}
		for _, ev := range overlay {
			applyEvent(t, ev)
		}
		rows = len(overlay)
	})
	if !applied {
		return false
	}
	r.logger.Info("projection_refreshed",
		zap.String("match_id", matchID),
		zap.Bool("snapshot", snap != nil),
		zap.Int("rows", rows),
	)
	return true
}

// RefreshPending reports whether a deferred refresh is waiting for the match to settle.
func (r *Reconciler) RefreshPending(matchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mirrors[matchID]
	return ok && m.deferred > m.covered
}

// Forget drops the mirror for a match no longer observed.
func (r *Reconciler) Forget(matchID string) {
	r.mu.Lock()
	delete(r.mirrors, matchID)
	r.mu.Unlock()
}

// Close waits for in-flight refreshes.
func (r *Reconciler) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler) mirrorLocked(matchID string) *mirror {
	m, ok := r.mirrors[matchID]
	if !ok {
		m = newMirror()
		r.mirrors[matchID] = m
	}
	return m
}

func applyEvent(t *projection.Table, ev feed.ChangeEvent) {
	row := ev.Row
	switch ev.Table {
	case feed.TablePlayerStats:
		if ev.EventType == feed.EventDelete {
			t.RemovePlayer(row.TeamID, row.PlayerID)
			return
		}
		t.UpsertPlayer(row.TeamID, row.PlayerID, row.Stats)
	case feed.TableMatchAggregates:
		if ev.EventType == feed.EventDelete {
			t.RemoveTeam(row.TeamID)
			return
		}
		t.SetTeamTotals(map[string]domain.StatDeltas{row.TeamID: row.Stats})
	}
}
