package statqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/scorekeeper-sync/internal/deadletter"
	"github.com/park285/scorekeeper-sync/internal/domain"
	"github.com/park285/scorekeeper-sync/internal/netmon"
	"github.com/park285/scorekeeper-sync/internal/obslog"
	"github.com/park285/scorekeeper-sync/internal/oplog"
	"github.com/park285/scorekeeper-sync/internal/projection"
)

const storeTimeout = 5 * time.Second

// Manager is the only entry point scorekeeping callers use. It owns one session per match,
// created lazily and discarded by Release.
type Manager struct {
	store   oplog.Store
	applier Applier
	monitor *netmon.Monitor
	sink    deadletter.Sink
	seeder  SnapshotFetcher
	logger  *zap.Logger

	maxRetries    int
	dispatchDelay time.Duration
	retryBackoff  time.Duration
	callTimeout   time.Duration
	deviceID      string
	newID         func() string

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	cbM        sync.RWMutex
	drainedCbs []drainedEntry
	nextCbID   int

	monitorCbID int
}

// NewManager wires the queue to its durable store and remote applier. A nil monitor means
// the device is treated as always online.
func NewManager(store oplog.Store, applier Applier, monitor *netmon.Monitor, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		applier:       applier,
		monitor:       monitor,
		sink:          deadletter.Nop{},
		logger:        obslog.L(),
		maxRetries:    DefaultMaxRetries,
		dispatchDelay: DefaultDispatchDelay,
		callTimeout:   DefaultCallTimeout,
		newID:         defaultID,
		sessions:      make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.rootCtx, m.rootCancel = context.WithCancel(context.Background())
	if monitor != nil {
		m.monitorCbID = monitor.OnChange(m.onNetworkChange)
	}
	return m
}

func (m *Manager) online() bool {
	return m.monitor == nil || m.monitor.Online()
}

func (m *Manager) onNetworkChange(online bool) {
	if !online {
		return
	}
	for _, s := range m.snapshotSessions() {
		if s.depth() > 0 {
			s.kick()
		}
	}
}

func (m *Manager) snapshotSessions() []*session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) lookup(matchID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[strings.TrimSpace(matchID)]
}

// Open returns the session for matchID, loading and replaying its persisted log on first use.
func (m *Manager) Open(ctx context.Context, matchID string) error {
	_, err := m.session(ctx, matchID)
	return err
}

func (m *Manager) session(ctx context.Context, matchID string) (*session, error) {
	matchID = strings.TrimSpace(matchID)
	if matchID == "" {
		return nil, ErrInvalidDelta
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.sessions[matchID]; ok {
		return s, nil
	}
	ops, err := m.store.Load(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("load log %s: %w", matchID, err)
	}
	s := newSession(m, matchID, ops)
	m.sessions[matchID] = s
	go s.run()
	if len(ops) > 0 {
		m.logger.Info("log_replayed", zap.String("match_id", matchID), zap.Int("queue_depth", len(ops)))
		if m.online() {
			s.kick()
		}
	}
	return s, nil
}

// Restore opens every match that still has a persisted log, so viewers see pre-reload
// unconfirmed deltas and dispatch resumes.
func (m *Manager) Restore(ctx context.Context) ([]string, error) {
	ids, err := m.store.Matches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persisted logs: %w", err)
	}
	for _, id := range ids {
		if _, err := m.session(ctx, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Enqueue appends a delta to the match log, writes the log through to durable storage and
// advances the projection. It returns as soon as the delta is locally durable.
func (m *Manager) Enqueue(ctx context.Context, req domain.DeltaRequest) (EnqueueAck, error) {
	req.MatchID = strings.TrimSpace(req.MatchID)
	req.TeamID = strings.TrimSpace(req.TeamID)
	req.PlayerID = strings.TrimSpace(req.PlayerID)
	deltas := req.Deltas.Clone()
	if req.MatchID == "" || req.TeamID == "" || req.PlayerID == "" || len(deltas) == 0 {
		return EnqueueAck{}, ErrInvalidDelta
	}
	s, err := m.session(ctx, req.MatchID)
	if err != nil {
		return EnqueueAck{}, err
	}

	op := domain.QueuedOperation{
		ID:         m.newID(),
		MatchID:    req.MatchID,
		TeamID:     req.TeamID,
		PlayerID:   req.PlayerID,
		Deltas:     deltas,
		EnqueuedAt: time.Now().UTC(),
	}
	entry, depth, err := s.append(ctx, op)
	for errors.Is(err, errSessionReleased) {
		// released between lookup and append: reopen and go again
		if s, err = m.session(ctx, req.MatchID); err != nil {
			return EnqueueAck{}, err
		}
		entry, depth, err = s.append(ctx, op)
	}
	if err != nil {
		m.logger.Error("delta_enqueue_failed", zap.String("match_id", op.MatchID), zap.String("op_id", op.ID), zap.Error(err))
		return EnqueueAck{}, err
	}
	m.logger.Info("delta_enqueued",
		zap.String("match_id", op.MatchID),
		zap.String("op_id", op.ID),
		zap.String("team_id", op.TeamID),
		zap.String("player_id", op.PlayerID),
		zap.Int("queue_depth", depth),
	)
	if m.online() {
		s.kick()
	}
	return EnqueueAck{OperationID: op.ID, MatchID: op.MatchID, QueueDepth: depth, Version: entry.Version}, nil
}

// QueueDepth is the number of operations still waiting for confirmation.
func (m *Manager) QueueDepth(matchID string) int {
	if s := m.lookup(matchID); s != nil {
		return s.depth()
	}
	return 0
}

// IsProcessing reports whether the match worker is currently draining.
func (m *Manager) IsProcessing(matchID string) bool {
	if s := m.lookup(matchID); s != nil {
		return s.processing.Load()
	}
	return false
}

// Pending returns a copy of the match log.
func (m *Manager) Pending(matchID string) []domain.QueuedOperation {
	s := m.lookup(matchID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CloneOps(s.log)
}

// Scores returns the optimistic projection plus sync status.
func (m *Manager) Scores(matchID string) Scores {
	s := m.lookup(matchID)
	if s == nil {
		return Scores{Snapshot: projection.Snapshot{MatchID: strings.TrimSpace(matchID)}}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Scores{
		Snapshot:   s.table.Snapshot(),
		QueueDepth: len(s.log),
		Processing: s.processing.Load(),
	}
}

// ApplyIfSettled runs fn against the match projection only when nothing is queued or in
// flight, atomically with respect to Enqueue. It reports whether fn ran.
func (m *Manager) ApplyIfSettled(matchID string, fn func(t *projection.Table)) bool {
	s := m.lookup(matchID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.log) > 0 || s.processing.Load() {
		return false
	}
	s.settledApplies++
	fn(s.table)
	return true
}

// Kick wakes the match worker if the device is online.
func (m *Manager) Kick(matchID string) {
	if s := m.lookup(matchID); s != nil && m.online() {
		s.kick()
	}
}

// Release discards an idle session. Sessions with queued work are kept. An Enqueue racing
// with Release lands in a fresh session.
func (m *Manager) Release(matchID string) bool {
	matchID = strings.TrimSpace(matchID)
	m.mu.Lock()
	s, ok := m.sessions[matchID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	s.mu.Lock()
	if len(s.log) > 0 || s.processing.Load() {
		s.mu.Unlock()
		m.mu.Unlock()
		return false
	}
	s.released = true
	s.mu.Unlock()
	delete(m.sessions, matchID)
	m.mu.Unlock()
	s.stop()
	m.logger.Debug("session_released", zap.String("match_id", matchID))
	return true
}

// Opened reports whether matchID has a live session.
func (m *Manager) Opened(matchID string) bool {
	return m.lookup(matchID) != nil
}

func (m *Manager) OnDrained(cb DrainedCallback) int {
	m.cbM.Lock()
	defer m.cbM.Unlock()
	m.nextCbID++
	m.drainedCbs = append(m.drainedCbs, drainedEntry{id: m.nextCbID, callback: cb})
	return m.nextCbID
}

func (m *Manager) RemoveDrainedCallback(id int) {
	m.cbM.Lock()
	defer m.cbM.Unlock()
	for i, cb := range m.drainedCbs {
		if cb.id == id {
			m.drainedCbs = append(m.drainedCbs[:i], m.drainedCbs[i+1:]...)
			break
		}
	}
}

func (m *Manager) fireDrained(matchID string) {
	m.cbM.RLock()
	callbacks := make([]drainedEntry, len(m.drainedCbs))
	copy(callbacks, m.drainedCbs)
	m.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(matchID)
		}
	}
}

// Close stops every worker. Queued operations stay in the durable store.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	if m.monitor != nil {
		m.monitor.RemoveCallback(m.monitorCbID)
	}
	m.rootCancel()

	done := make(chan struct{})
	go func() {
		for _, s := range sessions {
			s.stop()
		}
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (m *Manager) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func (m *Manager) recordDrop(op domain.QueuedOperation, reason deadletter.Reason, cause error) {
	ctx, cancel := m.storeCtx()
	defer cancel()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	entry := deadletter.Entry{Op: op, Reason: reason, Error: msg, DeviceID: m.deviceID, DroppedAt: time.Now().UTC()}
	if err := m.sink.Record(ctx, entry); err != nil {
		m.logger.Warn("dead_letter_record_failed", zap.String("op_id", op.ID), zap.Error(err))
	}
}
