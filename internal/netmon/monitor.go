// Package netmon exposes a binary online/offline signal and notifies on transitions.
package netmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChangeCallback receives the new state after a transition.
type ChangeCallback func(online bool)

type callbackEntry struct {
	id       int
	callback ChangeCallback
}

// Probe checks whether the remote side is reachable.
type Probe interface {
	Health(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Health(ctx context.Context) error { return f(ctx) }

type Monitor struct {
	stateM sync.RWMutex
	online bool

	cbM    sync.RWMutex
	cbs    []callbackEntry
	nextID int

	// consecutive probe failures before flipping offline
	failThreshold int
	logger        *zap.Logger
}

func New(initial bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{online: initial, failThreshold: 2, logger: logger}
}

func (m *Monitor) Online() bool {
	m.stateM.RLock()
	defer m.stateM.RUnlock()
	return m.online
}

// Set records the current connectivity. Callbacks run only when the state actually changes.
func (m *Monitor) Set(online bool) {
	m.stateM.Lock()
	if m.online == online {
		m.stateM.Unlock()
		return
	}
	m.online = online
	m.stateM.Unlock()

	if online {
		m.logger.Info("network_online")
	} else {
		m.logger.Warn("network_offline")
	}

	m.cbM.RLock()
	callbacks := make([]callbackEntry, len(m.cbs))
	copy(callbacks, m.cbs)
	m.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(online)
		}
	}
}

func (m *Monitor) OnChange(cb ChangeCallback) int {
	m.cbM.Lock()
	defer m.cbM.Unlock()
	m.nextID++
	m.cbs = append(m.cbs, callbackEntry{id: m.nextID, callback: cb})
	return m.nextID
}

func (m *Monitor) RemoveCallback(id int) {
	m.cbM.Lock()
	defer m.cbM.Unlock()
	for i, cb := range m.cbs {
		if cb.id == id {
			m.cbs = append(m.cbs[:i], m.cbs[i+1:]...)
			break
		}
	}
}

// Watch polls probe every interval until ctx ends. One success flips online;
// two consecutive failures flip offline.
func (m *Monitor) Watch(ctx context.Context, probe Probe, interval time.Duration) {
	if probe == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	failures := 0
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		err := probe.Health(pctx)
		cancel()
		if err != nil {
			failures++
			m.logger.Debug("network_probe_failed", zap.Int("consecutive", failures), zap.Error(err))
			if failures >= m.failThreshold {
				m.Set(false)
			}
			return
		}
		failures = 0
		m.Set(true)
	}
	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}
