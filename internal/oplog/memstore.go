package oplog

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/park285/scorekeeper-sync/internal/domain"
)

// MemoryStore keeps logs in process memory. Used in tests and when no backend is configured;
// it survives a Manager rebuild but not a process restart.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]byte

	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]byte)}
}

func (m *MemoryStore) Save(ctx context.Context, matchID string, ops []domain.QueuedOperation) error {
	if err := checkMatch(matchID); err != nil {
		return err
	}
	if len(ops) == 0 {
		return m.Clear(ctx, matchID)
	}
	raw, err := encode(ops)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.logs[strings.TrimSpace(matchID)] = raw
	m.saves++
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, matchID string) ([]domain.QueuedOperation, error) {
	if err := checkMatch(matchID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	raw := m.logs[strings.TrimSpace(matchID)]
	m.mu.RUnlock()
	return decode(raw)
}

func (m *MemoryStore) Clear(ctx context.Context, matchID string) error {
	if err := checkMatch(matchID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.logs, strings.TrimSpace(matchID))
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Matches(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.logs))
	for id := range m.logs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Saves reports how many non-empty writes happened.
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func (m *MemoryStore) Close() error { return nil }
