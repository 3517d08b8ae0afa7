// Package deadletter records queued operations the dispatcher gave up on, so that data loss
// is visible after the fact.
package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/park285/scorekeeper-sync/internal/domain"
)

// Reason explains why an operation was dropped.
type Reason string

const (
	ReasonPermanent      Reason = "permanent"
	ReasonRetryExhausted Reason = "retry_exhausted"
)

// Entry is one dropped operation.
type Entry struct {
	Op        domain.QueuedOperation
	Reason    Reason
	Error     string
	DeviceID  string
	DroppedAt time.Time
}

type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// MemorySink keeps entries in process memory.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Record(ctx context.Context, e Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of everything recorded so far.
func (m *MemorySink) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.entries...)
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }
