package statqueue

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/scorekeeper-sync/internal/deadletter"
)

const (
	DefaultMaxRetries    = 10
	DefaultDispatchDelay = 150 * time.Millisecond
	DefaultCallTimeout   = 15 * time.Second
)

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMaxRetries sets how many times a transient failure is retried before the
// operation is dropped.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// WithDispatchDelay sets the pause between successful applies.
func WithDispatchDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.dispatchDelay = d
		}
	}
}

// WithRetryBackoff enables timer-driven resume after a transient failure. Zero leaves
// resumption to the next trigger (online transition, enqueue, Kick).
func WithRetryBackoff(base time.Duration) Option {
	return func(m *Manager) {
		if base >= 0 {
			m.retryBackoff = base
		}
	}
}

func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.callTimeout = d
		}
	}
}

func WithDeadLetter(s deadletter.Sink) Option {
	return func(m *Manager) {
		if s != nil {
			m.sink = s
		}
	}
}

func WithDeviceID(id string) Option {
	return func(m *Manager) { m.deviceID = id }
}

// WithSnapshotFetcher seeds each newly opened session from the remote table before its
// worker starts dispatching.
func WithSnapshotFetcher(f SnapshotFetcher) Option {
	return func(m *Manager) { m.seeder = f }
}

// WithIDGenerator overrides operation id generation (uuid by default).
func WithIDGenerator(f func() string) Option {
	return func(m *Manager) {
		if f != nil {
			m.newID = f
		}
	}
}

func defaultID() string { return uuid.NewString() }

// backoffDuration doubles from base per attempt, capped at 32x base.
func backoffDuration(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * base
}
