package main

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type subscriber interface {
	Subscribe(ctx context.Context, matchID string) error
	Unsubscribe(ctx context.Context, matchID string) error
}

// matchTracker follows which matches this device currently observes. The first touch
// subscribes the feed; a match untouched for longer than the idle window is released,
// unsubscribed and forgotten. Pinned matches are never reaped.
type matchTracker struct {
	mu     sync.Mutex
	last   map[string]time.Time
	pinned map[string]struct{}

	feed subscriber
	// release discards local state and reports false while the match still has work.
	release func(matchID string) bool
	forget  func(matchID string)
	// first runs once per observation, after the subscription.
	first func(matchID string)

	logger *zap.Logger
	now    func() time.Time
}

func newMatchTracker(feed subscriber, logger *zap.Logger, pinned ...string) *matchTracker {
	t := &matchTracker{
		feed:    feed,
		last:    make(map[string]time.Time),
		pinned:  make(map[string]struct{}),
		release: func(string) bool { return true },
		forget:  func(string) {},
		first:   func(string) {},
		logger:  logger,
		now:     time.Now,
	}
	for _, id := range pinned {
		if id = strings.TrimSpace(id); id != "" {
			t.pinned[id] = struct{}{}
		}
	}
	return t
}

// touch marks matchID as observed now. It reports whether this started a new observation.
func (t *matchTracker) touch(ctx context.Context, matchID string) bool {
	matchID = strings.TrimSpace(matchID)
	if matchID == "" {
		return false
	}
	t.mu.Lock()
	_, seen := t.last[matchID]
	t.last[matchID] = t.now()
	t.mu.Unlock()
	if seen {
		return false
	}
	if t.feed != nil {
		if err := t.feed.Subscribe(ctx, matchID); err != nil {
			t.logger.Warn("feed_subscribe_failed", zap.String("match_id", matchID), zap.Error(err))
		}
	}
	t.first(matchID)
	return true
}

// reap releases every unpinned match idle for at least maxIdle and returns their ids.
func (t *matchTracker) reap(ctx context.Context, maxIdle time.Duration) []string {
	now := t.now()
	var out []string
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, at := range t.last {
		if _, ok := t.pinned[id]; ok {
			continue
		}
		if now.Sub(at) < maxIdle {
			continue
		}
		if !t.release(id) {
			continue
		}
		delete(t.last, id)
		if t.feed != nil {
			if err := t.feed.Unsubscribe(ctx, id); err != nil {
				t.logger.Debug("feed_unsubscribe_failed", zap.String("match_id", id), zap.Error(err))
			}
		}
		t.forget(id)
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// observed lists the matches currently tracked.
func (t *matchTracker) observed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.last))
	for id := range t.last {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// run reaps on a fixed cadence until ctx ends. A non-positive maxIdle disables reaping.
func (t *matchTracker) run(ctx context.Context, maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}
	every := time.Minute
	if maxIdle < every {
		every = maxIdle
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := t.reap(ctx, maxIdle); len(ids) > 0 {
				t.logger.Info("matches_released", zap.Strings("match_ids", ids))
			}
		}
	}
}
