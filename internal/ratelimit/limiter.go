// Package ratelimit implements sliding-window admission control keyed by an
// arbitrary string (caller IP or a fixed enforcement key).
package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// GlobalEnforcementKey is the key shared by every enforcement call.
const GlobalEnforcementKey = "global-enforcement"

// Limiter admits or rejects one event for a key.
type Limiter interface {
	Allow(key string) bool
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// SlidingWindow counts admitted events per key over a trailing window.
// Only admitted events are recorded, so a rejected caller regains capacity
// exactly one window after its oldest admitted event.
type SlidingWindow struct {
	window time.Duration
	max    int
	now    func() time.Time
	shards [shardCount]*shard
}

// NewSlidingWindow creates a limiter allowing max events per window.
func NewSlidingWindow(window time.Duration, max int) *SlidingWindow {
	l := &SlidingWindow{window: window, max: max, now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string][]time.Time)}
	}
	return l
}

// WithClock replaces the time source; used by tests.
func (l *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	l.now = now
	return l
}

func (l *SlidingWindow) shardFor(key string) *shard {
	return l.shards[xxhash.Sum64String(key)%shardCount]
}

// Allow reports whether another event for key fits in the window, and records
// it if so.
func (l *SlidingWindow) Allow(key string) bool {
	s := l.shardFor(key)
	now := l.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := trim(s.windows[key], now.Add(-l.window))
	if len(ts) >= l.max {
		s.windows[key] = ts
		return false
	}
	s.windows[key] = append(ts, now)
	return true
}

// Count returns the number of events currently inside the window for key.
func (l *SlidingWindow) Count(key string) int {
	s := l.shardFor(key)
	cutoff := l.now().Add(-l.window)

	s.mu.Lock()
	defer s.mu.Unlock()
	ts := trim(s.windows[key], cutoff)
	if len(ts) == 0 {
		delete(s.windows, key)
		return 0
	}
	s.windows[key] = ts
	return len(ts)
}

// Prune drops expired timestamps and empty keys. Returns the number of keys removed.
func (l *SlidingWindow) Prune() int {
	cutoff := l.now().Add(-l.window)
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, ts := range s.windows {
			ts = trim(ts, cutoff)
			if len(ts) == 0 {
				delete(s.windows, key)
				removed++
				continue
			}
			s.windows[key] = ts
		}
		s.mu.Unlock()
	}
	return removed
}

// Keys returns the number of tracked keys.
func (l *SlidingWindow) Keys() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

// trim removes timestamps at or before cutoff. ts is ordered oldest first.
func trim(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
