package policy

import (
	"sync"
	"time"

	"NetSentry/internal/model"
)

type cooldownKey struct {
	target string
	kind   model.ActionKind
}

type cooldownEntry struct {
	at      time.Time
	pending bool
	token   uint64
}

// CooldownTable remembers the last successful action per (target, action kind).
// A pending reservation counts as an active cooldown.
type CooldownTable struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[cooldownKey]cooldownEntry
	tokens  uint64
}

// NewCooldownTable creates an empty table.
func NewCooldownTable(window time.Duration) *CooldownTable {
	return &CooldownTable{window: window, entries: make(map[cooldownKey]cooldownEntry)}
}

// Window returns the cooldown duration.
func (c *CooldownTable) Window() time.Duration {
	return c.window
}

// Reservation holds a cooldown slot until it is committed or rolled back.
type Reservation struct {
	table   *CooldownTable
	key     cooldownKey
	token   uint64
	prev    cooldownEntry
	hadPrev bool
	once    sync.Once
}

// Reserve claims the slot for (target, kind) unless it is cooling down.
// On rejection it returns the time of the blocking action (zero if only pending).
func (c *CooldownTable) Reserve(target model.Target, kind model.ActionKind, now time.Time) (*Reservation, time.Time, bool) {
	key := cooldownKey{target: target.Key(), kind: kind}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.entries[key]
	if ok && (prev.pending || now.Sub(prev.at) < c.window) {
		return nil, prev.at, false
	}

	c.tokens++
	c.entries[key] = cooldownEntry{pending: true, token: c.tokens}
	return &Reservation{table: c, key: key, token: c.tokens, prev: prev, hadPrev: ok}, time.Time{}, true
}

// Commit records the action as applied at appliedAt.
func (r *Reservation) Commit(appliedAt time.Time) {
	r.once.Do(func() {
		r.table.mu.Lock()
		defer r.table.mu.Unlock()
		if e, ok := r.table.entries[r.key]; ok && e.token == r.token {
			r.table.entries[r.key] = cooldownEntry{at: appliedAt}
		}
	})
}

// Rollback releases the slot, restoring whatever was there before.
func (r *Reservation) Rollback() {
	r.once.Do(func() {
		r.table.mu.Lock()
		defer r.table.mu.Unlock()
		e, ok := r.table.entries[r.key]
		if !ok || e.token != r.token {
			return
		}
		if r.hadPrev {
			r.table.entries[r.key] = r.prev
		} else {
			delete(r.table.entries, r.key)
		}
	})
}

// Last returns the committed action time for (target, kind).
func (c *CooldownTable) Last(target model.Target, kind model.ActionKind) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cooldownKey{target: target.Key(), kind: kind}]
	if !ok || e.pending {
		return time.Time{}, false
	}
	return e.at, true
}

// Prune removes committed entries whose window has elapsed.
func (c *CooldownTable) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if !e.pending && now.Sub(e.at) >= c.window {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Restore seeds the table from applied audit records, keeping the newest time per key.
func (c *CooldownTable) Restore(records []model.ActionRecord) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	restored := 0
	for _, rec := range records {
		if rec.Outcome != model.OutcomeApplied || rec.AppliedAt.IsZero() {
			continue
		}
		key := cooldownKey{target: rec.Request.Target.Key(), kind: rec.Request.Kind}
		if e, ok := c.entries[key]; ok && (e.pending || !rec.AppliedAt.After(e.at)) {
			continue
		}
		c.entries[key] = cooldownEntry{at: rec.AppliedAt}
		restored++
	}
	return restored
}

// Len returns the number of entries, pending ones included.
func (c *CooldownTable) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
