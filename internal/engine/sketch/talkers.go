// Package sketch holds the bounded-memory counters used to spot heavy sources.
package sketch

import (
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultWidth = 4096
	defaultDepth = 3
)

type bucket struct {
	key   string
	count uint32
}

// Talker is a source whose estimated packet count crossed the threshold.
type Talker struct {
	Address string `json:"address"`
	Packets uint32 `json:"packets"`
}

// TopTalkers is a count-min style heavy-hitter sketch. Each row keeps one
// candidate per bucket; a colliding key votes the incumbent down and takes
// the bucket once it reaches zero. Memory is fixed at width*depth buckets.
type TopTalkers struct {
	mu    sync.Mutex
	w, d  uint32
	table [][]bucket
}

// NewTopTalkers creates a sketch. Zero arguments select the defaults.
func NewTopTalkers(width, depth uint32) *TopTalkers {
	if width == 0 {
		width = defaultWidth
	}
	if depth == 0 {
		depth = defaultDepth
	}
	table := make([][]bucket, depth)
	for i := range table {
		table[i] = make([]bucket, width)
	}
	return &TopTalkers{w: width, d: depth, table: table}
}

// index derives the row i bucket from one 64-bit hash (double hashing).
func (t *TopTalkers) index(h uint64, i uint32) uint32 {
	h1, h2 := uint32(h), uint32(h>>32)|1
	return (h1 + i*h2) % t.w
}

// Insert counts one packet from key.
func (t *TopTalkers) Insert(key string) {
	h := xxhash.Sum64String(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := uint32(0); i < t.d; i++ {
		b := &t.table[i][t.index(h, i)]
		switch {
		case b.count == 0:
			b.key, b.count = key, 1
		case b.key == key:
			b.count++
		default:
			b.count--
			if b.count == 0 {
				b.key, b.count = key, 1
			}
		}
	}
}

// Query estimates the packets seen from key.
func (t *TopTalkers) Query(key string) uint32 {
	h := xxhash.Sum64String(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	var n uint32
	for i := uint32(0); i < t.d; i++ {
		if b := t.table[i][t.index(h, i)]; b.key == key {
			n = max(n, b.count)
		}
	}
	return n
}

// Top returns at most limit talkers with at least threshold packets, busiest first.
func (t *TopTalkers) Top(threshold uint32, limit int) []Talker {
	t.mu.Lock()
	best := make(map[string]uint32)
	for i := range t.table {
		for _, b := range t.table[i] {
			if b.count >= threshold && b.count > 0 {
				best[b.key] = max(best[b.key], b.count)
			}
		}
	}
	t.mu.Unlock()

	out := make([]Talker, 0, len(best))
	for k, v := range best {
		out = append(out, Talker{Address: k, Packets: v})
	}
	slices.SortFunc(out, func(a, b Talker) int {
		if a.Packets != b.Packets {
			return int(b.Packets) - int(a.Packets)
		}
		if a.Address < b.Address {
			return -1
		}
		if a.Address > b.Address {
			return 1
		}
		return 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Decay halves every counter so old traffic fades out of the ranking.
func (t *TopTalkers) Decay() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.table {
		for j := range t.table[i] {
			b := &t.table[i][j]
			b.count /= 2
			if b.count == 0 {
				b.key = ""
			}
		}
	}
}
