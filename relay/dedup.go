package relay

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDedupCapacity is the number of envelope ids remembered when no
// capacity is configured.
const DefaultDedupCapacity = 5000

const dedupShards = 32

type dedupEntry struct {
	seq       uint64
	firstSeen time.Time
}

type dedupShard struct {
	mu      sync.Mutex
	entries map[string]dedupEntry
}

type ringSlot struct {
	id  string
	seq uint64
}

// DedupCache remembers recently seen envelope ids. It is bounded by count,
// not by age: once more than capacity ids have been recorded, the oldest
// recorded id is forgotten. Ids are spread over independently locked shards
// and insertion order is kept in a ring of atomic slots, so no lock is
// shared by all callers.
type DedupCache struct {
	capacity int
	shards   [dedupShards]dedupShard
	ring     []atomic.Pointer[ringSlot]
	seq      atomic.Uint64
	now      func() time.Time
}

// NewDedupCache returns a cache holding up to capacity ids. A non-positive
// capacity selects DefaultDedupCapacity.
func NewDedupCache(capacity int, now func() time.Time) *DedupCache {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	if now == nil {
		now = time.Now
	}
	d := &DedupCache{
		capacity: capacity,
		ring:     make([]atomic.Pointer[ringSlot], capacity),
		now:      now,
	}
	for i := range d.shards {
		d.shards[i].entries = make(map[string]dedupEntry)
	}
	return d
}

// Capacity returns the maximum number of ids held.
func (d *DedupCache) Capacity() int { return d.capacity }

func (d *DedupCache) shard(id string) *dedupShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &d.shards[h.Sum32()%dedupShards]
}

// HasSeen reports whether id is currently remembered.
func (d *DedupCache) HasSeen(id string) bool {
	sh := d.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.entries[id]
	return ok
}

// FirstSeen returns the time id was first recorded.
func (d *DedupCache) FirstSeen(id string) (time.Time, bool) {
	sh := d.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	return e.firstSeen, ok
}

// MarkSeen records id. Recording an id that is already remembered keeps its
// original first-seen time and position.
func (d *DedupCache) MarkSeen(id string) {
	d.CheckAndMark(id)
}

// CheckAndMark records id and reports whether it was new. Concurrent calls
// for the same id return true for exactly one caller.
func (d *DedupCache) CheckAndMark(id string) bool {
	sh := d.shard(id)
	sh.mu.Lock()
	if _, ok := sh.entries[id]; ok {
		sh.mu.Unlock()
		return false
	}
	seq := d.seq.Add(1)
	sh.entries[id] = dedupEntry{seq: seq, firstSeen: d.now()}
	sh.mu.Unlock()

	d.place(&ringSlot{id: id, seq: seq})
	return true
}

// place puts s into its ring slot and forgets whichever of s or the previous
// occupant was recorded earlier.
func (d *DedupCache) place(s *ringSlot) {
	slot := &d.ring[(s.seq-1)%uint64(d.capacity)]
	for {
		cur := slot.Load()
		if cur != nil && cur.seq > s.seq {
			// A later id already claimed the slot.
			d.forget(s)
			return
		}
		if slot.CompareAndSwap(cur, s) {
			if cur != nil {
				d.forget(cur)
			}
			return
		}
	}
}

func (d *DedupCache) forget(s *ringSlot) {
	sh := d.shard(s.id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[s.id]; ok && e.seq == s.seq {
		delete(sh.entries, s.id)
	}
}

// Len returns the number of ids currently remembered.
func (d *DedupCache) Len() int {
	n := 0
	for i := range d.shards {
		sh := &d.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
