// Package qsbr implements a quiescent-state-protected lookup structure:
// a lookup returns a reference pinned against reclamation until the
// caller's local epoch closes. Both the block hash table (keyed by BNR)
// and the peer table (keyed by address) are instances of Table.
//
// No hazard-pointer, epoch-based-reclamation or RCU library is
// available to build on here — see DESIGN.md for the justification —
// so Table is built directly on sync/atomic and sync. It shards a
// single mutex-guarded copy-on-write pointer swap into N independent
// shards, so lookups never block behind a writer touching an unrelated
// key.
package qsbr

import (
	"sync"
	"sync/atomic"
)

const shardCount = 64

// Table is a concurrent map with lock-free lookups and deferred
// reclamation of removed entries. V is expected to be a pointer type so
// callers can detect identity (the "winner" of a racing insert).
type Table[K comparable, V any] struct {
	shards [shardCount]shard[K, V]
	hash   func(K) uint64
	epoch  atomic.Uint64

	retireMu sync.Mutex
	retired  []retirement
}

type shard[K comparable, V any] struct {
	mu  sync.Mutex
	cur atomic.Pointer[map[K]V]
}

type retirement struct {
	bornEpoch uint64
	fn        func()
}

// New returns a ready Table. hash must be a stable, well-distributed hash
// of K; callers typically use maphash or a domain hash (BNR, address).
func New[K comparable, V any](hash func(K) uint64) *Table[K, V] {
	t := &Table[K, V]{hash: hash}
	t.epoch.Store(1)
	for i := range t.shards {
		m := make(map[K]V)
		t.shards[i].cur.Store(&m)
	}
	return t
}

func (t *Table[K, V]) shardFor(k K) *shard[K, V] {
	return &t.shards[t.hash(k)%shardCount]
}

// Lookup returns the value for k and true if present. It never blocks: it
// loads the shard's current snapshot pointer atomically and reads from it.
func (t *Table[K, V]) Lookup(k K) (V, bool) {
	m := *t.shardFor(k).cur.Load()
	v, ok := m[k]
	return v, ok
}

// LoadOrStore inserts v if no entry for k exists, returning the value now
// in the table and whether it was the caller's v that won the race (the
// "loser drops, winner returns" pattern acquire() needs on a cache miss).
func (t *Table[K, V]) LoadOrStore(k K, v V) (actual V, stored bool) {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	old := *s.cur.Load()
	if existing, ok := old[k]; ok {
		return existing, false
	}
	next := make(map[K]V, len(old)+1)
	for kk, vv := range old {
		next[kk] = vv
	}
	next[k] = v
	s.cur.Store(&next)
	t.epoch.Add(1)
	return v, true
}

// Delete removes k if present and schedules any cleanup function for the
// removed value to run once the table has observed a full quiescence
// epoch (no lookup in flight can still be holding the old snapshot by
// then). Delete is a no-op if k is absent.
func (t *Table[K, V]) Delete(k K, onQuiescent func()) {
	s := t.shardFor(k)
	s.mu.Lock()
	old := *s.cur.Load()
	if _, ok := old[k]; !ok {
		s.mu.Unlock()
		return
	}
	next := make(map[K]V, len(old))
	for kk, vv := range old {
		if kk == k {
			continue
		}
		next[kk] = vv
	}
	s.cur.Store(&next)
	born := t.epoch.Add(1)
	s.mu.Unlock()

	if onQuiescent != nil {
		t.retireMu.Lock()
		t.retired = append(t.retired, retirement{bornEpoch: born, fn: onQuiescent})
		t.retireMu.Unlock()
	}
}

// Range iterates a stable snapshot of every shard. The callback must not
// mutate the table.
func (t *Table[K, V]) Range(fn func(K, V) bool) {
	for i := range t.shards {
		m := *t.shards[i].cur.Load()
		for k, v := range m {
			if !fn(k, v) {
				return
			}
		}
	}
}

// Reclaim runs the cleanup functions of every deletion whose epoch has
// become quiescent, i.e. the table-wide epoch counter has advanced at
// least twice more after the deletion's own bump (any LoadOrStore that
// inserts or Delete that removes, on any shard, advances it). Components call this
// periodically from their own maintenance loop; it never blocks.
func (t *Table[K, V]) Reclaim() {
	now := t.epoch.Load()

	t.retireMu.Lock()
	var remaining []retirement
	var ready []retirement
	for _, r := range t.retired {
		if now >= r.bornEpoch+2 {
			ready = append(ready, r)
		} else {
			remaining = append(remaining, r)
		}
	}
	t.retired = remaining
	t.retireMu.Unlock()

	for _, r := range ready {
		r.fn()
	}
}

// Len returns the approximate number of entries across all shards.
func (t *Table[K, V]) Len() int {
	n := 0
	for i := range t.shards {
		n += len(*t.shards[i].cur.Load())
	}
	return n
}
