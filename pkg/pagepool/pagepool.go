// Package pagepool provides fixed-size, aligned buffer recycling with
// shared-ownership semantics.
//
// Buffers are recycled through a sync.Pool: a pool of reusable scratch
// objects drained and refilled under GC pressure rather than a
// hand-rolled free list.
package pagepool

import "sync/atomic"

// BlockSize is the fixed block size the whole runtime operates on.
const BlockSize = 4096

// Page is a block-size buffer with a shared-ownership refcount. A Page is
// "unique-writer" while an I/O is pending against it (the block's READING
// bit governs that externally); Page itself only tracks lifetime.
type Page struct {
	Data []byte
	refs atomic.Int32
}

// Acquire returns a zeroed, ready-to-use page pinned with one reference.
// Callers must Release it exactly once for every Acquire/Retain.
func Acquire() *Page {
	p := get()
	clear(p.Data)
	p.refs.Store(1)
	return p
}

// Retain adds a reference to an already-acquired page, e.g. to hand a
// copy of the pointer to the transport while the cache still holds its
// own reference.
func (p *Page) Retain() {
	p.refs.Add(1)
}

// Release drops a reference; once the last reference is dropped the
// buffer is returned to the pool for reuse by a future Acquire.
func (p *Page) Release() {
	if p.refs.Add(-1) == 0 {
		put(p)
	}
}
