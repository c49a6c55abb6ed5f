// Package block implements the concurrent, hash-indexed block cache:
// read-through acquisition, dirty tracking, grouped writeback and
// quiescent-state reclamation.
package block

import (
	"sync/atomic"

	"github.com/versity/ngnfs-go/internal/waitq"
	"github.com/versity/ngnfs-go/pkg/pagepool"
)

// BNR is a 64-bit logical block number, unique within a mount.
type BNR uint64

// Flag selects the caller's intent on Acquire. Read and Write are
// mutually exclusive.
type Flag uint32

const (
	// FlagNew initializes the buffer to zero and marks it UPTODATE even
	// if the block did not previously exist.
	FlagNew Flag = 1 << iota
	// FlagRead is a shared read intent.
	FlagRead
	// FlagWrite is an intent to modify the block before DirtyEnd.
	FlagWrite
)

// per-block state bits.
const (
	stateReading uint32 = 1 << iota
	stateUptodate
	stateError
	stateDirty
)

// Block is a cached unit: a BNR, an owned page, a reference count, state
// bits, a sticky I/O error, a pointer to the dirty set it belongs to (if
// any), and a wait endpoint.
type Block struct {
	bnr   BNR
	cache *Cache

	page atomic.Pointer[pagepool.Page]
	refs atomic.Int32

	state uint32atomic
	ioErr atomic.Pointer[error]

	set atomic.Pointer[DirtySet]

	// queued is the block's single "in-flight" bit: true while the block
	// is linked into exactly one submit queue. It is the source of truth
	// for queue membership, not presence in the list itself.
	queued atomic.Bool

	wait *waitq.Gate
}

// uint32atomic is a tiny alias so call sites read "b.state.Load()" the
// way the rest of the bitset fields do, without importing atomic twice
// for the same concept.
type uint32atomic = atomic.Uint32

func newBlock(c *Cache, bnr BNR) *Block {
	return &Block{
		bnr:   bnr,
		cache: c,
		wait:  waitq.New(),
	}
}

// BNR returns the block number this reference was acquired for.
func (b *Block) BNR() BNR { return b.bnr }

func (b *Block) testAndSetState(bit uint32) (already bool) {
	for {
		old := b.state.Load()
		if old&bit != 0 {
			return true
		}
		if b.state.CompareAndSwap(old, old|bit) {
			return false
		}
	}
}

func (b *Block) clearState(bit uint32) {
	for {
		old := b.state.Load()
		next := old &^ bit
		if b.state.CompareAndSwap(old, next) {
			return
		}
	}
}

func (b *Block) hasState(bit uint32) bool {
	return b.state.Load()&bit != 0
}

func (b *Block) setError(err error) {
	b.ioErr.Store(&err)
	b.testAndSetState(stateError)
}

func (b *Block) loadError() error {
	p := b.ioErr.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (b *Block) addRef() { b.refs.Add(1) }

// tryAddRef adds a reference unless the block's refcount has already
// reached zero, in which case it is mid-teardown (Release has decremented
// it to zero and is about to, or has just, removed it from the table).
// Callers that lose this race must treat the block as absent and re-
// resolve it rather than pin a block whose page may be concurrently
// returned to pagepool.
func (b *Block) tryAddRef() bool {
	for {
		v := b.refs.Load()
		if v <= 0 {
			return false
		}
		if b.refs.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// release drops the caller's reference. It only decrements the count:
// it neither removes the block from the table nor returns its page
// (Cache.releaseBlock does both when the count reaches zero).
func (b *Block) release() {
	b.refs.Add(-1)
}

func (b *Block) refCount() int32 { return b.refs.Load() }

func (b *Block) bufferPage() *pagepool.Page {
	return b.page.Load()
}

func (b *Block) installPage(p *pagepool.Page) {
	old := b.page.Swap(p)
	if old != nil {
		old.Release()
	}
}

// Buffer returns a view of the block's data buffer, valid for the
// lifetime of the caller's Ref.
func (b *Block) Buffer() []byte {
	p := b.page.Load()
	if p == nil {
		return nil
	}
	return p.Data
}

// Ref is a pinned reference to a Block returned by Acquire. It must be
// released exactly once via Cache.Release.
type Ref struct {
	block *Block
}

func (r *Ref) Block() *Block { return r.block }

func invalidFlags(f Flag) bool {
	if f&FlagRead != 0 && f&FlagWrite != 0 {
		return true
	}
	if f&FlagRead == 0 && f&FlagWrite == 0 && f&FlagNew == 0 {
		return true
	}
	return false
}
