package block

import (
	"sync"
	"sync/atomic"

	"github.com/versity/ngnfs-go/internal/waitq"
)

// per-set state bits. Dirtying and Writeback are mutually
// exclusive; holders serialize via wait-for-clear.
const (
	setDirtying uint32 = 1 << iota
	setDirty
	setWriteback
)

// SetLimit bounds the cardinality of a single dirty set.
const SetLimit = 64

// DirtySet groups blocks that must reach the storage layer atomically.
type DirtySet struct {
	cache *Cache

	mu     sync.Mutex
	blocks []*Block // order of entry

	refs  atomic.Int32
	state uint32atomic

	dirtySeq  uint64 // assigned once, at the moment SET_DIRTY is first stamped
	submitted atomic.Int32
	size      atomic.Int32

	// listed is true while the set holds the single reference that
	// represents its presence on the writeback lockless-list.
	listed atomic.Bool

	wait *waitq.Gate
}

func newDirtySet(c *Cache) *DirtySet {
	s := &DirtySet{cache: c, wait: waitq.New()}
	s.refs.Store(1)
	return s
}

func (s *DirtySet) addRef() { s.refs.Add(1) }

func (s *DirtySet) release() {
	s.refs.Add(-1)
}

func (s *DirtySet) testAndSetState(bit uint32) bool {
	for {
		old := s.state.Load()
		if old&bit != 0 {
			return true
		}
		if s.state.CompareAndSwap(old, old|bit) {
			return false
		}
	}
}

func (s *DirtySet) clearState(bit uint32) {
	for {
		old := s.state.Load()
		next := old &^ bit
		if s.state.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s *DirtySet) hasState(bit uint32) bool {
	return s.state.Load()&bit != 0
}

// len returns the set's cardinality, kept equal to len(blocks) by every
// mutator above.
func (s *DirtySet) len() int32 { return s.size.Load() }

// appendBlock links b into the set's block list and rewrites b's
// back-reference. Caller must hold SET_DIRTYING on s.
func (s *DirtySet) appendBlock(b *Block) {
	s.mu.Lock()
	s.blocks = append(s.blocks, b)
	s.mu.Unlock()
	s.size.Add(1)
	b.set.Store(s)
}

// takeBlocks returns (and clears) the set's block list. Used when merging
// small into large, and when detaching all blocks at writeback
// completion.
func (s *DirtySet) takeBlocks() []*Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs := s.blocks
	s.blocks = nil
	s.size.Store(0)
	return bs
}

func (s *DirtySet) snapshotBlocks() []*Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Block, len(s.blocks))
	copy(out, s.blocks)
	return out
}
