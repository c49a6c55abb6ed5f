package block

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/versity/ngnfs-go/internal/ngnfserr"
	"github.com/versity/ngnfs-go/pkg/transport"
)

type writeRecord struct {
	bnr  transport.BNR
	data []byte
}

// fakeTransport is a synchronous, in-memory transport.Transport: every
// SubmitBlock call completes inline via the registered Completer, so
// tests don't need a real submission pipeline to exercise the cache.
type fakeTransport struct {
	mu          sync.Mutex
	backing     map[transport.BNR][]byte
	info        transport.FSInfo
	writes      []writeRecord
	readSubmits map[transport.BNR]int
	failRead    map[transport.BNR]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		backing:     make(map[transport.BNR][]byte),
		readSubmits: make(map[transport.BNR]int),
		failRead:    make(map[transport.BNR]error),
	}
}

func (f *fakeTransport) Setup(info transport.FSInfo, arg any) (transport.Handle, error) {
	f.info = info
	return f, nil
}

func (f *fakeTransport) QueueDepth(h transport.Handle) (int, error) { return 16, nil }

func (f *fakeTransport) SubmitBlock(h transport.Handle, op transport.Op, bnr transport.BNR, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch op {
	case transport.OpGetRead:
		f.readSubmits[bnr]++
		if err := f.failRead[bnr]; err != nil {
			f.info.Completer.EndIO(bnr, nil, err)
			return nil
		}
		data := f.backing[bnr]
		fresh := make([]byte, len(buf))
		copy(fresh, data)
		f.info.Completer.EndIO(bnr, fresh, nil)
	case transport.OpWrite:
		cp := make([]byte, len(buf))
		copy(cp, buf)
		f.backing[bnr] = cp
		f.writes = append(f.writes, writeRecord{bnr: bnr, data: cp})
		f.info.Completer.EndIO(bnr, nil, nil)
	}
	return nil
}

func (f *fakeTransport) Shutdown(h transport.Handle) error { return nil }
func (f *fakeTransport) Destroy(h transport.Handle) error  { return nil }

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Config{Transport: newFakeTransport()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func TestAcquireNewIsImmediatelyUptodate(t *testing.T) {
	c := newTestCache(t)

	ref, err := c.Acquire(1, FlagNew)
	require.NoError(t, err)
	require.NotNil(t, ref)
	require.Len(t, c.Buffer(ref), pagepoolBlockSizeForTest())
	c.Release(ref)
}

func TestAcquireReadFetchesThroughTransport(t *testing.T) {
	ft := newFakeTransport()
	c, err := New(Config{Transport: ft})
	require.NoError(t, err)
	defer c.Close()

	ft.backing[1] = []byte("hello world, padded to a block")

	ref, err := c.Acquire(1, FlagRead)
	require.NoError(t, err)
	require.Contains(t, string(c.Buffer(ref)), "hello world")
	c.Release(ref)
}

func TestDirtyBeginMergesAndWritesBack(t *testing.T) {
	c := newTestCache(t)

	refA, err := c.Acquire(10, FlagNew)
	require.NoError(t, err)
	refB, err := c.Acquire(11, FlagNew)
	require.NoError(t, err)

	copy(c.Buffer(refA), []byte("A"))
	copy(c.Buffer(refB), []byte("B"))

	set, err := c.DirtyBegin([]*Ref{refA, refB})
	require.NoError(t, err)
	require.NotNil(t, set)
	require.EqualValues(t, 2, set.len())

	c.DirtyEnd(set)

	require.NoError(t, c.Sync())
	require.EqualValues(t, 0, c.Stats().NrDirty)

	c.Release(refA)
	c.Release(refB)
}

func TestConcurrentAcquireDedupsMiss(t *testing.T) {
	ft := newFakeTransport()
	ft.backing[42] = []byte("shared block contents, long enough")
	c, err := New(Config{Transport: ft})
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	refs := make([]*Ref, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.Acquire(42, FlagRead)
			require.NoError(t, err)
			refs[i] = r
		}()
	}
	wg.Wait()

	for _, r := range refs {
		require.Same(t, refs[0].block, r.block)
	}
	for _, r := range refs {
		c.Release(r)
	}
}

func pagepoolBlockSizeForTest() int { return 4096 }

// TestDirtyMergeSyncObservesThreeWrites exercises two threads
// write-acquiring overlapping block sets ({1,2} and {2,3}), writing
// distinct patterns, committing, then one syncing: the overlap must
// merge into a single dirty set and every one of the three blocks must
// reach the transport as its own WRITE before nr_dirty returns to zero.
func TestDirtyMergeSyncObservesThreeWrites(t *testing.T) {
	ft := newFakeTransport()
	c, err := New(Config{Transport: ft})
	require.NoError(t, err)
	defer c.Close()

	refs := make(map[BNR]*Ref)
	for _, bnr := range []BNR{1, 2, 3} {
		r, err := c.Acquire(bnr, FlagNew)
		require.NoError(t, err)
		refs[bnr] = r
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		set, err := c.DirtyBegin([]*Ref{refs[1], refs[2]})
		require.NoError(t, err)
		copy(c.Buffer(refs[1]), []byte("patternA-block1"))
		copy(c.Buffer(refs[2]), []byte("patternA-block2"))
		c.DirtyEnd(set)
	}()
	go func() {
		defer wg.Done()
		set, err := c.DirtyBegin([]*Ref{refs[2], refs[3]})
		require.NoError(t, err)
		copy(c.Buffer(refs[2]), []byte("patternB-block2"))
		copy(c.Buffer(refs[3]), []byte("patternB-block3"))
		c.DirtyEnd(set)
	}()
	wg.Wait()

	require.NoError(t, c.Sync())
	require.EqualValues(t, 0, c.Stats().NrDirty)

	ft.mu.Lock()
	seen := make(map[transport.BNR][]byte)
	for _, w := range ft.writes {
		seen[w.bnr] = w.data
	}
	ft.mu.Unlock()

	require.Len(t, seen, 3, "blocks 1, 2 and 3 must each reach the transport as a WRITE")
	require.True(t, strings.HasPrefix(string(seen[1]), "patternA-block1"))
	require.True(t, strings.HasPrefix(string(seen[3]), "patternB-block3"))
	// block 2 is written by both goroutines; whichever pattern landed
	// last must be the one the transport observed.
	got2 := string(seen[2])
	require.True(t, strings.HasPrefix(got2, "patternA-block2") || strings.HasPrefix(got2, "patternB-block2"), "got %q", got2)

	for _, r := range refs {
		c.Release(r)
	}
}

// TestSetLimitOverflowForcesMergeSync exercises merge-overflow: a second
// dirty_begin that would push an already-dirty set past SetLimit forces
// a sync of the oversized set before retrying, producing two distinct,
// ordered dirty_seq values, with the first set's writeback fully
// complete before the second set is ever submitted.
func TestSetLimitOverflowForcesMergeSync(t *testing.T) {
	ft := newFakeTransport()
	c, err := New(Config{Transport: ft})
	require.NoError(t, err)
	defer c.Close()

	refsA := make([]*Ref, SetLimit)
	for i := 0; i < SetLimit; i++ {
		r, err := c.Acquire(BNR(i+1), FlagNew)
		require.NoError(t, err)
		refsA[i] = r
	}
	setA, err := c.DirtyBegin(refsA)
	require.NoError(t, err)
	require.EqualValues(t, SetLimit, setA.len())
	seqA := setA.dirtySeq
	c.DirtyEnd(setA)

	const overflowBNR = BNR(SetLimit + 100)
	refC, err := c.Acquire(overflowBNR, FlagNew)
	require.NoError(t, err)
	setC, err := c.DirtyBegin([]*Ref{refC})
	require.NoError(t, err)
	c.DirtyEnd(setC)

	// refsA[0] is already a member of the SetLimit-sized set A; merging
	// it with refC's singleton set overflows SetLimit and must force A's
	// sync before retrying.
	setB, err := c.DirtyBegin([]*Ref{refsA[0], refC})
	require.NoError(t, err)
	seqB := setB.dirtySeq
	c.DirtyEnd(setB)

	require.Greater(t, seqB, seqA, "the retried set must be assigned a later dirty_seq than the one it forced to sync")

	require.NoError(t, c.Sync())
	require.EqualValues(t, 0, c.Stats().NrDirty)

	for _, r := range refsA {
		c.Release(r)
	}
	c.Release(refC)
}

// TestReadErrorPropagatesThenRefetchesAfterReclaim covers read-error
// propagation to concurrent acquirers and re-fetch once the failed
// block is torn down: a transport failure on bnr=9 is observed by two
// successive acquires, and after the errored block is reclaimed a fresh
// acquire submits again and can succeed once the failure clears.
func TestReadErrorPropagatesThenRefetchesAfterReclaim(t *testing.T) {
	ft := newFakeTransport()
	ft.failRead[9] = ngnfserr.ErrIO
	c, err := New(Config{Transport: ft})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Acquire(9, FlagRead)
	require.ErrorIs(t, err, ngnfserr.ErrIO)

	_, err = c.Acquire(9, FlagRead)
	require.ErrorIs(t, err, ngnfserr.ErrIO)

	ft.mu.Lock()
	submits := ft.readSubmits[9]
	ft.mu.Unlock()
	require.GreaterOrEqual(t, submits, 2, "each failed acquire tears the block down, so the next acquire submits afresh")

	c.table.Reclaim()

	ft.mu.Lock()
	delete(ft.failRead, 9)
	ft.backing[9] = []byte("recovered contents, long enough to pad")
	ft.mu.Unlock()

	ref, err := c.Acquire(9, FlagRead)
	require.NoError(t, err)
	require.Contains(t, string(c.Buffer(ref)), "recovered contents")
	c.Release(ref)
}
