package qsbr

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identityHash(k uint64) uint64 { return k }

func TestLoadOrStoreWinnerAndLoser(t *testing.T) {
	tb := New[uint64, *int](identityHash)

	a, b := 1, 2
	actual1, stored1 := tb.LoadOrStore(7, &a)
	require.True(t, stored1)
	require.Same(t, &a, actual1)

	actual2, stored2 := tb.LoadOrStore(7, &b)
	require.False(t, stored2)
	require.Same(t, &a, actual2) // loser gets the winner's value back

	v, ok := tb.Lookup(7)
	require.True(t, ok)
	require.Same(t, &a, v)
}

func TestDeleteRemovesAndDefersCleanup(t *testing.T) {
	tb := New[uint64, *int](identityHash)
	v := 1
	tb.LoadOrStore(1, &v)

	var cleaned atomic.Bool
	tb.Delete(1, func() { cleaned.Store(true) })

	_, ok := tb.Lookup(1)
	require.False(t, ok)
	require.False(t, cleaned.Load(), "cleanup must not run before quiescence")

	// One Reclaim immediately after Delete is not yet two epochs past the
	// deletion (New starts the epoch at 1, LoadOrStore bumped it to 2,
	// Delete to 3; Reclaim needs epoch >= bornEpoch+2 = 5).
	tb.Reclaim()
	require.False(t, cleaned.Load())

	// Bump the epoch twice more via unrelated inserts, then reclaim.
	w := 2
	tb.LoadOrStore(2, &w)
	tb.LoadOrStore(3, &w)
	tb.Reclaim()
	require.True(t, cleaned.Load())
}

func TestDeleteOfAbsentKeyIsNoop(t *testing.T) {
	tb := New[uint64, *int](identityHash)
	called := false
	tb.Delete(99, func() { called = true })
	tb.Reclaim()
	require.False(t, called)
}

func TestConcurrentLookupsDuringWritesNeverObserveTornState(t *testing.T) {
	tb := New[uint64, *int](identityHash)
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := i
			tb.LoadOrStore(uint64(i), &v)
		}()
	}
	wg.Wait()

	var found int
	for i := 0; i < n; i++ {
		if _, ok := tb.Lookup(uint64(i)); ok {
			found++
		}
	}
	assert.Equal(t, n, found)
	assert.Equal(t, n, tb.Len())
}

func TestRangeVisitsEveryEntry(t *testing.T) {
	tb := New[uint64, *int](identityHash)
	for i := 0; i < 10; i++ {
		v := i
		tb.LoadOrStore(uint64(i), &v)
	}
	seen := make(map[uint64]bool)
	tb.Range(func(k uint64, v *int) bool {
		seen[k] = true
		return true
	})
	require.Len(t, seen, 10)
}
