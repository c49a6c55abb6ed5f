package llstack

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDrainEmptyStackReturnsNil(t *testing.T) {
	var s Stack[int]
	require.Nil(t, s.Drain())
}

func TestDrainReturnsFIFOOrder(t *testing.T) {
	var s Stack[int]
	for i := 0; i < 5; i++ {
		s.Push(i)
	}
	got := s.Drain()
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestDrainEmptiesTheStack(t *testing.T) {
	var s Stack[int]
	s.Push(1)
	s.Drain()
	require.Nil(t, s.Drain())
}

func TestConcurrentPushLosesNoEntries(t *testing.T) {
	var s Stack[int]
	const n = 1000

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Push(i)
		}()
	}
	wg.Wait()

	got := s.Drain()
	require.Len(t, got, n)
	seen := make(map[int]bool, n)
	for _, v := range got {
		seen[v] = true
	}
	require.Len(t, seen, n)
}
