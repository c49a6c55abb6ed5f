package waitq

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitReturnsImmediatelyIfReady(t *testing.T) {
	g := New()
	done := make(chan struct{})
	go func() {
		g.Wait(func() bool { return true })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked despite an already-true condition")
	}
}

func TestBroadcastWakesParkedWaiter(t *testing.T) {
	g := New()
	var ready bool
	var mu sync.Mutex

	done := make(chan struct{})
	go func() {
		g.Wait(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return ready
		})
		close(done)
	}()

	// Give the waiter a chance to park before flipping the condition.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	ready = true
	mu.Unlock()
	g.Broadcast()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast did not wake the parked waiter")
	}
}

// TestNoMissedWakeup is the classic check/park race: the condition flips
// true and Broadcast fires between the waiter's check and its park. An
// implementation whose check is not serialized with the wake can miss
// this wake and block forever; Gate must not.
func TestNoMissedWakeup(t *testing.T) {
	g := New()
	var ready atomicBool

	checking := make(chan struct{})
	var once sync.Once
	done := make(chan struct{})
	go func() {
		g.Wait(func() bool {
			once.Do(func() { close(checking) }) // signal "about to park" exactly once
			return ready.Load()
		})
		close(done)
	}()

	<-checking
	ready.Store(true)
	g.Broadcast()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("missed wakeup: waiter never observed the Broadcast")
	}
}

func TestGenerationAdvancesOnBroadcast(t *testing.T) {
	g := New()
	g0 := g.Generation()
	g.Broadcast()
	require.Greater(t, g.Generation(), g0)
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) Store(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomicBool) Load() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
