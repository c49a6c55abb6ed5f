package local

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/versity/ngnfs-go/pkg/transport"
)

type capturingCompleter struct {
	mu   sync.Mutex
	done map[transport.BNR]error
	ch   chan struct{}
}

func newCapturingCompleter(n int) *capturingCompleter {
	return &capturingCompleter{done: make(map[transport.BNR]error), ch: make(chan struct{}, n)}
}

func (c *capturingCompleter) EndIO(bnr transport.BNR, fresh []byte, err error) {
	c.mu.Lock()
	c.done[bnr] = err
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func TestLocalTransportPebbleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	completer := newCapturingCompleter(2)

	tr := New(nil)
	h, err := tr.Setup(transport.FSInfo{BlockSize: 4096, Completer: completer}, Arg{Pebble: dir})
	require.NoError(t, err)
	defer tr.Destroy(h)
	defer tr.Shutdown(h)

	buf := make([]byte, 4096)
	copy(buf, []byte("payload"))
	require.NoError(t, tr.SubmitBlock(h, transport.OpWrite, 1, buf))

	select {
	case <-completer.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write completion")
	}

	readBuf := make([]byte, 4096)
	require.NoError(t, tr.SubmitBlock(h, transport.OpGetRead, 1, readBuf))
	select {
	case <-completer.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read completion")
	}

	require.Contains(t, string(readBuf), "payload")
}
