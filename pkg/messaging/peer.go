package messaging

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/versity/ngnfs-go/internal/llstack"
	"github.com/versity/ngnfs-go/internal/waitq"
)

// Peer is a messaging entry for one remote address: its connection, a
// pending send queue, task lifecycle flag, and a reference count. One
// reference is attributable to the peer's own presence in the
// Substrate's peer table.
type Peer struct {
	addr netip.AddrPort
	conn net.Conn

	refs atomic.Int32

	shutdown atomic.Bool
	sendq    llstack.Stack[Message]
	sendWake chan struct{}

	wait *waitq.Gate

	mu sync.Mutex
}

func newPeer(addr netip.AddrPort, conn net.Conn) *Peer {
	return &Peer{
		addr:     addr,
		conn:     conn,
		sendWake: make(chan struct{}, 1),
		wait:     waitq.New(),
	}
}

func (p *Peer) addRef() { p.refs.Add(1) }

func (p *Peer) release() int32 { return p.refs.Add(-1) }

// Shutdown is idempotent: it sets the shutdown flag and half-closes the
// connection in both directions, which fails any in-flight read/write
// syscall and lets the peer's tasks observe the flag and exit.
func (p *Peer) Shutdown() {
	if p.shutdown.Swap(true) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
	}
	select {
	case p.sendWake <- struct{}{}:
	default:
	}
	p.wait.Broadcast()
}

func (p *Peer) isShutdown() bool { return p.shutdown.Load() }

func (p *Peer) enqueueSend(m Message) {
	p.sendq.Push(m)
	select {
	case p.sendWake <- struct{}{}:
	default:
	}
}
