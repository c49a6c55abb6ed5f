package messaging

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/versity/ngnfs-go/internal/ngnfserr"
	"github.com/versity/ngnfs-go/internal/qsbr"
	"github.com/versity/ngnfs-go/log"
)

// RecvFunc handles one dispatched, fully-decoded message.
type RecvFunc func(from netip.AddrPort, msg Message)

// Substrate is the messaging layer's peer table, send path and receive
// dispatch table.
type Substrate struct {
	peers *qsbr.Table[netip.AddrPort, *Peer]

	handlersMu sync.RWMutex
	handlers   map[uint8]RecvFunc

	listener net.Listener
	group    *errgroup.Group

	log log.Logger
}

func addrPortHash(a netip.AddrPort) uint64 {
	b := a.Addr().As16()
	return binary.LittleEndian.Uint64(b[:8]) ^ binary.LittleEndian.Uint64(b[8:]) ^ uint64(a.Port())
}

// New returns a ready Substrate with no listener bound.
func New(logger log.Logger) *Substrate {
	if logger == nil {
		logger = log.New("component", "messaging")
	}
	return &Substrate{
		peers:    qsbr.New[netip.AddrPort, *Peer](addrPortHash),
		handlers: make(map[uint8]RecvFunc),
		group:    &errgroup.Group{},
		log:      logger,
	}
}

// RegisterRecv installs fn as the handler for typ. Duplicate
// registration for the same type is an error.
func (s *Substrate) RegisterRecv(typ uint8, fn RecvFunc) error {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if _, exists := s.handlers[typ]; exists {
		return fmt.Errorf("messaging: type %d already registered: %w", typ, ngnfserr.ErrInvalid)
	}
	s.handlers[typ] = fn
	return nil
}

// UnregisterRecv removes the handler for typ, if any.
func (s *Substrate) UnregisterRecv(typ uint8) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	delete(s.handlers, typ)
}

func (s *Substrate) dispatch(from netip.AddrPort, msg Message) error {
	s.handlersMu.RLock()
	fn, ok := s.handlers[msg.Type]
	s.handlersMu.RUnlock()
	if !ok {
		return fmt.Errorf("messaging: unregistered type %d: %w", msg.Type, ngnfserr.ErrProtocol)
	}
	fn(from, msg)
	return nil
}

// Listen opens the listening socket and starts the listener task
// accepting inbound peers.
func (s *Substrate) Listen(addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("messaging: listen %s: %w", addr, ngnfserr.ErrIO)
	}
	s.listener = ln
	s.group.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return nil // listener closed by Close()
			}
			if err := s.accept(conn); err != nil {
				s.log.Warn("reject inbound peer", "remote", conn.RemoteAddr(), "err", err)
				conn.Close()
			}
		}
	})
	return nil
}

// accept installs an inbound peer for an accepted socket, rejecting the
// connection if a peer already exists for that address.
func (s *Substrate) accept(conn net.Conn) error {
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return fmt.Errorf("messaging: parse remote addr: %w", ngnfserr.ErrInvalid)
	}
	p := newPeer(ap, conn)
	p.addRef() // table-presence reference
	actual, stored := s.peers.LoadOrStore(ap, p)
	if !stored {
		return fmt.Errorf("messaging: peer %s already exists: %w", ap, ngnfserr.ErrInvalid)
	}
	s.startPeerTasks(actual)
	return nil
}

func (s *Substrate) peerFor(addr netip.AddrPort) (*Peer, error) {
	if p, ok := s.peers.Lookup(addr); ok {
		return p, nil
	}
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("messaging: dial %s: %w", addr, ngnfserr.ErrIO)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	p := newPeer(addr, conn)
	p.addRef()
	actual, stored := s.peers.LoadOrStore(addr, p)
	if !stored {
		conn.Close()
		return actual, nil
	}
	s.startPeerTasks(actual)
	return actual, nil
}

// Send resolves or creates the peer for addr and enqueues msg on its
// send queue.
func (s *Substrate) Send(addr netip.AddrPort, msg Message) error {
	p, err := s.peerFor(addr)
	if err != nil {
		return err
	}
	if p.isShutdown() {
		return fmt.Errorf("messaging: peer %s shut down: %w", addr, ngnfserr.ErrIO)
	}
	p.enqueueSend(msg)
	return nil
}

func (s *Substrate) startPeerTasks(p *Peer) {
	s.group.Go(func() error { return s.senderLoop(p) })
	s.group.Go(func() error { return s.receiverLoop(p) })
}

// senderLoop drains p's send queue, writing each message as a single
// write over the connected stream socket.
func (s *Substrate) senderLoop(p *Peer) error {
	for {
		if p.isShutdown() {
			return nil
		}
		msgs := p.sendq.Drain()
		if len(msgs) == 0 {
			select {
			case <-p.sendWake:
			}
			continue
		}
		for _, m := range msgs {
			if _, err := p.conn.Write(m.Encode()); err != nil {
				p.Shutdown()
				return nil
			}
		}
	}
}

// receiverLoop reads a header, validates it, reads the declared control
// and data bytes, dispatches by type, then loops. Any hard socket error
// shuts the peer down.
func (s *Substrate) receiverLoop(p *Peer) error {
	hdrBuf := make([]byte, HeaderSize)
	for {
		if _, err := readFull(p.conn, hdrBuf); err != nil {
			p.Shutdown()
			return nil
		}
		h, err := DecodeHeader(hdrBuf)
		if err != nil {
			s.log.Warn("bad wire header", "remote", p.addr, "err", err)
			p.Shutdown()
			return nil
		}
		ctl := make([]byte, h.CtlSize)
		if h.CtlSize > 0 {
			if _, err := readFull(p.conn, ctl); err != nil {
				p.Shutdown()
				return nil
			}
		}
		data := make([]byte, h.DataSize)
		if h.DataSize > 0 {
			if _, err := readFull(p.conn, data); err != nil {
				p.Shutdown()
				return nil
			}
		}
		if err := s.dispatch(p.addr, Message{Type: h.Type, Ctl: ctl, Data: data}); err != nil {
			s.log.Warn("dispatch failed", "remote", p.addr, "type", h.Type, "err", err)
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Close shuts down every known peer and the listener, then waits for
// every sender/receiver/listener task to exit.
func (s *Substrate) Close() error {
	s.peers.Range(func(_ netip.AddrPort, p *Peer) bool {
		p.Shutdown()
		return true
	})
	if s.listener != nil {
		s.listener.Close()
	}
	return s.group.Wait()
}
