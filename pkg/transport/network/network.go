// Package network implements the network block transport: it resolves
// a BNR to a devd address via the manifest, marshals GET_BLOCK /
// WRITE_BLOCK messages over the messaging substrate, and converts
// GET_BLOCK_RESULT / WRITE_BLOCK_RESULT back into end_io completions.
package network

import (
	"fmt"
	"net/netip"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/versity/ngnfs-go/internal/ngnfserr"
	"github.com/versity/ngnfs-go/log"
	"github.com/versity/ngnfs-go/pkg/manifest"
	"github.com/versity/ngnfs-go/pkg/messaging"
	"github.com/versity/ngnfs-go/pkg/transport"
)

// QueueDepth is the network transport's tunable advertised queue depth.
const QueueDepth = 32

// inflightCacheSize bounds the manifest-resolution memo: most workloads
// touch a small hot set of BNRs relative to the address space, and the
// resolution itself is pure given a manifest epoch, so a small LRU
// avoids recomputing bnr mod N on every submit.
const inflightCacheSize = 4096

// Arg is the Setup argument for the network transport.
type Arg struct {
	Manifest *manifest.Manifest
}

type handle struct {
	sub       *messaging.Substrate
	man       *manifest.Manifest
	completer transport.Completer

	resolveCache *lru.Cache[[2]uint64, netip.AddrPort] // keyed by {manifest seq_nr, bnr}

	mu      sync.Mutex
	pending map[transport.BNR][]byte // write buffers awaiting their _RESULT, for access echo
}

// Transport implements transport.Transport over a messaging.Substrate.
type Transport struct {
	sub *messaging.Substrate
	log log.Logger
}

// New returns a network block transport bound to an already-listening
// Substrate.
func New(sub *messaging.Substrate, logger log.Logger) *Transport {
	if logger == nil {
		logger = log.New("component", "network-transport")
	}
	return &Transport{sub: sub, log: logger}
}

func (t *Transport) Setup(info transport.FSInfo, rawArg any) (transport.Handle, error) {
	arg, ok := rawArg.(Arg)
	if !ok {
		return nil, fmt.Errorf("network: setup: %w: expected network.Arg", ngnfserr.ErrInvalid)
	}
	cache, err := lru.New[[2]uint64, netip.AddrPort](inflightCacheSize)
	if err != nil {
		return nil, fmt.Errorf("network: new resolve cache: %w", ngnfserr.ErrNoMemory)
	}
	h := &handle{
		sub:          t.sub,
		man:          arg.Manifest,
		completer:    info.Completer,
		resolveCache: cache,
		pending:      make(map[transport.BNR][]byte),
	}

	if err := t.sub.RegisterRecv(messaging.TypeGetBlockResult, h.onGetBlockResult); err != nil {
		return nil, err
	}
	if err := t.sub.RegisterRecv(messaging.TypeWriteBlockResult, h.onWriteBlockResult); err != nil {
		return nil, err
	}
	return h, nil
}

func (t *Transport) QueueDepth(transport.Handle) (int, error) { return QueueDepth, nil }

func (t *Transport) SubmitBlock(rawH transport.Handle, op transport.Op, bnr transport.BNR, buf []byte) error {
	h := rawH.(*handle)

	addr, err := h.resolve(bnr)
	if err != nil {
		return err
	}

	switch op {
	case transport.OpGetRead, transport.OpGetWrite:
		access := messaging.AccessRead
		if op == transport.OpGetWrite {
			access = messaging.AccessWrite
		}
		ctl := messaging.EncodeGetBlockCtl(messaging.GetBlockCtl{BNR: uint64(bnr), Access: access})
		return h.sub.Send(addr, messaging.Message{Type: messaging.TypeGetBlock, Ctl: ctl})
	case transport.OpWrite:
		h.mu.Lock()
		h.pending[bnr] = buf
		h.mu.Unlock()
		ctl := messaging.EncodeWriteBlockCtl(messaging.WriteBlockCtl{BNR: uint64(bnr)})
		return h.sub.Send(addr, messaging.Message{Type: messaging.TypeWriteBlock, Ctl: ctl, Data: buf})
	default:
		return fmt.Errorf("network: unsupported op %s: %w", op, ngnfserr.ErrNotSupported)
	}
}

func (h *handle) resolve(bnr transport.BNR) (netip.AddrPort, error) {
	key := [2]uint64{h.man.SeqNr(), uint64(bnr)}
	if addr, ok := h.resolveCache.Get(key); ok {
		return addr, nil
	}
	addr, err := h.man.ServerFor(uint64(bnr))
	if err != nil {
		return netip.AddrPort{}, err
	}
	h.resolveCache.Add(key, addr)
	return addr, nil
}

func (h *handle) onGetBlockResult(from netip.AddrPort, msg messaging.Message) {
	ctl, err := messaging.DecodeGetBlockResultCtl(msg.Ctl)
	if err != nil {
		return
	}
	var fresh []byte
	var ioErr error
	if ctl.Err == ngnfserr.WireOK {
		fresh = msg.Data
	} else {
		ioErr = ngnfserr.FromWire(ctl.Err)
	}
	h.completer.EndIO(transport.BNR(ctl.BNR), fresh, ioErr)
}

func (h *handle) onWriteBlockResult(from netip.AddrPort, msg messaging.Message) {
	ctl, err := messaging.DecodeWriteBlockResultCtl(msg.Ctl)
	if err != nil {
		return
	}
	h.mu.Lock()
	delete(h.pending, transport.BNR(ctl.BNR))
	h.mu.Unlock()

	var ioErr error
	if ctl.Err != ngnfserr.WireOK {
		ioErr = ngnfserr.FromWire(ctl.Err)
	}
	h.completer.EndIO(transport.BNR(ctl.BNR), nil, ioErr)
}

func (t *Transport) Shutdown(rawH transport.Handle) error {
	h := rawH.(*handle)
	t.sub.UnregisterRecv(messaging.TypeGetBlockResult)
	t.sub.UnregisterRecv(messaging.TypeWriteBlockResult)
	_ = h
	return nil
}

func (t *Transport) Destroy(transport.Handle) error { return nil }
