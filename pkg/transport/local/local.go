// Package local implements the local block transport: a fixed pool of
// in-flight descriptors submitted against a backing device, with
// dedicated submitter and reaper tasks.
//
// A real io_uring/AIO submit-and-reap syscall pair has no equivalent in
// the Go standard library, so the submitter and reaper here are
// goroutines coordinating over channels rather than a single batched
// syscall — see DESIGN.md. The descriptor pool's empty/submit bitmap
// accounting is kept as bookkeeping; what bounds in-flight descriptors
// to queue_depth is a semaphore.
package local

import (
	"fmt"
	"math/bits"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/versity/ngnfs-go/internal/ngnfserr"
	"github.com/versity/ngnfs-go/log"
	"github.com/versity/ngnfs-go/pkg/transport"
)

// wordBits mirrors the source design's single-machine-word bitmap; the
// pool therefore holds wordBits-1 descriptors, leaving one bit of slop.
const wordBits = 64

// QueueDepth is the fixed local-transport descriptor pool size.
const QueueDepth = wordBits - 1

// Device is the backing store a descriptor's read/write resolves
// against. fileDevice and pebbleDevice are the two implementations.
type Device interface {
	ReadAt(buf []byte, bnr uint64) error
	WriteAt(buf []byte, bnr uint64) error
	Close() error
}

// Setup args accepted by Transport.Setup.
type Arg struct {
	// Path is the backing block device or file (fileDevice). Empty when
	// Pebble is set.
	Path string
	// Pebble, if non-empty, selects the pebble-backed device at this
	// directory instead of a raw file.
	Pebble string
}

type descriptor struct {
	bnr transport.BNR
	op  transport.Op
	buf []byte
}

type handle struct {
	dev      Device
	completer transport.Completer
	log      log.Logger

	sem *semaphore.Weighted // bounds in-flight descriptors to QueueDepth

	submitCh chan descriptor
	doneCh   chan struct{}
	wg       sync.WaitGroup

	// emptyBmap/submitBmap are retained for their documentation value;
	// the actual admission control is sem.
	mu         sync.Mutex
	emptyBmap  uint64
	submitBmap uint64
}

// Transport implements transport.Transport against a local backing
// device.
type Transport struct {
	log log.Logger
}

// New returns a local block transport. logger may be nil.
func New(logger log.Logger) *Transport {
	if logger == nil {
		logger = log.New("component", "local-transport")
	}
	return &Transport{log: logger}
}

func (t *Transport) Setup(info transport.FSInfo, rawArg any) (transport.Handle, error) {
	arg, ok := rawArg.(Arg)
	if !ok {
		return nil, fmt.Errorf("local: setup: %w: expected local.Arg", ngnfserr.ErrInvalid)
	}

	var dev Device
	var err error
	switch {
	case arg.Pebble != "":
		dev, err = newPebbleDevice(arg.Pebble, info.BlockSize)
	default:
		dev, err = newFileDevice(arg.Path, info.BlockSize, t.log)
	}
	if err != nil {
		return nil, err
	}

	h := &handle{
		dev:       dev,
		completer: info.Completer,
		log:       t.log,
		sem:       semaphore.NewWeighted(QueueDepth),
		submitCh:  make(chan descriptor, QueueDepth),
		doneCh:    make(chan struct{}),
		emptyBmap: (uint64(1) << QueueDepth) - 1,
	}
	h.wg.Add(1)
	go h.submitLoop()
	return h, nil
}

func (t *Transport) QueueDepth(rawH transport.Handle) (int, error) {
	return QueueDepth, nil
}

// SubmitBlock finds a free descriptor slot (bounded by sem, standing in
// for __ffs on empty_bmap), pins the buffer, and publishes it to the
// submitter.
func (t *Transport) SubmitBlock(rawH transport.Handle, op transport.Op, bnr transport.BNR, buf []byte) error {
	h := rawH.(*handle)
	if !h.sem.TryAcquire(1) {
		// Contract violation: the cache must respect queue_depth.
		panic("local: submit_block with empty_bmap == 0")
	}
	h.markSubmitted()
	h.submitCh <- descriptor{bnr: bnr, op: op, buf: buf}
	return nil
}

func (h *handle) markSubmitted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	lsb := bits.TrailingZeros64(h.emptyBmap)
	h.emptyBmap &^= 1 << lsb
	h.submitBmap |= 1 << lsb
}

func (h *handle) markCompleted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	lsb := bits.TrailingZeros64(h.submitBmap)
	h.submitBmap &^= 1 << lsb
	h.emptyBmap |= 1 << lsb
}

// submitLoop is the submitter: it drains submitCh and hands each
// descriptor to a reaper-equivalent goroutine that performs the device
// I/O and calls end_io, then releases the descriptor slot.
func (h *handle) submitLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.doneCh:
			return
		case d, ok := <-h.submitCh:
			if !ok {
				return
			}
			h.wg.Add(1)
			go h.reap(d)
		}
	}
}

// reap performs the device I/O and delivers the completion, standing in
// for the asynchronous get-completions syscall's per-event handling.
func (h *handle) reap(d descriptor) {
	defer h.wg.Done()
	defer h.sem.Release(1)
	defer h.markCompleted()

	var err error
	switch d.op {
	case transport.OpGetRead, transport.OpGetWrite:
		err = h.dev.ReadAt(d.buf, uint64(d.bnr))
	case transport.OpWrite:
		err = h.dev.WriteAt(d.buf, uint64(d.bnr))
	}
	h.completer.EndIO(d.bnr, nil, err)
}

func (t *Transport) Shutdown(rawH transport.Handle) error {
	h := rawH.(*handle)
	close(h.doneCh)
	return nil
}

func (t *Transport) Destroy(rawH transport.Handle) error {
	h := rawH.(*handle)
	h.wg.Wait()
	return h.dev.Close()
}
