package block

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/versity/ngnfs-go/internal/llstack"
	"github.com/versity/ngnfs-go/internal/ngnfserr"
	"github.com/versity/ngnfs-go/internal/qsbr"
	"github.com/versity/ngnfs-go/internal/waitq"
	"github.com/versity/ngnfs-go/log"
	"github.com/versity/ngnfs-go/metrics"
	"github.com/versity/ngnfs-go/pkg/pagepool"
	"github.com/versity/ngnfs-go/pkg/transport"
)

// Thresholds governing dirty-limit backpressure and writeback kicking.
const (
	DirtyLimit      = 1024
	WritebackThresh = 256
)

// Cache is the process-wide block cache: a hash table of cached blocks,
// the dirty-set bookkeeping counters, and the submission/writeback
// workers that drive the bound transport.
type Cache struct {
	table     *qsbr.Table[BNR, *Block]
	transport transport.Transport
	handle    transport.Handle
	queueDepth int

	nrDirty      atomic.Int64
	nrWriteback  atomic.Int64
	nrSubmitted  atomic.Int64
	syncWaiters  atomic.Int64
	dirtySeq     atomic.Uint64
	writebackSeq atomic.Uint64
	syncSeq      atomic.Uint64

	submitQueue    llstack.Stack[*Block]
	writebackQueue llstack.Stack[*DirtySet]

	submitWake    chan struct{}
	writebackWake chan struct{}
	closeCh       chan struct{}
	wg            sync.WaitGroup

	// thresholdWait is the cache's single wait endpoint for threshold
	// waiters: DirtyBegin's dirty-limit admission wait, its sync-forcing
	// wait and Sync itself all park here with their own ready() condition.
	thresholdWait *waitq.Gate

	syncErr atomic.Pointer[error]

	missGroup singleflight.Group

	log log.Logger
	met *cacheMetrics
}

type cacheMetrics struct {
	nrDirty     *metrics.Gauge
	nrWriteback *metrics.Gauge
	nrSubmitted *metrics.Gauge
	syncWaiters *metrics.Gauge
}

// Config is the setup surface for a Cache.
type Config struct {
	Transport transport.Transport
	Arg       any
	Logger    log.Logger
}

// New wires a Cache to its transport and starts the submission and
// writeback workers.
func New(cfg Config) (*Cache, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("block: new cache: %w: nil transport", ngnfserr.ErrInvalid)
	}
	c := &Cache{
		transport:     cfg.Transport,
		submitWake:    make(chan struct{}, 1),
		writebackWake: make(chan struct{}, 1),
		closeCh:       make(chan struct{}),
		thresholdWait: waitq.New(),
		log:           cfg.Logger,
		met: &cacheMetrics{
			nrDirty:     metrics.GetOrRegisterGauge("block/nr_dirty"),
			nrWriteback: metrics.GetOrRegisterGauge("block/nr_writeback"),
			nrSubmitted: metrics.GetOrRegisterGauge("block/nr_submitted"),
			syncWaiters: metrics.GetOrRegisterGauge("block/sync_waiters"),
		},
	}
	if c.log == nil {
		c.log = log.New("component", "block-cache")
	}
	c.table = qsbr.New[BNR, *Block](func(b BNR) uint64 { return uint64(b) })

	handle, err := cfg.Transport.Setup(transport.FSInfo{
		BlockSize: pagepool.BlockSize,
		Completer: c,
	}, cfg.Arg)
	if err != nil {
		return nil, fmt.Errorf("block: transport setup: %w", err)
	}
	qd, err := cfg.Transport.QueueDepth(handle)
	if err != nil {
		return nil, fmt.Errorf("block: transport queue depth: %w", err)
	}
	c.handle = handle
	c.queueDepth = qd

	c.wg.Add(2)
	go c.submitLoop()
	go c.writebackLoop()
	go c.reclaimLoop()

	return c, nil
}

// Close shuts down the bound transport and stops the cache's workers.
func (c *Cache) Close() error {
	close(c.closeCh)
	c.wg.Wait()
	if err := c.transport.Shutdown(c.handle); err != nil {
		return err
	}
	return c.transport.Destroy(c.handle)
}

func (c *Cache) kickSubmit() {
	select {
	case c.submitWake <- struct{}{}:
	default:
	}
}

func (c *Cache) kickWriteback() {
	select {
	case c.writebackWake <- struct{}{}:
	default:
	}
}

func (c *Cache) wakeWaiters() { c.thresholdWait.Broadcast() }

// pin resolves bnr to a Block with one reference already pinned on the
// caller's behalf, allocating it on a first touch. Lookup and the
// increment are not a single atomic step, so a concurrent Release can
// decrement a found block's refcount to zero and remove it from the
// table in between; tryAddRef detects that loss and pin retries from the
// top rather than resurrecting a block whose page is about to be (or has
// been) handed back to pagepool.
func (c *Cache) pin(bnr BNR) *Block {
	for {
		if b, found := c.table.Lookup(bnr); found {
			if b.tryAddRef() {
				return b
			}
			continue
		}

		v, _, _ := c.missGroup.Do(fmt.Sprintf("%d", bnr), func() (any, error) {
			nb := newBlock(c, bnr)
			nb.refs.Store(1)
			actual, _ := c.table.LoadOrStore(bnr, nb)
			return actual, nil
		})
		b := v.(*Block)
		// Every caller past the singleflight call (including the one
		// whose allocation won) needs its own pin; the winner's
		// allocation-time ref is not handed out here, so every caller
		// pins its own via tryAddRef below.
		if b.tryAddRef() {
			return b
		}
		// b was torn down before we could pin it (released to zero and
		// removed from the table right after insertion); retry from the
		// top, which will see it absent and allocate afresh.
	}
}

// Acquire resolves bnr to a pinned reference whose buffer is
// ready-to-read, or fails with ErrInvalid, ErrNoMemory or a latched I/O
// error.
func (c *Cache) Acquire(bnr BNR, flags Flag) (*Ref, error) {
	if invalidFlags(flags) {
		return nil, fmt.Errorf("block: acquire %d: %w", bnr, ngnfserr.ErrInvalid)
	}

	b := c.pin(bnr)

	if flags&FlagNew != 0 {
		if !b.testAndSetState(stateUptodate) {
			b.installPage(pagepool.Acquire())
			b.wait.Broadcast()
		}
	} else if !b.hasState(stateUptodate) && !b.hasState(stateError) {
		if !b.testAndSetState(stateReading) {
			// Winner of the race to fetch this block.
			b.addRef()
			if b.bufferPage() == nil {
				b.installPage(pagepool.Acquire())
			}
			b.queued.Store(true)
			c.submitQueue.Push(b)
			c.kickSubmit()
		}
		b.wait.Wait(func() bool {
			return b.hasState(stateUptodate) || b.hasState(stateError)
		})
	}

	if b.hasState(stateError) {
		err := b.loadError()
		c.releaseBlock(b)
		return nil, err
	}
	return &Ref{block: b}, nil
}

// Release drops the caller's reference.
func (c *Cache) Release(ref *Ref) {
	if ref == nil {
		return
	}
	c.releaseBlock(ref.block)
}

// releaseBlock drops one reference on b and, if that was the last one,
// removes b from the table and schedules its page for return to
// pagepool once the table has observed a full quiescence epoch. Both a
// successful Release and Acquire's own error path (which never hands
// the caller a Ref to release) fold through here so a block that failed
// its fetch is reclaimed the same way a normally-released one is.
func (c *Cache) releaseBlock(b *Block) {
	if b.release(); b.refCount() == 0 {
		c.table.Delete(b.bnr, func() {
			if p := b.bufferPage(); p != nil {
				p.Release()
			}
		})
	}
}

// Buffer returns a view of ref's block buffer.
func (c *Cache) Buffer(ref *Ref) []byte {
	return ref.block.Buffer()
}

// EndIO is the transport completion callback.
func (c *Cache) EndIO(bnr transport.BNR, fresh []byte, err error) {
	b, ok := c.table.Lookup(BNR(bnr))
	if !ok {
		// A lookup miss on completion is a programmer/transport
		// contract error: the cache never submits a BNR it hasn't
		// linked into the table first.
		panic(fmt.Sprintf("block: end_io for unknown bnr %d", bnr))
	}

	if err != nil {
		b.setError(err)
		e := err
		c.syncErr.CompareAndSwap(nil, &e)
	}

	if b.hasState(stateReading) {
		c.nrSubmitted.Add(-1)
		c.met.nrSubmitted.Set(float64(c.nrSubmitted.Load()))
		if fresh != nil {
			p := pagepool.Acquire()
			copy(p.Data, fresh)
			b.installPage(p)
		}
		if err == nil {
			b.testAndSetState(stateUptodate)
		}
		b.clearState(stateReading)
		b.wait.Broadcast()
		b.release() // drop the READING winner's extra pin
	} else {
		c.nrSubmitted.Add(-1)
		c.nrWriteback.Add(-1)
		c.met.nrSubmitted.Set(float64(c.nrSubmitted.Load()))
		c.met.nrWriteback.Set(float64(c.nrWriteback.Load()))

		set := b.set.Load()
		if set == nil {
			panic(fmt.Sprintf("block: write completion for bnr %d with no dirty set", bnr))
		}
		remaining := set.submitted.Add(-1)
		b.release() // drop this block's own in-flight writeback pin
		if remaining == 0 {
			blocks := set.takeBlocks()
			for _, sb := range blocks {
				sb.clearState(stateDirty)
				sb.set.Store(nil)
			}
			c.nrDirty.Add(-int64(len(blocks)))
			c.met.nrDirty.Set(float64(c.nrDirty.Load()))
			set.clearState(setWriteback)
			set.release() // drop the in-flight-batch set reference
		}
	}
	c.wakeWaiters()
}

func (c *Cache) submitLoop() {
	defer c.wg.Done()
	var pending []*Block
	for {
		select {
		case <-c.closeCh:
			return
		case <-c.submitWake:
		}
		pending = append(pending, c.submitQueue.Drain()...)
		for len(pending) > 0 && c.nrSubmitted.Load() < int64(c.queueDepth) {
			b := pending[0]
			pending = pending[1:]
			b.queued.Store(false)

			op := transport.OpWrite
			if b.hasState(stateReading) {
				op = transport.OpGetRead
			}
			c.nrSubmitted.Add(1)
			c.met.nrSubmitted.Set(float64(c.nrSubmitted.Load()))
			if err := c.transport.SubmitBlock(c.handle, op, transport.BNR(b.bnr), b.Buffer()); err != nil {
				c.log.Error("submit failed", "bnr", b.bnr, "op", op, "err", err)
				c.nrSubmitted.Add(-1)
				c.EndIO(transport.BNR(b.bnr), nil, err)
			}
		}
	}
}

func (c *Cache) shouldWriteback() bool {
	return (c.syncSeq.Load() > c.writebackSeq.Load() ||
		c.nrDirty.Load()-c.nrWriteback.Load() >= WritebackThresh) &&
		c.nrWriteback.Load() < int64(c.queueDepth)
}

func (c *Cache) writebackLoop() {
	defer c.wg.Done()
	var pending []*DirtySet
	for {
		select {
		case <-c.closeCh:
			return
		case <-c.writebackWake:
		}
		pending = append(pending, c.writebackQueue.Drain()...)
		for len(pending) > 0 && c.shouldWriteback() {
			s := pending[0]
			pending = pending[1:]

			s.testAndSetState(setWriteback)
			if s.hasState(setDirtying) {
				s.clearState(setWriteback)
				s.wait.Wait(func() bool { return !s.hasState(setDirtying) })
				c.writebackQueue.Push(s)
				c.kickWriteback()
				break
			}

			sz := s.len()
			if sz > 0 {
				c.nrWriteback.Add(int64(sz))
				c.met.nrWriteback.Set(float64(c.nrWriteback.Load()))
				s.submitted.Store(sz)
				s.addRef() // in-flight batch reference
				for _, blk := range s.snapshotBlocks() {
					blk.addRef()
					blk.queued.Store(true)
					c.submitQueue.Push(blk)
				}
				c.kickSubmit()
			}
			c.writebackSeq.Add(1)
			s.listed.Store(false)
			s.release() // drop the writeback-list-presence reference
			c.wakeWaiters()
		}
	}
}

func (c *Cache) reclaimLoop() {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-t.C:
			c.table.Reclaim()
		}
	}
}

// Sync returns only once every block dirty at call time has completed
// writeback or a concurrent sync has observed an error.
func (c *Cache) Sync() error {
	return c.syncUpTo(c.dirtySeq.Load())
}

func (c *Cache) syncUpTo(target uint64) error {
	for {
		old := c.syncSeq.Load()
		if old >= target {
			break
		}
		if c.syncSeq.CompareAndSwap(old, target) {
			break
		}
	}
	c.kickWriteback()

	c.syncWaiters.Add(1)
	c.met.syncWaiters.Set(float64(c.syncWaiters.Load()))
	c.thresholdWait.Wait(func() bool {
		if ep := c.syncErr.Load(); ep != nil && *ep != nil {
			return true
		}
		return c.writebackSeq.Load() >= target && c.nrWriteback.Load() == 0
	})

	var result error
	if ep := c.syncErr.Load(); ep != nil {
		result = *ep
	}
	if c.syncWaiters.Add(-1) == 0 {
		c.syncErr.Store(nil)
	}
	c.met.syncWaiters.Set(float64(c.syncWaiters.Load()))
	return result
}

func (c *Cache) waitAdmission() {
	c.thresholdWait.Wait(func() bool { return c.nrDirty.Load() < DirtyLimit })
}

// Stats is a point-in-time snapshot of the cache's invariant counters.
type Stats struct {
	NrDirty      int64
	NrWriteback  int64
	NrSubmitted  int64
	SyncWaiters  int64
	DirtySeq     uint64
	WritebackSeq uint64
	SyncSeq      uint64
}

func (c *Cache) Stats() Stats {
	return Stats{
		NrDirty:      c.nrDirty.Load(),
		NrWriteback:  c.nrWriteback.Load(),
		NrSubmitted:  c.nrSubmitted.Load(),
		SyncWaiters:  c.syncWaiters.Load(),
		DirtySeq:     c.dirtySeq.Load(),
		WritebackSeq: c.writebackSeq.Load(),
		SyncSeq:      c.syncSeq.Load(),
	}
}
