package log

import (
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AsyncFileWriter is a non-blocking rotating file sink: Write enqueues
// onto a buffered channel and a dedicated goroutine drains it into a
// lumberjack.Logger, so a slow or stalled disk never blocks a log call
// site.
type AsyncFileWriter struct {
	out   *lumberjack.Logger
	queue chan []byte
	done  chan struct{}
	wg    sync.WaitGroup

	dropped uint64
	mu      sync.Mutex
}

// NewAsyncFileWriter takes a path, max size in megabytes, retention in
// days, and max backup count.
func NewAsyncFileWriter(path string, maxSizeMB, maxAgeDays, maxBackups int) *AsyncFileWriter {
	return &AsyncFileWriter{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxAge:     maxAgeDays,
			MaxBackups: maxBackups,
			Compress:   true,
		},
		queue: make(chan []byte, 4096),
		done:  make(chan struct{}),
	}
}

// Start begins the drain goroutine. Start is idempotent only in the
// sense that calling it twice starts two drainers; callers are expected
// to call it once per writer.
func (w *AsyncFileWriter) Start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *AsyncFileWriter) loop() {
	defer w.wg.Done()
	for {
		select {
		case b, ok := <-w.queue:
			if !ok {
				return
			}
			w.out.Write(b)
		case <-w.done:
			// Drain whatever is already queued before exiting so a Stop
			// right after a burst of Writes doesn't silently drop them.
			for {
				select {
				case b := <-w.queue:
					w.out.Write(b)
				default:
					return
				}
			}
		}
	}
}

// Write enqueues p for asynchronous writing. It never blocks on disk; if
// the internal queue is full the write is dropped and counted, matching
// the "best-effort" nature of a trace/log sink under backpressure.
func (w *AsyncFileWriter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case w.queue <- cp:
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
	}
	return len(p), nil
}

// Dropped returns the number of writes discarded due to a full queue.
func (w *AsyncFileWriter) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Stop signals the drain goroutine to flush and exit, then waits for it.
func (w *AsyncFileWriter) Stop() {
	close(w.done)
	w.wg.Wait()
	w.out.Close()
}
