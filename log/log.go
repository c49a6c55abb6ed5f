// Package log is the runtime's structured, leveled logger: a small
// Logger interface with key-value call sites (log.Info("msg", "key",
// val, ...)), a process-wide root logger, and per-component child
// loggers created via New(ctx...).
//
// The root handler writes to a github.com/mattn/go-colorable stderr and
// records via github.com/mattn/go-isatty whether that is a terminal;
// output lines are not colorized. The async, rotating file sink is
// described in async_file_writer.go.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is the logger's verbosity threshold.
type Level int

const (
	LevelCrit Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func (lv Level) String() string {
	switch lv {
	case LevelCrit:
		return "CRIT"
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelTrace:
		return "TRACE"
	default:
		return "????"
	}
}

// Logger is the leveled, structured logging interface every component
// holds a reference to. New returns a child logger with ctx merged into
// every call site it makes.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Crit(msg string, ctx ...any)
	New(ctx ...any) Logger
	// Enabled reports whether lv would actually be written, so hot
	// paths can skip building ctx entirely when tracing is off.
	Enabled(lv Level) bool
}

type logger struct {
	ctx []any
	h   *handler
}

type handler struct {
	mu     sync.Mutex
	level  atomicLevel
	out    io.Writer
	color  bool
}

type atomicLevel struct {
	mu sync.RWMutex
	lv Level
}

func (a *atomicLevel) load() Level {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lv
}

func (a *atomicLevel) store(lv Level) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lv = lv
}

var root = newRoot()

func newRoot() *logger {
	h := &handler{out: colorable.NewColorableStderr()}
	h.level.store(LevelInfo)
	h.color = isatty.IsTerminal(os.Stderr.Fd())
	return &logger{h: h}
}

// Root returns the process-wide root logger.
func Root() Logger { return root }

// SetOutput redirects the root logger's handler to w (used to attach the
// async rotating file sink from async_file_writer.go).
func SetOutput(w io.Writer) {
	root.h.mu.Lock()
	defer root.h.mu.Unlock()
	root.h.out = w
	root.h.color = false
}

// SetLevel sets the minimum level the root logger's handler emits.
func SetLevel(lv Level) { root.h.level.store(lv) }

func (l *logger) New(ctx ...any) Logger {
	merged := make([]any, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &logger{ctx: merged, h: l.h}
}

func (l *logger) Enabled(lv Level) bool { return lv <= l.h.level.load() }

func (l *logger) log(lv Level, msg string, ctx ...any) {
	if !l.Enabled(lv) {
		return
	}
	all := make([]any, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)
	l.h.write(lv, msg, all)
}

func (l *logger) Trace(msg string, ctx ...any) { l.log(LevelTrace, msg, ctx...) }
func (l *logger) Debug(msg string, ctx ...any) { l.log(LevelDebug, msg, ctx...) }
func (l *logger) Info(msg string, ctx ...any)  { l.log(LevelInfo, msg, ctx...) }
func (l *logger) Warn(msg string, ctx ...any)  { l.log(LevelWarn, msg, ctx...) }
func (l *logger) Error(msg string, ctx ...any) { l.log(LevelError, msg, ctx...) }
func (l *logger) Crit(msg string, ctx ...any)  { l.log(LevelCrit, msg, ctx...) }

func (h *handler) write(lv Level, msg string, ctx []any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var b []byte
	b = append(b, time.Now().Format("2006-01-02T15:04:05.000Z07:00")...)
	b = append(b, ' ')
	b = append(b, lv.String()...)
	b = append(b, ' ')
	b = append(b, msg...)
	for i := 0; i+1 < len(ctx); i += 2 {
		b = fmt.Appendf(b, " %v=%v", ctx[i], ctx[i+1])
	}
	b = append(b, '\n')
	h.out.Write(b)
}

// Package-level convenience functions forward to Root() so call sites
// can write log.Info(...) rather than log.Root().Info(...).
func Trace(msg string, ctx ...any) { root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...any) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...any)  { root.Crit(msg, ctx...) }
func New(ctx ...any) Logger        { return root.New(ctx...) }
