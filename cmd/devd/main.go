// Command devd serves a local backing device over the messaging
// substrate: it answers GET_BLOCK and WRITE_BLOCK requests from mount
// hosts using the local block transport's descriptor pool.
package main

import (
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/versity/ngnfs-go/internal/ngnfserr"
	"github.com/versity/ngnfs-go/log"
	"github.com/versity/ngnfs-go/metrics"
	"github.com/versity/ngnfs-go/pkg/messaging"
	"github.com/versity/ngnfs-go/pkg/transport"
	"github.com/versity/ngnfs-go/pkg/transport/local"
)

const blockSize = 4096

func main() {
	app := &cli.App{
		Name:  "devd",
		Usage: "serve a local backing device over the messaging substrate",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: "0.0.0.0:7001", Usage: "messaging listen address"},
			&cli.StringFlag{Name: "metrics-listen", Value: "127.0.0.1:9101", Usage: "prometheus /metrics listen address"},
			&cli.StringFlag{Name: "device", Usage: "backing device or file path"},
			&cli.StringFlag{Name: "pebble-dir", Usage: "use a pebble-backed store at this directory instead of --device"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "trace|debug|info|warn|error|crit"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	levels := map[string]log.Level{
		"trace": log.LevelTrace, "debug": log.LevelDebug, "info": log.LevelInfo,
		"warn": log.LevelWarn, "error": log.LevelError, "crit": log.LevelCrit,
	}
	lv, ok := levels[c.String("log-level")]
	if !ok {
		return fmt.Errorf("devd: unknown log level %q", c.String("log-level"))
	}
	log.SetLevel(lv)

	device := c.String("device")
	pebbleDir := c.String("pebble-dir")
	if device == "" && pebbleDir == "" {
		return fmt.Errorf("devd: one of --device or --pebble-dir is required")
	}

	sub := messaging.New(log.New("component", "messaging"))
	if err := sub.Listen(c.String("listen")); err != nil {
		return err
	}
	defer sub.Close()

	srv := newServer(sub)
	lt := local.New(log.New("component", "local-transport"))
	handle, err := lt.Setup(transport.FSInfo{BlockSize: blockSize, Completer: srv}, local.Arg{Path: device, Pebble: pebbleDir})
	if err != nil {
		return fmt.Errorf("devd: transport setup: %w", err)
	}
	defer lt.Destroy(handle)
	defer lt.Shutdown(handle)

	srv.transport = lt
	srv.handle = handle

	if err := sub.RegisterRecv(messaging.TypeGetBlock, srv.onGetBlock); err != nil {
		return err
	}
	if err := sub.RegisterRecv(messaging.TypeWriteBlock, srv.onWriteBlock); err != nil {
		return err
	}

	go serveMetrics(c.String("metrics-listen"))

	log.Info("devd ready", "listen", c.String("listen"))
	select {}
}

// pendingRequest remembers who to reply to, and what to resubmit, once
// the local transport's asynchronous completion for bnr arrives, since
// transport.Completer's EndIO carries only the bnr, a buffer and an
// error — no request identity.
type pendingRequest struct {
	from   netip.AddrPort
	access messaging.Access
	isGet  bool
	op     transport.Op
	buf    []byte
}

// server bridges the messaging substrate's GET_BLOCK/WRITE_BLOCK
// handlers to the local transport, and implements transport.Completer
// to turn its completions back into *_RESULT wire messages.
//
// transport.Completer's contract assumes at most one submission in
// flight per bnr at a time (the cache's own state bits enforce this for
// its own callers), but devd serves many independent peers that may
// legitimately race a GET_BLOCK or WRITE_BLOCK for the same bnr. inflight
// tracks the one request currently submitted per bnr; queued holds any
// further same-bnr requests until that completion arrives, so every
// requester gets its own reply instead of two racing submissions
// colliding on one pending map slot.
type server struct {
	sub       *messaging.Substrate
	transport *local.Transport
	handle    transport.Handle
	log       log.Logger

	mu       sync.Mutex
	inflight map[transport.BNR]pendingRequest
	queued   map[transport.BNR][]pendingRequest
}

func newServer(sub *messaging.Substrate) *server {
	return &server{
		sub:      sub,
		log:      log.New("component", "devd"),
		inflight: make(map[transport.BNR]pendingRequest),
		queued:   make(map[transport.BNR][]pendingRequest),
	}
}

func (s *server) onGetBlock(from netip.AddrPort, msg messaging.Message) {
	ctl, err := messaging.DecodeGetBlockCtl(msg.Ctl)
	if err != nil {
		s.log.Warn("bad GET_BLOCK ctl", "from", from, "err", err)
		return
	}
	bnr := transport.BNR(ctl.BNR)
	req := pendingRequest{from: from, access: ctl.Access, isGet: true, op: transport.OpGetRead, buf: make([]byte, blockSize)}
	s.submitOrQueue(bnr, req)
}

func (s *server) onWriteBlock(from netip.AddrPort, msg messaging.Message) {
	ctl, err := messaging.DecodeWriteBlockCtl(msg.Ctl)
	if err != nil {
		s.log.Warn("bad WRITE_BLOCK ctl", "from", from, "err", err)
		return
	}
	bnr := transport.BNR(ctl.BNR)
	req := pendingRequest{from: from, isGet: false, op: transport.OpWrite, buf: msg.Data}
	s.submitOrQueue(bnr, req)
}

// submitOrQueue submits req immediately if no request for bnr is already
// in flight, otherwise queues it to be submitted once the in-flight one
// completes.
func (s *server) submitOrQueue(bnr transport.BNR, req pendingRequest) {
	s.mu.Lock()
	if _, busy := s.inflight[bnr]; busy {
		s.queued[bnr] = append(s.queued[bnr], req)
		s.mu.Unlock()
		return
	}
	s.inflight[bnr] = req
	s.mu.Unlock()

	if err := s.transport.SubmitBlock(s.handle, req.op, bnr, req.buf); err != nil {
		s.finish(bnr, nil, err)
	}
}

// EndIO implements transport.Completer for the local transport's
// completions.
func (s *server) EndIO(bnr transport.BNR, fresh []byte, err error) {
	s.finish(bnr, fresh, err)
}

// finish replies to the request currently in flight for bnr, then
// submits the next queued request for that bnr, if any.
func (s *server) finish(bnr transport.BNR, fresh []byte, err error) {
	s.mu.Lock()
	req, ok := s.inflight[bnr]
	delete(s.inflight, bnr)
	var next pendingRequest
	hasNext := false
	if q := s.queued[bnr]; len(q) > 0 {
		next, hasNext = q[0], true
		if len(q) == 1 {
			delete(s.queued, bnr)
		} else {
			s.queued[bnr] = q[1:]
		}
		s.inflight[bnr] = next
	}
	s.mu.Unlock()

	if !ok {
		s.log.Error("end_io for unknown pending request", "bnr", bnr)
	} else if req.isGet {
		data := fresh
		if data == nil {
			// The local transport reads into the submitted buffer.
			data = req.buf
		}
		s.replyGetBlock(bnr, req, data, err)
	} else {
		s.replyWriteBlock(bnr, req.from, err)
	}

	if hasNext {
		if submitErr := s.transport.SubmitBlock(s.handle, next.op, bnr, next.buf); submitErr != nil {
			s.finish(bnr, nil, submitErr)
		}
	}
}

func (s *server) replyGetBlock(bnr transport.BNR, req pendingRequest, data []byte, err error) {
	ctl := messaging.EncodeGetBlockResultCtl(messaging.GetBlockResultCtl{
		BNR: uint64(bnr), Access: req.access, Err: ngnfserr.ToWire(err),
	})
	m := messaging.Message{Type: messaging.TypeGetBlockResult, Ctl: ctl}
	if err == nil {
		m.Data = data
	}
	if sendErr := s.sub.Send(req.from, m); sendErr != nil {
		s.log.Warn("reply GET_BLOCK_RESULT failed", "to", req.from, "err", sendErr)
	}
}

func (s *server) replyWriteBlock(bnr transport.BNR, to netip.AddrPort, err error) {
	ctl := messaging.EncodeWriteBlockResultCtl(messaging.WriteBlockResultCtl{BNR: uint64(bnr), Err: ngnfserr.ToWire(err)})
	m := messaging.Message{Type: messaging.TypeWriteBlockResult, Ctl: ctl}
	if sendErr := s.sub.Send(to, m); sendErr != nil {
		s.log.Warn("reply WRITE_BLOCK_RESULT failed", "to", to, "err", sendErr)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "err", err)
	}
}
