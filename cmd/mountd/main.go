// Command mountd starts a mount host's block cache on top of the network
// transport and messaging stack, routed to a devd cluster by an initial
// manifest, and serves /metrics.
package main

import (
	"fmt"
	"net/http"
	"net/netip"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/versity/ngnfs-go/log"
	"github.com/versity/ngnfs-go/metrics"
	"github.com/versity/ngnfs-go/pkg/block"
	"github.com/versity/ngnfs-go/pkg/manifest"
	"github.com/versity/ngnfs-go/pkg/messaging"
	"github.com/versity/ngnfs-go/pkg/transport/network"
)

func main() {
	app := &cli.App{
		Name:  "mountd",
		Usage: "run the ngnfs mount-host cache and network transport",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: "0.0.0.0:7000", Usage: "messaging listen address"},
			&cli.StringFlag{Name: "metrics-listen", Value: "127.0.0.1:9100", Usage: "prometheus /metrics listen address"},
			&cli.StringSliceFlag{Name: "devd", Usage: "devd address (repeatable), forms the initial manifest"},
			&cli.StringFlag{Name: "log-file", Usage: "optional path to an async rotating log file"},
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
	if err := setLevel(c.String("log-level")); err != nil {
		return err
	}
	if path := c.String("log-file"); path != "" {
		w := log.NewAsyncFileWriter(path, 64, 7, 5)
		w.Start()
		log.SetOutput(w)
	}

	addrs, err := parseAddrs(c.StringSlice("devd"))
	if err != nil {
		return err
	}
	man := manifest.New(manifest.Snapshot{SeqNr: 1, Addresses: addrs}, log.New("component", "manifest"))

	sub := messaging.New(log.New("component", "messaging"))
	if err := sub.Listen(c.String("listen")); err != nil {
		return err
	}
	defer sub.Close()

	netTransport := network.New(sub, log.New("component", "network-transport"))
	cache, err := block.New(block.Config{
		Transport: netTransport,
		Arg:       network.Arg{Manifest: man},
		Logger:    log.New("component", "block-cache"),
	})
	if err != nil {
		return fmt.Errorf("mountd: start cache: %w", err)
	}
	defer cache.Close()

	go serveMetrics(c.String("metrics-listen"))

	log.Info("mountd ready", "listen", c.String("listen"))
	select {}
}

func setLevel(s string) error {
	levels := map[string]log.Level{
		"trace": log.LevelTrace, "debug": log.LevelDebug, "info": log.LevelInfo,
		"warn": log.LevelWarn, "error": log.LevelError, "crit": log.LevelCrit,
	}
	lv, ok := levels[s]
	if !ok {
		return fmt.Errorf("mountd: unknown log level %q", s)
	}
	log.SetLevel(lv)
	return nil
}

func parseAddrs(raw []string) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(raw))
	for _, r := range raw {
		ap, err := netip.ParseAddrPort(r)
		if err != nil {
			return nil, fmt.Errorf("mountd: parse devd address %q: %w", r, err)
		}
		out = append(out, ap)
	}
	return out, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "err", err)
	}
}
