// Package metrics provides a Meter/Gauge facade over
// github.com/prometheus/client_golang so the process can expose
// /metrics directly from a real Prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Meter is a monotonically increasing counter, named with a slash-
// separated path (e.g. "cache/block/miss").
type Meter struct {
	c prometheus.Counter
}

// Mark increments the meter by n.
func (m *Meter) Mark(n int64) {
	if m == nil || m.c == nil {
		return
	}
	m.c.Add(float64(n))
}

// Gauge is an instantaneous value, used for the cache's dirty,
// writeback, submitted and sync-waiter counters.
type Gauge struct {
	g prometheus.Gauge
}

func (g *Gauge) Set(v float64) {
	if g == nil || g.g == nil {
		return
	}
	g.g.Set(v)
}

func (g *Gauge) Inc() {
	if g == nil || g.g == nil {
		return
	}
	g.g.Inc()
}

func (g *Gauge) Dec() {
	if g == nil || g.g == nil {
		return
	}
	g.g.Dec()
}

var registry = prometheus.NewRegistry()

// Registry returns the process-wide registry cmd/mountd and cmd/devd
// expose over /metrics.
func Registry() *prometheus.Registry { return registry }

// GetOrRegisterMeter returns the named counter-backed meter, creating it
// on first use.
func GetOrRegisterMeter(name string) *Meter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: sanitize(name),
		Help: name,
	})
	if err := registry.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c = are.ExistingCollector.(prometheus.Counter)
		}
	}
	return &Meter{c: c}
}

// GetOrRegisterGauge returns the named gauge, creating it on first use.
func GetOrRegisterGauge(name string) *Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: sanitize(name),
		Help: name,
	})
	if err := registry.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			g = are.ExistingCollector.(prometheus.Gauge)
		}
	}
	return &Gauge{g: g}
}

func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return "ngnfs_" + string(out)
}
