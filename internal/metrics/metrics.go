// Package metrics exposes Prometheus instrumentation for terminal sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/termcore/internal/terminal"
)

// Collector records session activity. It implements terminal.EventSink and
// terminal.Observer so it can be plugged into a terminal.Service directly.
type Collector struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsKilled  prometheus.Counter
	SessionExits    prometheus.Counter
	OutputBytes     prometheus.Counter
	OutputChunks    prometheus.Counter
	InputBytes      prometheus.Counter
	WSConnections   prometheus.Gauge
	WSMessages      *prometheus.CounterVec
}

// New creates a Collector backed by its own registry, which also carries the
// standard Go and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "termcore_sessions_active",
			Help: "Number of live terminal sessions",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "termcore_sessions_created_total",
			Help: "Total number of terminal sessions created",
		}),
		SessionsKilled: f.NewCounter(prometheus.CounterOpts{
			Name: "termcore_sessions_killed_total",
			Help: "Total number of terminal sessions killed",
		}),
		SessionExits: f.NewCounter(prometheus.CounterOpts{
			Name: "termcore_session_exits_total",
			Help: "Total number of session output streams that ended",
		}),
		OutputBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "termcore_output_bytes_total",
			Help: "Bytes of terminal output forwarded",
		}),
		OutputChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "termcore_output_chunks_total",
			Help: "Chunks of terminal output forwarded",
		}),
		InputBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "termcore_input_bytes_total",
			Help: "Bytes of input written to terminals",
		}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "termcore_ws_connections",
			Help: "Number of connected WebSocket clients",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "termcore_ws_messages_total",
			Help: "WebSocket messages received, by type",
		}, []string{"type"}),
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) TerminalOutput(ev terminal.OutputEvent) {
	c.OutputChunks.Inc()
	c.OutputBytes.Add(float64(len(ev.Data)))
}

func (c *Collector) TerminalExit(terminal.ExitEvent) {
	c.SessionExits.Inc()
}

func (c *Collector) SessionCreated(terminal.SessionInfo) {
	c.SessionsCreated.Inc()
	c.SessionsActive.Inc()
}

func (c *Collector) SessionKilled(string) {
	c.SessionsKilled.Inc()
	c.SessionsActive.Dec()
}

func (c *Collector) InputWritten(_ string, n int) {
	c.InputBytes.Add(float64(n))
}

// ClientConnected and ClientDisconnected track WebSocket clients.
func (c *Collector) ClientConnected()    { c.WSConnections.Inc() }
func (c *Collector) ClientDisconnected() { c.WSConnections.Dec() }

// MessageReceived counts an inbound WebSocket message of the given type.
func (c *Collector) MessageReceived(msgType string) {
	c.WSMessages.WithLabelValues(msgType).Inc()
}
