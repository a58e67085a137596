// Package metrics exposes Prometheus instruments for the bot. All methods are
// safe to call on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "salesbot"

// Connection states reported by the connection_state gauge.
var connectionStates = []string{"disconnected", "connecting", "awaiting_scan", "connected", "closing"}

// Metrics holds every instrument on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	inbound     *prometheus.CounterVec
	sends       *prometheus.CounterVec
	handoffs    *prometheus.CounterVec
	completions *prometheus.CounterVec
	connState   *prometheus.GaugeVec
	reconnects  prometheus.Counter
	fatal       prometheus.Counter
	sessions    prometheus.Gauge
}

// New registers all instruments on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound chat messages by origin.",
		}, []string{"origin"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outbound sends by kind and result.",
		}, []string{"kind", "result"}),
		handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Conversations handed to a human by reason.",
		}, []string{"reason"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Conversations that reached the completed step by outcome.",
		}, []string{"outcome"}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts after non-logout closes.",
		}),
		fatal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_fatal_total",
			Help:      "Times the reconnect budget was exhausted.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions currently held in memory.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inbound, m.sends, m.handoffs, m.completions,
		m.connState, m.reconnects, m.fatal, m.sessions,
	)
	for _, s := range connectionStates {
		m.connState.WithLabelValues(s).Set(0)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Inbound counts an inbound message. origin is "contact" or "operator".
func (m *Metrics) Inbound(origin string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(origin).Inc()
}

// Send counts an outbound send.
func (m *Metrics) Send(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sends.WithLabelValues(kind, result).Inc()
}

// Handoff counts a conversation handed to a human.
func (m *Metrics) Handoff(reason string) {
	if m == nil {
		return
	}
	m.handoffs.WithLabelValues(reason).Inc()
}

// Completed counts a conversation reaching the completed step.
func (m *Metrics) Completed(outcome string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(outcome).Inc()
}

// ConnectionState marks state as current.
func (m *Metrics) ConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connState.WithLabelValues(s).Set(v)
	}
}

// ReconnectAttempt counts one reconnect attempt.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// ConnectionFatal counts an exhausted reconnect budget.
func (m *Metrics) ConnectionFatal() {
	if m == nil {
		return
	}
	m.fatal.Inc()
}

// Sessions sets the in-memory session count.
func (m *Metrics) Sessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
