package wire

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors a Server updates as connections
// are accepted, closed, and commands processed. A Server constructs its own
// Metrics registered against prometheus.DefaultRegisterer; embedding
// applications that already run an HTTP /metrics endpoint get these
// collectors for free.
type Metrics struct {
	connectionsOpened prometheus.Counter
	connectionsActive prometheus.Gauge
	commandsHandled   *prometheus.CounterVec
	commandErrors     *prometheus.CounterVec
}

// NewMetrics constructs and registers a Metrics instance. Registration
// failures (e.g. a second Server sharing the default registerer) are
// swallowed, since metrics are an operational aid, not load-bearing
// behavior: an AlreadyRegisteredError simply means the existing collector
// is reused.
func NewMetrics() *Metrics {
	m := &Metrics{
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgwire",
			Name:      "connections_opened_total",
			Help:      "Total number of client connections accepted.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgwire",
			Name:      "connections_active",
			Help:      "Number of client connections currently established.",
		}),
		commandsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgwire",
			Name:      "commands_handled_total",
			Help:      "Total number of protocol commands handled, by message type.",
		}, []string{"type"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgwire",
			Name:      "command_errors_total",
			Help:      "Total number of protocol commands that resulted in an ErrorResponse, by SQLSTATE code.",
		}, []string{"code"}),
	}

	reuse := func(collector prometheus.Collector) prometheus.Collector {
		var are prometheus.AlreadyRegisteredError
		if err := prometheus.Register(collector); errors.As(err, &are) {
			return are.ExistingCollector
		}
		return collector
	}
	m.connectionsOpened = reuse(m.connectionsOpened).(prometheus.Counter)
	m.connectionsActive = reuse(m.connectionsActive).(prometheus.Gauge)
	m.commandsHandled = reuse(m.commandsHandled).(*prometheus.CounterVec)
	m.commandErrors = reuse(m.commandErrors).(*prometheus.CounterVec)

	return m
}

// ConnectionOpened records a newly accepted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}

	m.connectionsOpened.Inc()
	m.connectionsActive.Inc()
}

// ConnectionClosed records a connection tearing down.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}

	m.connectionsActive.Dec()
}

// CommandHandled records a command received from the client, before it is
// dispatched, by message type (e.g. "SimpleQuery", "Parse", "Bind").
func (m *Metrics) CommandHandled(kind string) {
	if m == nil {
		return
	}

	m.commandsHandled.WithLabelValues(kind).Inc()
}

// CommandError records a command that resulted in an ErrorResponse carrying
// the given SQLSTATE code.
func (m *Metrics) CommandError(code string) {
	if m == nil {
		return
	}

	m.commandErrors.WithLabelValues(code).Inc()
}
