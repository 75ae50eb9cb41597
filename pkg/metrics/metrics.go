// Package metrics holds the Prometheus collectors for the companion process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iloader"

// Outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// NewRegistry creates a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the metrics in reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Metrics are the application collectors.
type Metrics struct {
	UIConnections prometheus.Gauge
	Commands      *prometheus.CounterVec
	Operations    *prometheus.CounterVec
	Challenges    *prometheus.CounterVec
}

// New creates and registers the application collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UIConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ui",
			Name:      "active_connections",
			Help:      "Number of connected UI sockets.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ui",
			Name:      "commands_total",
			Help:      "UI command invocations by command and outcome.",
		}, []string{"command", "outcome"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "finished_total",
			Help:      "Finished operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		Challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "challenge",
			Name:      "requests_total",
			Help:      "Verification code requests by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.UIConnections, m.Commands, m.Operations, m.Challenges)
	return m
}

// Outcome maps an error to an outcome label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
