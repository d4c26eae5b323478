// Package metrics exposes relay counters to Prometheus on a dedicated listener.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder counts domain events. The zero value of Nop is safe to use when
// metrics are disabled.
type Recorder interface {
	Registration(outcome string)
	CommandEnqueued(name string)
	CommandReported(status string)
	DevicesDeactivated(n int)
}

// Registration outcomes.
const (
	OutcomeCreated       = "created"
	OutcomeReprovisioned = "reprovisioned"
	OutcomeRejected      = "rejected"
	OutcomeFailed        = "failed"
)

// Nop discards every observation.
type Nop struct{}

func (Nop) Registration(string)    {}
func (Nop) CommandEnqueued(string) {}
func (Nop) CommandReported(string) {}
func (Nop) DevicesDeactivated(int) {}

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	registrations    *prometheus.CounterVec
	commandsEnqueued *prometheus.CounterVec
	commandsReported *prometheus.CounterVec
	deactivated      prometheus.Counter
}

// NewMetrics creates and registers the collectors under namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Device registration attempts by outcome.",
		}, []string{"outcome"}),
		commandsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_enqueued_total",
			Help:      "Commands accepted into the queue by action name.",
		}, []string{"name"}),
		commandsReported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_reported_total",
			Help:      "Command results reported by devices by terminal status.",
		}, []string{"status"}),
		deactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_deactivated_total",
			Help:      "Devices marked inactive after missing heartbeats.",
		}),
	}
	reg.MustRegister(m.registrations, m.commandsEnqueued, m.commandsReported, m.deactivated)
	return m
}

func (m *Metrics) Registration(outcome string) {
	m.registrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CommandEnqueued(name string) {
	m.commandsEnqueued.WithLabelValues(name).Inc()
}

func (m *Metrics) CommandReported(status string) {
	m.commandsReported.WithLabelValues(status).Inc()
}

func (m *Metrics) DevicesDeactivated(n int) {
	if n > 0 {
		m.deactivated.Add(float64(n))
	}
}

// MetricsServer serves /metrics for a private registry.
type MetricsServer struct {
	*Metrics
	registry *prometheus.Registry
	srv      *http.Server
}

// New creates a metrics server listening on addr. Collectors are registered
// under namespace alongside the Go runtime and process collectors.
func New(namespace, addr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &MetricsServer{
		Metrics:  NewMetrics(namespace, registry),
		registry: registry,
	}

	mux := chi.NewRouter()
	mux.Handle("/metrics", s.Handler())
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the Prometheus exposition handler.
func (s *MetricsServer) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
