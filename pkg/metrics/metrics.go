// Package metrics exposes Prometheus instrumentation for the egress
// manager: IP-change activity, rate-limit decisions, poll outcomes, and
// pool gauges.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/falconscript/proxyratemanager/pkg/logger"
)

// Metrics holds all collectors, registered on a private registry so tests
// can instantiate freely.
type Metrics struct {
	registry *prometheus.Registry

	IPChanges             *prometheus.CounterVec
	ActionsRecorded       *prometheus.CounterVec
	AvailabilityDecisions *prometheus.CounterVec
	Polls                 *prometheus.CounterVec
	DaemonRestarts        prometheus.Counter
	AdapterFailures       *prometheus.CounterVec

	CircuitHealth   *prometheus.GaugeVec
	CyclingCircuits prometheus.Gauge
	NamedCircuits   prometheus.Gauge
	HealthyCircuits prometheus.Gauge
	TrackedIPs      prometheus.Gauge
}

// IP-change kinds for the ip_changes_total counter.
const (
	ChangeRequested = "requested"
	ChangeObserved  = "observed"
	ChangeRestart   = "restart"
)

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		IPChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyratemanager_ip_changes_total",
			Help: "Completed exit-IP changes by kind.",
		}, []string{"kind"}),
		ActionsRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyratemanager_actions_recorded_total",
			Help: "Actions recorded against exit IPs.",
		}, []string{"action"}),
		AvailabilityDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyratemanager_availability_decisions_total",
			Help: "Rate-limit availability decisions by action and result.",
		}, []string{"action", "result"}),
		Polls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyratemanager_polls_total",
			Help: "Exit-IP poll attempts by circuit and result.",
		}, []string{"circuit", "result"}),
		DaemonRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "proxyratemanager_daemon_restarts_total",
			Help: "Forced restarts of the onion-routing daemon.",
		}),
		AdapterFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyratemanager_request_failures_total",
			Help: "Classified request failures by error band.",
		}, []string{"band"}),
		CircuitHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proxyratemanager_circuit_health",
			Help: "Current health score per circuit.",
		}, []string{"circuit"}),
		CyclingCircuits: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proxyratemanager_cycling_circuits",
			Help: "Circuits in the cycling pool.",
		}),
		NamedCircuits: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proxyratemanager_named_circuits",
			Help: "Circuits in the named registry.",
		}),
		HealthyCircuits: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proxyratemanager_healthy_circuits",
			Help: "Circuits above the health threshold.",
		}),
		TrackedIPs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proxyratemanager_tracked_ips",
			Help: "Exit IPs tracked by the rate store.",
		}),
	}
}

// Handler returns the Prometheus scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Server serves /metrics on a dedicated listener.
type Server struct {
	srv    *http.Server
	logger *logger.Logger
}

// NewServer creates a metrics server on addr.
func NewServer(addr string, m *Metrics, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log.Component("metrics"),
	}
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Metrics server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
