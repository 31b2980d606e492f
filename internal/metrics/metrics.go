package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailsvc"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of confirmed service starts.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of confirmed stops, labelled by how the process ended.",
		}, []string{"name", "mode"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of monitor auto restarts.",
		}, []string{"name"},
	)
	serviceCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "crashes_total",
			Help:      "Number of times a service was found dead without a stop request.",
		}, []string{"name"},
	)
	launchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "launch_failures_total",
			Help:      "Number of failed launches by reason.",
		}, []string{"name", "reason"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different service states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current state of services (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of the service process.",
		}, []string{"name"},
	)
	memoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "memory_rss_bytes",
			Help:      "Last sampled resident memory of the service process.",
		}, []string{"name"},
	)
	portConflicts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "port_conflicts",
			Help:      "Number of service ports held by a foreign listener.",
		},
	)
	monitorIterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "iterations_total",
			Help:      "Monitor loop iterations by outcome (ok, skipped, failed).",
		}, []string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStops, serviceRestarts, serviceCrashes, launchFailures,
		stateTransitions, currentStates, cpuPercent, memoryBytes, portConflicts, monitorIterations,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

// IncStop records a stop; mode is "graceful", "killed" or "gone".
func IncStop(name, mode string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name, mode).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		serviceCrashes.WithLabelValues(name).Inc()
	}
}

func IncLaunchFailure(name, reason string) {
	if regOK.Load() {
		launchFailures.WithLabelValues(name, reason).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

// SetCurrentState marks state as the only active state of name among states.
func SetCurrentState(name, state string, states []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(name, s).Set(v)
	}
}

func SetUsage(name string, cpu float64, rss uint64) {
	if regOK.Load() {
		cpuPercent.WithLabelValues(name).Set(cpu)
		memoryBytes.WithLabelValues(name).Set(float64(rss))
	}
}

func SetPortConflicts(n int) {
	if regOK.Load() {
		portConflicts.Set(float64(n))
	}
}

func IncMonitorIteration(outcome string) {
	if regOK.Load() {
		monitorIterations.WithLabelValues(outcome).Inc()
	}
}
