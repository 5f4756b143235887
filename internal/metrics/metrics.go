package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sidekeeper"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	backendStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "starts_total",
			Help:      "Number of successful backend launches.",
		}, []string{"name"},
	)
	backendRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "restarts_total",
			Help:      "Number of restart cycles executed by the coordinator.",
		}, []string{"name"},
	)
	restartsCoalesced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "restart_requests_coalesced_total",
			Help:      "Restart requests dropped because one was already pending.",
		}, []string{"name"},
	)
	backendCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "crashes_total",
			Help:      "Unexpected backend terminations and failed launches.",
		}, []string{"name"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health probes by result.",
		}, []string{"name", "result"},
	)
	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "status_transitions_total",
			Help:      "Published backend status transitions.",
		}, []string{"from", "to"},
	)
	currentStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "current_status",
			Help:      "Current backend status (1 = active, 0 = inactive).",
		}, []string{"status"},
	)
	backendPort = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "port",
			Help:      "Port allocated to the current backend.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		backendStarts, backendRestarts, restartsCoalesced, backendCrashes, healthChecks,
		statusTransitions, currentStatus, backendPort,
		backendCPU, backendRSS, backendThreads,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
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

// Helpers below no-op until Register has succeeded.

func IncStart(name string) {
	if regOK.Load() {
		backendStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		backendRestarts.WithLabelValues(name).Inc()
	}
}

func IncRestartCoalesced(name string) {
	if regOK.Load() {
		restartsCoalesced.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		backendCrashes.WithLabelValues(name).Inc()
	}
}

func ObserveHealthCheck(name string, ok bool) {
	if !regOK.Load() {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	healthChecks.WithLabelValues(name, result).Inc()
}

func SetPort(p uint16) {
	if regOK.Load() {
		backendPort.Set(float64(p))
	}
}

// RecordStatus records a transition from -> to and flips the current_status gauge.
// from is empty for the first published status.
func RecordStatus(from, to string) {
	if !regOK.Load() {
		return
	}
	if from == "" {
		from = "none"
	} else {
		currentStatus.WithLabelValues(from).Set(0)
	}
	currentStatus.WithLabelValues(to).Set(1)
	statusTransitions.WithLabelValues(from, to).Inc()
}
