// Package metrics exposes labwatch's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Notification kinds.
const (
	KindAnomaly   = "anomaly"
	KindCrash     = "crash"
	KindUserInput = "user_input"
)

// Notification outcomes.
const (
	OutcomeSent       = "sent"
	OutcomeSuppressed = "suppressed"
	OutcomeFallback   = "fallback"
	OutcomeFailed     = "failed"
)

var (
	linesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labwatch",
			Name:      "lines_processed_total",
			Help:      "Log lines fed to the template miner.",
		},
		[]string{"lab"},
	)

	anomaliesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labwatch",
			Name:      "anomalies_total",
			Help:      "Lines that created or changed a template.",
		},
		[]string{"lab", "change_type"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labwatch",
			Name:      "notifications_total",
			Help:      "Notification decisions, partitioned by kind and outcome.",
		},
		[]string{"lab", "kind", "outcome"},
	)

	controllerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labwatch",
			Name:      "controller_stale_heartbeats_total",
			Help:      "Watchdog polls that found the controller heartbeat stale.",
		},
		[]string{"lab"},
	)

	fileResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labwatch",
			Name:      "file_resets_total",
			Help:      "Offset resets caused by rotation or truncation.",
		},
		[]string{"lab", "reason"},
	)

	agentSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "labwatch",
			Name:      "agent_call_seconds",
			Help:      "Agent invocation latency.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"lab", "kind"},
	)
)

// Register attaches labwatch collectors to reg.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		linesProcessed,
		anomaliesDetected,
		notifications,
		controllerCrashes,
		fileResets,
		agentSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func LinesProcessed(lab string, n int) {
	if n > 0 {
		linesProcessed.WithLabelValues(lab).Add(float64(n))
	}
}

func AnomalyDetected(lab, changeType string) {
	anomaliesDetected.WithLabelValues(lab, changeType).Inc()
}

func Notification(lab, kind, outcome string) {
	notifications.WithLabelValues(lab, kind, outcome).Inc()
}

func ControllerStale(lab string) {
	controllerCrashes.WithLabelValues(lab).Inc()
}

func FileReset(lab, reason string) {
	fileResets.WithLabelValues(lab, reason).Inc()
}

// ObserveAgent records how long an agent call took.
func ObserveAgent(lab, kind string, seconds float64) {
	if seconds < 0 {
		seconds = 0
	}
	agentSeconds.WithLabelValues(lab, kind).Observe(seconds)
}
