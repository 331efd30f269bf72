// Package telemetry exposes prometheus metrics for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "termgate",
		Name:      "decisions_total",
		Help:      "Permission decisions by bucket.",
	}, []string{"bucket", "dangerous"})

	metricExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "termgate",
		Name:      "executions_total",
		Help:      "Shell executions by terminal status.",
	}, []string{"status"})

	metricOverrideAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "termgate",
		Name:      "override_attempts_total",
		Help:      "Override attempts by result.",
	}, []string{"result"})

	metricPolicyReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "termgate",
		Name:      "policy_reloads_total",
		Help:      "Policy reloads by result.",
	}, []string{"result"})

	metricSessionResets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "termgate",
		Name:      "session_resets_total",
		Help:      "Shell session resets.",
	})

	metricSessionExecuting = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "termgate",
		Name:      "session_executing",
		Help:      "1 while a command is executing, 0 otherwise.",
	})
)

// RecordDecision counts a permission decision.
func RecordDecision(bucket string, dangerous bool) {
	label := "false"
	if dangerous {
		label = "true"
	}
	metricDecisions.WithLabelValues(bucket, label).Inc()
}

// RecordExecution counts a finished execution by status.
func RecordExecution(status string) {
	metricExecutions.WithLabelValues(status).Inc()
}

// RecordOverrideAttempt counts an override attempt result
// (accepted, validation_failed, rate_limited).
func RecordOverrideAttempt(result string) {
	metricOverrideAttempts.WithLabelValues(result).Inc()
}

// RecordPolicyReload counts a reload outcome (ok, error).
func RecordPolicyReload(result string) {
	metricPolicyReloads.WithLabelValues(result).Inc()
}

// RecordSessionReset counts a session reset.
func RecordSessionReset() {
	metricSessionResets.Inc()
}

// SetExecuting flags whether a command is currently running.
func SetExecuting(active bool) {
	if active {
		metricSessionExecuting.Set(1)
	} else {
		metricSessionExecuting.Set(0)
	}
}
