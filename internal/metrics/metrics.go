// Package metrics exposes Prometheus metrics for the dispatcher and its
// collaborators. Registration is lazy so tests can touch counters without a
// metrics server running.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	dispatchTotal   *prometheus.CounterVec
	deniedTotal     *prometheus.CounterVec
	compactionTotal *prometheus.CounterVec
	eventsDropped   prometheus.Counter

	activeSessions prometheus.Gauge
	activeRuns     prometheus.Gauge
	stopWaitTotal  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatch_total",
					Help: "Total dispatched messages by command and outcome.",
				},
				[]string{"command", "outcome"},
			),
			deniedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatch_denied_total",
					Help: "Total silently denied privileged commands by command.",
				},
				[]string{"command"},
			),
			compactionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "compaction_total",
					Help: "Total compaction attempts by result.",
				},
				[]string{"result"},
			),
			eventsDropped: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "system_events_dropped_total",
					Help: "System events dropped because the sink buffer was full.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current persisted session count.",
				},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_runs",
					Help: "Current in-flight embedded agent runs.",
				},
			),
			stopWaitTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "run_stop_wait_total",
					Help: "Cancel-and-wait outcomes by result (stopped, timeout, none).",
				},
				[]string{"result"},
			),
		}

		prometheus.MustRegister(
			m.dispatchTotal,
			m.deniedTotal,
			m.compactionTotal,
			m.eventsDropped,
			m.activeSessions,
			m.activeRuns,
			m.stopWaitTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordDispatch counts one dispatched message. outcome is one of "reply",
// "continue", "dropped".
func RecordDispatch(command, outcome string) {
	getMetrics().dispatchTotal.WithLabelValues(command, outcome).Inc()
}

// RecordDenied counts one silent authorization denial.
func RecordDenied(command string) {
	getMetrics().deniedTotal.WithLabelValues(command).Inc()
}

// RecordCompaction counts one compaction attempt. result is one of
// "compacted", "skipped", "failed".
func RecordCompaction(result string) {
	getMetrics().compactionTotal.WithLabelValues(result).Inc()
}

// RecordEventDropped counts a system event lost to a full sink buffer.
func RecordEventDropped() {
	getMetrics().eventsDropped.Inc()
}

// SetActiveSessions reports the persisted session count.
func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

// SetActiveRuns reports the in-flight run count.
func SetActiveRuns(count int) {
	getMetrics().activeRuns.Set(float64(count))
}

// RecordStopWait counts one cancel-and-wait outcome.
func RecordStopWait(result string) {
	getMetrics().stopWaitTotal.WithLabelValues(result).Inc()
}
