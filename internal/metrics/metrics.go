// Package metrics exposes Prometheus instrumentation for the four
// schedulers, grounded on the teacher's internal/escrow/metrics.go
// (promauto.NewHistogramVec/NewCounterVec with bucket/label conventions),
// rebuilt around Poseidon's own scheduler concerns instead of escrow
// settlement latencies.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the core reports. Each scheduler is
// handed a narrow adapter (FiberMetrics, TimerMetrics, ...) so its package
// never imports prometheus directly.
type Registry struct {
	fiberQueueDepth  prometheus.Gauge
	fiberResumed     prometheus.Counter
	fiberWarnTimeout prometheus.Counter
	fiberFailTimeout prometheus.Counter

	timerFired      prometheus.Counter
	timerQueueDepth prometheus.Gauge

	taskExecuted    prometheus.Counter
	taskPanicked    prometheus.Counter
	taskQueueDepth  prometheus.Gauge

	reactorEvents   *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
}

// NewRegistry builds every metric and registers it with Prometheus's
// global default registry (via promauto), so it may be called only once
// per process.
func NewRegistry() *Registry {
	return &Registry{
		fiberQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "poseidon", Subsystem: "fiber", Name: "queue_depth",
			Help: "Number of fibers currently tracked by the scheduler.",
		}),
		fiberResumed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "poseidon", Subsystem: "fiber", Name: "resumed_total",
			Help: "Total number of fiber resume events.",
		}),
		fiberWarnTimeout: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "poseidon", Subsystem: "fiber", Name: "warn_timeout_total",
			Help: "Total number of fiber warn_timeout log events.",
		}),
		fiberFailTimeout: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "poseidon", Subsystem: "fiber", Name: "fail_timeout_total",
			Help: "Total number of fiber fail_timeout forced resumes.",
		}),
		timerFired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "poseidon", Subsystem: "timer", Name: "fired_total",
			Help: "Total number of timer callback invocations.",
		}),
		timerQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "poseidon", Subsystem: "timer", Name: "queue_depth",
			Help: "Number of live timer entries.",
		}),
		taskExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "poseidon", Subsystem: "taskpool", Name: "executed_total",
			Help: "Total number of tasks that completed Execute successfully.",
		}),
		taskPanicked: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "poseidon", Subsystem: "taskpool", Name: "panicked_total",
			Help: "Total number of tasks whose Execute panicked.",
		}),
		taskQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "poseidon", Subsystem: "taskpool", Name: "queue_depth",
			Help: "Number of tasks queued across both front and back queues.",
		}),
		reactorEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poseidon", Subsystem: "reactor", Name: "events_total",
			Help: "Total number of reactor readiness events by kind.",
		}, []string{"kind"}),
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "poseidon", Subsystem: "session", Name: "active",
			Help: "Number of sessions currently registered in the session table.",
		}),
	}
}

// Handler returns the Prometheus scrape HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// FiberMetrics adapts Registry to internal/fiber.Metrics.
type FiberMetrics struct{ r *Registry }

func (r *Registry) Fiber() FiberMetrics { return FiberMetrics{r} }

func (m FiberMetrics) ObserveQueueDepth(n int) { m.r.fiberQueueDepth.Set(float64(n)) }
func (m FiberMetrics) IncResumed()             { m.r.fiberResumed.Inc() }
func (m FiberMetrics) IncWarnTimeout()         { m.r.fiberWarnTimeout.Inc() }
func (m FiberMetrics) IncFailTimeout()         { m.r.fiberFailTimeout.Inc() }

// TimerMetrics adapts Registry to internal/timer.Metrics.
type TimerMetrics struct{ r *Registry }

func (r *Registry) Timer() TimerMetrics { return TimerMetrics{r} }

func (m TimerMetrics) IncFired()              { m.r.timerFired.Inc() }
func (m TimerMetrics) ObserveQueueDepth(n int) { m.r.timerQueueDepth.Set(float64(n)) }

// TaskPoolMetrics adapts Registry to internal/taskpool.Metrics.
type TaskPoolMetrics struct{ r *Registry }

func (r *Registry) TaskPool() TaskPoolMetrics { return TaskPoolMetrics{r} }

func (m TaskPoolMetrics) IncExecuted()            { m.r.taskExecuted.Inc() }
func (m TaskPoolMetrics) IncPanicked()            { m.r.taskPanicked.Inc() }
func (m TaskPoolMetrics) ObserveQueueDepth(n int) { m.r.taskQueueDepth.Set(float64(n)) }

// IncReactorEvent records one reactor event of the given kind
// ("readable", "writable", "accept").
func (r *Registry) IncReactorEvent(kind string) {
	r.reactorEvents.WithLabelValues(kind).Inc()
}

// SetActiveSessions reports the current session table size.
func (r *Registry) SetActiveSessions(n int) {
	r.sessionsActive.Set(float64(n))
}
