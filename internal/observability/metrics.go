package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zimagi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zimagi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	commandExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zimagi",
			Subsystem: "command",
			Name:      "executions_total",
			Help:      "Command executions by path and final state.",
		},
		[]string{"command", "path", "state"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zimagi",
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Command execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command", "path", "state"},
	)
	lockWaits = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zimagi",
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent acquiring locks by outcome.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"outcome"},
	)
	transportAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zimagi",
			Subsystem: "transport",
			Name:      "attempts_total",
			Help:      "Transport request attempts by outcome.",
		},
		[]string{"method", "outcome"},
	)
	queueEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zimagi",
			Subsystem: "queue",
			Name:      "task_events_total",
			Help:      "Worker queue task events.",
		},
		[]string{"worker_type", "event"},
	)
	workersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zimagi",
			Subsystem: "queue",
			Name:      "workers_busy",
			Help:      "Workers currently executing a task.",
		},
		[]string{"worker_type"},
	)
	scaleRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zimagi",
			Subsystem: "scale",
			Name:      "requests_total",
			Help:      "Worker fleet scale requests.",
		},
		[]string{"worker_type", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			commandExecutions,
			commandDuration,
			lockWaits,
			transportAttempts,
			queueEvents,
			workersActive,
			scaleRequests,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCommand(command, path, state string, duration time.Duration) {
	RegisterMetrics()
	commandExecutions.WithLabelValues(command, path, state).Inc()
	commandDuration.WithLabelValues(command, path, state).Observe(duration.Seconds())
}

func RecordLockWait(outcome string, wait time.Duration) {
	RegisterMetrics()
	lockWaits.WithLabelValues(outcome).Observe(wait.Seconds())
}

func RecordTransportAttempt(method, outcome string) {
	RegisterMetrics()
	transportAttempts.WithLabelValues(method, outcome).Inc()
}

func RecordQueueEvent(workerType, event string) {
	RegisterMetrics()
	queueEvents.WithLabelValues(workerType, event).Inc()
}

func AddBusyWorkers(workerType string, delta float64) {
	RegisterMetrics()
	workersActive.WithLabelValues(workerType).Add(delta)
}

func RecordScale(workerType string, success bool) {
	RegisterMetrics()
	scaleRequests.WithLabelValues(workerType, strconv.FormatBool(success)).Inc()
}
