package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor owns the queue metrics. A nil *Monitor is valid and records nothing.
type Monitor struct {
	registry *prometheus.Registry

	queueLength      *prometheus.GaugeVec
	queueOperations  *prometheus.CounterVec
	assignDuration   *prometheus.HistogramVec
	runningWorkers   prometheus.Gauge
	scheduledEvents  prometheus.Gauge
	breakerState     *prometheus.GaugeVec
	workerRedelivery *prometheus.CounterVec
}

func NewMonitor() *Monitor {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Monitor{
		registry: reg,
		queueLength: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_length_total",
				Help: "Current queue entries per event and status",
			},
			[]string{"event_id", "status"},
		),
		queueOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_operations_total",
				Help: "Total queue operations",
			},
			[]string{"operation", "event_id", "status"},
		),
		assignDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "queue_position_assign_seconds",
				Help:    "Time from admission to position assignment",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"event_id"},
		),
		runningWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "queue_workers_running",
				Help: "Position workers currently consuming a topic",
			},
		),
		scheduledEvents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "queue_events_scheduled",
				Help: "Events with a pending worker start",
			},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "0 closed, 1 half-open, 2 open",
			},
			[]string{"name"},
		),
		workerRedelivery: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_worker_retries_total",
				Help: "Deliveries left unacknowledged after a transient failure",
			},
			[]string{"event_id"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Track queue operations
func (m *Monitor) TrackQueueOperation(operation, eventID, status string) {
	if m == nil {
		return
	}
	m.queueOperations.WithLabelValues(operation, eventID, status).Inc()
}

// TrackAssignment records how long an admission waited for its position.
func (m *Monitor) TrackAssignment(eventID string, since time.Time) {
	if m == nil || since.IsZero() {
		return
	}
	m.assignDuration.WithLabelValues(eventID).Observe(time.Since(since).Seconds())
}

func (m *Monitor) TrackRetry(eventID string) {
	if m == nil {
		return
	}
	m.workerRedelivery.WithLabelValues(eventID).Inc()
}

func (m *Monitor) SetQueueLength(eventID, status string, n int64) {
	if m == nil {
		return
	}
	m.queueLength.WithLabelValues(eventID, status).Set(float64(n))
}

func (m *Monitor) SetWorkers(running, scheduled int) {
	if m == nil {
		return
	}
	m.runningWorkers.Set(float64(running))
	m.scheduledEvents.Set(float64(scheduled))
}

func (m *Monitor) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}
