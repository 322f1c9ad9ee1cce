// Package metrics owns the sidecar's Prometheus collectors and the numeric
// snapshot consumed by the health endpoint.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons used as the {reason} label on sidecar_events_dropped.
const (
	ReasonInvalid   = "invalid"
	ReasonQueueFull = "queue_full"
	ReasonDuplicate = "duplicate"
)

const errorWindowBuckets = 60 // one bucket per second, one-minute window

type (
	// Metrics bundles every collector the pipeline updates. Prometheus owns
	// the scrape-side representation; atomic mirrors back the health endpoint
	// and tests, since counters cannot be read back cheaply.
	Metrics struct {
		registry *prometheus.Registry

		eventsQueued    prometheus.Counter
		eventsProcessed prometheus.Counter
		eventsDropped   *prometheus.CounterVec
		eventsSampled   prometheus.Counter
		errorsTotal     *prometheus.CounterVec

		queueSize        prometheus.Gauge
		queueUtilization prometheus.Gauge
		cpuUsage         prometheus.Gauge
		memoryUsage      prometheus.Gauge
		profilingEnabled prometheus.Gauge

		processingDuration prometheus.Histogram
		batchSize          prometheus.Histogram

		queued           atomic.Int64
		processed        atomic.Int64
		sampled          atomic.Int64
		droppedInvalid   atomic.Int64
		droppedQueueFull atomic.Int64
		droppedDuplicate atomic.Int64
		errors           atomic.Int64

		window errorWindow
	}

	// Snapshot is a point-in-time numeric view for /health.
	Snapshot struct {
		EventsQueued     int64
		EventsProcessed  int64
		EventsSampled    int64
		DroppedInvalid   int64
		DroppedQueueFull int64
		DroppedDuplicate int64
		ErrorsTotal      int64
	}

	// errorWindow counts errors over the trailing minute using per-second
	// buckets. Writes and reads contend rarely; a mutex is sufficient.
	errorWindow struct {
		mu      sync.Mutex
		buckets [errorWindowBuckets]int64
		stamps  [errorWindowBuckets]int64 // unix second each bucket belongs to
	}
)

// New creates all collectors on a private registry so tests can run multiple
// instances without duplicate-registration panics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sidecar_events_queued",
			Help: "Events accepted onto the bounded queue.",
		}),
		eventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sidecar_events_processed",
			Help: "Events fully persisted by the worker pool.",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sidecar_events_dropped",
			Help: "Events dropped, by reason (invalid, queue_full, duplicate).",
		}, []string{"reason"}),
		eventsSampled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sidecar_events_sampled",
			Help: "Events discarded by the sampler before enqueue.",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sidecar_errors_total",
			Help: "Observation-path errors swallowed by the fail-open wrapper, by operation.",
		}, []string{"operation"}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sidecar_queue_size",
			Help: "Current number of buffered events.",
		}),
		queueUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sidecar_queue_utilization",
			Help: "Queue fill ratio in [0,1].",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sidecar_cpu_usage",
			Help: "Sidecar process CPU usage percent.",
		}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sidecar_memory_usage",
			Help: "Sidecar process RSS in megabytes.",
		}),
		profilingEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sidecar_profiling_enabled",
			Help: "1 when expensive observation is enabled, 0 after a budget breach.",
		}),
		processingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sidecar_event_processing_duration_ms",
			Help:    "Per-event dequeue-to-persist latency in milliseconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sidecar_persistence_batch_size",
			Help:    "Records per committed persistence batch.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),
	}

	m.registry.MustRegister(
		m.eventsQueued, m.eventsProcessed, m.eventsDropped, m.eventsSampled,
		m.errorsTotal, m.queueSize, m.queueUtilization, m.cpuUsage,
		m.memoryUsage, m.profilingEnabled, m.processingDuration, m.batchSize,
	)
	m.profilingEnabled.Set(1)

	return m
}

// Gatherer exposes the private registry for promhttp.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// IncQueued records an accepted enqueue.
func (m *Metrics) IncQueued() {
	m.eventsQueued.Inc()
	m.queued.Add(1)
}

// AddProcessed records n fully persisted events.
func (m *Metrics) AddProcessed(n int) {
	m.eventsProcessed.Add(float64(n))
	m.processed.Add(int64(n))
}

// IncSampled records a sampler discard. Sampled events are not drops.
func (m *Metrics) IncSampled() {
	m.eventsSampled.Inc()
	m.sampled.Add(1)
}

// AddDropped records n dropped events under the given reason.
func (m *Metrics) AddDropped(reason string, n int) {
	m.eventsDropped.WithLabelValues(reason).Add(float64(n))

	v := int64(n)

	switch reason {
	case ReasonInvalid:
		m.droppedInvalid.Add(v)
	case ReasonQueueFull:
		m.droppedQueueFull.Add(v)
	case ReasonDuplicate:
		m.droppedDuplicate.Add(v)
	}
}

// IncDropped records a single dropped event under the given reason.
func (m *Metrics) IncDropped(reason string) {
	m.AddDropped(reason, 1)
}

// AddErrors records n fail-open errors for an operation.
func (m *Metrics) AddErrors(operation string, n int) {
	m.errorsTotal.WithLabelValues(operation).Add(float64(n))
	m.errors.Add(int64(n))
	m.window.add(time.Now(), int64(n))
}

// IncError records a single fail-open error for an operation.
func (m *Metrics) IncError(operation string) {
	m.AddErrors(operation, 1)
}

// SetQueueState publishes queue depth and utilization gauges.
func (m *Metrics) SetQueueState(size, capacity int) {
	m.queueSize.Set(float64(size))

	if capacity > 0 {
		m.queueUtilization.Set(float64(size) / float64(capacity))
	}
}

// SetResourceUsage publishes the governor's CPU/RSS sample.
func (m *Metrics) SetResourceUsage(cpuPercent, memoryMB float64) {
	m.cpuUsage.Set(cpuPercent)
	m.memoryUsage.Set(memoryMB)
}

// SetProfilingEnabled publishes the profiling gate as 0/1.
func (m *Metrics) SetProfilingEnabled(enabled bool) {
	if enabled {
		m.profilingEnabled.Set(1)
	} else {
		m.profilingEnabled.Set(0)
	}
}

// ObserveProcessing records one event's dequeue-to-persist latency.
func (m *Metrics) ObserveProcessing(d time.Duration) {
	m.processingDuration.Observe(float64(d.Microseconds()) / 1000.0)
}

// ObserveBatchSize records the size of a committed batch.
func (m *Metrics) ObserveBatchSize(n int) {
	m.batchSize.Observe(float64(n))
}

// Snapshot returns current counter values for the health endpoint.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		EventsQueued:     m.queued.Load(),
		EventsProcessed:  m.processed.Load(),
		EventsSampled:    m.sampled.Load(),
		DroppedInvalid:   m.droppedInvalid.Load(),
		DroppedQueueFull: m.droppedQueueFull.Load(),
		DroppedDuplicate: m.droppedDuplicate.Load(),
		ErrorsTotal:      m.errors.Load(),
	}
}

// DroppedTotal sums drops across all reasons.
func (s Snapshot) DroppedTotal() int64 {
	return s.DroppedInvalid + s.DroppedQueueFull + s.DroppedDuplicate
}

// ErrorsLastMinute returns the error count over the trailing 60 seconds.
func (m *Metrics) ErrorsLastMinute() int64 {
	return m.window.total(time.Now())
}

func (w *errorWindow) add(now time.Time, n int64) {
	sec := now.Unix()
	idx := sec % errorWindowBuckets

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stamps[idx] != sec {
		w.stamps[idx] = sec
		w.buckets[idx] = 0
	}

	w.buckets[idx] += n
}

func (w *errorWindow) total(now time.Time) int64 {
	cutoff := now.Unix() - errorWindowBuckets

	w.mu.Lock()
	defer w.mu.Unlock()

	var sum int64

	for i := range w.buckets {
		if w.stamps[i] > cutoff {
			sum += w.buckets[i]
		}
	}

	return sum
}
