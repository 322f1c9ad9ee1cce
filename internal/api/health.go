package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/testlens-io/sidecar/internal/api/middleware"
)

// Health state thresholds. Utilization and error-rate bands are fixed by the
// operational contract, not configurable.
const (
	utilizationDegraded = 0.80
	utilizationDown     = 0.95
	utilizationNotReady = 0.90

	errorsDegraded = 10
	errorsDown     = 50
)

type (
	// HealthStatus is the GET /health response body.
	HealthStatus struct {
		Status           string         `json:"status"`
		Timestamp        string         `json:"timestamp"`
		Uptime           string         `json:"uptime,omitempty"`
		ProfilingEnabled bool           `json:"profiling_enabled"` //nolint: tagliatelle
		Queue            QueueStatus    `json:"queue"`
		Resources        ResourceStatus `json:"resources"`
		Metrics          MetricsStatus  `json:"metrics"`
	}

	// QueueStatus describes the buffering point.
	QueueStatus struct {
		Size          int     `json:"size"`
		MaxSize       int     `json:"max_size"`       //nolint: tagliatelle
		Utilization   float64 `json:"utilization"`
		DroppedEvents int64   `json:"dropped_events"` //nolint: tagliatelle
	}

	// ResourceStatus describes the sidecar's own footprint.
	ResourceStatus struct {
		CPUPercent       float64 `json:"cpu_percent"`        //nolint: tagliatelle
		MemoryMB         float64 `json:"memory_mb"`          //nolint: tagliatelle
		CPUOverBudget    bool    `json:"cpu_over_budget"`    //nolint: tagliatelle
		MemoryOverBudget bool    `json:"memory_over_budget"` //nolint: tagliatelle
	}

	// MetricsStatus mirrors the pipeline counters.
	MetricsStatus struct {
		EventsQueued    int64 `json:"events_queued"`    //nolint: tagliatelle
		EventsProcessed int64 `json:"events_processed"` //nolint: tagliatelle
		EventsDropped   int64 `json:"events_dropped"`   //nolint: tagliatelle
		ErrorsTotal     int64 `json:"errors_total"`     //nolint: tagliatelle
	}

	// ReadyStatus is the GET /ready response body.
	ReadyStatus struct {
		Ready            bool    `json:"ready"`
		Timestamp        string  `json:"timestamp"`
		QueueUtilization float64 `json:"queue_utilization"` //nolint: tagliatelle
		Enabled          bool    `json:"enabled"`
	}
)

// handleHealth reports the pipeline state machine: ok, degraded, or down.
// down responds 503 so orchestrators restart the sidecar; degraded stays 200
// because the pipeline is still shedding load by design.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Snapshot()
	snap := s.metrics.Snapshot()
	usage := s.governor.LastUsage()

	utilization := s.queue.Utilization()
	errorsLastMinute := s.metrics.ErrorsLastMinute()
	persistenceDown := s.persist.FailingFor() > cfg.Health.PersistenceGrace()

	status := "ok"

	switch {
	case utilization >= utilizationDown || errorsLastMinute > errorsDown || persistenceDown:
		status = "down"
	case utilization >= utilizationDegraded || errorsLastMinute >= errorsDegraded || s.governor.OverBudget():
		status = "degraded"
	}

	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	health := HealthStatus{
		Status:           status,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		Uptime:           uptime,
		ProfilingEnabled: s.governor.ProfilingEnabled(),
		Queue: QueueStatus{
			Size:          s.queue.Len(),
			MaxSize:       s.queue.Cap(),
			Utilization:   utilization,
			DroppedEvents: snap.DroppedTotal(),
		},
		Resources: ResourceStatus{
			CPUPercent:       usage.CPUPercent,
			MemoryMB:         usage.MemoryMB,
			CPUOverBudget:    usage.CPUPercent > cfg.Resources.MaxCPUPercent,
			MemoryOverBudget: usage.MemoryMB > float64(cfg.Resources.MaxMemoryMB),
		},
		Metrics: MetricsStatus{
			EventsQueued:    snap.EventsQueued,
			EventsProcessed: snap.EventsProcessed,
			EventsDropped:   snap.DroppedTotal(),
			ErrorsTotal:     snap.ErrorsTotal,
		},
	}

	code := http.StatusOK
	if status == "down" {
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, r, code, health)
}

// handleReady reports whether the sidecar should receive traffic: enabled
// and the queue below the readiness band.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Snapshot()
	utilization := s.queue.Utilization()

	ready := cfg.Enabled && utilization < utilizationNotReady

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, r, code, ReadyStatus{
		Ready:            ready,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		QueueUtilization: utilization,
		Enabled:          cfg.Enabled,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}
