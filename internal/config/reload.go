package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

type (
	// Store publishes immutable Config snapshots behind an atomic pointer.
	// Readers call Snapshot per operation and never observe a torn config;
	// writes are confined to Reload under a single mutex.
	Store struct {
		current atomic.Pointer[Config]
		mu      sync.Mutex
		logger  *slog.Logger
	}

	// Patch is the partial-config payload accepted by the reload endpoint.
	// Pointer fields distinguish "absent" from zero values.
	Patch struct {
		Enabled     *bool             `json:"enabled"`
		Workers     *int              `json:"workers"`
		LogLevel    *string           `json:"log_level"`
		Queue       *QueuePatch       `json:"queue"`
		Sampling    *SamplingPatch    `json:"sampling"`
		Resources   *ResourcePatch    `json:"resources"`
		Persistence *PersistencePatch `json:"persistence"`
		HTTP        *HTTPPatch        `json:"http"`
		Health      *HealthPatch      `json:"health"`
		Shutdown    *ShutdownPatch    `json:"shutdown"`
		Kafka       *KafkaPatch       `json:"kafka"`
		RateLimit   *RateLimitPatch   `json:"ratelimit"`
	}

	// QueuePatch covers queue settings. max_size is restart-required.
	QueuePatch struct {
		MaxSize    *int  `json:"max_size"`
		DropOnFull *bool `json:"drop_on_full"`
	}

	// SamplingPatch covers sampling.rates.
	SamplingPatch struct {
		Rates *RatesPatch `json:"rates"`
	}

	// RatesPatch covers the four sampling categories.
	RatesPatch struct {
		Events    *float64 `json:"events"`
		Logs      *float64 `json:"logs"`
		Profiling *float64 `json:"profiling"`
		Metrics   *float64 `json:"metrics"`
	}

	// ResourcePatch covers resource governor budgets.
	ResourcePatch struct {
		MaxCPUPercent    *float64 `json:"max_cpu_percent"`
		MaxMemoryMB      *int     `json:"max_memory_mb"`
		SampleIntervalMs *int     `json:"sample_interval_ms"`
		BreachWindows    *int     `json:"breach_windows"`
	}

	// PersistencePatch covers worker batching and write timeouts.
	PersistencePatch struct {
		BatchSize      *int  `json:"batch_size"`
		BatchLingerMs  *int  `json:"batch_linger_ms"`
		WriteTimeoutMs *int  `json:"write_timeout_ms"`
		KeepRaw        *bool `json:"keep_raw"`
	}

	// HTTPPatch covers the control-plane listener. host and port are
	// restart-required.
	HTTPPatch struct {
		Host             *string `json:"host"`
		Port             *int    `json:"port"`
		RequestTimeoutMs *int    `json:"request_timeout_ms"`
		MaxRequestSize   *int64  `json:"max_request_size"`
	}

	// HealthPatch covers health thresholds.
	HealthPatch struct {
		PersistenceGraceMs *int `json:"persistence_grace_ms"`
	}

	// ShutdownPatch covers the drain timeout.
	ShutdownPatch struct {
		DrainTimeoutMs *int `json:"drain_timeout_ms"`
	}

	// KafkaPatch covers the event mirror toggle and timing.
	KafkaPatch struct {
		Enabled        *bool   `json:"enabled"`
		Topic          *string `json:"topic"`
		WriteTimeoutMs *int    `json:"write_timeout_ms"`
	}

	// RateLimitPatch covers the ingress limiter numbers.
	RateLimitPatch struct {
		Enabled *bool `json:"enabled"`
		RPS     *int  `json:"rps"`
		Burst   *int  `json:"burst"`
	}

	// ReloadResult reports which fields a reload touched. Restart-required
	// fields are listed but their running values stay unchanged.
	ReloadResult struct {
		UpdatedFields   []string
		RestartRequired []string
	}
)

// NewStore creates a Store publishing cfg as the initial snapshot.
func NewStore(cfg *Config, logger *slog.Logger) *Store {
	s := &Store{logger: logger}
	s.current.Store(cfg)

	return s
}

// Snapshot returns the latest published configuration. The returned value is
// shared and must not be mutated.
func (s *Store) Snapshot() *Config {
	return s.current.Load()
}

// Reload applies a partial-config JSON payload. The patched copy is validated
// before publishing; on any error the running config is unchanged.
//
// Hot fields swap immediately. Restart-required fields (queue.max_size,
// workers, http.host, http.port) are acknowledged in RestartRequired without
// being applied. An unchanged payload is a no-op with empty UpdatedFields.
func (s *Store) Reload(payload []byte) (*ReloadResult, error) {
	var patch Patch

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&patch); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.current.Load()
	next := current.Clone()
	result := &ReloadResult{
		UpdatedFields:   []string{},
		RestartRequired: []string{},
	}

	patch.apply(next, result)

	if err := next.Validate(); err != nil {
		return nil, err
	}

	if len(result.UpdatedFields) == 0 {
		return result, nil
	}

	s.current.Store(next)

	s.logger.Info("Sidecar configuration reloaded",
		slog.Any("updated_fields", result.UpdatedFields),
		slog.Any("restart_required", result.RestartRequired),
	)

	return result, nil
}

// apply overlays the patch onto next, recording changed field paths.
//
//nolint:gocognit,cyclop // flat field-by-field overlay, one branch per option
func (p *Patch) apply(next *Config, result *ReloadResult) {
	setBool(&next.Enabled, p.Enabled, "enabled", result, false)
	setInt(&next.Workers, p.Workers, "workers", result, true)
	setString(&next.LogLevel, p.LogLevel, "log_level", result, false)

	if p.Queue != nil {
		setInt(&next.Queue.MaxSize, p.Queue.MaxSize, "queue.max_size", result, true)
		setBool(&next.Queue.DropOnFull, p.Queue.DropOnFull, "queue.drop_on_full", result, false)
	}

	if p.Sampling != nil && p.Sampling.Rates != nil {
		setFloat(&next.Sampling.Rates.Events, p.Sampling.Rates.Events, "sampling.rates.events", result, false)
		setFloat(&next.Sampling.Rates.Logs, p.Sampling.Rates.Logs, "sampling.rates.logs", result, false)
		setFloat(&next.Sampling.Rates.Profiling, p.Sampling.Rates.Profiling, "sampling.rates.profiling", result, false)
		setFloat(&next.Sampling.Rates.Metrics, p.Sampling.Rates.Metrics, "sampling.rates.metrics", result, false)
	}

	if p.Resources != nil {
		setFloat(&next.Resources.MaxCPUPercent, p.Resources.MaxCPUPercent, "resources.max_cpu_percent", result, false)
		setInt(&next.Resources.MaxMemoryMB, p.Resources.MaxMemoryMB, "resources.max_memory_mb", result, false)
		setInt(&next.Resources.SampleIntervalMs, p.Resources.SampleIntervalMs, "resources.sample_interval_ms", result, false)
		setInt(&next.Resources.BreachWindows, p.Resources.BreachWindows, "resources.breach_windows", result, false)
	}

	if p.Persistence != nil {
		setInt(&next.Persistence.BatchSize, p.Persistence.BatchSize, "persistence.batch_size", result, false)
		setInt(&next.Persistence.BatchLingerMs, p.Persistence.BatchLingerMs, "persistence.batch_linger_ms", result, false)
		setInt(&next.Persistence.WriteTimeoutMs, p.Persistence.WriteTimeoutMs, "persistence.write_timeout_ms", result, false)
		setBool(&next.Persistence.KeepRaw, p.Persistence.KeepRaw, "persistence.keep_raw", result, false)
	}

	if p.HTTP != nil {
		setString(&next.HTTP.Host, p.HTTP.Host, "http.host", result, true)
		setInt(&next.HTTP.Port, p.HTTP.Port, "http.port", result, true)
		setInt(&next.HTTP.RequestTimeoutMs, p.HTTP.RequestTimeoutMs, "http.request_timeout_ms", result, false)
		setInt64(&next.HTTP.MaxRequestSize, p.HTTP.MaxRequestSize, "http.max_request_size", result, false)
	}

	if p.Health != nil {
		setInt(&next.Health.PersistenceGraceMs, p.Health.PersistenceGraceMs, "health.persistence_grace_ms", result, false)
	}

	if p.Shutdown != nil {
		setInt(&next.Shutdown.DrainTimeoutMs, p.Shutdown.DrainTimeoutMs, "shutdown.drain_timeout_ms", result, false)
	}

	if p.Kafka != nil {
		setBool(&next.Kafka.Enabled, p.Kafka.Enabled, "kafka.enabled", result, false)
		setString(&next.Kafka.Topic, p.Kafka.Topic, "kafka.topic", result, false)
		setInt(&next.Kafka.WriteTimeoutMs, p.Kafka.WriteTimeoutMs, "kafka.write_timeout_ms", result, false)
	}

	if p.RateLimit != nil {
		setBool(&next.RateLimit.Enabled, p.RateLimit.Enabled, "ratelimit.enabled", result, false)
		setInt(&next.RateLimit.RPS, p.RateLimit.RPS, "ratelimit.rps", result, false)
		setInt(&next.RateLimit.Burst, p.RateLimit.Burst, "ratelimit.burst", result, false)
	}
}

func setBool(dst *bool, src *bool, path string, result *ReloadResult, restart bool) {
	if src == nil || *src == *dst {
		return
	}

	record(path, result, restart)

	if !restart {
		*dst = *src
	}
}

func setInt(dst *int, src *int, path string, result *ReloadResult, restart bool) {
	if src == nil || *src == *dst {
		return
	}

	record(path, result, restart)

	if !restart {
		*dst = *src
	}
}

func setInt64(dst *int64, src *int64, path string, result *ReloadResult, restart bool) {
	if src == nil || *src == *dst {
		return
	}

	record(path, result, restart)

	if !restart {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64, path string, result *ReloadResult, restart bool) {
	if src == nil || *src == *dst {
		return
	}

	record(path, result, restart)

	if !restart {
		*dst = *src
	}
}

func setString(dst *string, src *string, path string, result *ReloadResult, restart bool) {
	if src == nil || *src == *dst {
		return
	}

	record(path, result, restart)

	if !restart {
		*dst = *src
	}
}

func record(path string, result *ReloadResult, restart bool) {
	result.UpdatedFields = append(result.UpdatedFields, path)

	if restart {
		result.RestartRequired = append(result.RestartRequired, path)
	}
}
