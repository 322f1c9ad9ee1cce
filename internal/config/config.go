package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for every recognized option. Environment variables override the
// YAML file, which overrides these.
const (
	defaultWorkers          = 2
	defaultQueueMaxSize     = 5000
	defaultEventsRate       = 0.1
	defaultLogsRate         = 0.05
	defaultProfilingRate    = 0.01
	defaultMetricsRate      = 1.0
	defaultMaxCPUPercent    = 5.0
	defaultMaxMemoryMB      = 100
	defaultSampleIntervalMs = 1000
	defaultBreachWindows    = 3
	defaultBatchSize        = 64
	defaultBatchLingerMs    = 50
	defaultWriteTimeoutMs   = 2000
	defaultHTTPHost         = "0.0.0.0"
	defaultHTTPPort         = 8765
	defaultRequestTimeoutMs = 2000
	defaultPersistGraceMs   = 30000
	defaultDrainTimeoutMs   = 5000
	defaultMaxRequestSize   = 1048576 // 1 MB
	defaultKafkaTopic       = "sidecar.events"
	defaultKafkaTimeoutMs   = 2000
	defaultRateLimitRPS     = 500
	defaultRateLimitBurst   = 1000
	defaultMaxOpenConns     = 25
	defaultMaxIdleConns     = 5
	defaultConnMaxLifetime  = 30 * time.Minute
	defaultConnMaxIdleTime  = 10 * time.Minute

	maxPort = 65535
)

// Validation errors (static sentinels for errors.Is checks).
var (
	// ErrInvalid wraps every configuration validation failure so callers can
	// map the whole class to a 400 response.
	ErrInvalid = errors.New("invalid sidecar configuration")

	// ErrHeadDropUnsupported indicates drop_on_full=false was requested.
	// The queue only supports tail-drop; head-drop would invalidate
	// test_start/test_end pairs already buffered.
	ErrHeadDropUnsupported = errors.New("queue.drop_on_full=false is not supported")

	// ErrQueueSizeInvalid indicates queue.max_size is zero or negative.
	ErrQueueSizeInvalid = errors.New("queue.max_size must be positive")

	// ErrWorkersNegative indicates a negative worker count.
	ErrWorkersNegative = errors.New("workers cannot be negative")

	// ErrSamplingRateRange indicates a sampling rate outside [0.0, 1.0].
	ErrSamplingRateRange = errors.New("sampling rate must be within [0.0, 1.0]")

	// ErrResourceBudgetInvalid indicates a non-positive CPU or memory budget.
	ErrResourceBudgetInvalid = errors.New("resource budgets must be positive")

	// ErrBatchSizeInvalid indicates persistence.batch_size is zero or negative.
	ErrBatchSizeInvalid = errors.New("persistence.batch_size must be positive")

	// ErrTimeoutInvalid indicates a zero or negative timeout.
	ErrTimeoutInvalid = errors.New("timeout must be positive")

	// ErrInvalidPort indicates http.port is outside 1-65535.
	ErrInvalidPort = errors.New("http.port must be between 1 and 65535")

	// ErrEmptyHost indicates http.host is empty.
	ErrEmptyHost = errors.New("http.host cannot be empty")

	// ErrKafkaBrokersEmpty indicates kafka.enabled without brokers.
	ErrKafkaBrokersEmpty = errors.New("kafka.brokers cannot be empty when kafka is enabled")

	// ErrAuthKeysEmpty indicates auth.enabled without any API key hashes.
	ErrAuthKeysEmpty = errors.New("auth.api_key_hashes cannot be empty when auth is enabled")

	// ErrRateLimitInvalid indicates a non-positive rate limit when enabled.
	ErrRateLimitInvalid = errors.New("ratelimit.rps and ratelimit.burst must be positive")
)

type (
	// Config is the full sidecar configuration. Instances are immutable once
	// published through a Store; reload builds a fresh copy and swaps.
	//
	// Millisecond fields mirror the wire schema exactly (batch_linger_ms,
	// write_timeout_ms, ...); the *Duration accessors convert for callers.
	Config struct {
		Enabled     bool              `yaml:"enabled" json:"enabled"`
		Workers     int               `yaml:"workers" json:"workers"`
		LogLevel    string            `yaml:"log_level" json:"log_level"`
		Queue       QueueConfig       `yaml:"queue" json:"queue"`
		Sampling    SamplingConfig    `yaml:"sampling" json:"sampling"`
		Resources   ResourceConfig    `yaml:"resources" json:"resources"`
		Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`
		HTTP        HTTPConfig        `yaml:"http" json:"http"`
		Health      HealthConfig      `yaml:"health" json:"health"`
		Shutdown    ShutdownConfig    `yaml:"shutdown" json:"shutdown"`
		Kafka       KafkaConfig       `yaml:"kafka" json:"kafka"`
		Auth        AuthConfig        `yaml:"auth" json:"auth"`
		RateLimit   RateLimitConfig   `yaml:"ratelimit" json:"ratelimit"`

		// Database is loaded from environment only (never from the YAML file
		// or the reload payload); credentials do not belong in either.
		Database DatabaseConfig `yaml:"-" json:"-"`
	}

	// QueueConfig bounds the single in-memory event buffer.
	QueueConfig struct {
		MaxSize    int  `yaml:"max_size" json:"max_size"`
		DropOnFull bool `yaml:"drop_on_full" json:"drop_on_full"`
	}

	// SamplingConfig holds per-category Bernoulli sampling rates.
	SamplingConfig struct {
		Rates SamplingRates `yaml:"rates" json:"rates"`
	}

	// SamplingRates are independent keep probabilities per category.
	SamplingRates struct {
		Events    float64 `yaml:"events" json:"events"`
		Logs      float64 `yaml:"logs" json:"logs"`
		Profiling float64 `yaml:"profiling" json:"profiling"`
		Metrics   float64 `yaml:"metrics" json:"metrics"`
	}

	// ResourceConfig holds the CPU/memory budgets for the resource governor.
	ResourceConfig struct {
		MaxCPUPercent    float64 `yaml:"max_cpu_percent" json:"max_cpu_percent"`
		MaxMemoryMB      int     `yaml:"max_memory_mb" json:"max_memory_mb"`
		SampleIntervalMs int     `yaml:"sample_interval_ms" json:"sample_interval_ms"`
		BreachWindows    int     `yaml:"breach_windows" json:"breach_windows"`
	}

	// PersistenceConfig controls worker batching and the write path.
	PersistenceConfig struct {
		BatchSize      int  `yaml:"batch_size" json:"batch_size"`
		BatchLingerMs  int  `yaml:"batch_linger_ms" json:"batch_linger_ms"`
		WriteTimeoutMs int  `yaml:"write_timeout_ms" json:"write_timeout_ms"`
		KeepRaw        bool `yaml:"keep_raw" json:"keep_raw"`
	}

	// HTTPConfig configures the control-plane listener.
	HTTPConfig struct {
		Host             string `yaml:"host" json:"host"`
		Port             int    `yaml:"port" json:"port"`
		RequestTimeoutMs int    `yaml:"request_timeout_ms" json:"request_timeout_ms"`
		MaxRequestSize   int64  `yaml:"max_request_size" json:"max_request_size"`
	}

	// HealthConfig tunes the /health state machine.
	HealthConfig struct {
		PersistenceGraceMs int `yaml:"persistence_grace_ms" json:"persistence_grace_ms"`
	}

	// ShutdownConfig bounds the drain phase on stop.
	ShutdownConfig struct {
		DrainTimeoutMs int `yaml:"drain_timeout_ms" json:"drain_timeout_ms"`
	}

	// KafkaConfig configures the optional event mirror for downstream
	// analytics consumers.
	KafkaConfig struct {
		Enabled        bool     `yaml:"enabled" json:"enabled"`
		Brokers        []string `yaml:"brokers" json:"brokers"`
		Topic          string   `yaml:"topic" json:"topic"`
		WriteTimeoutMs int      `yaml:"write_timeout_ms" json:"write_timeout_ms"`
	}

	// AuthConfig configures optional API-key authentication on /events.
	// Keys are supplied as bcrypt hashes; plaintext keys are never stored.
	AuthConfig struct {
		Enabled      bool     `yaml:"enabled" json:"enabled"`
		APIKeyHashes []string `yaml:"api_key_hashes" json:"api_key_hashes"`
	}

	// RateLimitConfig configures the ingress token bucket.
	RateLimitConfig struct {
		Enabled bool `yaml:"enabled" json:"enabled"`
		RPS     int  `yaml:"rps" json:"rps"`
		Burst   int  `yaml:"burst" json:"burst"`
	}

	// DatabaseConfig holds PostgreSQL connection settings.
	DatabaseConfig struct {
		URL             string
		MaxOpenConns    int
		MaxIdleConns    int
		ConnMaxLifetime time.Duration
		ConnMaxIdleTime time.Duration
	}

	// yamlFile mirrors the on-disk layout with a single sidecar: root.
	yamlFile struct {
		Sidecar Config `yaml:"sidecar"`
	}
)

// Default returns a Config populated with every documented default.
func Default() *Config {
	return &Config{
		Enabled:  true,
		Workers:  defaultWorkers,
		LogLevel: "info",
		Queue: QueueConfig{
			MaxSize:    defaultQueueMaxSize,
			DropOnFull: true,
		},
		Sampling: SamplingConfig{
			Rates: SamplingRates{
				Events:    defaultEventsRate,
				Logs:      defaultLogsRate,
				Profiling: defaultProfilingRate,
				Metrics:   defaultMetricsRate,
			},
		},
		Resources: ResourceConfig{
			MaxCPUPercent:    defaultMaxCPUPercent,
			MaxMemoryMB:      defaultMaxMemoryMB,
			SampleIntervalMs: defaultSampleIntervalMs,
			BreachWindows:    defaultBreachWindows,
		},
		Persistence: PersistenceConfig{
			BatchSize:      defaultBatchSize,
			BatchLingerMs:  defaultBatchLingerMs,
			WriteTimeoutMs: defaultWriteTimeoutMs,
			KeepRaw:        false,
		},
		HTTP: HTTPConfig{
			Host:             defaultHTTPHost,
			Port:             defaultHTTPPort,
			RequestTimeoutMs: defaultRequestTimeoutMs,
			MaxRequestSize:   defaultMaxRequestSize,
		},
		Health: HealthConfig{
			PersistenceGraceMs: defaultPersistGraceMs,
		},
		Shutdown: ShutdownConfig{
			DrainTimeoutMs: defaultDrainTimeoutMs,
		},
		Kafka: KafkaConfig{
			Enabled:        false,
			Brokers:        []string{},
			Topic:          defaultKafkaTopic,
			WriteTimeoutMs: defaultKafkaTimeoutMs,
		},
		Auth: AuthConfig{
			Enabled:      false,
			APIKeyHashes: []string{},
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     defaultRateLimitRPS,
			Burst:   defaultRateLimitBurst,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    defaultMaxOpenConns,
			MaxIdleConns:    defaultMaxIdleConns,
			ConnMaxLifetime: defaultConnMaxLifetime,
			ConnMaxIdleTime: defaultConnMaxIdleTime,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty or the file does not exist), then
// environment overrides. The result is validated before being returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)

		switch {
		case errors.Is(err, os.ErrNotExist):
			// Missing file is fine; env + defaults carry the config.
		case err != nil:
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		default:
			var file yamlFile

			file.Sidecar = *cfg
			if err := yaml.Unmarshal(data, &file); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalid, path, err)
			}

			*cfg = file.Sidecar
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overlays SIDECAR_* environment variables onto the config.
func (c *Config) applyEnv() {
	c.Enabled = GetEnvBool("SIDECAR_ENABLED", c.Enabled)
	c.Workers = GetEnvInt("SIDECAR_WORKERS", c.Workers)
	c.LogLevel = GetEnvStr("SIDECAR_LOG_LEVEL", c.LogLevel)

	c.Queue.MaxSize = GetEnvInt("SIDECAR_QUEUE_MAX_SIZE", c.Queue.MaxSize)
	c.Queue.DropOnFull = GetEnvBool("SIDECAR_QUEUE_DROP_ON_FULL", c.Queue.DropOnFull)

	c.Sampling.Rates.Events = GetEnvFloat("SIDECAR_SAMPLING_EVENTS", c.Sampling.Rates.Events)
	c.Sampling.Rates.Logs = GetEnvFloat("SIDECAR_SAMPLING_LOGS", c.Sampling.Rates.Logs)
	c.Sampling.Rates.Profiling = GetEnvFloat("SIDECAR_SAMPLING_PROFILING", c.Sampling.Rates.Profiling)
	c.Sampling.Rates.Metrics = GetEnvFloat("SIDECAR_SAMPLING_METRICS", c.Sampling.Rates.Metrics)

	c.Resources.MaxCPUPercent = GetEnvFloat("SIDECAR_RESOURCES_MAX_CPU_PERCENT", c.Resources.MaxCPUPercent)
	c.Resources.MaxMemoryMB = GetEnvInt("SIDECAR_RESOURCES_MAX_MEMORY_MB", c.Resources.MaxMemoryMB)
	c.Resources.SampleIntervalMs = GetEnvInt("SIDECAR_RESOURCES_SAMPLE_INTERVAL_MS", c.Resources.SampleIntervalMs)
	c.Resources.BreachWindows = GetEnvInt("SIDECAR_RESOURCES_BREACH_WINDOWS", c.Resources.BreachWindows)

	c.Persistence.BatchSize = GetEnvInt("SIDECAR_PERSISTENCE_BATCH_SIZE", c.Persistence.BatchSize)
	c.Persistence.BatchLingerMs = GetEnvInt("SIDECAR_PERSISTENCE_BATCH_LINGER_MS", c.Persistence.BatchLingerMs)
	c.Persistence.WriteTimeoutMs = GetEnvInt("SIDECAR_PERSISTENCE_WRITE_TIMEOUT_MS", c.Persistence.WriteTimeoutMs)
	c.Persistence.KeepRaw = GetEnvBool("SIDECAR_PERSISTENCE_KEEP_RAW", c.Persistence.KeepRaw)

	c.HTTP.Host = GetEnvStr("SIDECAR_HTTP_HOST", c.HTTP.Host)
	c.HTTP.Port = GetEnvInt("SIDECAR_HTTP_PORT", c.HTTP.Port)
	c.HTTP.RequestTimeoutMs = GetEnvInt("SIDECAR_HTTP_REQUEST_TIMEOUT_MS", c.HTTP.RequestTimeoutMs)
	c.HTTP.MaxRequestSize = GetEnvInt64("SIDECAR_HTTP_MAX_REQUEST_SIZE", c.HTTP.MaxRequestSize)

	c.Health.PersistenceGraceMs = GetEnvInt("SIDECAR_HEALTH_PERSISTENCE_GRACE_MS", c.Health.PersistenceGraceMs)
	c.Shutdown.DrainTimeoutMs = GetEnvInt("SIDECAR_SHUTDOWN_DRAIN_TIMEOUT_MS", c.Shutdown.DrainTimeoutMs)

	c.Kafka.Enabled = GetEnvBool("SIDECAR_KAFKA_ENABLED", c.Kafka.Enabled)
	if brokers := GetEnvStr("SIDECAR_KAFKA_BROKERS", ""); brokers != "" {
		c.Kafka.Brokers = ParseCommaSeparatedList(brokers)
	}

	c.Kafka.Topic = GetEnvStr("SIDECAR_KAFKA_TOPIC", c.Kafka.Topic)
	c.Kafka.WriteTimeoutMs = GetEnvInt("SIDECAR_KAFKA_WRITE_TIMEOUT_MS", c.Kafka.WriteTimeoutMs)

	c.Auth.Enabled = GetEnvBool("SIDECAR_AUTH_ENABLED", c.Auth.Enabled)
	if hashes := GetEnvStr("SIDECAR_API_KEY_HASHES", ""); hashes != "" {
		c.Auth.APIKeyHashes = ParseCommaSeparatedList(hashes)
	}

	c.RateLimit.Enabled = GetEnvBool("SIDECAR_RATELIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.RPS = GetEnvInt("SIDECAR_RATELIMIT_RPS", c.RateLimit.RPS)
	c.RateLimit.Burst = GetEnvInt("SIDECAR_RATELIMIT_BURST", c.RateLimit.Burst)

	c.Database.URL = GetEnvStr("SIDECAR_DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = GetEnvInt("SIDECAR_DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = GetEnvInt("SIDECAR_DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = GetEnvDuration("SIDECAR_DATABASE_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)
	c.Database.ConnMaxIdleTime = GetEnvDuration("SIDECAR_DATABASE_CONN_MAX_IDLE_TIME", c.Database.ConnMaxIdleTime)
}

// Validate checks every invariant of the configuration.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("%w: %w: got %d", ErrInvalid, ErrWorkersNegative, c.Workers)
	}

	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("%w: %w: got %d", ErrInvalid, ErrQueueSizeInvalid, c.Queue.MaxSize)
	}

	if !c.Queue.DropOnFull {
		return fmt.Errorf("%w: %w", ErrInvalid, ErrHeadDropUnsupported)
	}

	for name, rate := range map[string]float64{
		"events":    c.Sampling.Rates.Events,
		"logs":      c.Sampling.Rates.Logs,
		"profiling": c.Sampling.Rates.Profiling,
		"metrics":   c.Sampling.Rates.Metrics,
	} {
		if rate < 0.0 || rate > 1.0 {
			return fmt.Errorf("%w: %w: sampling.rates.%s=%v", ErrInvalid, ErrSamplingRateRange, name, rate)
		}
	}

	if c.Resources.MaxCPUPercent <= 0 || c.Resources.MaxMemoryMB <= 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, ErrResourceBudgetInvalid)
	}

	if c.Resources.SampleIntervalMs <= 0 || c.Resources.BreachWindows <= 0 {
		return fmt.Errorf("%w: %w: resources sampling", ErrInvalid, ErrTimeoutInvalid)
	}

	if c.Persistence.BatchSize <= 0 {
		return fmt.Errorf("%w: %w: got %d", ErrInvalid, ErrBatchSizeInvalid, c.Persistence.BatchSize)
	}

	if c.Persistence.BatchLingerMs < 0 || c.Persistence.WriteTimeoutMs <= 0 {
		return fmt.Errorf("%w: %w: persistence timing", ErrInvalid, ErrTimeoutInvalid)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > maxPort {
		return fmt.Errorf("%w: %w: got %d", ErrInvalid, ErrInvalidPort, c.HTTP.Port)
	}

	if strings.TrimSpace(c.HTTP.Host) == "" {
		return fmt.Errorf("%w: %w", ErrInvalid, ErrEmptyHost)
	}

	if c.HTTP.RequestTimeoutMs <= 0 || c.HTTP.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: %w: http timing/sizing", ErrInvalid, ErrTimeoutInvalid)
	}

	if c.Health.PersistenceGraceMs <= 0 || c.Shutdown.DrainTimeoutMs <= 0 {
		return fmt.Errorf("%w: %w: health/shutdown timing", ErrInvalid, ErrTimeoutInvalid)
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 || strings.TrimSpace(c.Kafka.Topic) == "" {
			return fmt.Errorf("%w: %w", ErrInvalid, ErrKafkaBrokersEmpty)
		}

		if c.Kafka.WriteTimeoutMs <= 0 {
			return fmt.Errorf("%w: %w: kafka.write_timeout_ms", ErrInvalid, ErrTimeoutInvalid)
		}
	}

	if c.Auth.Enabled && len(c.Auth.APIKeyHashes) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, ErrAuthKeysEmpty)
	}

	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("%w: %w", ErrInvalid, ErrRateLimitInvalid)
	}

	return nil
}

// Level converts the configured log level string to a slog.Level.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Clone returns a deep copy; slices are duplicated so a patched copy never
// aliases the published snapshot.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Kafka.Brokers = append([]string(nil), c.Kafka.Brokers...)
	clone.Auth.APIKeyHashes = append([]string(nil), c.Auth.APIKeyHashes...)

	return &clone
}

// BatchLinger returns persistence.batch_linger_ms as a duration.
func (c PersistenceConfig) BatchLinger() time.Duration {
	return time.Duration(c.BatchLingerMs) * time.Millisecond
}

// WriteTimeout returns persistence.write_timeout_ms as a duration.
func (c PersistenceConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// SampleInterval returns resources.sample_interval_ms as a duration.
func (c ResourceConfig) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalMs) * time.Millisecond
}

// RequestTimeout returns http.request_timeout_ms as a duration.
func (c HTTPConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// Address returns the listener address in host:port format.
func (c HTTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PersistenceGrace returns health.persistence_grace_ms as a duration.
func (c HealthConfig) PersistenceGrace() time.Duration {
	return time.Duration(c.PersistenceGraceMs) * time.Millisecond
}

// DrainTimeout returns shutdown.drain_timeout_ms as a duration.
func (c ShutdownConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

// WriteTimeout returns kafka.write_timeout_ms as a duration.
func (c KafkaConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// MaskDatabaseURL returns the database URL with any password replaced by ***,
// safe for logging.
func (c DatabaseConfig) MaskDatabaseURL() string {
	if c.URL == "" {
		return ""
	}

	schemeEnd := strings.Index(c.URL, "://")
	if schemeEnd == -1 {
		return c.URL
	}

	afterScheme := c.URL[schemeEnd+3:]

	lastAt := strings.LastIndex(afterScheme, "@")
	if lastAt == -1 {
		return c.URL
	}

	userInfo := afterScheme[:lastAt]

	colon := strings.Index(userInfo, ":")
	if colon == -1 || userInfo[colon+1:] == "" {
		return c.URL
	}

	return c.URL[:schemeEnd] + "://" + userInfo[:colon] + ":***" + afterScheme[lastAt:]
}
