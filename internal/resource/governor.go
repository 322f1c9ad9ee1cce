// Package resource enforces the sidecar's CPU and memory budget. When usage
// stays over budget the governor sheds its most expensive optional work
// (profiling) instead of degrading the host test process.
package resource

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/testlens-io/sidecar/internal/config"
	"github.com/testlens-io/sidecar/internal/metrics"
	"github.com/testlens-io/sidecar/internal/observe"
)

// recoveryRatio is the hysteresis band: profiling re-enables only after
// usage holds below this fraction of the budget, preventing flapping at
// the threshold.
const recoveryRatio = 0.8

const bytesPerMiB = 1024 * 1024

// Usage is one sample of the sidecar's own resource consumption.
type Usage struct {
	CPUPercent float64
	MemoryMB   float64
}

// Sampler measures current usage. The production implementation reads the
// sidecar's own process stats; tests inject scripted samples.
type Sampler interface {
	Sample() (Usage, error)
}

// ProcessSampler measures the current process via gopsutil.
type ProcessSampler struct {
	proc *process.Process
}

// NewProcessSampler binds a sampler to the running process.
func NewProcessSampler() (*ProcessSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("bind process sampler: %w", err)
	}

	return &ProcessSampler{proc: proc}, nil
}

// Sample returns CPU percent since the previous call and resident memory
// in MiB.
func (s *ProcessSampler) Sample() (Usage, error) {
	cpu, err := s.proc.Percent(0)
	if err != nil {
		return Usage{}, fmt.Errorf("sample cpu: %w", err)
	}

	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("sample memory: %w", err)
	}

	return Usage{
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / bytesPerMiB,
	}, nil
}

// Governor samples usage on an interval and auto-disables profiling after
// breach_windows consecutive over-budget samples. Profiling re-enables after
// the same number of consecutive samples below the recovery band.
type Governor struct {
	store    *config.Store
	sampler  Sampler
	metrics  *metrics.Metrics
	recorder *observe.Recorder
	logger   *slog.Logger

	mu               sync.Mutex
	profilingEnabled bool
	breachStreak     int
	recoveryStreak   int
	lastUsage        Usage
	overBudget       bool
}

// NewGovernor creates a governor with profiling initially enabled.
func NewGovernor(
	store *config.Store,
	sampler Sampler,
	m *metrics.Metrics,
	recorder *observe.Recorder,
	logger *slog.Logger,
) *Governor {
	return &Governor{
		store:            store,
		sampler:          sampler,
		metrics:          m,
		recorder:         recorder,
		logger:           logger,
		profilingEnabled: true,
	}
}

// Run samples until ctx is canceled. The interval is re-read every tick so a
// hot reload of resources.sample_interval_ms takes effect without restart.
func (g *Governor) Run(ctx context.Context) error {
	for {
		interval := g.store.Snapshot().Resources.SampleInterval()

		timer := time.NewTimer(interval)

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
			g.Tick()
		}
	}
}

// Tick takes one sample and updates the breach state machine. Sampling
// failures are fail-open: counted and logged, state untouched.
func (g *Governor) Tick() {
	g.recorder.Do("resource_sample", func() error {
		usage, err := g.sampler.Sample()
		if err != nil {
			return err
		}

		g.evaluate(usage)

		return nil
	})
}

func (g *Governor) evaluate(usage Usage) {
	cfg := g.store.Snapshot().Resources

	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastUsage = usage
	g.overBudget = usage.CPUPercent > cfg.MaxCPUPercent || usage.MemoryMB > float64(cfg.MaxMemoryMB)

	g.metrics.SetResourceUsage(usage.CPUPercent, usage.MemoryMB)

	if g.overBudget {
		g.recoveryStreak = 0
		g.breachStreak++

		if g.profilingEnabled && g.breachStreak >= cfg.BreachWindows {
			g.profilingEnabled = false
			g.metrics.SetProfilingEnabled(false)
			g.logger.Warn("profiling_auto_disabled",
				slog.Float64("cpu_percent", usage.CPUPercent),
				slog.Float64("memory_mb", usage.MemoryMB),
				slog.Float64("cpu_budget", cfg.MaxCPUPercent),
				slog.Int("memory_budget_mb", cfg.MaxMemoryMB),
				slog.Int("breach_windows", cfg.BreachWindows),
			)
		}

		return
	}

	g.breachStreak = 0

	if g.profilingEnabled {
		return
	}

	recovered := usage.CPUPercent <= cfg.MaxCPUPercent*recoveryRatio &&
		usage.MemoryMB <= float64(cfg.MaxMemoryMB)*recoveryRatio

	if !recovered {
		g.recoveryStreak = 0

		return
	}

	g.recoveryStreak++

	if g.recoveryStreak >= cfg.BreachWindows {
		g.profilingEnabled = true
		g.recoveryStreak = 0
		g.metrics.SetProfilingEnabled(true)
		g.logger.Info("profiling_re_enabled",
			slog.Float64("cpu_percent", usage.CPUPercent),
			slog.Float64("memory_mb", usage.MemoryMB),
		)
	}
}

// ProfilingEnabled reports whether profiling is currently allowed.
func (g *Governor) ProfilingEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.profilingEnabled
}

// OverBudget reports whether the last sample exceeded either budget.
func (g *Governor) OverBudget() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.overBudget
}

// LastUsage returns the most recent sample.
func (g *Governor) LastUsage() Usage {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.lastUsage
}
