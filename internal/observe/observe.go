// Package observe implements the fail-open contract: no error raised inside
// the observation pipeline ever reaches the host test process.
package observe

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/testlens-io/sidecar/internal/metrics"
)

// Recorder wraps observation-side functions. Every error and panic is
// swallowed, logged as a structured sidecar_error record, and counted under
// sidecar_errors_total{operation}.
type Recorder struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRecorder creates a Recorder bound to the shared logger and metrics.
func NewRecorder(logger *slog.Logger, m *metrics.Metrics) *Recorder {
	return &Recorder{logger: logger, metrics: m}
}

// Do runs fn under the fail-open contract. It returns true when fn completed
// without error, false when an error or panic was swallowed. It never retries
// and never propagates.
func (r *Recorder) Do(operation string, fn func() error) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			ok = false

			r.record(operation, fmt.Errorf("panic: %v", p), debug.Stack())
		}
	}()

	if err := fn(); err != nil {
		r.record(operation, err, nil)

		return false
	}

	return true
}

// Fail records an already-observed error without running anything. Used where
// the caller needs the error value for flow control (e.g. batch accounting)
// but still owes the fail-open bookkeeping.
func (r *Recorder) Fail(operation string, err error, count int) {
	if err == nil {
		return
	}

	r.metrics.AddErrors(operation, count)
	r.logError(operation, err, nil)
}

func (r *Recorder) record(operation string, err error, stack []byte) {
	r.metrics.IncError(operation)
	r.logError(operation, err, stack)
}

func (r *Recorder) logError(operation string, err error, stack []byte) {
	attrs := []any{
		slog.String("operation", operation),
		slog.String("error_type", fmt.Sprintf("%T", err)),
		slog.String("error_message", err.Error()),
	}

	if stack != nil {
		attrs = append(attrs, slog.String("stack_trace", string(stack)))
	}

	r.logger.Error("sidecar_error", attrs...)
}
