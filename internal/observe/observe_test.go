package observe

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/testlens-io/sidecar/internal/metrics"
)

func newRecorder(t *testing.T) (*Recorder, *metrics.Metrics) {
	t.Helper()

	m := metrics.New()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	return NewRecorder(logger, m), m
}

func TestDo_Success(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r, m := newRecorder(t)

	if !r.Do("op", func() error { return nil }) {
		t.Error("Do() should report true on success")
	}

	if got := m.Snapshot().ErrorsTotal; got != 0 {
		t.Errorf("errors_total = %d, want 0", got)
	}
}

func TestDo_ErrorSwallowedAndCounted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r, m := newRecorder(t)

	if r.Do("persist", func() error { return errors.New("boom") }) {
		t.Error("Do() should report false on error")
	}

	if got := m.Snapshot().ErrorsTotal; got != 1 {
		t.Errorf("errors_total = %d, want 1", got)
	}
}

func TestDo_PanicSwallowed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r, m := newRecorder(t)

	ok := r.Do("produce", func() error {
		panic("observation bug")
	})

	if ok {
		t.Error("Do() should report false on panic")
	}

	if got := m.Snapshot().ErrorsTotal; got != 1 {
		t.Errorf("errors_total = %d, want 1", got)
	}
}

func TestFail_CountsBatchSize(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r, m := newRecorder(t)

	r.Fail("persist", errors.New("write failed"), 64)

	if got := m.Snapshot().ErrorsTotal; got != 64 {
		t.Errorf("errors_total = %d, want 64", got)
	}
}

func TestFail_NilErrorIgnored(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r, m := newRecorder(t)

	r.Fail("persist", nil, 64)

	if got := m.Snapshot().ErrorsTotal; got != 0 {
		t.Errorf("errors_total = %d, want 0", got)
	}
}
