package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/testlens-io/sidecar/internal/config"
	"github.com/testlens-io/sidecar/internal/ingestion"
	"github.com/testlens-io/sidecar/internal/metrics"
	"github.com/testlens-io/sidecar/internal/observe"
	"github.com/testlens-io/sidecar/internal/storage"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches []*storage.Batch
	err     error
	result  func(*storage.Batch) storage.BatchResult
}

func (w *fakeWriter) WriteBatch(_ context.Context, batch *storage.Batch) (storage.BatchResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.batches = append(w.batches, batch)

	if w.err != nil {
		return storage.BatchResult{}, w.err
	}

	if w.result != nil {
		return w.result(batch), nil
	}

	return storage.BatchResult{Inserted: batch.Records()}, nil
}

func (w *fakeWriter) calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.batches)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*ingestion.Event
}

func (p *fakePublisher) Publish(_ context.Context, events []*ingestion.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, events...)

	return nil
}

type poolFixture struct {
	pool    *Pool
	queue   *ingestion.Queue
	writer  *fakeWriter
	health  *storage.HealthTracker
	metrics *metrics.Metrics
}

func newPoolFixture(t *testing.T, writer *fakeWriter, publisher Publisher, mutate func(*config.Config)) *poolFixture {
	t.Helper()

	cfg := config.Default()
	cfg.Workers = 1
	cfg.Queue.MaxSize = 64
	cfg.Persistence.BatchSize = 8
	cfg.Persistence.BatchLingerMs = 10
	cfg.Shutdown.DrainTimeoutMs = 200

	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := config.NewStore(cfg, logger)
	m := metrics.New()
	recorder := observe.NewRecorder(logger, m)
	queue := ingestion.NewQueue(cfg.Queue.MaxSize)
	health := storage.NewHealthTracker()

	pool := NewPool(store, queue, writer, health, m, recorder, publisher, logger)
	pool.sleep = func(context.Context, time.Duration) {} // fast retries in tests

	return &poolFixture{
		pool:    pool,
		queue:   queue,
		writer:  writer,
		health:  health,
		metrics: m,
	}
}

func enqueue(t *testing.T, q *ingestion.Queue, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		ev := &ingestion.Event{
			Type:      ingestion.EventTestEnd,
			Timestamp: time.Now().UTC(),
			RunID:     "run-1",
			TestID:    "t-1",
			Data: map[string]any{
				"test_name":    "x",
				"elapsed_time": 0.1,
				"status":       "PASS",
			},
		}

		if !q.TryPut(ev) {
			t.Fatal("enqueue failed, queue too small for test")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not reached within 2s")
}

func TestPool_PersistsBatches(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	writer := &fakeWriter{}
	f := newPoolFixture(t, writer, nil, nil)

	enqueue(t, f.queue, 10)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		_ = f.pool.Run(ctx)

		close(done)
	}()

	waitFor(t, func() bool { return f.metrics.Snapshot().EventsProcessed == 10 })

	cancel()
	<-done

	if f.health.FailingFor() != 0 {
		t.Error("successful writes should keep persistence healthy")
	}
}

func TestPool_FailingWriterCountsErrorsAndKeepsDraining(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	writer := &fakeWriter{err: errors.New("database down")}
	f := newPoolFixture(t, writer, nil, nil)

	enqueue(t, f.queue, 8)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		_ = f.pool.Run(ctx)

		close(done)
	}()

	// Every event ends up counted under errors_total; nothing is processed.
	waitFor(t, func() bool { return f.metrics.Snapshot().ErrorsTotal >= 8 })
	waitFor(t, func() bool { return f.queue.Len() == 0 })

	cancel()
	<-done

	if got := f.metrics.Snapshot().EventsProcessed; got != 0 {
		t.Errorf("events_processed = %d, want 0 with a failing writer", got)
	}

	if f.health.FailingFor() == 0 {
		t.Error("sustained write failures should open the failure window")
	}
}

func TestPool_RetriesOnceBeforeGivingUp(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	writer := &fakeWriter{err: errors.New("transient")}
	f := newPoolFixture(t, writer, nil, nil)

	enqueue(t, f.queue, 1)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		_ = f.pool.Run(ctx)

		close(done)
	}()

	// One batch, two attempts: the write is retried exactly once.
	waitFor(t, func() bool { return writer.calls() >= 2 })

	cancel()
	<-done

	if f.metrics.Snapshot().ErrorsTotal == 0 {
		t.Error("discarded batch should be counted under errors_total")
	}
}

func TestPool_DuplicatesCountedAsDropped(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	writer := &fakeWriter{
		result: func(b *storage.Batch) storage.BatchResult {
			return storage.BatchResult{Inserted: b.Records() - 1, Duplicates: 1}
		},
	}
	f := newPoolFixture(t, writer, nil, nil)

	enqueue(t, f.queue, 4)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		_ = f.pool.Run(ctx)

		close(done)
	}()

	waitFor(t, func() bool { return f.metrics.Snapshot().DroppedDuplicate >= 1 })

	cancel()
	<-done

	snap := f.metrics.Snapshot()
	if snap.EventsProcessed+snap.DroppedDuplicate != 4 {
		t.Errorf("processed + duplicates = %d, want 4", snap.EventsProcessed+snap.DroppedDuplicate)
	}
}

func TestPool_DrainFlushesOnShutdown(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	writer := &fakeWriter{}

	// Zero workers: nothing consumes until shutdown, then drain flushes.
	f := newPoolFixture(t, writer, nil, func(c *config.Config) {
		c.Workers = 0
	})

	enqueue(t, f.queue, 6)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		_ = f.pool.Run(ctx)

		close(done)
	}()

	cancel()
	<-done

	if got := f.metrics.Snapshot().EventsProcessed; got != 6 {
		t.Errorf("drain should flush the residual queue, processed = %d, want 6", got)
	}

	if f.queue.Len() != 0 {
		t.Errorf("queue length after drain = %d, want 0", f.queue.Len())
	}
}

func TestPool_MirrorsPersistedEvents(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	writer := &fakeWriter{}
	publisher := &fakePublisher{}
	f := newPoolFixture(t, writer, publisher, nil)

	enqueue(t, f.queue, 3)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		_ = f.pool.Run(ctx)

		close(done)
	}()

	waitFor(t, func() bool {
		publisher.mu.Lock()
		defer publisher.mu.Unlock()

		return len(publisher.events) == 3
	})

	cancel()
	<-done
}
