// Package worker drains the event queue, projects events into storage
// batches, and persists them. The pool is the only consumer of the queue.
package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/testlens-io/sidecar/internal/config"
	"github.com/testlens-io/sidecar/internal/ingestion"
	"github.com/testlens-io/sidecar/internal/metrics"
	"github.com/testlens-io/sidecar/internal/observe"
	"github.com/testlens-io/sidecar/internal/storage"
)

const (
	// idleWait bounds how long a worker blocks on an empty queue before
	// re-checking shutdown.
	idleWait = 1 * time.Second

	retryBackoffBase = 100 * time.Millisecond
	retryBackoffMax  = 1 * time.Second
	writeAttempts    = 2
)

// BatchWriter persists a projected batch. Satisfied by *storage.EventStore.
type BatchWriter interface {
	WriteBatch(ctx context.Context, batch *storage.Batch) (storage.BatchResult, error)
}

// Publisher mirrors persisted events to an external stream. Implementations
// must tolerate being called concurrently from every worker.
type Publisher interface {
	Publish(ctx context.Context, events []*ingestion.Event) error
}

// Pool runs N identical workers against the shared queue. Each worker
// collects a batch (up to batch_size events or batch_linger_ms, whichever
// first), projects it, and writes it in one transaction.
type Pool struct {
	store     *config.Store
	queue     *ingestion.Queue
	writer    BatchWriter
	health    *storage.HealthTracker
	metrics   *metrics.Metrics
	recorder  *observe.Recorder
	publisher Publisher
	logger    *slog.Logger

	sleep func(context.Context, time.Duration)
}

// NewPool wires the pool. publisher may be nil when mirroring is disabled.
func NewPool(
	store *config.Store,
	queue *ingestion.Queue,
	writer BatchWriter,
	health *storage.HealthTracker,
	m *metrics.Metrics,
	recorder *observe.Recorder,
	publisher Publisher,
	logger *slog.Logger,
) *Pool {
	return &Pool{
		store:     store,
		queue:     queue,
		writer:    writer,
		health:    health,
		metrics:   m,
		recorder:  recorder,
		publisher: publisher,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// Run blocks until ctx is canceled, then drains what it can within the
// configured drain timeout. With workers set to zero the queue fills and
// tail-drops; the pool still honors shutdown.
func (p *Pool) Run(ctx context.Context) error {
	workers := p.store.Snapshot().Workers

	p.logger.Info("worker pool starting", slog.Int("workers", workers))

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < workers; i++ {
		id := i

		g.Go(func() error {
			p.runWorker(gctx, id)

			return nil
		})
	}

	<-ctx.Done()

	_ = g.Wait()

	p.drain()

	return nil
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	logger := p.logger.With(slog.Int("worker_id", id))
	logger.Debug("worker started")

	for {
		if ctx.Err() != nil {
			logger.Debug("worker stopping")

			return
		}

		events := p.collect(ctx)
		if len(events) == 0 {
			continue
		}

		p.persist(context.WithoutCancel(ctx), events)
	}
}

// collect blocks for the first event, then tops the batch up until batch_size
// or the linger deadline. A partial batch flushes when the linger expires.
func (p *Pool) collect(ctx context.Context) []*ingestion.Event {
	cfg := p.store.Snapshot()
	batchSize := cfg.Persistence.BatchSize

	first, ok := p.queue.Get(ctx, idleWait)
	if !ok {
		return nil
	}

	events := make([]*ingestion.Event, 1, batchSize)
	events[0] = first

	deadline := time.Now().Add(cfg.Persistence.BatchLinger())

	for len(events) < batchSize {
		ev, ok := p.queue.TryGet()
		if ok {
			events = append(events, ev)

			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			break
		}

		ev, ok = p.queue.Get(ctx, remaining)
		if !ok {
			break
		}

		events = append(events, ev)
	}

	return events
}

// persist writes one batch with a bounded retry. The second failure discards
// the batch: the pipeline is lossy by contract and a poisoned batch must not
// wedge the queue.
func (p *Pool) persist(ctx context.Context, events []*ingestion.Event) {
	cfg := p.store.Snapshot()

	batch := &storage.Batch{}
	for _, ev := range events {
		batch.Add(ev, cfg.Persistence.KeepRaw)
	}

	start := time.Now()

	result, err := p.writeWithRetry(ctx, batch, cfg.Persistence.WriteTimeout())
	if err != nil {
		p.health.ReportFailure(err)
		p.recorder.Fail("persist", err, batch.Events)
		p.metrics.SetQueueState(p.queue.Len(), p.queue.Cap())

		return
	}

	p.health.ReportSuccess()

	processed := batch.Events - result.Duplicates
	if processed > 0 {
		p.metrics.AddProcessed(processed)
	}

	if result.Duplicates > 0 {
		p.metrics.AddDropped(metrics.ReasonDuplicate, result.Duplicates)
	}

	p.metrics.ObserveBatchSize(batch.Events)
	p.metrics.ObserveProcessing(time.Since(start))
	p.metrics.SetQueueState(p.queue.Len(), p.queue.Cap())

	p.mirror(ctx, events)
}

func (p *Pool) writeWithRetry(ctx context.Context, batch *storage.Batch, timeout time.Duration) (storage.BatchResult, error) {
	var (
		result storage.BatchResult
		err    error
	)

	backoff := retryBackoffBase

	for attempt := 1; attempt <= writeAttempts; attempt++ {
		writeCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err = p.writer.WriteBatch(writeCtx, batch)

		cancel()

		if err == nil {
			return result, nil
		}

		if attempt < writeAttempts {
			p.logger.Warn("batch write failed, retrying",
				slog.Int("attempt", attempt),
				slog.Int("records", batch.Records()),
				slog.String("error", err.Error()),
			)

			p.sleep(ctx, backoff)

			backoff = min(backoff*2, retryBackoffMax)
		}
	}

	return storage.BatchResult{}, err
}

func (p *Pool) mirror(ctx context.Context, events []*ingestion.Event) {
	if p.publisher == nil {
		return
	}

	p.recorder.Do("mirror", func() error {
		return p.publisher.Publish(ctx, events)
	})
}

// drain flushes the residual queue after the workers stopped. Best effort
// under shutdown.drain_timeout_ms; whatever remains is dropped.
func (p *Pool) drain() {
	cfg := p.store.Snapshot()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.DrainTimeout())
	defer cancel()

	flushed := 0

	for ctx.Err() == nil {
		events := p.drainBatch(cfg.Persistence.BatchSize)
		if len(events) == 0 {
			break
		}

		p.persist(ctx, events)

		flushed += len(events)
	}

	if remaining := p.queue.Len(); remaining > 0 {
		p.metrics.AddDropped(metrics.ReasonQueueFull, remaining)
		p.logger.Warn("drain timeout, dropping queued events",
			slog.Int("flushed", flushed),
			slog.Int("dropped", remaining),
		)

		return
	}

	p.logger.Info("queue drained", slog.Int("flushed", flushed))
}

func (p *Pool) drainBatch(batchSize int) []*ingestion.Event {
	events := make([]*ingestion.Event, 0, batchSize)

	for len(events) < batchSize {
		ev, ok := p.queue.TryGet()
		if !ok {
			break
		}

		events = append(events, ev)
	}

	return events
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
