package ingestion

import (
	"time"

	"github.com/testlens-io/sidecar/internal/config"
	"github.com/testlens-io/sidecar/internal/metrics"
	"github.com/testlens-io/sidecar/internal/observe"
)

// PutResult is the typed outcome of a producer submission. Producers are
// never blocked and never see an exception; they get exactly one of these.
type PutResult int

// Producer API outcomes.
const (
	// ResultAccepted means the event was validated, sampled in, and enqueued.
	ResultAccepted PutResult = iota

	// ResultDroppedInvalid means envelope or data validation failed.
	ResultDroppedInvalid

	// ResultDroppedSampled means the sampler discarded the event. Counted
	// under events_sampled, not events_dropped.
	ResultDroppedSampled

	// ResultDroppedQueueFull means the bounded queue rejected the event
	// (tail-drop).
	ResultDroppedQueueFull

	// ResultDisabled means the sidecar is administratively disabled; the
	// event was discarded without counting.
	ResultDisabled
)

// String names the result for logs and HTTP bodies.
func (r PutResult) String() string {
	switch r {
	case ResultAccepted:
		return "accepted"
	case ResultDroppedInvalid:
		return "invalid"
	case ResultDroppedSampled:
		return "sampled"
	case ResultDroppedQueueFull:
		return "queue_full"
	case ResultDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Producer is the single ingress for events, shared by the in-process API and
// the HTTP handler. It validates, stamps timestamps, samples, and attempts a
// non-blocking enqueue, updating metrics for every path.
type Producer struct {
	store     *config.Store
	queue     *Queue
	sampler   *Sampler
	validator *Validator
	metrics   *metrics.Metrics
	recorder  *observe.Recorder
	now       func() time.Time
}

// NewProducer wires the ingress against the shared queue, sampler, and
// metrics.
func NewProducer(
	store *config.Store,
	queue *Queue,
	sampler *Sampler,
	m *metrics.Metrics,
	recorder *observe.Recorder,
) *Producer {
	return &Producer{
		store:     store,
		queue:     queue,
		sampler:   sampler,
		validator: NewValidator(),
		metrics:   m,
		recorder:  recorder,
		now:       time.Now,
	}
}

// Put submits one event. It never blocks and never panics; the error return
// carries validation detail for ResultDroppedInvalid and is nil otherwise.
//
// Within a single caller goroutine, accepted events preserve submission order
// at enqueue time.
func (p *Producer) Put(ev *Event) (PutResult, error) {
	result := ResultDisabled

	var validationErr error

	p.recorder.Do("produce", func() error {
		result, validationErr = p.put(ev)

		return nil
	})

	return result, validationErr
}

func (p *Producer) put(ev *Event) (PutResult, error) {
	if !p.store.Snapshot().Enabled {
		return ResultDisabled, nil
	}

	if err := p.validator.Validate(ev); err != nil {
		p.metrics.IncDropped(metrics.ReasonInvalid)

		return ResultDroppedInvalid, err
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now().UTC()
	} else {
		ev.Timestamp = ev.Timestamp.UTC()
	}

	if !p.sampler.ShouldSample(CategoryFor(ev.Type)) {
		p.metrics.IncSampled()

		return ResultDroppedSampled, nil
	}

	if !p.queue.TryPut(ev) {
		p.metrics.IncDropped(metrics.ReasonQueueFull)

		return ResultDroppedQueueFull, nil
	}

	p.metrics.IncQueued()
	p.metrics.SetQueueState(p.queue.Len(), p.queue.Cap())

	return ResultAccepted, nil
}
