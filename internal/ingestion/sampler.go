package ingestion

import (
	"math/rand/v2"
	"sync"

	"github.com/testlens-io/sidecar/internal/config"
)

// Category selects which sampling rate applies to a keep/drop decision.
type Category string

// Sampling categories. Metrics default to rate 1.0 and are never sampled
// unless explicitly reduced.
const (
	CategoryEvents    Category = "events"
	CategoryLogs      Category = "logs"
	CategoryProfiling Category = "profiling"
	CategoryMetrics   Category = "metrics"
)

// Sampler makes independent Bernoulli keep/drop decisions per category using
// rates from the current config snapshot. Decisions are taken before enqueue
// and are independent of queue depth.
type Sampler struct {
	store *config.Store

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler creates a Sampler with a process-seeded PRNG.
func NewSampler(store *config.Store) *Sampler {
	return &Sampler{
		store: store,
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// newSamplerWithSeed pins the PRNG for deterministic tests.
func newSamplerWithSeed(store *config.Store, seed uint64) *Sampler {
	return &Sampler{
		store: store,
		rng:   rand.New(rand.NewPCG(seed, seed)),
	}
}

// ShouldSample returns true when the event should be kept. Rates 1.0 and 0.0
// short-circuit without consuming randomness.
func (s *Sampler) ShouldSample(category Category) bool {
	rate := s.rate(category)

	if rate >= 1.0 {
		return true
	}

	if rate <= 0.0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rng.Float64() < rate
}

func (s *Sampler) rate(category Category) float64 {
	rates := s.store.Snapshot().Sampling.Rates

	switch category {
	case CategoryEvents:
		return rates.Events
	case CategoryLogs:
		return rates.Logs
	case CategoryProfiling:
		return rates.Profiling
	case CategoryMetrics:
		return rates.Metrics
	default:
		return 1.0
	}
}

// CategoryFor maps an event type to its sampling category. Log events sample
// under the logs rate; everything else under events.
func CategoryFor(t EventType) Category {
	if t == EventLog {
		return CategoryLogs
	}

	return CategoryEvents
}
