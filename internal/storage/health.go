package storage

import (
	"sync"
	"time"
)

// HealthTracker records the outcome of persistence attempts so the health
// endpoint can distinguish a blip from a sustained outage. Workers report
// after every batch; readers ask how long the store has been failing.
type HealthTracker struct {
	mu          sync.Mutex
	failingFrom time.Time
	lastErr     error
	now         func() time.Time
}

// NewHealthTracker creates a tracker that considers persistence healthy
// until the first reported failure.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{now: time.Now}
}

// ReportSuccess clears any ongoing failure window.
func (t *HealthTracker) ReportSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failingFrom = time.Time{}
	t.lastErr = nil
}

// ReportFailure starts the failure window on the first failure of a streak;
// subsequent failures only refresh the last error.
func (t *HealthTracker) ReportFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failingFrom.IsZero() {
		t.failingFrom = t.now()
	}

	t.lastErr = err
}

// FailingFor returns how long persistence has been failing continuously,
// or zero when the last attempt succeeded.
func (t *HealthTracker) FailingFor() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failingFrom.IsZero() {
		return 0
	}

	return t.now().Sub(t.failingFrom)
}

// LastError returns the most recent persistence error, or nil when healthy.
func (t *HealthTracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lastErr
}
