package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/testlens-io/sidecar/internal/config"
	"github.com/testlens-io/sidecar/internal/ingestion"
	"github.com/testlens-io/sidecar/internal/metrics"
	"github.com/testlens-io/sidecar/internal/observe"
	"github.com/testlens-io/sidecar/internal/resource"
	"github.com/testlens-io/sidecar/internal/storage"
)

// stubSampler feeds the governor a fixed usage sample.
type stubSampler struct {
	usage resource.Usage
}

func (s *stubSampler) Sample() (resource.Usage, error) {
	return s.usage, nil
}

type serverFixture struct {
	handler  http.Handler
	store    *config.Store
	queue    *ingestion.Queue
	metrics  *metrics.Metrics
	governor *resource.Governor
	persist  *storage.HealthTracker
	sampler  *stubSampler
}

func newServerFixture(t *testing.T, mutate func(*config.Config)) *serverFixture {
	t.Helper()

	cfg := config.Default()
	cfg.Queue.MaxSize = 10
	cfg.Sampling.Rates.Events = 1.0
	cfg.Sampling.Rates.Logs = 1.0
	cfg.RateLimit.Enabled = false

	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := config.NewStore(cfg, logger)
	m := metrics.New()
	recorder := observe.NewRecorder(logger, m)
	queue := ingestion.NewQueue(cfg.Queue.MaxSize)
	producer := ingestion.NewProducer(store, queue, ingestion.NewSampler(store), m, recorder)
	sampler := &stubSampler{}
	governor := resource.NewGovernor(store, sampler, m, recorder, logger)
	persist := storage.NewHealthTracker()

	server := NewServer(store, producer, queue, m, governor, persist, logger)

	return &serverFixture{
		handler:  server.Handler(),
		store:    store,
		queue:    queue,
		metrics:  m,
		governor: governor,
		persist:  persist,
		sampler:  sampler,
	}
}

func (f *serverFixture) request(t *testing.T, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	return rec
}

func (f *serverFixture) fillQueue(t *testing.T, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		if !f.queue.TryPut(&ingestion.Event{Type: ingestion.EventLog}) {
			t.Fatal("queue fill failed")
		}
	}
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()

	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response body %q: %v", rec.Body.String(), err)
	}
}

func TestPing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)

	rec := f.request(t, http.MethodGet, "/ping", "", "")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	if rec.Body.String() != "pong" {
		t.Errorf("body = %q, want pong", rec.Body.String())
	}
}

func TestHealth_OK(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)

	rec := f.request(t, http.MethodGet, "/health", "", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var health HealthStatus

	decodeJSON(t, rec, &health)

	if health.Status != "ok" {
		t.Errorf("status = %q, want ok", health.Status)
	}

	if !health.ProfilingEnabled {
		t.Error("profiling should be enabled on a fresh sidecar")
	}
}

func TestHealth_DegradedOnQueuePressure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)
	f.fillQueue(t, 8) // 0.80 utilization

	rec := f.request(t, http.MethodGet, "/health", "", "")

	// Degraded still answers 200: the pipeline is shedding load as designed.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var health HealthStatus

	decodeJSON(t, rec, &health)

	if health.Status != "degraded" {
		t.Errorf("status = %q, want degraded at 0.80 utilization", health.Status)
	}
}

func TestHealth_DownOnQueueSaturation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)
	f.fillQueue(t, 10) // 1.0 utilization

	rec := f.request(t, http.MethodGet, "/health", "", "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var health HealthStatus

	decodeJSON(t, rec, &health)

	if health.Status != "down" {
		t.Errorf("status = %q, want down at full queue", health.Status)
	}
}

func TestHealth_DownAfterPersistenceGrace(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, func(c *config.Config) {
		c.Health.PersistenceGraceMs = 1
	})

	f.persist.ReportFailure(io.ErrUnexpectedEOF)
	time.Sleep(5 * time.Millisecond)

	rec := f.request(t, http.MethodGet, "/health", "", "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 once persistence exceeds the grace period", rec.Code)
	}

	// A recovery clears the window and the sidecar reports ok again.
	f.persist.ReportSuccess()

	rec = f.request(t, http.MethodGet, "/health", "", "")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 after persistence recovery", rec.Code)
	}
}

func TestHealth_FreshFailureWithinGraceStaysUp(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil) // default 30s grace

	f.persist.ReportFailure(io.ErrUnexpectedEOF)

	rec := f.request(t, http.MethodGet, "/health", "", "")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 while the failure is inside the grace period", rec.Code)
	}
}

func TestHealth_DegradedWhenOverBudget(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)

	f.sampler.usage = resource.Usage{CPUPercent: 50.0, MemoryMB: 20}
	f.governor.Tick()

	rec := f.request(t, http.MethodGet, "/health", "", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var health HealthStatus

	decodeJSON(t, rec, &health)

	if health.Status != "degraded" {
		t.Errorf("status = %q, want degraded when over budget", health.Status)
	}

	if !health.Resources.CPUOverBudget {
		t.Error("cpu_over_budget should be reported")
	}
}

func TestReady(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)

	rec := f.request(t, http.MethodGet, "/ready", "", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var ready ReadyStatus

	decodeJSON(t, rec, &ready)

	if !ready.Ready || !ready.Enabled {
		t.Errorf("ready = %+v, want ready and enabled", ready)
	}
}

func TestReady_NotReadyOnQueuePressure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)
	f.fillQueue(t, 9) // 0.90 utilization

	rec := f.request(t, http.MethodGet, "/ready", "", "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 at 0.90 utilization", rec.Code)
	}
}

func TestReady_NotReadyWhenDisabled(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, func(c *config.Config) {
		c.Enabled = false
	})

	rec := f.request(t, http.MethodGet, "/ready", "", "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when disabled", rec.Code)
	}

	var ready ReadyStatus

	decodeJSON(t, rec, &ready)

	if ready.Ready || ready.Enabled {
		t.Errorf("ready = %+v, want not ready and not enabled", ready)
	}
}

func TestEvents_Accepted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)

	body := `{
		"event_type": "test_end",
		"run_id": "run-1",
		"test_id": "t-1",
		"data": {"test_name": "login works", "elapsed_time": 1.2, "status": "PASS"}
	}`

	rec := f.request(t, http.MethodPost, "/events", "application/json", body)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rec.Code, rec.Body.String())
	}

	var resp EventResponse

	decodeJSON(t, rec, &resp)

	if !resp.Queued {
		t.Error("queued should be true for an accepted event")
	}

	if f.queue.Len() != 1 {
		t.Errorf("queue length = %d, want 1", f.queue.Len())
	}
}

func TestEvents_SampledOut(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, func(c *config.Config) {
		c.Sampling.Rates.Events = 0.0
	})

	body := `{
		"event_type": "test_end",
		"run_id": "run-1",
		"test_id": "t-1",
		"data": {"test_name": "x", "elapsed_time": 1.2, "status": "PASS"}
	}`

	rec := f.request(t, http.MethodPost, "/events", "application/json", body)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 for a sampled-out event", rec.Code)
	}

	var resp EventResponse

	decodeJSON(t, rec, &resp)

	if resp.Queued || resp.Reason != "sampled" {
		t.Errorf("response = %+v, want queued=false reason=sampled", resp)
	}
}

func TestEvents_Invalid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)

	rec := f.request(t, http.MethodPost, "/events", "application/json",
		`{"event_type": "banana"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp EventResponse

	decodeJSON(t, rec, &resp)

	if resp.Reason != "invalid" || resp.Detail == "" {
		t.Errorf("response = %+v, want reason=invalid with detail", resp)
	}
}

func TestEvents_MalformedJSON(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)

	rec := f.request(t, http.MethodPost, "/events", "application/json", `{not json`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp EventResponse

	decodeJSON(t, rec, &resp)

	if resp.Detail != "malformed JSON envelope" {
		t.Errorf("detail = %q, want malformed JSON envelope", resp.Detail)
	}
}

func TestEvents_QueueFull(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)
	f.fillQueue(t, 10)

	body := `{
		"event_type": "test_end",
		"run_id": "run-1",
		"test_id": "t-1",
		"data": {"test_name": "x", "elapsed_time": 1.2, "status": "PASS"}
	}`

	rec := f.request(t, http.MethodPost, "/events", "application/json", body)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 on a full queue", rec.Code)
	}

	var resp EventResponse

	decodeJSON(t, rec, &resp)

	if resp.Reason != "queue_full" {
		t.Errorf("reason = %q, want queue_full", resp.Reason)
	}
}

func TestEvents_Disabled(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, func(c *config.Config) {
		c.Enabled = false
	})

	body := `{"event_type": "session_start", "run_id": "run-1"}`

	rec := f.request(t, http.MethodPost, "/events", "application/json", body)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when disabled", rec.Code)
	}
}

func TestEvents_UnsupportedMediaType(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)

	rec := f.request(t, http.MethodPost, "/events", "text/plain", "hello")

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rec.Code)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %q, want application/problem+json", ct)
	}
}

func TestEvents_PayloadTooLarge(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, func(c *config.Config) {
		c.HTTP.MaxRequestSize = 64
	})

	body := `{"event_type": "session_start", "run_id": "run-1", "data": {"padding": "` +
		strings.Repeat("x", 200) + `"}}`

	rec := f.request(t, http.MethodPost, "/events", "application/json", body)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestConfigReload_HotUpdate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)

	rec := f.request(t, http.MethodPost, "/sidecar/config/reload", "application/json",
		`{"sampling":{"rates":{"events":0.5}}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}

	var resp ReloadResponse

	decodeJSON(t, rec, &resp)

	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}

	if len(resp.UpdatedFields) != 1 || resp.UpdatedFields[0] != "sampling.rates.events" {
		t.Errorf("updated_fields = %v, want [sampling.rates.events]", resp.UpdatedFields)
	}

	if got := f.store.Snapshot().Sampling.Rates.Events; got != 0.5 {
		t.Errorf("running events rate = %v, want 0.5", got)
	}
}

func TestConfigReload_RestartRequiredAcknowledged(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)

	rec := f.request(t, http.MethodPost, "/sidecar/config/reload", "application/json",
		`{"queue":{"max_size":9999}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}

	var resp ReloadResponse

	decodeJSON(t, rec, &resp)

	if len(resp.RestartRequired) != 1 || resp.RestartRequired[0] != "queue.max_size" {
		t.Errorf("restart_required = %v, want [queue.max_size]", resp.RestartRequired)
	}

	if got := f.store.Snapshot().Queue.MaxSize; got != 10 {
		t.Errorf("running queue.max_size = %d, want unchanged 10", got)
	}
}

func TestConfigReload_InvalidPayload(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)

	rec := f.request(t, http.MethodPost, "/sidecar/config/reload", "application/json",
		`{"bogus_field": true}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp ReloadResponse

	decodeJSON(t, rec, &resp)

	if resp.Status != "error" || resp.Message == "" {
		t.Errorf("response = %+v, want status=error with a message", resp)
	}
}

func TestConfigReload_UnsupportedMediaType(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)

	rec := f.request(t, http.MethodPost, "/sidecar/config/reload", "text/plain", "workers: 4")

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rec.Code)
	}
}

func TestNotFound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)

	rec := f.request(t, http.MethodGet, "/nope", "", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var problem ProblemDetail

	decodeJSON(t, rec, &problem)

	if problem.Status != http.StatusNotFound || problem.CorrelationID == "" {
		t.Errorf("problem = %+v, want 404 with a correlation id", problem)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)
	f.metrics.IncQueued()

	rec := f.request(t, http.MethodGet, "/metrics", "", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if !strings.Contains(rec.Body.String(), "sidecar_events_queued") {
		t.Error("metrics exposition should contain sidecar_events_queued")
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newServerFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Errorf("X-Correlation-ID = %q, want abc-123", got)
	}

	// Without a supplied header a fresh ID is generated.
	rec = f.request(t, http.MethodGet, "/ping", "", "")

	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("a correlation ID should be generated when none is supplied")
	}
}
