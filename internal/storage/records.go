package storage

import (
	"database/sql"
	"strings"
	"time"

	"github.com/testlens-io/sidecar/internal/ingestion"
)

type (
	// SessionStart opens (or reopens) a session row keyed by run_id.
	SessionStart struct {
		RunID              string
		Framework          string
		ProductName        string
		ApplicationVersion string
		Environment        string
		StartedAt          time.Time
		TotalTests         sql.NullInt64
	}

	// SessionFinish closes a session row with aggregate counts. When no row
	// exists a synthetic one is created with started_at = finished_at.
	SessionFinish struct {
		RunID      string
		Framework  string
		FinishedAt time.Time
		TotalTests int64
		Passed     int64
		Failed     int64
	}

	// TestExecution is the append-only record written per test_end.
	TestExecution struct {
		TestID         string
		TestName       string
		Framework      string
		Status         string
		DurationMs     sql.NullInt64
		ExecutedAt     time.Time
		RetryCount     int
		GitCommit      string
		Environment    string
		BuildID        string
		ErrorSignature string
		ErrorMessage   string
		Tags           []string
		RunID          string
	}

	// StepExecution is the append-only record written per step_end.
	StepExecution struct {
		StepID         string
		ScenarioID     string
		TestID         string
		StepText       string
		StepIndex      int
		Status         string
		DurationMs     sql.NullInt64
		ExecutedAt     time.Time
		ErrorSignature string
		ErrorMessage   string
		Framework      string
		RetryCount     int
		RunID          string
	}

	// HTTPCall is the append-only record written per request_end.
	HTTPCall struct {
		TestID       string
		RunID        string
		Method       string
		EndpointPath string
		StatusCode   int
		DurationMs   int64
		Success      bool
		Timestamp    time.Time
	}

	// RawEvent preserves log/custom events when persistence.keep_raw is on.
	RawEvent struct {
		EventType string
		Framework string
		RunID     string
		TestID    string
		Payload   map[string]any
		Timestamp time.Time
	}

	// Batch groups the records projected from a slice of drained events.
	// A batch commits all-or-nothing in one transaction.
	Batch struct {
		SessionStarts   []*SessionStart
		SessionFinishes []*SessionFinish
		Tests           []*TestExecution
		Steps           []*StepExecution
		HTTPCalls       []*HTTPCall
		Raw             []*RawEvent

		// Events counts the source events behind this batch, including
		// start events that project to nothing.
		Events int
	}
)

// Add projects one validated event into the batch. Start events contribute
// nothing but still count toward Events; log/custom events are retained only
// when keepRaw is set.
func (b *Batch) Add(ev *ingestion.Event, keepRaw bool) {
	b.Events++

	switch ev.Type {
	case ingestion.EventSessionStart:
		b.SessionStarts = append(b.SessionStarts, sessionStartFrom(ev))
	case ingestion.EventSessionFinish:
		b.SessionFinishes = append(b.SessionFinishes, sessionFinishFrom(ev))
	case ingestion.EventTestEnd:
		b.Tests = append(b.Tests, testExecutionFrom(ev))
	case ingestion.EventStepEnd:
		b.Steps = append(b.Steps, stepExecutionFrom(ev))
	case ingestion.EventRequestEnd:
		b.HTTPCalls = append(b.HTTPCalls, httpCallFrom(ev))
	case ingestion.EventLog, ingestion.EventCustom:
		if keepRaw {
			b.Raw = append(b.Raw, rawEventFrom(ev))
		}
	case ingestion.EventTestStart, ingestion.EventStepStart, ingestion.EventRequestStart:
		// Start events are not persisted; producers carry durations on the
		// matching end events.
	}
}

// Records returns the number of rows this batch will attempt to write.
func (b *Batch) Records() int {
	return len(b.SessionStarts) + len(b.SessionFinishes) + len(b.Tests) +
		len(b.Steps) + len(b.HTTPCalls) + len(b.Raw)
}

func sessionStartFrom(ev *ingestion.Event) *SessionStart {
	s := &SessionStart{
		RunID:              ev.RunID,
		Framework:          ev.Framework,
		ProductName:        ev.String("product_name"),
		ApplicationVersion: ev.String("application_version"),
		Environment:        ev.String("environment"),
		StartedAt:          ev.Timestamp,
	}

	if total, ok := ev.Int("total_tests"); ok {
		s.TotalTests = sql.NullInt64{Int64: int64(total), Valid: true}
	}

	return s
}

func sessionFinishFrom(ev *ingestion.Event) *SessionFinish {
	total, _ := ev.Int("num_total_tests")
	passed, _ := ev.Int("num_passed_tests")
	failed, _ := ev.Int("num_failed_tests")

	return &SessionFinish{
		RunID:      ev.RunID,
		Framework:  ev.Framework,
		FinishedAt: ev.Timestamp,
		TotalTests: int64(total),
		Passed:     int64(passed),
		Failed:     int64(failed),
	}
}

func testExecutionFrom(ev *ingestion.Event) *TestExecution {
	status := ingestion.Status(strings.ToUpper(strings.TrimSpace(ev.String("status")))).Normalize()
	message := ev.String("message")

	rec := &TestExecution{
		TestID:       ev.TestID,
		TestName:     ev.String("test_name"),
		Framework:    ev.Framework,
		Status:       status,
		DurationMs:   durationFrom(ev),
		ExecutedAt:   ev.Timestamp,
		GitCommit:    ev.String("git_commit"),
		Environment:  ev.String("environment"),
		BuildID:      ev.String("build_id"),
		ErrorMessage: message,
		Tags:         tagsFrom(ev),
		RunID:        ev.RunID,
	}

	if retries, ok := ev.Int("retry_count"); ok {
		rec.RetryCount = retries
	}

	if message != "" && status != "passed" && status != "skipped" {
		rec.ErrorSignature = ErrorSignature(message)
	}

	return rec
}

func stepExecutionFrom(ev *ingestion.Event) *StepExecution {
	status := ingestion.Status(strings.ToUpper(strings.TrimSpace(ev.String("status")))).Normalize()
	message := ev.String("message")
	stepIndex, _ := ev.Int("step_index")

	rec := &StepExecution{
		StepID:       ev.String("step_id"),
		ScenarioID:   ev.String("scenario_id"),
		TestID:       ev.TestID,
		StepText:     ev.String("step_text"),
		StepIndex:    stepIndex,
		Status:       status,
		DurationMs:   durationFrom(ev),
		ExecutedAt:   ev.Timestamp,
		ErrorMessage: message,
		Framework:    ev.Framework,
		RunID:        ev.RunID,
	}

	if retries, ok := ev.Int("retry_count"); ok {
		rec.RetryCount = retries
	}

	if message != "" && status != "passed" && status != "skipped" {
		rec.ErrorSignature = ErrorSignature(message)
	}

	return rec
}

func httpCallFrom(ev *ingestion.Event) *HTTPCall {
	statusCode, _ := ev.Int("status_code")
	durationMs, _ := ev.Float("duration_ms")

	success, ok := ev.Bool("success")
	if !ok {
		success = statusCode >= 200 && statusCode < 300
	}

	return &HTTPCall{
		TestID:       ev.TestID,
		RunID:        ev.RunID,
		Method:       strings.ToUpper(ev.String("method")),
		EndpointPath: NormalizeEndpoint(ev.String("uri")),
		StatusCode:   statusCode,
		DurationMs:   int64(durationMs),
		Success:      success,
		Timestamp:    ev.Timestamp,
	}
}

func rawEventFrom(ev *ingestion.Event) *RawEvent {
	return &RawEvent{
		EventType: string(ev.Type),
		Framework: ev.Framework,
		RunID:     ev.RunID,
		TestID:    ev.TestID,
		Payload:   ev.Data,
		Timestamp: ev.Timestamp,
	}
}

// durationFrom normalizes the event's elapsed time to integer milliseconds.
// elapsed_time is seconds as a float; duration_ms wins when both are present.
// Absent durations persist as NULL.
func durationFrom(ev *ingestion.Event) sql.NullInt64 {
	if ms, ok := ev.DurationMs(); ok {
		return sql.NullInt64{Int64: ms, Valid: true}
	}

	return sql.NullInt64{}
}

func tagsFrom(ev *ingestion.Event) []string {
	raw, ok := ev.Data["tags"].([]any)
	if !ok {
		return nil
	}

	tags := make([]string, 0, len(raw))

	for _, t := range raw {
		if s, ok := t.(string); ok && s != "" {
			tags = append(tags, s)
		}
	}

	return tags
}
