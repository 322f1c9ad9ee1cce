// Package ingestion provides the event envelope, validation, sampling, and
// the bounded buffering that front the persistence pipeline.
package ingestion

import (
	"strings"
	"time"
)

type (
	// Event is the universal envelope accepted from every producer, whether
	// in-process or via POST /events. Data carries the event-type-specific
	// fields; the envelope stays loose at ingress and is projected into typed
	// persistence records by the storage layer.
	Event struct {
		Type      EventType      `json:"event_type"`
		Framework string         `json:"framework"`
		Timestamp time.Time      `json:"timestamp,omitzero"`
		RunID     string         `json:"run_id,omitempty"`
		TestID    string         `json:"test_id,omitempty"`
		Data      map[string]any `json:"data,omitempty"`
	}

	// EventType enumerates the closed set of accepted lifecycle events.
	EventType string

	// Status is the wire-level test outcome (PASS, FAIL, ...). Persistence
	// stores the lowercase long form (passed, failed, ...).
	Status string
)

// The closed event taxonomy. Unknown types are dropped as invalid.
const (
	EventSessionStart  EventType = "session_start"
	EventSessionFinish EventType = "session_finish"
	EventTestStart     EventType = "test_start"
	EventTestEnd       EventType = "test_end"
	EventStepStart     EventType = "step_start"
	EventStepEnd       EventType = "step_end"
	EventRequestStart  EventType = "request_start"
	EventRequestEnd    EventType = "request_end"
	EventLog           EventType = "log"
	EventCustom        EventType = "custom"
)

// Wire statuses as emitted by framework adapters.
const (
	StatusPass  Status = "PASS"
	StatusFail  Status = "FAIL"
	StatusSkip  Status = "SKIP"
	StatusError Status = "ERROR"
	StatusAbort Status = "ABORT"
)

// IsValid reports whether the event type belongs to the closed taxonomy.
func (t EventType) IsValid() bool {
	switch t {
	case EventSessionStart, EventSessionFinish, EventTestStart, EventTestEnd,
		EventStepStart, EventStepEnd, EventRequestStart, EventRequestEnd,
		EventLog, EventCustom:
		return true
	default:
		return false
	}
}

// RequiresTestID reports whether the type is a test/step/http event, all of
// which must carry a test_id.
func (t EventType) RequiresTestID() bool {
	switch t {
	case EventTestStart, EventTestEnd, EventStepStart, EventStepEnd,
		EventRequestStart, EventRequestEnd:
		return true
	default:
		return false
	}
}

// RequiresRunID reports whether the type references a containing session and
// must therefore carry a run_id. Only log/custom events may float free.
func (t EventType) RequiresRunID() bool {
	switch t {
	case EventLog, EventCustom:
		return false
	default:
		return true
	}
}

// IsValid reports whether the wire status is one of the accepted values.
func (s Status) IsValid() bool {
	switch s {
	case StatusPass, StatusFail, StatusSkip, StatusError, StatusAbort:
		return true
	default:
		return false
	}
}

// Normalize maps the wire status to the persisted long form.
func (s Status) Normalize() string {
	switch s {
	case StatusPass:
		return "passed"
	case StatusFail:
		return "failed"
	case StatusSkip:
		return "skipped"
	case StatusError:
		return "error"
	case StatusAbort:
		return "aborted"
	default:
		return strings.ToLower(string(s))
	}
}

// String reads a string field from the event data, with "" for absent or
// mistyped values.
func (e *Event) String(key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}

	return ""
}

// Float reads a numeric field from the event data. JSON numbers decode as
// float64; integer values stored by in-process producers are converted.
func (e *Event) Float(key string) (float64, bool) {
	switch v := e.Data[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Int reads an integer field from the event data, truncating JSON floats.
func (e *Event) Int(key string) (int, bool) {
	f, ok := e.Float(key)
	if !ok {
		return 0, false
	}

	return int(f), true
}

// Bool reads a boolean field from the event data.
func (e *Event) Bool(key string) (bool, bool) {
	v, ok := e.Data[key].(bool)

	return v, ok
}

// DurationMs extracts a millisecond duration from the event data. Keys with
// an _ms suffix are already milliseconds; elapsed_time is seconds as a float
// and is converted. Returns false when neither key is present.
func (e *Event) DurationMs() (int64, bool) {
	if ms, ok := e.Float("duration_ms"); ok {
		return int64(ms), true
	}

	if secs, ok := e.Float("elapsed_time"); ok {
		return int64(secs * 1000), true
	}

	return 0, false
}
