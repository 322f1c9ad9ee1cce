package ingestion

import (
	"errors"
	"fmt"
	"strings"
)

// Envelope validation errors (static sentinels for errors.Is checks).
var (
	// ErrInvalidEvent wraps every validation failure so the producer API can
	// map the whole class to a single drop reason.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrUnknownEventType indicates event_type is outside the closed taxonomy.
	ErrUnknownEventType = errors.New("unknown event_type")

	// ErrMissingTestID indicates a test/step/http event without a test_id.
	ErrMissingTestID = errors.New("test_id is required for test, step, and http events")

	// ErrMissingRunID indicates a session-scoped event without a run_id.
	ErrMissingRunID = errors.New("run_id is required for session-scoped events")

	// ErrMissingDataField indicates a required per-type data field is absent.
	ErrMissingDataField = errors.New("missing required data field")

	// ErrInvalidStatus indicates a status outside {PASS, FAIL, SKIP, ERROR, ABORT}.
	ErrInvalidStatus = errors.New("status must be one of PASS, FAIL, SKIP, ERROR, ABORT")
)

// Validator checks event envelopes and the per-type required data fields
// before anything enters the queue. Validation failures are the only path to
// the invalid drop reason; nothing past the producer API re-validates.
type Validator struct{}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks the envelope and the event-type-specific data contract.
// A nil return means the event is safe to project into a persistence record
// without further field checks.
func (v *Validator) Validate(ev *Event) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}

	if !ev.Type.IsValid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidEvent, ErrUnknownEventType, ev.Type)
	}

	if ev.Type.RequiresTestID() && strings.TrimSpace(ev.TestID) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, ErrMissingTestID)
	}

	if ev.Type.RequiresRunID() && strings.TrimSpace(ev.RunID) == "" {
		return fmt.Errorf("%w: %w (event_type %q)", ErrInvalidEvent, ErrMissingRunID, ev.Type)
	}

	return v.validateData(ev)
}

//nolint:cyclop // one branch per event type, flat dispatch
func (v *Validator) validateData(ev *Event) error {
	switch ev.Type {
	case EventSessionStart:
		// All session_start data fields are optional.
		return nil
	case EventSessionFinish:
		return requireNumbers(ev, "num_total_tests", "num_passed_tests", "num_failed_tests", "elapsed_time")
	case EventTestStart:
		return requireStrings(ev, "test_name")
	case EventTestEnd:
		if err := requireStrings(ev, "test_name"); err != nil {
			return err
		}

		if err := requireNumbers(ev, "elapsed_time"); err != nil {
			return err
		}

		return requireStatus(ev)
	case EventStepStart:
		return requireStepFields(ev)
	case EventStepEnd:
		if err := requireStepFields(ev); err != nil {
			return err
		}

		if err := requireNumbers(ev, "elapsed_time"); err != nil {
			return err
		}

		return requireStatus(ev)
	case EventRequestStart:
		return requireStrings(ev, "method", "uri")
	case EventRequestEnd:
		if err := requireStrings(ev, "method", "uri"); err != nil {
			return err
		}

		return requireNumbers(ev, "status_code", "duration_ms")
	case EventLog, EventCustom:
		return nil
	default:
		return fmt.Errorf("%w: %w: %q", ErrInvalidEvent, ErrUnknownEventType, ev.Type)
	}
}

func requireStepFields(ev *Event) error {
	if err := requireStrings(ev, "scenario_id", "step_text"); err != nil {
		return err
	}

	return requireNumbers(ev, "step_index")
}

func requireStrings(ev *Event, keys ...string) error {
	for _, key := range keys {
		if strings.TrimSpace(ev.String(key)) == "" {
			return fmt.Errorf("%w: %w: %s (event_type %q)", ErrInvalidEvent, ErrMissingDataField, key, ev.Type)
		}
	}

	return nil
}

func requireNumbers(ev *Event, keys ...string) error {
	for _, key := range keys {
		if _, ok := ev.Float(key); !ok {
			return fmt.Errorf("%w: %w: %s (event_type %q)", ErrInvalidEvent, ErrMissingDataField, key, ev.Type)
		}
	}

	return nil
}

func requireStatus(ev *Event) error {
	status := Status(strings.ToUpper(strings.TrimSpace(ev.String("status"))))
	if !status.IsValid() {
		return fmt.Errorf("%w: %w: got %q", ErrInvalidEvent, ErrInvalidStatus, ev.String("status"))
	}

	return nil
}
