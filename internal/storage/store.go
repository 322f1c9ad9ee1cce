package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
)

// Sentinel errors for the write path.
var (
	// ErrBatchWriteFailed wraps any failure while committing a batch.
	ErrBatchWriteFailed = errors.New("batch write failed")
)

const pqUniqueViolation = "23505"

type (
	// EventStore writes projected records to the four core tables plus the
	// optional raw events table. All writes are INSERT (or INSERT ... ON
	// CONFLICT DO NOTHING); the only UPDATE is the session finish aggregate.
	EventStore struct {
		conn   *Connection
		logger *slog.Logger
	}

	// BatchResult reports the outcome of a committed batch.
	BatchResult struct {
		// Inserted counts rows actually written.
		Inserted int

		// Duplicates counts rows skipped by a unique constraint. Retried
		// batches surface here instead of failing.
		Duplicates int
	}
)

// NewEventStore creates the store over an established connection.
func NewEventStore(conn *Connection, logger *slog.Logger) *EventStore {
	return &EventStore{conn: conn, logger: logger}
}

// HealthCheck verifies the database is reachable.
func (s *EventStore) HealthCheck(ctx context.Context) error {
	if err := s.conn.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("storage health check: %w", err)
	}

	return nil
}

// WriteBatch commits every record in the batch inside a single transaction.
// The batch is all-or-nothing: on error nothing is persisted and the caller
// decides whether to retry. Duplicate rows (unique-constraint hits) are
// counted, not errors, which makes a retried batch idempotent.
func (s *EventStore) WriteBatch(ctx context.Context, batch *Batch) (BatchResult, error) {
	var result BatchResult

	if batch.Records() == 0 {
		return result, nil
	}

	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("%w: begin: %w", ErrBatchWriteFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	steps := []func(context.Context, *sql.Tx, *BatchResult) error{
		func(ctx context.Context, tx *sql.Tx, r *BatchResult) error { return s.writeSessionStarts(ctx, tx, batch, r) },
		func(ctx context.Context, tx *sql.Tx, r *BatchResult) error { return s.writeSessionFinishes(ctx, tx, batch, r) },
		func(ctx context.Context, tx *sql.Tx, r *BatchResult) error { return s.writeTests(ctx, tx, batch, r) },
		func(ctx context.Context, tx *sql.Tx, r *BatchResult) error { return s.writeSteps(ctx, tx, batch, r) },
		func(ctx context.Context, tx *sql.Tx, r *BatchResult) error { return s.writeHTTPCalls(ctx, tx, batch, r) },
		func(ctx context.Context, tx *sql.Tx, r *BatchResult) error { return s.writeRawEvents(ctx, tx, batch, r) },
	}

	for _, step := range steps {
		if err := step(ctx, tx, &result); err != nil {
			return BatchResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{}, fmt.Errorf("%w: commit: %w", ErrBatchWriteFailed, err)
	}

	return result, nil
}

func (s *EventStore) writeSessionStarts(ctx context.Context, tx *sql.Tx, batch *Batch, result *BatchResult) error {
	// A session row may already exist when the finish arrived first (queue
	// reordering across workers); LEAST keeps the earliest start.
	query := `
		INSERT INTO session (
			run_id, framework, product_name, application_version,
			environment, started_at, total_tests
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE SET
			started_at = LEAST(session.started_at, EXCLUDED.started_at),
			framework = COALESCE(NULLIF(session.framework, ''), EXCLUDED.framework)
	`

	for _, rec := range batch.SessionStarts {
		if _, err := tx.ExecContext(ctx, query,
			rec.RunID, rec.Framework, rec.ProductName, rec.ApplicationVersion,
			rec.Environment, rec.StartedAt, rec.TotalTests,
		); err != nil {
			return fmt.Errorf("%w: session upsert for run %s: %w", ErrBatchWriteFailed, rec.RunID, err)
		}

		result.Inserted++
	}

	return nil
}

func (s *EventStore) writeSessionFinishes(ctx context.Context, tx *sql.Tx, batch *Batch, result *BatchResult) error {
	update := `
		UPDATE session SET
			finished_at = $2,
			total_tests = $3,
			passed = $4,
			failed = $5
		WHERE run_id = $1
	`
	// Orphan finish: the start was sampled out or never sent. Record a
	// synthetic session with started_at = finished_at.
	insert := `
		INSERT INTO session (
			run_id, framework, started_at, finished_at, total_tests, passed, failed
		) VALUES ($1, $2, $3, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO NOTHING
	`

	for _, rec := range batch.SessionFinishes {
		res, err := tx.ExecContext(ctx, update,
			rec.RunID, rec.FinishedAt, rec.TotalTests, rec.Passed, rec.Failed,
		)
		if err != nil {
			return fmt.Errorf("%w: session finish for run %s: %w", ErrBatchWriteFailed, rec.RunID, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: session finish for run %s: %w", ErrBatchWriteFailed, rec.RunID, err)
		}

		if affected == 0 {
			if _, err := tx.ExecContext(ctx, insert,
				rec.RunID, rec.Framework, rec.FinishedAt, rec.TotalTests, rec.Passed, rec.Failed,
			); err != nil {
				return fmt.Errorf("%w: synthetic session for run %s: %w", ErrBatchWriteFailed, rec.RunID, err)
			}
		}

		result.Inserted++
	}

	return nil
}

func (s *EventStore) writeTests(ctx context.Context, tx *sql.Tx, batch *Batch, result *BatchResult) error {
	query := `
		INSERT INTO test_execution (
			test_id, test_name, framework, status, duration_ms, executed_at,
			error_signature, error_message, retry_count, run_id,
			environment, build_id, tags
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (test_id, run_id, executed_at) DO NOTHING
	`

	for _, rec := range batch.Tests {
		res, err := tx.ExecContext(ctx, query,
			rec.TestID, rec.TestName, rec.Framework, rec.Status, rec.DurationMs,
			rec.ExecutedAt, nullString(rec.ErrorSignature), nullString(rec.ErrorMessage),
			rec.RetryCount, rec.RunID, rec.Environment, rec.BuildID, pq.Array(rec.Tags),
		)
		if err != nil {
			return fmt.Errorf("%w: test_execution %s: %w", ErrBatchWriteFailed, rec.TestID, err)
		}

		countAffected(res, result)
	}

	return nil
}

func (s *EventStore) writeSteps(ctx context.Context, tx *sql.Tx, batch *Batch, result *BatchResult) error {
	query := `
		INSERT INTO step_execution (
			step_id, scenario_id, test_id, step_text, step_index, status,
			duration_ms, executed_at, error_signature, error_message,
			framework, retry_count, run_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (test_id, run_id, step_index, executed_at) DO NOTHING
	`

	for _, rec := range batch.Steps {
		res, err := tx.ExecContext(ctx, query,
			rec.StepID, rec.ScenarioID, rec.TestID, rec.StepText, rec.StepIndex,
			rec.Status, rec.DurationMs, rec.ExecutedAt,
			nullString(rec.ErrorSignature), nullString(rec.ErrorMessage),
			rec.Framework, rec.RetryCount, rec.RunID,
		)
		if err != nil {
			return fmt.Errorf("%w: step_execution %s: %w", ErrBatchWriteFailed, rec.TestID, err)
		}

		countAffected(res, result)
	}

	return nil
}

func (s *EventStore) writeHTTPCalls(ctx context.Context, tx *sql.Tx, batch *Batch, result *BatchResult) error {
	query := `
		INSERT INTO http_call (
			test_id, run_id, method, endpoint_path, status_code,
			duration_ms, success, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (test_id, run_id, method, endpoint_path, timestamp) DO NOTHING
	`

	for _, rec := range batch.HTTPCalls {
		res, err := tx.ExecContext(ctx, query,
			rec.TestID, rec.RunID, rec.Method, rec.EndpointPath,
			rec.StatusCode, rec.DurationMs, rec.Success, rec.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("%w: http_call %s: %w", ErrBatchWriteFailed, rec.TestID, err)
		}

		countAffected(res, result)
	}

	return nil
}

func (s *EventStore) writeRawEvents(ctx context.Context, tx *sql.Tx, batch *Batch, result *BatchResult) error {
	query := `
		INSERT INTO raw_event (
			event_type, framework, run_id, test_id, payload, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	for _, rec := range batch.Raw {
		payload, err := marshalJSONB(rec.Payload)
		if err != nil {
			return fmt.Errorf("%w: raw event payload: %w", ErrBatchWriteFailed, err)
		}

		if _, err := tx.ExecContext(ctx, query,
			rec.EventType, rec.Framework, nullString(rec.RunID),
			nullString(rec.TestID), payload, rec.Timestamp,
		); err != nil {
			return fmt.Errorf("%w: raw_event: %w", ErrBatchWriteFailed, err)
		}

		result.Inserted++
	}

	return nil
}

// IsDuplicate reports whether an error is a unique-constraint violation.
// The ON CONFLICT clauses make this rare; it only surfaces when constraints
// are added out-of-band.
func IsDuplicate(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

func countAffected(res sql.Result, result *BatchResult) {
	affected, err := res.RowsAffected()
	if err != nil || affected > 0 {
		result.Inserted++

		return
	}

	result.Duplicates++
}

// marshalJSONB marshals a map to JSONB, using SQL NULL for empty maps to
// avoid invalid-input errors on the json type.
func marshalJSONB(data map[string]any) (sql.NullString, error) {
	if len(data) == 0 {
		return sql.NullString{}, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, err
	}

	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}
