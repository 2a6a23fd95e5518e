package provider

import (
	"context"
	"errors"
	"time"

	"github.com/fetchrelay/fetchrelay/internal/health"
)

// observe runs op under the provider's health tracker. It fails fast with a
// CircuitOpenError when the circuit rejects the attempt, times the
// operation, and records the outcome.
//
// Cancelled operations and validation failures are not counted either way;
// the probe permit is handed back so a half-open circuit can try again.
func observe(tracker *health.Tracker, name string, op func() error) error {
	if !tracker.Acquire() {
		return &CircuitOpenError{Provider: name}
	}

	start := time.Now()
	err := op()
	switch {
	case err == nil:
		tracker.RecordSuccess(time.Since(start))
	case IsCancelled(err), errors.Is(err, ErrValidation):
		tracker.Release()
	default:
		tracker.RecordFailure()
	}
	return err
}

// classify maps a raw backend error onto the retrieval taxonomy. Errors
// already in the taxonomy pass through unchanged.
func classify(name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrNetwork), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrProtocol), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrCancelled):
		return err
	case errors.Is(err, context.Canceled):
		return &CancelledError{Provider: name}
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{Provider: name, Op: "operation"}
	default:
		return &NetworkError{Provider: name, Err: err}
	}
}
