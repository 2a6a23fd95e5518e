package provider

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel classes for the retrieval error taxonomy. Concrete errors wrap
// one of these so callers can classify with errors.Is without depending on
// provider internals.
var (
	ErrValidation  = errors.New("validation error")
	ErrCircuitOpen = errors.New("circuit open")
	ErrNetwork     = errors.New("network error")
	ErrTimeout     = errors.New("timeout")
	ErrProtocol    = errors.New("protocol error")
	ErrNotFound    = errors.New("not found")
	ErrCancelled   = errors.New("cancelled")
)

// ValidationError reports a malformed or unsupported request. It is never
// counted against provider health.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// CircuitOpenError is returned when a provider's circuit breaker rejects an
// operation without attempting it.
type CircuitOpenError struct {
	Provider string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("provider %s: circuit open", e.Provider)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// NetworkError wraps a transport-level failure reaching the backend.
type NetworkError struct {
	Provider string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("provider %s: network: %v", e.Provider, e.Err)
}

func (e *NetworkError) Unwrap() error { return ErrNetwork }

// TimeoutError reports an operation that exceeded its deadline.
type TimeoutError struct {
	Provider string
	Op       string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider %s: %s timed out", e.Provider, e.Op)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ProtocolError reports an unexpected response from an otherwise reachable
// backend, such as a malformed payload or a rejected request.
type ProtocolError struct {
	Provider string
	Detail   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("provider %s: protocol: %s", e.Provider, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// NotFoundError reports that the requested media does not exist upstream.
type NotFoundError struct {
	Provider string
	URL      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("provider %s: %s not found", e.Provider, e.URL)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// CancelledError reports an operation aborted by caller request. Cancelled
// operations do not count against provider health.
type CancelledError struct {
	Provider string
	Session  string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("provider %s: session %s cancelled", e.Provider, e.Session)
}

func (e *CancelledError) Unwrap() error { return ErrCancelled }

// IsCancelled reports whether err represents a caller-initiated abort,
// either through the taxonomy or via context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
