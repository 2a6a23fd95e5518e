// Package health tracks per-provider operation outcomes and provides
// circuit-breaker gating for unhealthy providers.
package health

import (
	"sync"
	"time"
)

// Status represents the derived health status of a provider.
type Status string

const (
	// StatusHealthy indicates the provider is operating normally.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the provider succeeds less than half the time.
	StatusDegraded Status = "degraded"
	// StatusUnavailable indicates the provider's circuit is open.
	StatusUnavailable Status = "unavailable"
)

// Default circuit-breaker parameters.
const (
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold = 8
	// Cooldown is how long an open circuit refuses traffic before admitting a probe.
	Cooldown = 120 * time.Second

	// windowCap bounds the rolling operation counters.
	windowCap = 30
	// overflowScale is applied to the success counter when the window overflows,
	// weighting the rate estimate toward recent behavior.
	overflowScale = 0.8
	// degradedRate is the success-rate boundary below which a provider is degraded.
	degradedRate = 0.5
)

// circuitState is the internal breaker state.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// Snapshot is a point-in-time view of a tracker's counters. It is derived on
// demand and never persisted.
type Snapshot struct {
	Status              Status        `json:"status"`
	SuccessRate         float64       `json:"success_rate"`
	SuccessCount        float64       `json:"success_count"`
	RequestCount        int           `json:"request_count"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CircuitOpen         bool          `json:"circuit_open"`
}

// Tracker records operation outcomes for one provider and owns its circuit
// breaker. All methods are safe for concurrent use; the mutex makes the
// tracker the single owner of its counters.
//
// The breaker closes lazily: there is no background timer. Once the cooldown
// has elapsed, the next query observes the circuit as closed and the breaker
// enters a half-open state in which Acquire admits exactly one in-flight
// probe. The probe's outcome decides whether the circuit fully closes or
// re-opens with a fresh timestamp.
type Tracker struct {
	mu sync.Mutex

	successes  float64
	requests   int
	avgLatency time.Duration

	lastSuccess time.Time
	lastFailure time.Time

	consecutiveFailures int

	state         circuitState
	openedAt      time.Time
	probeInFlight bool

	now func() time.Time
}

// Option is a functional option for configuring a Tracker.
type Option func(*Tracker)

// WithNow sets the clock function, used by tests to control time.
func WithNow(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker with a closed circuit and no recorded operations.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		now: time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// RecordSuccess records a successful operation and its latency. A success
// resets the consecutive-failure counter and, when the tracker is half-open,
// closes the circuit.
func (t *Tracker) RecordSuccess(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.successes++
	t.requests++
	t.consecutiveFailures = 0
	t.lastSuccess = t.now()

	// Running average over the success count.
	if t.avgLatency == 0 {
		t.avgLatency = latency
	} else {
		t.avgLatency += (latency - t.avgLatency) / time.Duration(t.successes)
	}

	if t.requests > windowCap {
		t.successes *= overflowScale
		t.requests = windowCap
	}

	if t.state == circuitHalfOpen {
		// Probe succeeded - close the circuit.
		t.state = circuitClosed
		t.probeInFlight = false
		t.openedAt = time.Time{}
	}
}

// RecordFailure records a failed operation. Reaching the failure threshold
// opens the circuit; a failed half-open probe re-opens it with a fresh
// timestamp.
func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests++
	t.consecutiveFailures++
	t.lastFailure = t.now()

	if t.requests > windowCap {
		t.requests = windowCap
	}

	switch {
	case t.state == circuitHalfOpen:
		t.state = circuitOpen
		t.openedAt = t.now()
		t.probeInFlight = false
	case t.state == circuitClosed && t.consecutiveFailures >= FailureThreshold:
		t.state = circuitOpen
		t.openedAt = t.now()
	}
}

// IsOpen reports whether the circuit currently refuses traffic. Querying an
// open circuit after the cooldown has elapsed transitions it to half-open as
// a side effect and reports false; the very next operation is the
// trust-rebuilding probe.
func (t *Tracker) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isOpenLocked()
}

func (t *Tracker) isOpenLocked() bool {
	if t.state == circuitOpen && t.now().Sub(t.openedAt) >= Cooldown {
		t.state = circuitHalfOpen
		t.openedAt = time.Time{}
	}
	return t.state == circuitOpen
}

// Acquire reports whether an operation may proceed. A closed circuit admits
// every operation; an open circuit admits none; a half-open circuit admits a
// single probe until its outcome is recorded.
func (t *Tracker) Acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isOpenLocked() {
		return false
	}

	if t.state == circuitHalfOpen {
		if t.probeInFlight {
			return false
		}
		t.probeInFlight = true
	}

	return true
}

// Release abandons an acquired probe permit without recording an outcome.
// Used when an operation is cancelled, so cancellation neither counts against
// health nor leaves the half-open breaker wedged.
func (t *Tracker) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == circuitHalfOpen {
		t.probeInFlight = false
	}
}

// Health returns a snapshot derived from the current counters.
func (t *Tracker) Health() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	open := t.isOpenLocked()

	// Optimistic default: a never-used provider is eligible.
	rate := 1.0
	if t.requests > 0 {
		rate = t.successes / float64(t.requests)
	}

	status := StatusHealthy
	switch {
	case open:
		status = StatusUnavailable
	case rate < degradedRate:
		status = StatusDegraded
	}

	return Snapshot{
		Status:              status,
		SuccessRate:         rate,
		SuccessCount:        t.successes,
		RequestCount:        t.requests,
		AvgResponseTime:     t.avgLatency,
		LastSuccess:         t.lastSuccess,
		LastFailure:         t.lastFailure,
		ConsecutiveFailures: t.consecutiveFailures,
		CircuitOpen:         open,
	}
}

// Reset zeroes all counters and closes the circuit. Used on administrative
// recovery and process-wide provider reset.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.successes = 0
	t.requests = 0
	t.avgLatency = 0
	t.lastSuccess = time.Time{}
	t.lastFailure = time.Time{}
	t.consecutiveFailures = 0
	t.state = circuitClosed
	t.openedAt = time.Time{}
	t.probeInFlight = false
}
