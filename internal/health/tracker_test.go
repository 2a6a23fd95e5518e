package health_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchrelay/fetchrelay/internal/health"
)

// fakeClock is a controllable clock for cooldown tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func failN(t *health.Tracker, n int) {
	for range n {
		t.RecordFailure()
	}
}

func TestCircuitOpensAtThreshold(t *testing.T) {
	tr := health.NewTracker()

	failN(tr, health.FailureThreshold-1)
	assert.False(t, tr.IsOpen(), "circuit should stay closed below the threshold")

	tr.RecordFailure()
	assert.True(t, tr.IsOpen(), "circuit should open at the threshold")

	snap := tr.Health()
	assert.Equal(t, health.StatusUnavailable, snap.Status)
	assert.True(t, snap.CircuitOpen)
	assert.Equal(t, health.FailureThreshold, snap.ConsecutiveFailures)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	tr := health.NewTracker()

	failN(tr, health.FailureThreshold-1)
	tr.RecordSuccess(10 * time.Millisecond)
	assert.Equal(t, 0, tr.Health().ConsecutiveFailures)

	// The counter starts over, so it takes a full run of failures to open.
	failN(tr, health.FailureThreshold-1)
	assert.False(t, tr.IsOpen())
	tr.RecordFailure()
	assert.True(t, tr.IsOpen())
}

func TestCooldown(t *testing.T) {
	t.Run("open before cooldown elapses", func(t *testing.T) {
		clock := newFakeClock()
		tr := health.NewTracker(health.WithNow(clock.Now))

		failN(tr, health.FailureThreshold)
		require.True(t, tr.IsOpen())

		clock.Advance(health.Cooldown - time.Second)
		assert.True(t, tr.IsOpen(), "circuit should stay open before the cooldown elapses")
	})

	t.Run("closed after cooldown elapses", func(t *testing.T) {
		clock := newFakeClock()
		tr := health.NewTracker(health.WithNow(clock.Now))

		failN(tr, health.FailureThreshold)
		require.True(t, tr.IsOpen())

		clock.Advance(health.Cooldown)
		assert.False(t, tr.IsOpen(), "circuit should report closed once the cooldown has elapsed")
	})
}

func TestHalfOpenProbe(t *testing.T) {
	t.Run("admits a single probe", func(t *testing.T) {
		clock := newFakeClock()
		tr := health.NewTracker(health.WithNow(clock.Now))

		failN(tr, health.FailureThreshold)
		assert.False(t, tr.Acquire(), "open circuit should admit nothing")

		clock.Advance(health.Cooldown)
		assert.True(t, tr.Acquire(), "first caller after cooldown should get the probe")
		assert.False(t, tr.Acquire(), "second caller should be refused while the probe is in flight")
	})

	t.Run("probe success closes the circuit", func(t *testing.T) {
		clock := newFakeClock()
		tr := health.NewTracker(health.WithNow(clock.Now))

		failN(tr, health.FailureThreshold)
		clock.Advance(health.Cooldown)
		require.True(t, tr.Acquire())

		tr.RecordSuccess(20 * time.Millisecond)
		assert.False(t, tr.IsOpen())
		assert.True(t, tr.Acquire(), "closed circuit should admit every operation")
		assert.True(t, tr.Acquire())
	})

	t.Run("probe failure reopens with a fresh timestamp", func(t *testing.T) {
		clock := newFakeClock()
		tr := health.NewTracker(health.WithNow(clock.Now))

		failN(tr, health.FailureThreshold)
		clock.Advance(health.Cooldown)
		require.True(t, tr.Acquire())

		tr.RecordFailure()
		assert.True(t, tr.IsOpen(), "failed probe should reopen the circuit")

		clock.Advance(health.Cooldown - time.Second)
		assert.True(t, tr.IsOpen(), "fresh cooldown should be measured from the probe failure")

		clock.Advance(time.Second)
		assert.False(t, tr.IsOpen())
	})

	t.Run("release frees the probe permit", func(t *testing.T) {
		clock := newFakeClock()
		tr := health.NewTracker(health.WithNow(clock.Now))

		failN(tr, health.FailureThreshold)
		clock.Advance(health.Cooldown)
		require.True(t, tr.Acquire())

		// Cancelled probe: no outcome recorded, permit handed back.
		tr.Release()
		assert.True(t, tr.Acquire(), "next caller should get the probe after release")
	})
}

func TestRollingWindow(t *testing.T) {
	t.Run("scales success count on overflow", func(t *testing.T) {
		tr := health.NewTracker()

		for range 40 {
			tr.RecordSuccess(5 * time.Millisecond)
		}

		snap := tr.Health()
		assert.Equal(t, 30, snap.RequestCount, "request count should clamp to the window cap")
		// Ten overflow events, each scaling the success counter by 0.8.
		assert.InDelta(t, 6.7917287424, snap.SuccessCount, 1e-6)
		assert.Less(t, snap.SuccessRate, 1.0)
	})

	t.Run("clamps request count on failures", func(t *testing.T) {
		tr := health.NewTracker()

		failN(tr, 35)

		snap := tr.Health()
		assert.Equal(t, 30, snap.RequestCount)
		assert.Equal(t, 35, snap.ConsecutiveFailures)
	})
}

func TestHealthSnapshot(t *testing.T) {
	t.Run("optimistic default with no operations", func(t *testing.T) {
		tr := health.NewTracker()

		snap := tr.Health()
		assert.Equal(t, health.StatusHealthy, snap.Status)
		assert.InEpsilon(t, 1.0, snap.SuccessRate, 1e-9)
		assert.False(t, snap.CircuitOpen)
	})

	t.Run("degraded below half success rate", func(t *testing.T) {
		tr := health.NewTracker()

		tr.RecordSuccess(time.Millisecond)
		for range 3 {
			tr.RecordFailure()
		}

		snap := tr.Health()
		assert.Equal(t, health.StatusDegraded, snap.Status)
		assert.InDelta(t, 0.25, snap.SuccessRate, 1e-9)
		assert.False(t, snap.CircuitOpen)
	})

	t.Run("records latency and timestamps", func(t *testing.T) {
		tr := health.NewTracker()

		tr.RecordSuccess(100 * time.Millisecond)
		tr.RecordSuccess(200 * time.Millisecond)

		snap := tr.Health()
		assert.Equal(t, 150*time.Millisecond, snap.AvgResponseTime)
		assert.False(t, snap.LastSuccess.IsZero())
		assert.True(t, snap.LastFailure.IsZero())
	})
}

func TestReset(t *testing.T) {
	clock := newFakeClock()
	tr := health.NewTracker(health.WithNow(clock.Now))

	tr.RecordSuccess(time.Millisecond)
	failN(tr, health.FailureThreshold)
	require.True(t, tr.IsOpen())

	tr.Reset()

	snap := tr.Health()
	assert.False(t, tr.IsOpen())
	assert.Equal(t, health.StatusHealthy, snap.Status)
	assert.Equal(t, 0, snap.RequestCount)
	assert.InEpsilon(t, 1.0, snap.SuccessRate, 1e-9)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestConcurrentRecording(t *testing.T) {
	tr := health.NewTracker()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				tr.RecordSuccess(time.Millisecond)
				tr.RecordFailure()
				_ = tr.IsOpen()
				_ = tr.Health()
			}
		}()
	}
	wg.Wait()

	snap := tr.Health()
	assert.LessOrEqual(t, snap.RequestCount, 30)
}
