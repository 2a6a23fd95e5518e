package orchestrator_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchrelay/fetchrelay/internal/events"
	"github.com/fetchrelay/fetchrelay/internal/health"
	"github.com/fetchrelay/fetchrelay/internal/orchestrator"
	"github.com/fetchrelay/fetchrelay/internal/platform"
	"github.com/fetchrelay/fetchrelay/internal/provider"
	"github.com/fetchrelay/fetchrelay/internal/store"
	mocks "github.com/fetchrelay/fetchrelay/internal/testing"
)

const testURL = "https://www.youtube.com/watch?v=abc123"

type harness struct {
	orch  *orchestrator.Orchestrator
	bus   *events.Bus
	store *store.Store
}

func newHarness(t *testing.T, providers ...provider.Provider) *harness {
	t.Helper()

	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	bus := events.New()
	manager := provider.NewManager(providers)
	orch := orchestrator.New(manager, st, bus)

	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(orch.Stop)
	t.Cleanup(bus.Close)

	return &harness{orch: orch, bus: bus, store: st}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// drainTypes collects event types from sub until quiet.
func drainTypes(sub events.Subscription) []events.Type {
	var out []events.Type
	for {
		select {
		case ev := <-sub:
			out = append(out, ev.Type)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func TestCreateTask(t *testing.T) {
	t.Run("registers pending task", func(t *testing.T) {
		h := newHarness(t, mocks.NewMockProvider("a", 10))
		sub := h.bus.Subscribe(events.TaskCreated)

		task, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: testURL})
		require.NoError(t, err)
		assert.NotEmpty(t, task.ID)
		assert.NotEmpty(t, task.SessionID)
		assert.Equal(t, platform.YouTube, task.Platform)
		assert.Equal(t, orchestrator.StatePending, task.State())

		select {
		case ev := <-sub:
			assert.Equal(t, task.ID, ev.TaskID)
			assert.Equal(t, "user-1", ev.UserID)
		case <-time.After(time.Second):
			t.Fatal("expected task.created event")
		}

		got, ok := h.orch.Task(task.ID)
		require.True(t, ok)
		assert.Equal(t, task, got)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		h := newHarness(t, mocks.NewMockProvider("a", 10))

		_, err := h.orch.CreateTask(orchestrator.Request{URL: testURL})
		assert.ErrorIs(t, err, provider.ErrValidation)

		_, err = h.orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: "://broken"})
		assert.ErrorIs(t, err, provider.ErrValidation)
	})
}

func TestExecuteTask(t *testing.T) {
	t.Run("runs to completion", func(t *testing.T) {
		h := newHarness(t, mocks.NewMockProvider("a", 10))
		sub := h.bus.Subscribe()

		task, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: testURL})
		require.NoError(t, err)

		result, err := h.orch.ExecuteTask(context.Background(), task.ID)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.True(t, result.Success)

		assert.Equal(t, orchestrator.StateCompleted, task.State())
		assert.Equal(t, 100.0, task.Progress())
		require.NotNil(t, task.Metadata())
		assert.Equal(t, "mock media", task.Metadata().Title)

		_, started, completed := task.Times()
		assert.False(t, started.IsZero())
		assert.False(t, completed.IsZero())

		types := drainTypes(sub)
		assert.Contains(t, types, events.TaskCreated)
		assert.Contains(t, types, events.TaskStarted)
		assert.Contains(t, types, events.TaskCompleted)
	})

	t.Run("unknown task", func(t *testing.T) {
		h := newHarness(t, mocks.NewMockProvider("a", 10))
		_, err := h.orch.ExecuteTask(context.Background(), "nope")
		assert.ErrorIs(t, err, provider.ErrValidation)
	})

	t.Run("running twice is a no-op", func(t *testing.T) {
		h := newHarness(t, mocks.NewMockProvider("a", 10))
		task, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: testURL})
		require.NoError(t, err)

		_, err = h.orch.ExecuteTask(context.Background(), task.ID)
		require.NoError(t, err)
		first := task.Result()

		_, err = h.orch.ExecuteTask(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, first, task.Result())
	})
}

func TestFailoverEvents(t *testing.T) {
	primary := mocks.NewMockProvider("primary", 10)
	secondary := mocks.NewMockProvider("secondary", 20)
	primary.OnFetchContent = func(context.Context, string, string, provider.Options, provider.ProgressFunc) (*provider.Result, error) {
		return nil, &provider.NetworkError{Provider: "primary", Err: errors.New("refused")}
	}

	h := newHarness(t, primary, secondary)
	sub := h.bus.Subscribe(events.ProviderFailed, events.ProviderSwitched, events.TaskCompleted)

	task, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: testURL})
	require.NoError(t, err)
	_, err = h.orch.ExecuteTask(context.Background(), task.ID)
	require.NoError(t, err)

	assert.Equal(t, orchestrator.StateCompleted, task.State())
	assert.Equal(t, "secondary", task.Provider())
	assert.Equal(t, 1, task.Retries())

	var failed, switched bool
	for _, ty := range drainTypes(sub) {
		switch ty {
		case events.ProviderFailed:
			failed = true
		case events.ProviderSwitched:
			switched = true
		}
	}
	assert.True(t, failed, "expected provider.failed event")
	assert.True(t, switched, "expected provider.switched event")
}

func TestTaskFailure(t *testing.T) {
	broken := mocks.NewMockProvider("broken", 10)
	broken.OnFetchContent = func(context.Context, string, string, provider.Options, provider.ProgressFunc) (*provider.Result, error) {
		return nil, &provider.NetworkError{Provider: "broken", Err: errors.New("refused")}
	}
	broken.OnMetadata = func(context.Context, string, provider.Options) (*provider.Metadata, error) {
		return nil, &provider.NetworkError{Provider: "broken", Err: errors.New("refused")}
	}

	h := newHarness(t, broken)
	sub := h.bus.Subscribe(events.TaskFailed)

	task, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: testURL})
	require.NoError(t, err)

	_, err = h.orch.ExecuteTask(context.Background(), task.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrNetwork)
	assert.Equal(t, orchestrator.StateFailed, task.State())

	select {
	case ev := <-sub:
		assert.Equal(t, task.ID, ev.TaskID)
		assert.NotEmpty(t, ev.Data["error"])
	case <-time.After(time.Second):
		t.Fatal("expected task.failed event")
	}

	// The session directory is cleaned up after failure.
	dir, err := h.store.SessionDir(task.SessionID)
	require.NoError(t, err)
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestMetadataExhaustionFailsTask(t *testing.T) {
	p := mocks.NewMockProvider("describe-less", 10)
	p.OnMetadata = func(context.Context, string, provider.Options) (*provider.Metadata, error) {
		return nil, &provider.ProtocolError{Provider: "describe-less", Detail: "bad payload"}
	}
	attempts := 0
	p.OnFetchContent = func(context.Context, string, string, provider.Options, provider.ProgressFunc) (*provider.Result, error) {
		attempts++
		return &provider.Result{Success: true, Provider: "describe-less"}, nil
	}

	h := newHarness(t, p)

	task, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: testURL})
	require.NoError(t, err)

	// A working transfer path does not rescue a task whose metadata lookup
	// ran out of providers.
	_, err = h.orch.ExecuteTask(context.Background(), task.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrProtocol)
	assert.Contains(t, err.Error(), "bad payload")
	assert.Equal(t, orchestrator.StateFailed, task.State())
	assert.Zero(t, attempts)
}

func TestCancelDownload(t *testing.T) {
	t.Run("pending task finalizes immediately", func(t *testing.T) {
		h := newHarness(t, mocks.NewMockProvider("a", 10))
		sub := h.bus.Subscribe(events.TaskCancelled)

		task, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: testURL})
		require.NoError(t, err)

		require.NoError(t, h.orch.CancelDownload(task.ID))
		assert.Equal(t, orchestrator.StateCancelled, task.State())

		select {
		case ev := <-sub:
			assert.Equal(t, task.ID, ev.TaskID)
		case <-time.After(time.Second):
			t.Fatal("expected task.cancelled event")
		}

		// Cancelling again is a no-op.
		require.NoError(t, h.orch.CancelDownload(task.ID))
	})

	t.Run("running task is interrupted", func(t *testing.T) {
		started := make(chan struct{})
		slow := mocks.NewMockProvider("slow", 10)
		slow.OnFetchContent = func(ctx context.Context, _, sessionID string, _ provider.Options, _ provider.ProgressFunc) (*provider.Result, error) {
			close(started)
			<-ctx.Done()
			return nil, &provider.CancelledError{Provider: "slow", Session: sessionID}
		}

		h := newHarness(t, slow)

		task, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: testURL})
		require.NoError(t, err)
		require.NoError(t, h.orch.StartTask(task.ID))

		<-started
		require.NoError(t, h.orch.CancelDownload(task.ID))

		waitFor(t, func() bool {
			return task.State() == orchestrator.StateCancelled
		}, "task did not reach cancelled state")

		// The cancel broadcast reached the provider.
		assert.Contains(t, slow.Cancelled(), task.SessionID)
		// Cancellation did not count against the provider's health.
		assert.Zero(t, slow.Health().RequestCount)
	})

	t.Run("unknown task", func(t *testing.T) {
		h := newHarness(t, mocks.NewMockProvider("a", 10))
		assert.ErrorIs(t, h.orch.CancelDownload("nope"), provider.ErrValidation)
	})

	t.Run("cancel after completion is a no-op", func(t *testing.T) {
		h := newHarness(t, mocks.NewMockProvider("a", 10))
		task, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: testURL})
		require.NoError(t, err)
		_, err = h.orch.ExecuteTask(context.Background(), task.ID)
		require.NoError(t, err)

		require.NoError(t, h.orch.CancelDownload(task.ID))
		assert.Equal(t, orchestrator.StateCompleted, task.State())
	})
}

func TestCancelUserDownloads(t *testing.T) {
	h := newHarness(t, mocks.NewMockProvider("a", 10))

	t1, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: testURL})
	require.NoError(t, err)
	t2, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: testURL})
	require.NoError(t, err)
	other, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-2", URL: testURL})
	require.NoError(t, err)

	// Complete one of user-1's tasks first.
	_, err = h.orch.ExecuteTask(context.Background(), t1.ID)
	require.NoError(t, err)

	cancelled := h.orch.CancelUserDownloads("user-1")
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, orchestrator.StateCompleted, t1.State())
	assert.Equal(t, orchestrator.StateCancelled, t2.State())
	assert.Equal(t, orchestrator.StatePending, other.State())
}

func TestUserTasks(t *testing.T) {
	h := newHarness(t, mocks.NewMockProvider("a", 10))

	t1, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: testURL})
	require.NoError(t, err)
	t2, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: testURL})
	require.NoError(t, err)

	tasks := h.orch.UserTasks("user-1")
	require.Len(t, tasks, 2)
	assert.Equal(t, t1.ID, tasks[0].ID)
	assert.Equal(t, t2.ID, tasks[1].ID)

	assert.Empty(t, h.orch.UserTasks("nobody"))
}

func TestKillAll(t *testing.T) {
	h := newHarness(t, mocks.NewMockProvider("a", 10))

	t1, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: testURL})
	require.NoError(t, err)
	t2, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-2", URL: testURL})
	require.NoError(t, err)

	h.orch.KillAll()
	assert.Equal(t, orchestrator.StateCancelled, t1.State())
	assert.Equal(t, orchestrator.StateCancelled, t2.State())
	assert.Zero(t, h.orch.ActiveCount())
}

func TestHealth(t *testing.T) {
	h := newHarness(t, mocks.NewMockProvider("a", 10), mocks.NewMockProvider("b", 20))

	_, err := h.orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: testURL})
	require.NoError(t, err)

	sys := h.orch.Health()
	assert.Equal(t, health.StatusHealthy, sys.Status)
	assert.Len(t, sys.Providers, 2)
	assert.Equal(t, 1, sys.ActiveTasks)
	assert.Equal(t, 1, sys.TotalTasks)
}

func TestDownloadConvenience(t *testing.T) {
	h := newHarness(t, mocks.NewMockProvider("a", 10))

	task, err := h.orch.Download(orchestrator.Request{UserID: "user-1", URL: testURL})
	require.NoError(t, err)

	waitFor(t, func() bool {
		return task.State() == orchestrator.StateCompleted
	}, "task did not complete")
	assert.Equal(t, 100.0, task.Progress())
}

func TestTerminalTaskPruning(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	bus := events.New()
	m := provider.NewManager([]provider.Provider{mocks.NewMockProvider("a", 10)})
	orch := orchestrator.New(m, st, bus,
		orchestrator.WithSweep(10*time.Millisecond, time.Nanosecond))

	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(orch.Stop)
	t.Cleanup(bus.Close)

	task, err := orch.CreateTask(orchestrator.Request{UserID: "user-1", URL: testURL})
	require.NoError(t, err)
	_, err = orch.ExecuteTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StateCompleted, task.State())

	require.Eventually(t, func() bool {
		_, ok := orch.Task(task.ID)
		return !ok
	}, 3*time.Second, 10*time.Millisecond)

	assert.Empty(t, orch.UserTasks("user-1"))
}
