// Package orchestrator coordinates download tasks across providers.
package orchestrator

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/fetchrelay/fetchrelay/internal/events"
	"github.com/fetchrelay/fetchrelay/internal/health"
	"github.com/fetchrelay/fetchrelay/internal/platform"
	"github.com/fetchrelay/fetchrelay/internal/provider"
	"github.com/fetchrelay/fetchrelay/internal/store"
)

// TaskState tracks a task through its lifecycle.
type TaskState string

const (
	// StatePending indicates the task was accepted but not started.
	StatePending TaskState = "pending"
	// StateFetchingInfo indicates metadata is being fetched.
	StateFetchingInfo TaskState = "fetching_info"
	// StateDownloading indicates content transfer is in progress.
	StateDownloading TaskState = "downloading"
	// StateProcessing is reserved for post-download work. No transition
	// enters it today.
	StateProcessing TaskState = "processing"
	// StateCompleted indicates the task finished successfully.
	StateCompleted TaskState = "completed"
	// StateFailed indicates every provider attempt failed.
	StateFailed TaskState = "failed"
	// StateCancelled indicates the task was cancelled by request.
	StateCancelled TaskState = "cancelled"
)

// terminal reports whether a state admits no further transitions.
func terminal(s TaskState) bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Default configuration values.
const (
	defaultMaxConcurrent   = 4
	defaultShutdownTimeout = 10 * time.Second
	defaultSweepInterval   = 15 * time.Minute
	defaultSessionMaxAge   = 24 * time.Hour
)

// DownloadTask represents one retrieval request owned by the orchestrator.
type DownloadTask struct {
	ID        string
	UserID    string
	ChatID    string
	URL       string
	Platform  platform.Platform
	SessionID string
	Options   provider.Options

	mu          sync.RWMutex
	state       TaskState
	progress    float64
	provider    string
	retries     int
	metadata    *provider.Metadata
	result      *provider.Result
	err         error
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	cancel context.CancelFunc
}

// State returns the current state thread-safely.
func (t *DownloadTask) State() TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Progress returns the last reported progress percentage.
func (t *DownloadTask) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

// Provider returns the name of the provider currently serving the task.
func (t *DownloadTask) Provider() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.provider
}

// Retries returns how many provider failovers the task has gone through.
func (t *DownloadTask) Retries() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.retries
}

// Metadata returns the fetched metadata, or nil before it is available.
func (t *DownloadTask) Metadata() *provider.Metadata {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.metadata
}

// Result returns the transfer result, or nil before completion.
func (t *DownloadTask) Result() *provider.Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}

// Err returns the task's error, if any.
func (t *DownloadTask) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Times returns the created, started and completed timestamps.
//
//nolint:nonamedreturns // named returns document multiple time.Time values
func (t *DownloadTask) Times() (createdAt, startedAt, completedAt time.Time) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.createdAt, t.startedAt, t.completedAt
}

// Orchestrator owns the task table and drives tasks through providers.
type Orchestrator struct {
	manager *provider.Manager
	store   *store.Store
	bus     *events.Bus
	logger  zerolog.Logger

	maxConcurrent int
	sweepInterval time.Duration
	sessionMaxAge time.Duration

	tasks  map[string]*DownloadTask
	byUser map[string][]string
	mu     sync.RWMutex

	slots  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is a functional option for configuring the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger.With().Str("component", "orchestrator").Logger()
	}
}

// WithMaxConcurrent caps the number of tasks transferring at once.
func WithMaxConcurrent(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithSweep sets how often stale session directories are removed and the
// age at which they qualify.
func WithSweep(interval, maxAge time.Duration) Option {
	return func(o *Orchestrator) {
		o.sweepInterval = interval
		o.sessionMaxAge = maxAge
	}
}

// New creates a new Orchestrator.
func New(manager *provider.Manager, st *store.Store, bus *events.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		manager:       manager,
		store:         st,
		bus:           bus,
		logger:        zerolog.Nop(),
		maxConcurrent: defaultMaxConcurrent,
		sweepInterval: defaultSweepInterval,
		sessionMaxAge: defaultSessionMaxAge,
		tasks:         make(map[string]*DownloadTask),
		byUser:        make(map[string][]string),
	}

	for _, opt := range opts {
		opt(o)
	}

	o.slots = make(chan struct{}, o.maxConcurrent)
	return o
}

// Start begins background housekeeping and marks the system live.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	o.bus.Publish(events.Event{
		Type: events.SystemStarted,
		Data: map[string]any{"providers": len(o.manager.Providers())},
	})

	o.wg.Go(o.sweepLoop)

	o.logger.Info().Int("max_concurrent", o.maxConcurrent).Msg("orchestrator started")
	return nil
}

// Stop cancels all in-flight work and waits for goroutines with a timeout.
func (o *Orchestrator) Stop() {
	o.KillAll()

	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Debug().Msg("all goroutines completed cleanly")
	case <-time.After(defaultShutdownTimeout):
		o.logger.Warn().Msg("timeout waiting for goroutines, some transfers may still be running")
	}

	o.logger.Info().Msg("orchestrator stopped")
}

func (o *Orchestrator) sweepLoop() {
	ticker := time.NewTicker(o.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			removed, err := o.store.Sweep(o.sessionMaxAge)
			if err != nil {
				o.logger.Warn().Err(err).Msg("session sweep failed")
			} else if removed > 0 {
				o.logger.Info().Int("removed", removed).Msg("swept stale session directories")
			}

			if pruned := o.pruneTasks(o.sessionMaxAge); pruned > 0 {
				o.logger.Info().Int("pruned", pruned).Msg("pruned terminal tasks")
			}
		}
	}
}

// pruneTasks drops terminal tasks whose completion is older than maxAge.
// Terminal records stay readable until then so callers can still poll the
// outcome of a finished task.
func (o *Orchestrator) pruneTasks(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	o.mu.Lock()
	defer o.mu.Unlock()

	pruned := 0
	for id, task := range o.tasks {
		task.mu.RLock()
		stale := terminal(task.state) && !task.completedAt.IsZero() && task.completedAt.Before(cutoff)
		userID := task.UserID
		task.mu.RUnlock()
		if !stale {
			continue
		}

		delete(o.tasks, id)
		ids := o.byUser[userID]
		for i, tid := range ids {
			if tid == id {
				o.byUser[userID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(o.byUser[userID]) == 0 {
			delete(o.byUser, userID)
		}
		pruned++
	}
	return pruned
}

// Request describes a download to accept. ChatID is optional and names the
// conversation that should be notified about the task's outcome.
type Request struct {
	UserID  string
	ChatID  string
	URL     string
	Options provider.Options
}

// CreateTask validates the request and registers a pending task. The task
// does not run until ExecuteTask or StartTask is called.
func (o *Orchestrator) CreateTask(req Request) (*DownloadTask, error) {
	if req.UserID == "" {
		return nil, &provider.ValidationError{Field: "user", Reason: "user id is required"}
	}
	if !platform.ValidURL(req.URL) {
		return nil, &provider.ValidationError{Field: "url", Reason: "not a valid http(s) URL"}
	}

	task := &DownloadTask{
		ID:        ulid.MustNew(ulid.Now(), rand.Reader).String(),
		UserID:    req.UserID,
		ChatID:    req.ChatID,
		URL:       req.URL,
		Platform:  platform.Detect(req.URL),
		SessionID: uuid.NewString(),
		Options:   req.Options,
		state:     StatePending,
		createdAt: time.Now(),
	}

	o.mu.Lock()
	o.tasks[task.ID] = task
	o.byUser[req.UserID] = append(o.byUser[req.UserID], task.ID)
	o.mu.Unlock()

	o.bus.Publish(events.Event{
		Type:   events.TaskCreated,
		TaskID: task.ID,
		UserID: req.UserID,
		Data:   map[string]any{"url": req.URL, "platform": string(task.Platform)},
	})

	o.logger.Info().
		Str("task", task.ID).
		Str("user", req.UserID).
		Str("platform", string(task.Platform)).
		Msg("task created")

	return task, nil
}

// StartTask runs the task asynchronously, bounded by the concurrency cap.
func (o *Orchestrator) StartTask(taskID string) error {
	task, err := o.taskByID(taskID)
	if err != nil {
		return err
	}

	o.wg.Go(func() {
		select {
		case o.slots <- struct{}{}:
			defer func() { <-o.slots }()
		case <-o.ctx.Done():
			return
		}
		o.run(o.ctx, task)
	})
	return nil
}

// ExecuteTask runs the task to completion on the calling goroutine and
// returns its final result.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID string) (*provider.Result, error) {
	task, err := o.taskByID(taskID)
	if err != nil {
		return nil, err
	}

	o.run(ctx, task)

	if err := task.Err(); err != nil {
		return task.Result(), err
	}
	return task.Result(), nil
}

// run drives one task through its lifecycle. It is a no-op for tasks that
// already left the pending state.
func (o *Orchestrator) run(ctx context.Context, task *DownloadTask) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	task.mu.Lock()
	if task.state != StatePending {
		task.mu.Unlock()
		return
	}
	task.state = StateFetchingInfo
	task.startedAt = time.Now()
	task.cancel = cancel
	task.mu.Unlock()

	o.bus.Publish(events.Event{Type: events.TaskStarted, TaskID: task.ID, UserID: task.UserID})

	// A metadata error out of the manager means every candidate was tried
	// and the last one's failure is the task's failure.
	if task.Metadata() == nil {
		meta, err := o.manager.Metadata(ctx, task.URL, task.Options)
		if err != nil {
			if provider.IsCancelled(err) {
				o.finishCancelled(task)
				return
			}
			o.finishFailed(task, nil, err)
			return
		}
		task.mu.Lock()
		task.metadata = meta
		task.mu.Unlock()
	}

	if !o.setState(task, StateDownloading) {
		return
	}

	result, err := o.manager.Download(ctx, task.URL, task.SessionID, task.Options,
		o.progressFunc(task), o.switchFunc(task))

	switch {
	case err == nil:
		o.finishCompleted(task, result)
	case provider.IsCancelled(err):
		o.finishCancelled(task)
	default:
		o.finishFailed(task, result, err)
	}
}

func (o *Orchestrator) progressFunc(task *DownloadTask) provider.ProgressFunc {
	return func(pct float64) {
		task.mu.Lock()
		prev := task.progress
		task.progress = pct
		task.mu.Unlock()

		// Only whole-percent changes are published to keep event volume
		// proportional to visible progress.
		if math.Floor(pct) > math.Floor(prev) || pct >= 100 && prev < 100 {
			o.bus.Publish(events.Event{
				Type:   events.TaskProgress,
				TaskID: task.ID,
				UserID: task.UserID,
				Data:   map[string]any{"percent": pct},
			})
		}
	}
}

func (o *Orchestrator) switchFunc(task *DownloadTask) provider.SwitchFunc {
	return func(prev, next string) {
		task.mu.Lock()
		task.provider = next
		task.progress = 0
		task.retries++
		task.mu.Unlock()

		o.bus.Publish(events.Event{
			Type:     events.ProviderFailed,
			TaskID:   task.ID,
			UserID:   task.UserID,
			Provider: prev,
		})
		o.bus.Publish(events.Event{
			Type:     events.ProviderSwitched,
			TaskID:   task.ID,
			UserID:   task.UserID,
			Provider: next,
			Data:     map[string]any{"previous": prev},
		})

		o.logger.Info().
			Str("task", task.ID).
			Str("from", prev).
			Str("to", next).
			Msg("provider failover")
	}
}

// setState transitions a task unless it already reached a terminal state.
func (o *Orchestrator) setState(task *DownloadTask, next TaskState) bool {
	task.mu.Lock()
	defer task.mu.Unlock()
	if terminal(task.state) {
		return false
	}
	task.state = next
	return true
}

func (o *Orchestrator) finishCompleted(task *DownloadTask, result *provider.Result) {
	task.mu.Lock()
	if terminal(task.state) {
		task.mu.Unlock()
		return
	}
	task.state = StateCompleted
	task.result = result
	task.progress = 100
	task.provider = result.Provider
	task.completedAt = time.Now()
	task.mu.Unlock()

	o.bus.Publish(events.Event{
		Type:     events.TaskCompleted,
		TaskID:   task.ID,
		UserID:   task.UserID,
		Provider: result.Provider,
		Data:     map[string]any{"file_path": result.FilePath, "file_size": result.FileSize},
	})

	o.logger.Info().
		Str("task", task.ID).
		Str("provider", result.Provider).
		Int64("size", result.FileSize).
		Msg("task completed")
}

func (o *Orchestrator) finishFailed(task *DownloadTask, result *provider.Result, err error) {
	task.mu.Lock()
	if terminal(task.state) {
		task.mu.Unlock()
		return
	}
	task.state = StateFailed
	task.result = result
	task.err = err
	task.completedAt = time.Now()
	task.mu.Unlock()

	o.bus.Publish(events.Event{
		Type:   events.TaskFailed,
		TaskID: task.ID,
		UserID: task.UserID,
		Data:   map[string]any{"error": err.Error()},
	})

	o.logger.Error().Err(err).Str("task", task.ID).Msg("task failed")

	o.cleanupSession(task)
}

func (o *Orchestrator) finishCancelled(task *DownloadTask) {
	task.mu.Lock()
	if terminal(task.state) {
		task.mu.Unlock()
		return
	}
	task.state = StateCancelled
	task.err = &provider.CancelledError{Session: task.SessionID}
	task.completedAt = time.Now()
	task.mu.Unlock()

	o.bus.Publish(events.Event{Type: events.TaskCancelled, TaskID: task.ID, UserID: task.UserID})
	o.logger.Info().Str("task", task.ID).Msg("task cancelled")

	o.cleanupSession(task)
}

func (o *Orchestrator) cleanupSession(task *DownloadTask) {
	if err := o.store.Remove(task.SessionID); err != nil {
		o.logger.Warn().Err(err).Str("session", task.SessionID).Msg("session cleanup failed")
	}
}

// CancelDownload cancels a task. Pending tasks are finalized immediately;
// running tasks are interrupted through their context and the provider
// broadcast. Cancelling a terminal task is a no-op.
func (o *Orchestrator) CancelDownload(taskID string) error {
	task, err := o.taskByID(taskID)
	if err != nil {
		return err
	}

	task.mu.Lock()
	state := task.state
	cancel := task.cancel
	task.mu.Unlock()

	switch {
	case terminal(state):
		return nil
	case state == StatePending:
		o.finishCancelled(task)
		return nil
	}

	if cancel != nil {
		cancel()
	}
	o.manager.CancelDownload(task.SessionID)
	return nil
}

// CancelUserDownloads cancels every non-terminal task belonging to a user
// and returns how many were cancelled.
func (o *Orchestrator) CancelUserDownloads(userID string) int {
	cancelled := 0
	for _, task := range o.UserTasks(userID) {
		if terminal(task.State()) {
			continue
		}
		if err := o.CancelDownload(task.ID); err == nil {
			cancelled++
		}
	}
	return cancelled
}

// KillAll cancels every non-terminal task.
func (o *Orchestrator) KillAll() {
	o.mu.RLock()
	ids := make([]string, 0, len(o.tasks))
	for id := range o.tasks {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	for _, id := range ids {
		_ = o.CancelDownload(id)
	}
}

// Task returns the task with the given id.
func (o *Orchestrator) Task(taskID string) (*DownloadTask, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	task, ok := o.tasks[taskID]
	return task, ok
}

// Tasks returns every tracked task, oldest first.
func (o *Orchestrator) Tasks() []*DownloadTask {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]*DownloadTask, 0, len(o.tasks))
	for _, task := range o.tasks {
		out = append(out, task)
	}
	// ULID ids sort lexicographically by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UserTasks returns a user's tasks in creation order.
func (o *Orchestrator) UserTasks(userID string) []*DownloadTask {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var out []*DownloadTask
	for _, id := range o.byUser[userID] {
		if task, ok := o.tasks[id]; ok {
			out = append(out, task)
		}
	}
	return out
}

// ActiveCount returns the number of non-terminal tasks.
func (o *Orchestrator) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	n := 0
	for _, task := range o.tasks {
		if !terminal(task.State()) {
			n++
		}
	}
	return n
}

// Health reports per-provider health plus task counts.
func (o *Orchestrator) Health() SystemHealth {
	return SystemHealth{
		Status:      o.manager.Status(),
		Providers:   o.manager.SystemHealth(),
		ActiveTasks: o.ActiveCount(),
		TotalTasks:  o.taskCount(),
	}
}

func (o *Orchestrator) taskCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.tasks)
}

// SystemHealth aggregates provider snapshots and task counts.
type SystemHealth struct {
	Status      health.Status              `json:"status"`
	Providers   map[string]health.Snapshot `json:"providers"`
	ActiveTasks int                        `json:"active_tasks"`
	TotalTasks  int                        `json:"total_tasks"`
}

func (o *Orchestrator) taskByID(taskID string) (*DownloadTask, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	task, ok := o.tasks[taskID]
	if !ok {
		return nil, &provider.ValidationError{Field: "task", Reason: fmt.Sprintf("unknown task %q", taskID)}
	}
	return task, nil
}

// Download is the one-call convenience path: create a task and start it.
func (o *Orchestrator) Download(req Request) (*DownloadTask, error) {
	task, err := o.CreateTask(req)
	if err != nil {
		return nil, err
	}
	if err := o.StartTask(task.ID); err != nil {
		return nil, err
	}
	return task, nil
}
