// Package history keeps a bounded in-memory record of retrieval events.
package history

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/fetchrelay/fetchrelay/internal/events"
)

// Entry represents a single recorded event.
type Entry struct {
	ID        string         `json:"id"`
	Type      events.Type    `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TaskID    string         `json:"task_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Recorder records and retrieves events.
type Recorder interface {
	// Record adds a new entry to the history.
	Record(entry Entry)

	// All returns all entries, newest first.
	All() []Entry

	// ByTask returns entries for a specific task, newest first.
	ByTask(taskID string) []Entry

	// ByUser returns entries for a specific user, newest first.
	ByUser(userID string) []Entry

	// ByProvider returns entries for a specific provider, newest first.
	ByProvider(provider string) []Entry

	// Clear removes all entries for a task.
	Clear(taskID string)

	// Follow consumes events from sub until it is closed.
	Follow(sub events.Subscription)
}

// recorder is the default in-memory implementation of Recorder.
type recorder struct {
	entries    []Entry
	mu         sync.RWMutex
	logger     zerolog.Logger
	maxEntries int
}

// Option is a functional option for configuring the recorder.
type Option func(*recorder)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *recorder) {
		r.logger = logger
	}
}

// WithMaxEntries sets the maximum number of entries to retain.
func WithMaxEntries(maxEntries int) Option {
	return func(r *recorder) {
		r.maxEntries = maxEntries
	}
}

// Default configuration values.
const (
	defaultMaxEntries = 10000
)

// NewRecorder creates a new history recorder.
func NewRecorder(opts ...Option) Recorder {
	r := &recorder{
		entries:    make([]Entry, 0),
		logger:     zerolog.Nop(),
		maxEntries: defaultMaxEntries,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// FromEvent converts a bus event into a history entry.
func FromEvent(event events.Event) Entry {
	return Entry{
		Type:      event.Type,
		Timestamp: event.Timestamp,
		TaskID:    event.TaskID,
		UserID:    event.UserID,
		Provider:  event.Provider,
		Data:      event.Data,
	}
}

// Record adds a new entry to the history.
func (r *recorder) Record(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == "" {
		entry.ID = ulid.MustNew(ulid.Now(), rand.Reader).String()
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	// Prepend entry (newest first)
	r.entries = append([]Entry{entry}, r.entries...)

	// Trim if over max
	if len(r.entries) > r.maxEntries {
		r.entries = r.entries[:r.maxEntries]
	}

	r.logger.Debug().
		Str("id", entry.ID).
		Str("type", string(entry.Type)).
		Str("task_id", entry.TaskID).
		Msg("history entry recorded")
}

// All returns all entries, newest first.
func (r *recorder) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Entry, len(r.entries))
	copy(result, r.entries)
	return result
}

// ByTask returns entries for a specific task, newest first.
func (r *recorder) ByTask(taskID string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Entry
	for _, e := range r.entries {
		if e.TaskID == taskID {
			result = append(result, e)
		}
	}
	return result
}

// ByUser returns entries for a specific user, newest first.
func (r *recorder) ByUser(userID string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Entry
	for _, e := range r.entries {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result
}

// ByProvider returns entries for a specific provider, newest first.
func (r *recorder) ByProvider(provider string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Entry
	for _, e := range r.entries {
		if e.Provider == provider {
			result = append(result, e)
		}
	}
	return result
}

// Clear removes all entries for a task.
func (r *recorder) Clear(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var filtered []Entry
	for _, e := range r.entries {
		if e.TaskID != taskID {
			filtered = append(filtered, e)
		}
	}
	r.entries = filtered
}

// Follow consumes events from sub until it is closed.
func (r *recorder) Follow(sub events.Subscription) {
	for event := range sub {
		r.Record(FromEvent(event))
	}
}
