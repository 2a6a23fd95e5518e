// Package testing provides mock implementations for use in tests.
// This package should only be imported by test files (*_test.go).
package testing

import (
	"context"
	"sync"

	"github.com/fetchrelay/fetchrelay/internal/health"
	"github.com/fetchrelay/fetchrelay/internal/platform"
	"github.com/fetchrelay/fetchrelay/internal/provider"
)

// MockProvider is a mock implementation of provider.Provider for testing.
// Behavior is driven through the On* hooks; without hooks every operation
// succeeds with canned data. Outcomes are recorded against a real health
// tracker so circuit behavior can be exercised end to end.
type MockProvider struct {
	name      string
	priority  int
	platforms []platform.Platform
	caps      provider.Capabilities
	tracker   *health.Tracker

	mu        sync.RWMutex
	cancelled []string

	// Hooks for custom behavior
	OnSupports     func(rawURL string) bool
	OnMetadata     func(ctx context.Context, rawURL string, opts provider.Options) (*provider.Metadata, error)
	OnFetchContent func(ctx context.Context, rawURL, sessionID string, opts provider.Options, onProgress provider.ProgressFunc) (*provider.Result, error)
	OnCancel       func(sessionID string) error
}

// NewMockProvider creates a mock provider with the given name and priority.
func NewMockProvider(name string, priority int, platforms ...platform.Platform) *MockProvider {
	if len(platforms) == 0 {
		platforms = []platform.Platform{
			platform.YouTube,
			platform.TikTok,
			platform.Instagram,
			platform.Twitter,
			platform.Unknown,
		}
	}
	return &MockProvider{
		name:      name,
		priority:  priority,
		platforms: platforms,
		caps: provider.Capabilities{
			Metadata:  true,
			AudioOnly: true,
			Progress:  true,
		},
		tracker: health.NewTracker(),
	}
}

// Name returns the configured name.
func (m *MockProvider) Name() string { return m.name }

// Priority returns the configured priority.
func (m *MockProvider) Priority() int { return m.priority }

// Platforms returns the configured platform set.
func (m *MockProvider) Platforms() []platform.Platform { return m.platforms }

// Capabilities returns the configured capability flags.
func (m *MockProvider) Capabilities() provider.Capabilities { return m.caps }

// SetCapabilities replaces the default capability flags. Call before the
// provider is registered; flags are meant to be immutable after that.
func (m *MockProvider) SetCapabilities(caps provider.Capabilities) { m.caps = caps }

// Supports defers to OnSupports, defaulting to platform membership.
func (m *MockProvider) Supports(rawURL string) bool {
	if m.OnSupports != nil {
		return m.OnSupports(rawURL)
	}
	if !platform.ValidURL(rawURL) {
		return false
	}
	p := platform.Detect(rawURL)
	for _, candidate := range m.platforms {
		if candidate == p {
			return true
		}
	}
	return false
}

// FetchMetadata runs the OnMetadata hook under the health tracker.
func (m *MockProvider) FetchMetadata(ctx context.Context, rawURL string, opts provider.Options) (*provider.Metadata, error) {
	meta := &provider.Metadata{Title: "mock media", Provider: m.name}
	err := m.observe(func() error {
		if m.OnMetadata != nil {
			var err error
			meta, err = m.OnMetadata(ctx, rawURL, opts)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// FetchContent runs the OnFetchContent hook under the health tracker.
func (m *MockProvider) FetchContent(ctx context.Context, rawURL, sessionID string, opts provider.Options, onProgress provider.ProgressFunc) (*provider.Result, error) {
	result := &provider.Result{Success: true, FilePath: "/tmp/mock.mp4", FileSize: 1, Provider: m.name}
	err := m.observe(func() error {
		if m.OnFetchContent != nil {
			var err error
			result, err = m.OnFetchContent(ctx, rawURL, sessionID, opts, onProgress)
			return err
		}
		if onProgress != nil {
			onProgress(100)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel records the session id and defers to OnCancel.
func (m *MockProvider) Cancel(sessionID string) error {
	m.mu.Lock()
	m.cancelled = append(m.cancelled, sessionID)
	m.mu.Unlock()

	if m.OnCancel != nil {
		return m.OnCancel(sessionID)
	}
	return nil
}

// Cancelled returns the session ids Cancel has been called with.
func (m *MockProvider) Cancelled() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.cancelled))
	copy(out, m.cancelled)
	return out
}

// Health returns the tracker snapshot.
func (m *MockProvider) Health() health.Snapshot { return m.tracker.Health() }

// Reset clears the tracker.
func (m *MockProvider) Reset() { m.tracker.Reset() }

// Tracker exposes the underlying tracker for direct state setup in tests.
func (m *MockProvider) Tracker() *health.Tracker { return m.tracker }

func (m *MockProvider) observe(op func() error) error {
	if !m.tracker.Acquire() {
		return &provider.CircuitOpenError{Provider: m.name}
	}
	err := op()
	switch {
	case err == nil:
		m.tracker.RecordSuccess(0)
	case provider.IsCancelled(err):
		m.tracker.Release()
	default:
		m.tracker.RecordFailure()
	}
	return err
}
