package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fetchrelay/fetchrelay/internal/health"
	"github.com/fetchrelay/fetchrelay/internal/platform"
)

// Manager owns the provider registry and performs health-aware selection
// and failover across it.
type Manager struct {
	mu        sync.RWMutex
	providers []Provider
	logger    zerolog.Logger
}

// ManagerOption is a functional option for configuring the manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger.With().Str("component", "provider-manager").Logger()
	}
}

// NewManager creates a manager over the given providers.
func NewManager(providers []Provider, opts ...ManagerOption) *Manager {
	m := &Manager{
		providers: providers,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a provider to the registry.
func (m *Manager) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, p)
}

// Providers returns a copy of the registry.
func (m *Manager) Providers() []Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Provider, len(m.providers))
	copy(out, m.providers)
	return out
}

// Provider returns the named provider, or nil when unknown.
func (m *Manager) Provider(name string) Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// ProvidersForPlatform returns providers declaring support for the platform,
// ordered for selection. Routing for the unknown platform is permissive:
// every provider may attempt generic extraction, so all of them qualify.
// Ordering is by ascending priority, then providers with a closed circuit
// ahead of open ones, then descending success rate.
func (m *Manager) ProvidersForPlatform(pl platform.Platform) []Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Provider
	if pl == platform.Unknown {
		out = append(out, m.providers...)
	} else {
		for _, p := range m.providers {
			for _, candidate := range p.Platforms() {
				if candidate == pl {
					out = append(out, p)
					break
				}
			}
		}
	}
	orderProviders(out)
	return out
}

// candidates returns providers that accept rawURL, in selection order.
func (m *Manager) candidates(rawURL string) []Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Provider
	for _, p := range m.providers {
		if p.Supports(rawURL) {
			out = append(out, p)
		}
	}
	orderProviders(out)
	return out
}

// orderProviders sorts in place by priority, circuit state, success rate.
// Health snapshots are taken once per provider so the comparison is
// consistent across the sort.
func orderProviders(providers []Provider) {
	snaps := make(map[string]health.Snapshot, len(providers))
	for _, p := range providers {
		snaps[p.Name()] = p.Health()
	}
	sort.SliceStable(providers, func(i, j int) bool {
		a, b := providers[i], providers[j]
		if a.Priority() != b.Priority() {
			return a.Priority() < b.Priority()
		}
		sa, sb := snaps[a.Name()], snaps[b.Name()]
		if sa.CircuitOpen != sb.CircuitOpen {
			return !sa.CircuitOpen
		}
		return sa.SuccessRate > sb.SuccessRate
	})
}

// BestProvider returns the provider that would be tried first for rawURL.
// When every candidate's circuit is open the top candidate is returned
// anyway so callers can still attempt in degraded mode.
func (m *Manager) BestProvider(rawURL string) (Provider, error) {
	if !platform.ValidURL(rawURL) {
		return nil, &ValidationError{Field: "url", Reason: "not a valid http(s) URL"}
	}

	candidates := m.candidates(rawURL)
	if len(candidates) == 0 {
		return nil, &ValidationError{Field: "url", Reason: "no provider supports this URL"}
	}

	for _, p := range candidates {
		if !p.Health().CircuitOpen {
			return p, nil
		}
	}

	m.logger.Warn().Str("url", rawURL).Msg("all candidate circuits open, degraded selection")
	return candidates[0], nil
}

// Metadata fetches metadata for rawURL, failing over across providers in
// selection order. Providers without the metadata capability and providers
// with an open circuit are skipped up front; a provider that
// rejects at its breaker mid-flight is treated like any other failure.
func (m *Manager) Metadata(ctx context.Context, rawURL string, opts Options) (*Metadata, error) {
	if !platform.ValidURL(rawURL) {
		return nil, &ValidationError{Field: "url", Reason: "not a valid http(s) URL"}
	}

	candidates := m.candidates(rawURL)
	if len(candidates) == 0 {
		return nil, &ValidationError{Field: "url", Reason: "no provider supports this URL"}
	}

	var lastErr error
	for _, p := range candidates {
		if !p.Capabilities().Metadata {
			continue
		}
		if p.Health().CircuitOpen {
			lastErr = &CircuitOpenError{Provider: p.Name()}
			continue
		}

		meta, err := p.FetchMetadata(ctx, rawURL, opts)
		if err == nil {
			return meta, nil
		}
		if IsCancelled(err) || errors.Is(err, ErrValidation) {
			return nil, err
		}

		m.logger.Warn().Err(err).Str("provider", p.Name()).Msg("metadata attempt failed")
		lastErr = err
	}
	if lastErr == nil {
		return nil, &ValidationError{Field: "url", Reason: "no metadata-capable provider for this URL"}
	}
	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

// Download transfers rawURL into the session store, failing over across
// providers in selection order. onSwitch fires before every attempt after
// the first, naming the provider that failed and the one up next. When all
// candidates are exhausted a failed Result carrying the last error is
// returned alongside the error.
func (m *Manager) Download(ctx context.Context, rawURL, sessionID string, opts Options, onProgress ProgressFunc, onSwitch SwitchFunc) (*Result, error) {
	if !platform.ValidURL(rawURL) {
		return nil, &ValidationError{Field: "url", Reason: "not a valid http(s) URL"}
	}
	if sessionID == "" {
		return nil, &ValidationError{Field: "session", Reason: "session id is required"}
	}

	candidates := m.candidates(rawURL)
	if len(candidates) == 0 {
		return nil, &ValidationError{Field: "url", Reason: "no provider supports this URL"}
	}

	var lastErr error
	var prev string
	for _, p := range candidates {
		if p.Health().CircuitOpen {
			lastErr = &CircuitOpenError{Provider: p.Name()}
			continue
		}

		if prev != "" && onSwitch != nil {
			onSwitch(prev, p.Name())
		}
		prev = p.Name()

		result, err := p.FetchContent(ctx, rawURL, sessionID, opts, onProgress)
		if err == nil && result != nil && result.Success {
			return result, nil
		}
		if IsCancelled(err) || errors.Is(err, ErrValidation) {
			return nil, err
		}

		// A normally-returned unsuccessful result is a failure like any
		// other and the iteration moves on.
		if err == nil {
			detail := "no result"
			if result != nil {
				detail = result.Error
			}
			err = &ProtocolError{Provider: p.Name(), Detail: detail}
		}
		m.logger.Warn().Err(err).Str("provider", p.Name()).Str("session", sessionID).Msg("download attempt failed")
		lastErr = err
	}

	result := &Result{Success: false, Error: lastErr.Error()}
	return result, fmt.Errorf("all providers failed: %w", lastErr)
}

// CancelDownload broadcasts a cancel for sessionID to every provider
// concurrently. Providers without that session treat it as a no-op, so the
// broadcast is idempotent.
func (m *Manager) CancelDownload(sessionID string) {
	providers := m.Providers()

	var wg sync.WaitGroup
	for _, p := range providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			if err := p.Cancel(sessionID); err != nil {
				m.logger.Warn().Err(err).Str("provider", p.Name()).Str("session", sessionID).Msg("cancel failed")
			}
		}(p)
	}
	wg.Wait()
}

// SystemHealth returns a health snapshot per provider, keyed by name.
func (m *Manager) SystemHealth() map[string]health.Snapshot {
	providers := m.Providers()
	out := make(map[string]health.Snapshot, len(providers))
	for _, p := range providers {
		out[p.Name()] = p.Health()
	}
	return out
}

// Status reports the aggregate condition of the provider pool: unavailable
// when no provider is healthy, degraded when fewer than half are, healthy
// otherwise. A healthy snapshot implies a closed circuit.
func (m *Manager) Status() health.Status {
	providers := m.Providers()
	if len(providers) == 0 {
		return health.StatusUnavailable
	}

	healthy := 0
	for _, p := range providers {
		if p.Health().Status == health.StatusHealthy {
			healthy++
		}
	}

	switch {
	case healthy == 0:
		return health.StatusUnavailable
	case healthy*2 < len(providers):
		return health.StatusDegraded
	default:
		return health.StatusHealthy
	}
}

// ResetProvider clears health state for the named provider.
func (m *Manager) ResetProvider(name string) error {
	p := m.Provider(name)
	if p == nil {
		return &ValidationError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", name)}
	}
	p.Reset()
	m.logger.Info().Str("provider", name).Msg("provider health reset")
	return nil
}

// ResetAll clears health state for every provider.
func (m *Manager) ResetAll() {
	for _, p := range m.Providers() {
		p.Reset()
	}
	m.logger.Info().Msg("all provider health reset")
}
