package provider

import (
	"github.com/rs/zerolog"

	"github.com/fetchrelay/fetchrelay/internal/health"
	"github.com/fetchrelay/fetchrelay/internal/platform"
)

// configurable is implemented by all providers to support shared options.
type configurable interface {
	setLogger(zerolog.Logger)
}

// Option is a functional option for configuring providers.
type Option func(configurable)

// WithLogger sets the logger for any provider.
func WithLogger(logger zerolog.Logger) Option {
	return func(c configurable) {
		c.setLogger(logger)
	}
}

// base carries the identity, priority, platform set and health tracker
// shared by all providers. Concrete providers embed it.
type base struct {
	name      string
	priority  int
	platforms []platform.Platform
	caps      Capabilities
	tracker   *health.Tracker
	logger    zerolog.Logger
}

func newBase(name string, priority int, platforms []platform.Platform, caps Capabilities) base {
	return base{
		name:      name,
		priority:  priority,
		platforms: platforms,
		caps:      caps,
		tracker:   health.NewTracker(),
		logger:    zerolog.Nop(),
	}
}

func (b *base) setLogger(logger zerolog.Logger) {
	b.logger = logger.With().Str("provider", b.name).Logger()
}

// Name returns the provider's unique name.
func (b *base) Name() string { return b.name }

// Priority returns the selection priority; lower is tried earlier.
func (b *base) Priority() int { return b.priority }

// Platforms returns the declared platform tags.
func (b *base) Platforms() []platform.Platform {
	out := make([]platform.Platform, len(b.platforms))
	copy(out, b.platforms)
	return out
}

// Capabilities returns the static capability flags.
func (b *base) Capabilities() Capabilities { return b.caps }

// Health returns the current health snapshot.
func (b *base) Health() health.Snapshot { return b.tracker.Health() }

// Reset clears health counters and circuit state.
func (b *base) Reset() { b.tracker.Reset() }

// supportsPlatform reports whether the detected platform of rawURL is in the
// provider's declared set.
func (b *base) supportsPlatform(rawURL string) bool {
	if !platform.ValidURL(rawURL) {
		return false
	}
	p := platform.Detect(rawURL)
	for _, candidate := range b.platforms {
		if candidate == p {
			return true
		}
	}
	return false
}
