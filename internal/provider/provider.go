// Package provider defines the capability-typed contract for media retrieval
// backends and the manager that selects among them with health-aware
// priority fallback.
package provider

import (
	"context"
	"time"

	"github.com/fetchrelay/fetchrelay/internal/health"
	"github.com/fetchrelay/fetchrelay/internal/platform"
)

// Capabilities are the static capability flags a provider declares once at
// construction.
type Capabilities struct {
	// Metadata indicates the provider can answer FetchMetadata.
	Metadata bool
	// AudioOnly indicates the provider can extract an audio-only stream.
	AudioOnly bool
	// QualitySelection indicates the provider honors a format/quality hint.
	QualitySelection bool
	// Progress indicates the provider reports transfer progress.
	Progress bool
	// Resume indicates the provider can resume interrupted transfers.
	Resume bool
}

// Options is the per-request option set accepted by providers.
type Options struct {
	// Format is an optional format/quality hint, opaque pass-through.
	Format string
	// AudioOnly requests an audio-only extraction.
	AudioOnly bool
	// Credentials is an opaque credential blob handed to the backend.
	Credentials string
	// Timeout overrides the provider's default operation timeout when set.
	Timeout time.Duration
	// MaxRetries caps retries inside a single provider attempt.
	MaxRetries int
}

// FormatInfo describes one candidate format reported in metadata.
type FormatInfo struct {
	ID         string `json:"id"`
	Ext        string `json:"ext"`
	Resolution string `json:"resolution,omitempty"`
	Filesize   int64  `json:"filesize,omitempty"`
	Note       string `json:"note,omitempty"`
}

// Metadata is the structured description of a media URL.
type Metadata struct {
	Title     string        `json:"title"`
	Duration  time.Duration `json:"duration"`
	Thumbnail string        `json:"thumbnail,omitempty"`
	Uploader  string        `json:"uploader,omitempty"`
	Formats   []FormatInfo  `json:"formats,omitempty"`
	// Provider is the name of the provider that produced this metadata.
	Provider string `json:"provider"`
}

// Result is the outcome of a content transfer.
type Result struct {
	Success  bool   `json:"success"`
	FilePath string `json:"file_path,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	Error    string `json:"error,omitempty"`
	// Provider is the name of the provider that produced this result.
	Provider string `json:"provider,omitempty"`
}

// ProgressFunc receives transfer progress in the range 0..100.
type ProgressFunc func(percent float64)

// SwitchFunc is invoked before each fallback attempt after the first, with
// the name of the provider that just failed and the one about to be tried.
type SwitchFunc func(prev, next string)

// Provider is the common contract every retrieval backend implements.
// Providers are created once at process start; identity, priority, platform
// set and capabilities are immutable for the provider's lifetime.
type Provider interface {
	// Name returns the provider's unique name.
	Name() string

	// Priority returns the selection priority; lower values are tried earlier.
	Priority() int

	// Platforms returns the platform tags this provider declares support for.
	// General-purpose providers additionally accept the unknown bucket.
	Platforms() []platform.Platform

	// Capabilities returns the provider's static capability flags.
	Capabilities() Capabilities

	// Supports reports whether this provider can attempt the given URL.
	// It is cheap, synchronous and pattern based; it must not perform I/O.
	Supports(rawURL string) bool

	// FetchMetadata retrieves structured metadata for a URL.
	FetchMetadata(ctx context.Context, rawURL string, opts Options) (*Metadata, error)

	// FetchContent performs the transfer into the session-scoped store,
	// reporting progress through onProgress when supported.
	FetchContent(ctx context.Context, rawURL, sessionID string, opts Options, onProgress ProgressFunc) (*Result, error)

	// Cancel aborts the in-flight transfer for a session. Cancelling an
	// unknown session succeeds silently.
	Cancel(sessionID string) error

	// Health returns the provider's current health snapshot.
	Health() health.Snapshot

	// Reset clears the provider's health counters and circuit state.
	Reset()
}
