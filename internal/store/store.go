// Package store manages session-scoped working directories for content
// transfers. Providers write retrieved files into a session's directory;
// cleanup of stale sessions is the store's responsibility, not the caller's.
package store

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetchrelay/fetchrelay/internal/fileutil"
)

// Store allocates and removes per-session directories under a single root.
type Store struct {
	root   string
	logger zerolog.Logger
}

// Option is a functional option for configuring the store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a store rooted at the given path, creating it if needed.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("store root is required")
	}

	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}

	s := &Store{
		root:   root,
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Root returns the store's root path.
func (s *Store) Root() string {
	return s.root
}

// CreateSessionDir creates (or reuses) the directory for a session and
// returns its path.
func (s *Store) CreateSessionDir(id string) (string, error) {
	path, err := s.SessionDir(id)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(path, 0750); err != nil {
		return "", fmt.Errorf("failed to create session dir: %w", err)
	}

	return path, nil
}

// SessionDir returns the path a session's files live under, without creating
// it. The id is constrained to the store root to block traversal.
func (s *Store) SessionDir(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("session id is required")
	}
	return fileutil.SafeJoin(s.root, id)
}

// Remove deletes a session's directory and everything in it. Removing an
// unknown session is a no-op.
func (s *Store) Remove(id string) error {
	path, err := s.SessionDir(id)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove session dir: %w", err)
	}

	s.logger.Debug().Str("session", id).Msg("session dir removed")
	return nil
}

// Sweep removes session directories whose last modification is older than
// maxAge and returns how many were removed.
func (s *Store) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("failed to read store root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().After(cutoff) {
			continue
		}

		if err := s.Remove(entry.Name()); err != nil {
			s.logger.Warn().Err(err).Str("session", entry.Name()).Msg("sweep failed to remove session")
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("swept stale sessions")
	}

	return removed, nil
}
