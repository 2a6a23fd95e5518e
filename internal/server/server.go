// Package server provides the main application server.
package server

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fetchrelay/fetchrelay/internal/api"
	"github.com/fetchrelay/fetchrelay/internal/config"
	"github.com/fetchrelay/fetchrelay/internal/events"
	"github.com/fetchrelay/fetchrelay/internal/history"
	"github.com/fetchrelay/fetchrelay/internal/orchestrator"
	"github.com/fetchrelay/fetchrelay/internal/platform"
	"github.com/fetchrelay/fetchrelay/internal/provider"
	"github.com/fetchrelay/fetchrelay/internal/store"
)

// Options holds additional server options not in config.
type Options struct {
	// Logger
	Logger zerolog.Logger
}

// Server is the main application server.
type Server struct {
	cfg          config.Config
	apiServer    *api.Server
	orchestrator *orchestrator.Orchestrator
	bus          *events.Bus
	history      history.Recorder
	logger       zerolog.Logger
}

// New creates a new server with the given configuration.
func New(cfg config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	st, err := store.New(cfg.Storage.Root,
		store.WithLogger(logger.With().Str("component", "store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	providers, err := buildProviders(cfg, st, logger)
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		logger.Warn().Msg("no providers configured - every download will fail")
	}

	manager := provider.NewManager(providers,
		provider.WithManagerLogger(logger))

	bus := events.New(
		events.WithLogger(logger.With().Str("component", "events").Logger()),
		events.WithBufferSize(cfg.Download.EventBuffer),
	)

	orch := orchestrator.New(manager, st, bus,
		orchestrator.WithLogger(logger),
		orchestrator.WithMaxConcurrent(cfg.Download.MaxConcurrent),
		orchestrator.WithSweep(cfg.Storage.SweepInterval, cfg.Storage.SessionMaxAge),
	)

	recorder := history.NewRecorder(
		history.WithLogger(logger.With().Str("component", "history").Logger()),
		history.WithMaxEntries(cfg.Download.HistoryLimit),
	)
	go recorder.Follow(bus.Subscribe())

	apiServer := api.New(orch, manager,
		api.WithLogger(logger.With().Str("component", "api").Logger()),
		api.WithHistory(recorder))

	logger.Info().
		Int("providers", len(providers)).
		Str("storage_root", cfg.Storage.Root).
		Msg("configuration loaded")

	return &Server{
		cfg:          cfg,
		apiServer:    apiServer,
		orchestrator: orch,
		bus:          bus,
		history:      recorder,
		logger:       logger,
	}, nil
}

// buildProviders constructs providers from config, ordered by map iteration;
// selection order comes from priorities, not construction order.
func buildProviders(cfg config.Config, st *store.Store, logger zerolog.Logger) ([]provider.Provider, error) {
	var providers []provider.Provider

	for name, pCfg := range cfg.Providers {
		logger.Debug().Str("name", name).Str("type", pCfg.Type).Msg("configuring provider")

		switch pCfg.Type {
		case "ytdlp":
			providers = append(providers, provider.NewYTDLP(provider.YTDLPSettings{
				Name:     name,
				Priority: pCfg.Priority,
				Binary:   pCfg.Binary,
				Timeout:  pCfg.Timeout,
			}, st, provider.WithLogger(logger)))

		case "mirror":
			platforms := make([]platform.Platform, 0, len(pCfg.Platforms))
			for _, pl := range pCfg.Platforms {
				platforms = append(platforms, platform.Platform(pl))
			}
			providers = append(providers, provider.NewMirror(provider.MirrorSettings{
				Name:      name,
				Priority:  pCfg.Priority,
				Platforms: platforms,
				Mirrors:   pCfg.Mirrors,
				Timeout:   pCfg.Timeout,
			}, st, provider.WithLogger(logger)))

		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", name, pCfg.Type)
		}
	}

	return providers, nil
}

// Orchestrator exposes the orchestrator, used by tests and the CLI.
func (s *Server) Orchestrator() *orchestrator.Orchestrator {
	return s.orchestrator
}

// Events exposes the event bus for subscribers.
func (s *Server) Events() *events.Bus {
	return s.bus
}

// History exposes the event history recorder.
func (s *Server) History() history.Recorder {
	return s.history
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().
		Str("listen", s.cfg.Server.Listen).
		Str("storage_root", s.cfg.Storage.Root).
		Msg("starting fetchrelay")

	if err := s.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.apiServer.Start(s.cfg.Server.Listen); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down...")

	if err := s.apiServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("server shutdown error")
	}

	s.orchestrator.Stop()
	s.bus.Close()

	s.logger.Info().Msg("shutdown complete")
	return nil
}
