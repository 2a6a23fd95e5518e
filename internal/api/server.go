// Package api provides the HTTP API server.
package api //nolint:revive // api is a common, well-understood package name

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/fetchrelay/fetchrelay/apitypes"
	"github.com/fetchrelay/fetchrelay/internal/health"
	"github.com/fetchrelay/fetchrelay/internal/history"
	"github.com/fetchrelay/fetchrelay/internal/orchestrator"
	"github.com/fetchrelay/fetchrelay/internal/provider"
)

// validIDPattern matches valid ID formats: alphanumeric, hyphens, underscores.
// This is intentionally permissive to support ULIDs, UUIDs and user handles
// while blocking path traversal and injection.
var validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// maxIDLength is the maximum allowed length for ID parameters.
const maxIDLength = 256

// validateID checks that an ID parameter is non-empty, reasonable length,
// and contains only safe characters.
func validateID(id string) error {
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}
	if len(id) > maxIDLength {
		return echo.NewHTTPError(http.StatusBadRequest, "id too long")
	}
	if !validIDPattern.MatchString(id) {
		return echo.NewHTTPError(http.StatusBadRequest, "id contains invalid characters")
	}
	return nil
}

// Server is the HTTP API server.
type Server struct {
	echo         *echo.Echo
	orchestrator *orchestrator.Orchestrator
	manager      *provider.Manager
	history      history.Recorder
	logger       zerolog.Logger
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHistory enables the event history endpoints backed by rec.
func WithHistory(rec history.Recorder) Option {
	return func(s *Server) {
		s.history = rec
	}
}

// New creates a new API server.
func New(orch *orchestrator.Orchestrator, manager *provider.Manager, opts ...Option) *Server {
	s := &Server{
		echo:         echo.New(),
		orchestrator: orch,
		manager:      manager,
		logger:       zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	// Request logging
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request")
			}
			return nil
		},
	}))

	// Recovery
	s.echo.Use(middleware.Recover())

	// CORS
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}))
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	// Health check
	api.GET("/health", s.healthHandler)

	// System overview
	api.GET("/system", s.systemHandler)

	// Tasks
	api.POST("/tasks", s.createTaskHandler)
	api.GET("/tasks", s.listTasksHandler)
	api.GET("/tasks/:id", s.getTaskHandler)
	api.DELETE("/tasks/:id", s.cancelTaskHandler)

	// Per-user task listing and bulk cancel
	api.GET("/users/:id/tasks", s.listUserTasksHandler)
	api.DELETE("/users/:id/tasks", s.cancelUserTasksHandler)

	// Metadata lookup without starting a task
	api.GET("/metadata", s.metadataHandler)

	// Providers
	api.GET("/providers", s.listProvidersHandler)
	api.POST("/providers/:name/reset", s.resetProviderHandler)

	// Event history, only when a recorder is wired in
	if s.history != nil {
		api.GET("/events", s.listEventsHandler)
		api.GET("/tasks/:id/events", s.taskEventsHandler)
		api.GET("/users/:id/events", s.userEventsHandler)
	}
}

// Start starts the server.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting http server")
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Handlers

func (s *Server) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, apitypes.HealthResponse{Status: "ok"})
}

func (s *Server) systemHandler(c echo.Context) error {
	sys := s.orchestrator.Health()

	resp := apitypes.SystemResponse{
		Status:      string(sys.Status),
		Providers:   make(map[string]apitypes.ProviderHealth, len(sys.Providers)),
		ActiveTasks: sys.ActiveTasks,
		TotalTasks:  sys.TotalTasks,
	}
	for name, snap := range sys.Providers {
		resp.Providers[name] = toProviderHealth(snap)
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) createTaskHandler(c echo.Context) error {
	var req apitypes.CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, apitypes.ErrorResponse{Error: "invalid request body"})
	}

	task, err := s.orchestrator.Download(orchestrator.Request{
		UserID: req.UserID,
		ChatID: req.ChatID,
		URL:    req.URL,
		Options: provider.Options{
			Format:    req.Format,
			AudioOnly: req.AudioOnly,
		},
	})
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusAccepted, toTask(task))
}

func (s *Server) listTasksHandler(c echo.Context) error {
	tasks := s.orchestrator.Tasks()
	resp := make([]apitypes.Task, 0, len(tasks))
	for _, task := range tasks {
		resp = append(resp, toTask(task))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getTaskHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}

	task, ok := s.orchestrator.Task(id)
	if !ok {
		return c.JSON(http.StatusNotFound, apitypes.ErrorResponse{Error: "task not found"})
	}

	return c.JSON(http.StatusOK, toTask(task))
}

func (s *Server) cancelTaskHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}

	if err := s.orchestrator.CancelDownload(id); err != nil {
		return errorResponse(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listUserTasksHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}

	tasks := s.orchestrator.UserTasks(id)
	resp := make([]apitypes.Task, 0, len(tasks))
	for _, task := range tasks {
		resp = append(resp, toTask(task))
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) cancelUserTasksHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}

	n := s.orchestrator.CancelUserDownloads(id)
	return c.JSON(http.StatusOK, apitypes.CancelledResponse{Cancelled: n})
}

func (s *Server) metadataHandler(c echo.Context) error {
	rawURL := c.QueryParam("url")
	if rawURL == "" {
		return c.JSON(http.StatusBadRequest, apitypes.ErrorResponse{Error: "url query parameter is required"})
	}

	meta, err := s.manager.Metadata(c.Request().Context(), rawURL, provider.Options{})
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, apitypes.Metadata{
		Title:     meta.Title,
		Duration:  meta.Duration,
		Thumbnail: meta.Thumbnail,
		Uploader:  meta.Uploader,
		Provider:  meta.Provider,
	})
}

func (s *Server) listProvidersHandler(c echo.Context) error {
	providers := s.manager.Providers()

	resp := make([]apitypes.ProviderInfo, 0, len(providers))
	for _, p := range providers {
		platforms := p.Platforms()
		names := make([]string, 0, len(platforms))
		for _, pl := range platforms {
			names = append(names, string(pl))
		}

		resp = append(resp, apitypes.ProviderInfo{
			Name:      p.Name(),
			Priority:  p.Priority(),
			Platforms: names,
			Health:    toProviderHealth(p.Health()),
		})
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) resetProviderHandler(c echo.Context) error {
	name := c.Param("name")
	if err := validateID(name); err != nil {
		return err
	}

	if err := s.manager.ResetProvider(name); err != nil {
		return errorResponse(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listEventsHandler(c echo.Context) error {
	var entries []history.Entry
	if name := c.QueryParam("provider"); name != "" {
		entries = s.history.ByProvider(name)
	} else {
		entries = s.history.All()
	}
	return c.JSON(http.StatusOK, toEvents(entries))
}

func (s *Server) taskEventsHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toEvents(s.history.ByTask(id)))
}

func (s *Server) userEventsHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toEvents(s.history.ByUser(id)))
}

// errorResponse maps taxonomy errors to HTTP status codes.
func errorResponse(c echo.Context, err error) error {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, provider.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, provider.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, provider.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, provider.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	case errors.Is(err, provider.ErrCancelled):
		status = http.StatusConflict
	}
	return c.JSON(status, apitypes.ErrorResponse{Error: err.Error()})
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

func toTask(task *orchestrator.DownloadTask) apitypes.Task {
	created, started, completed := task.Times()

	out := apitypes.Task{
		ID:        task.ID,
		UserID:    task.UserID,
		ChatID:    task.ChatID,
		URL:       task.URL,
		Platform:  string(task.Platform),
		State:     string(task.State()),
		Progress:  task.Progress(),
		Retries:   task.Retries(),
		Provider:  task.Provider(),
		CreatedAt: created.Format(timeFormat),
	}

	if meta := task.Metadata(); meta != nil {
		out.Title = meta.Title
	}
	if result := task.Result(); result != nil && result.Success {
		out.FilePath = result.FilePath
		out.FileSize = result.FileSize
	}
	if err := task.Err(); err != nil {
		out.Error = err.Error()
	}
	if !started.IsZero() {
		out.StartedAt = started.Format(timeFormat)
	}
	if !completed.IsZero() {
		out.CompletedAt = completed.Format(timeFormat)
	}

	return out
}

func toEvents(entries []history.Entry) []apitypes.Event {
	out := make([]apitypes.Event, 0, len(entries))
	for _, e := range entries {
		out = append(out, apitypes.Event{
			ID:        e.ID,
			Type:      string(e.Type),
			Timestamp: e.Timestamp.Format(timeFormat),
			TaskID:    e.TaskID,
			UserID:    e.UserID,
			Provider:  e.Provider,
			Data:      e.Data,
		})
	}
	return out
}

func toProviderHealth(snap health.Snapshot) apitypes.ProviderHealth {
	return apitypes.ProviderHealth{
		Status:              string(snap.Status),
		SuccessRate:         snap.SuccessRate,
		RequestCount:        snap.RequestCount,
		AvgResponseTimeMS:   snap.AvgResponseTime.Milliseconds(),
		ConsecutiveFailures: snap.ConsecutiveFailures,
		CircuitOpen:         snap.CircuitOpen,
	}
}
