// Package apitypes provides API request and response types for the
// FetchRelay HTTP API.
package apitypes

import "time"

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id,omitempty"`
	URL       string `json:"url"`
	Format    string `json:"format,omitempty"`
	AudioOnly bool   `json:"audio_only,omitempty"`
}

// Task is the external view of a download task.
type Task struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	ChatID      string  `json:"chat_id,omitempty"`
	URL         string  `json:"url"`
	Platform    string  `json:"platform"`
	State       string  `json:"state"`
	Progress    float64 `json:"progress"`
	Retries     int     `json:"retries"`
	Provider    string  `json:"provider,omitempty"`
	Title       string  `json:"title,omitempty"`
	FilePath    string  `json:"file_path,omitempty"`
	FileSize    int64   `json:"file_size,omitempty"`
	Error       string  `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at"`
	StartedAt   string  `json:"started_at,omitempty"`
	CompletedAt string  `json:"completed_at,omitempty"`
}

// ProviderInfo describes a configured provider and its current health.
type ProviderInfo struct {
	Name      string         `json:"name"`
	Priority  int            `json:"priority"`
	Platforms []string       `json:"platforms"`
	Health    ProviderHealth `json:"health"`
}

// ProviderHealth is the external view of a provider health snapshot.
type ProviderHealth struct {
	Status              string  `json:"status"`
	SuccessRate         float64 `json:"success_rate"`
	RequestCount        int     `json:"request_count"`
	AvgResponseTimeMS   int64   `json:"avg_response_time_ms"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	CircuitOpen         bool    `json:"circuit_open"`
}

// SystemResponse aggregates provider health and task counts.
type SystemResponse struct {
	Status      string                    `json:"status"`
	Providers   map[string]ProviderHealth `json:"providers"`
	ActiveTasks int                       `json:"active_tasks"`
	TotalTasks  int                       `json:"total_tasks"`
}

// Metadata is the external view of fetched media metadata.
type Metadata struct {
	Title     string        `json:"title"`
	Duration  time.Duration `json:"duration"`
	Thumbnail string        `json:"thumbnail,omitempty"`
	Uploader  string        `json:"uploader,omitempty"`
	Provider  string        `json:"provider"`
}

// CancelledResponse reports how many tasks a bulk cancel affected.
type CancelledResponse struct {
	Cancelled int `json:"cancelled"`
}

// Event is the external view of a recorded pipeline event.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	TaskID    string         `json:"task_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}
