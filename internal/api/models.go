package api

import (
	"github.com/phrazzld/glyph-api/internal/autoscale"
	"github.com/phrazzld/glyph-api/internal/task"
	"github.com/phrazzld/glyph-api/internal/translation"
	"github.com/phrazzld/glyph-api/internal/worker"
)

// SubmitResponse is returned when a task is accepted.
type SubmitResponse struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`

	// EstimatedProcessingTime is in seconds
	EstimatedProcessingTime float64 `json:"estimated_processing_time"`
	TotalImages             int     `json:"total_images"`
	TargetLanguage          string  `json:"target_language"`
}

// LanguagesResponse lists the supported target languages.
type LanguagesResponse struct {
	Languages []translation.Language `json:"supported_languages"`
	Default   string                 `json:"default"`
}

// APIKeyStats summarizes credential health.
type APIKeyStats struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	CoolingDown int `json:"cooling_down"`
	Disabled    int `json:"disabled"`
}

// CapacityEstimate is a rough throughput ceiling.
type CapacityEstimate struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	MaxWorkers        int `json:"max_workers"`
	CurrentWorkers    int `json:"current_workers"`
}

// StatsResponse is the monitoring stats payload. Sections that could not be
// read are left out and listed in Errors.
type StatsResponse struct {
	Queue      *task.QueueStats  `json:"queue,omitempty"`
	Workers    worker.Stats      `json:"workers"`
	APIKeys    *APIKeyStats      `json:"api_keys,omitempty"`
	Capacity   CapacityEstimate  `json:"capacity_estimate"`
	Autoscaler *autoscale.Status `json:"autoscaler,omitempty"`
	Streams    int64             `json:"stream_clients"`
	Errors     []string          `json:"errors,omitempty"`
}

// Health statuses.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthResponse is the monitoring health payload.
type HealthResponse struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	Version        string `json:"version"`
	InstanceID     string `json:"instance_id,omitempty"`
	RedisConnected bool   `json:"redis_connected"`
	GeminiHealthy  bool   `json:"gemini_healthy"`
	APIKeysCount   int    `json:"api_keys_count"`
}
