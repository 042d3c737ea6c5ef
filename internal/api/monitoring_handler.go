package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/glyph-api/internal/api/shared"
	"github.com/phrazzld/glyph-api/internal/autoscale"
	"github.com/phrazzld/glyph-api/internal/credential"
	"github.com/phrazzld/glyph-api/internal/platform/logger"
	"github.com/phrazzld/glyph-api/internal/redact"
	"github.com/phrazzld/glyph-api/internal/task"
	"github.com/phrazzld/glyph-api/internal/worker"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "glyph-api"

const healthTimeout = 5 * time.Second

// QueueReader reports queue depth.
type QueueReader interface {
	QueueStats(ctx context.Context) (task.QueueStats, error)
}

// CredentialReader reports credential health.
type CredentialReader interface {
	Snapshot(ctx context.Context) ([]credential.Status, error)
	Len() int
}

// ClusterReader reports the autoscaler's view of the cluster.
type ClusterReader interface {
	Status(ctx context.Context) (autoscale.Status, error)
}

// Pinger checks the coordination store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GeminiChecker reports whether the translation backend is reachable.
type GeminiChecker interface {
	Healthy(ctx context.Context) bool
}

// MonitoringDeps are the collaborators of MonitoringHandler. Cluster and
// Streams may be nil.
type MonitoringDeps struct {
	Queue       QueueReader
	Workers     func() worker.Stats
	Credentials CredentialReader
	Cluster     ClusterReader
	Store       Pinger
	Gemini      GeminiChecker
	Streams     func() int64
	MaxWorkers  int
	InstanceID  string
	Version     string
}

// MonitoringHandler serves /api/monitoring.
type MonitoringHandler struct {
	deps   MonitoringDeps
	logger *slog.Logger
}

// NewMonitoringHandler creates a MonitoringHandler.
func NewMonitoringHandler(deps MonitoringDeps, logger *slog.Logger) *MonitoringHandler {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &MonitoringHandler{
		deps:   deps,
		logger: logger.With(slog.String("component", "monitoring_handler")),
	}
}

// Routes mounts the handler under a router.
func (h *MonitoringHandler) Routes(r chi.Router) {
	r.Get("/stats", h.Stats)
	r.Get("/health", h.Health)
}

// Stats handles GET /api/monitoring/stats. It always answers 200; sections
// that fail are reported in errors.
func (h *MonitoringHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	resp := StatsResponse{Workers: h.deps.Workers()}

	if q, err := h.deps.Queue.QueueStats(ctx); err != nil {
		log.Warn("failed to read queue stats", "error", redact.Error(err))
		resp.Errors = append(resp.Errors, "queue unavailable")
	} else {
		resp.Queue = &q
	}

	if statuses, err := h.deps.Credentials.Snapshot(ctx); err != nil {
		log.Warn("failed to read credential stats", "error", redact.Error(err))
		resp.Errors = append(resp.Errors, "api key stats unavailable")
	} else {
		resp.APIKeys = summarizeKeys(statuses)
	}

	if h.deps.Cluster != nil {
		if status, err := h.deps.Cluster.Status(ctx); err != nil {
			log.Warn("failed to read cluster status", "error", redact.Error(err))
			resp.Errors = append(resp.Errors, "autoscaler status unavailable")
		} else {
			resp.Autoscaler = &status
		}
	}

	active := 0
	if resp.APIKeys != nil {
		active = resp.APIKeys.Active
	}
	resp.Capacity = CapacityEstimate{
		RequestsPerMinute: active * 60,
		MaxWorkers:        h.deps.MaxWorkers,
		CurrentWorkers:    resp.Workers.Total,
	}
	if h.deps.Streams != nil {
		resp.Streams = h.deps.Streams()
	}

	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

func summarizeKeys(statuses []credential.Status) *APIKeyStats {
	out := &APIKeyStats{Total: len(statuses)}
	for _, s := range statuses {
		switch s.Health {
		case credential.HealthActive:
			out.Active++
		case credential.HealthCoolingDown:
			out.CoolingDown++
		case credential.HealthDisabled:
			out.Disabled++
		}
	}
	return out
}

// Health handles GET /api/monitoring/health. The HTTP status is always 200;
// the body carries healthy, degraded or unhealthy.
func (h *MonitoringHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{
		Service:      ServiceName,
		Version:      h.deps.Version,
		InstanceID:   h.deps.InstanceID,
		APIKeysCount: h.deps.Credentials.Len(),
	}

	if err := h.deps.Store.Ping(ctx); err != nil {
		h.logger.WarnContext(ctx, "coordination store ping failed", "error", redact.Error(err))
	} else {
		resp.RedisConnected = true
	}
	resp.GeminiHealthy = h.deps.Gemini.Healthy(ctx)

	resp.Status = HealthHealthy
	if !resp.RedisConnected {
		resp.Status = HealthDegraded
	}
	if !resp.GeminiHealthy || resp.APIKeysCount == 0 {
		resp.Status = HealthUnhealthy
	}

	logger.FromContext(r.Context()).Debug("health check completed",
		"status", resp.Status,
		"redis_connected", resp.RedisConnected,
		"gemini_healthy", resp.GeminiHealthy,
		"api_keys_count", resp.APIKeysCount)
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}
