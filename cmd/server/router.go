package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/glyph-api/internal/api"
	"github.com/phrazzld/glyph-api/internal/api/middleware"
)

// setupRouter creates the router with every route and middleware of the
// service.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Trace(app.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(app.limiter.Handler)

	translateHandler := api.NewTranslateHandler(
		app.tasks,
		app.poller,
		app.stream,
		app.pool.Count,
		api.UploadLimits{
			MaxImages:     app.config.Server.MaxImages,
			MaxFileBytes:  app.config.Server.MaxUploadBytes,
			MaxTotalBytes: app.config.Server.MaxTotalBytes,
		},
		app.logger,
	)

	deps := api.MonitoringDeps{
		Queue:       app.tasks,
		Workers:     app.pool.Stats,
		Credentials: app.registry,
		Store:       app.coord,
		Gemini:      app.health,
		Streams:     app.stream.Clients,
		MaxWorkers:  app.config.Autoscale.MaxWorkers,
		InstanceID:  app.instanceID,
		Version:     version,
	}
	// A nil *Scaler must not become a non-nil interface
	if app.scaler != nil {
		deps.Cluster = app.scaler
	}
	monitoringHandler := api.NewMonitoringHandler(deps, app.logger)

	r.Route("/api", func(r chi.Router) {
		r.Route("/translate", translateHandler.Routes)
		r.Route("/monitoring", monitoringHandler.Routes)
	})

	r.Method(http.MethodGet, metricsEndpoint, app.metrics.Handler())

	r.Get(healthEndpoint, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
