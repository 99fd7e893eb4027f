package main

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/repackd/internal/api"
	apiMiddleware "github.com/phrazzld/repackd/internal/api/middleware"
	"github.com/phrazzld/repackd/internal/events"
	"github.com/phrazzld/repackd/internal/realtime"
)

// setupRouter creates and configures the application router with all routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))

	taskHandler := api.NewTaskHandler(
		app.tracker,
		app.dispatcher,
		app.factory,
		app.artifacts,
		api.TaskHandlerConfig{
			DefaultPlatform: app.config.Repack.DefaultPlatform,
			DefaultSuffix:   app.config.Repack.DefaultSuffix,
			LocalInputDir:   app.config.Repack.LocalInputDir,
		},
		app.logger,
	)
	marketplaceHandler := api.NewMarketplaceHandler(app.marketplace, app.logger)
	wsHandler := realtime.NewHandler(app.realtime, realtime.HandlerConfig{
		WriteTimeout: app.config.Realtime.WriteTimeout,
		ReadLimit:    app.config.Realtime.ReadLimit,
		CheckOrigin:  func(*http.Request) bool { return true },
	}, app.logger)

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", taskHandler.CreateTask)
			r.Get("/{id}", taskHandler.GetTask)
			r.Delete("/{id}", taskHandler.DeleteTask)
			r.Post("/{id}/cancel", taskHandler.CancelTask)
			r.Get("/{id}/artifact", taskHandler.GetArtifact)
		})

		r.Route("/marketplace", func(r chi.Router) {
			r.Get("/status", marketplaceHandler.Status)
			r.Get("/plugins/{author}/{name}", marketplaceHandler.GetPlugin)
			r.Get("/plugins/{author}/{name}/resolve", marketplaceHandler.ResolvePlugin)
		})
	})

	r.Get("/ws/tasks", func(w http.ResponseWriter, r *http.Request) {
		wsHandler.Serve(w, r, events.GlobalChannel)
	})
	r.Get("/ws/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if strings.TrimSpace(id) == "" || id == events.GlobalChannel {
			http.Error(w, "invalid task id", http.StatusBadRequest)
			return
		}
		wsHandler.Serve(w, r, id)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
