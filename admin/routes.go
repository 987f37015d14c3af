package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/minahq/tether/telemetry"
)

// NewRouter builds the admin API router. Health and metrics stay open;
// everything else sits behind bearer-token auth when a token is
// configured.
func NewRouter(handlers *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	if metricsHandler := telemetry.GetMetricsHandler(); metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware)

		r.Route("/reconciliations", func(r chi.Router) {
			r.Get("/generate", handlers.handleGenerateTempID)
			r.Post("/log", handlers.handleLogPending)
			r.Post("/reconcile", handlers.handleReconcile)
			r.Post("/bulk", handlers.handleBulkReconcile)
			r.Get("/bootstrap", handlers.handleBootstrap)
			r.Get("/real/{realID}", handlers.handleReverseLookup)
			r.Get("/{tempID}", handlers.handleGetByTempID)
			r.Post("/{tempID}/fail", handlers.handleMarkFailed)
		})

		r.Route("/workspaces/{workspaceID}", func(r chi.Router) {
			r.Get("/sequence", handlers.handlePeekSequence)
			r.Post("/conflicts/resolve", handlers.handleResolveConflict)
		})

		r.Get("/stats", handlers.handleStats)
		r.Post("/sweep", handlers.handleSweep)
	})

	return r
}

// NewServer wraps the router in an http.Server bound to addr.
func NewServer(addr string, handlers *Handlers) *http.Server {
	log.Info().Str("addr", addr).Msg("Admin API listening")
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(handlers),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, map[string]string{"status": "ok"})
}
