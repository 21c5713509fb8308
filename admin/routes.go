package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/oplogcdc/telemetry"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers the admin API under /admin and, when Prometheus
// is enabled, the metrics handler under /metrics
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Route("/producers", func(r chi.Router) {
		r.Get("/", handlers.handleListProducers)
		r.Post("/clear", handlers.handleClearProducers)
	})
	r.Get("/sinks", handlers.handleListSinks)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
