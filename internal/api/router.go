package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/iconidentify/vidgrabba/internal/api/handler"
	mw "github.com/iconidentify/vidgrabba/internal/api/middleware"
)

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(
	videoHandler *handler.VideoHandler,
	healthHandler *handler.HealthHandler,
	uiHandler *handler.UIHandler,
	allowedOrigins []string,
	limiter *rate.Limiter,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware. No request timeout: downloads stream for as long
	// as the tool keeps producing bytes.
	r.Use(middleware.CleanPath) // Normalize paths (e.g., //health -> /health)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.CORS(allowedOrigins))

	// Health endpoints
	r.Get("/health", healthHandler.Live)
	r.Get("/ready", healthHandler.Ready)

	// Browser page and optional static assets
	r.Get("/", uiHandler.Index)
	r.Get("/*", uiHandler.Assets)

	// Each API call spawns one tool process.
	r.Route("/api", func(r chi.Router) {
		r.Use(mw.RateLimit(limiter))

		r.Post("/video-info", videoHandler.Info)
		r.Post("/download", videoHandler.Download)
	})

	return r
}
