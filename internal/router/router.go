package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"classpulse-backend/internal/handlers"
	"classpulse-backend/internal/middleware"
	"classpulse-backend/internal/websocket"
)

func New(
	jwtAuth *middleware.JWTAuth,
	activityHandler *handlers.ActivityHandler,
	wsHub *websocket.Hub,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	// Unload flushes can arrive in bursts, but a single well-behaved
	// client sends at most a couple per minute.
	trackLimiter := middleware.NewRateLimiter(30, time.Minute)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Activity Routes ────
		r.Route("/activities", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)

			r.Group(func(r chi.Router) {
				r.Use(trackLimiter.Middleware)
				r.Post("/track", activityHandler.Track)
			})

			r.Get("/{scopeID}/recent", activityHandler.Recent)
		})

		// ──── Presence Routes ────
		r.Route("/presence", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Get("/{scopeID}", activityHandler.Presence)
		})

		// ──── WebSocket ────
		r.Get("/ws", wsHub.HandleWebSocket)
	})

	return r
}
