package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"thoth-rooms/internal/auth"
	"thoth-rooms/internal/metrics"
)

// Routes bundles what NewRouter mounts.
type Routes struct {
	Chat     *ChatHandler
	Rooms    *RoomsHandler
	Stats    StatsSource
	Verifier auth.Verifier
	Origins  *OriginPolicy
	Metrics  *metrics.Registry
	Log      *slog.Logger
}

func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/ws", rt.Chat.ServeWS)
	r.Get("/health", Health(rt.Stats))
	if rt.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.Metrics.Handler())
	}

	var onAuthFailure func()
	if rt.Metrics != nil {
		onAuthFailure = rt.Metrics.Events.AuthFailures.Inc
	}

	r.Group(func(r chi.Router) {
		r.Use(rt.Origins.CORS)
		r.Options("/*", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		r.Get("/rooms", rt.Rooms.List)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(rt.Verifier, rt.Log, onAuthFailure))
			r.Post("/rooms", rt.Rooms.Create)
			r.Get("/rooms/{room}/messages", rt.Rooms.Messages)
			r.Get("/auth/me", Me)
		})
	})
	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}
