package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes. A non-empty authToken puts every
// route under /api behind a bearer check; /health stays open for probes.
func SetupRoutes(h *Handlers, authToken string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		if authToken != "" {
			r.Use(bearerAuth(authToken))
		}

		r.Route("/emails", func(r chi.Router) {
			r.Post("/", h.EnqueueOne)
			r.Post("/bulk", h.EnqueueBulk)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/paused", h.PausedCampaigns)
			r.Route("/{campaignID}", func(r chi.Router) {
				r.Delete("/", h.CancelCampaign)
				r.Post("/pause", h.PauseCampaign)
				r.Post("/resume", h.ResumeCampaign)
			})
		})

		r.Get("/queue/stats", h.QueueStats)
	})

	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	want := "Bearer " + token
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			got := req.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
