/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the survey front end

ROUTE GROUPS:
  /api/scenario         Static scenario screens
  /api/sessions/*       Session lifecycle and participant actions
  /api/admin/*          Saved logs for analysis (bearer token)
  /metrics              Prometheus
  /*                    Static files (front end), if built

SECURITY NOTE:
  Participant routes are unauthenticated. Consent capture is the only
  gate, and a session is only reachable through its UUID, which nothing
  on those routes enumerates. Saved logs carry contact details, so the
  admin group is mounted only when an admin token is configured and
  every request must present it.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"crypto/subtle"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures the parts of the router that vary per deployment.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        http.Handler
	StaticDir      string
	// AdminToken enables /api/admin. Empty leaves it unmounted.
	AdminToken string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/scenario", h.GetScenario)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)

				r.Post("/consent", h.Consent)
				r.Post("/contact", h.SubmitContact)
				r.Post("/begin", h.Begin)

				r.Post("/tiles/{tileID}/open", h.OpenTile)
				r.Post("/tiles/close", h.CloseTile)
				r.Post("/contacts/{contactID}/open", h.OpenContact)
				r.Post("/contacts/reveal", h.RevealReply)
				r.Post("/prep/{actionID}", h.PerformPrep)

				r.Post("/assessment/start", h.ProceedToAssessment)
				r.Post("/assessment", h.SubmitAssessment)
				r.Post("/decision", h.Decide)
				r.Post("/deliver", h.RetryDelivery)
			})
		})

		if opts.AdminToken != "" {
			r.Route("/admin", func(r chi.Router) {
				r.Use(requireBearer(opts.AdminToken))
				r.Get("/sessions", h.ListSessions)
				r.Get("/sessions/{id}/log", h.GetSessionLog)
			})
		}
	})

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	if opts.StaticDir != "" {
		if _, err := os.Stat(opts.StaticDir); err == nil {
			fileServer := http.FileServer(http.Dir(opts.StaticDir))
			r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
				fullPath := filepath.Join(opts.StaticDir, filepath.Clean(r.URL.Path))
				if _, err := os.Stat(fullPath); os.IsNotExist(err) {
					// SPA routing: serve index.html
					http.ServeFile(w, r, filepath.Join(opts.StaticDir, "index.html"))
					return
				}
				fileServer.ServeHTTP(w, r)
			})
		}
	}

	return r
}

// requireBearer rejects requests whose Authorization header does not carry
// token.
func requireBearer(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "Authorization required", nil)
				return
			}
			got := []byte(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, "Invalid token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
