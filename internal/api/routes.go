package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/email-validator/internal/pkg/httputil"
)

// RouterOptions configures cross-origin access and the bearer token guarding
// /api.
type RouterOptions struct {
	AllowedOrigins []string
	Token          string
}

// SetupRoutes configures the ops API.
func SetupRoutes(h *Handlers, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		if opts.Token != "" {
			r.Use(bearerAuth(opts.Token))
		}

		r.Get("/overview", h.GetOverview)
		r.Get("/watcher/history", h.GetWatcherHistory)
		r.Get("/emails/seen", h.GetSeen)

		r.Route("/batches/{id}", func(r chi.Router) {
			r.Get("/", h.GetBatch)
			r.Delete("/", h.DeleteBatch)
			r.Post("/submit", h.SubmitBatch)
			r.Post("/pause", h.PauseBatch)
			r.Post("/resume", h.ResumeBatch)
			r.Post("/rerun", h.RerunBatch)
			r.Post("/unstick", h.UnstickBatch)
			r.Post("/force-complete", h.ForceCompleteBatch)
		})

		r.Route("/credentials", func(r chi.Router) {
			r.Post("/sync", h.SyncCredentials)
			r.Post("/{slot}/activate", h.ActivateCredential)
			r.Post("/{slot}/deactivate", h.DeactivateCredential)
		})

		r.Post("/coordination/reset", h.ResetCoordination)
	})

	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			got := []byte(strings.TrimSpace(req.Header.Get("Authorization")))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				httputil.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		log.Debug("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(req.Context()))
	})
}
