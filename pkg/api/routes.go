package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.cfg.API.RateLimit.Enabled {
		r.Use(s.rateLimitMiddleware)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.cfg.API.Auth.Enabled {
				r.Use(s.requireBasicAuth)
			}

			r.Get("/experiments", s.handleListExperiments)
			r.Get("/experiments/{id}", s.handleGetExperiment)
			r.Get("/experiments/{id}/runs", s.handleListRuns)
			r.Get("/experiments/{id}/flaky", s.handleListFlaky)
		})
	})

	// Static serving of the artifact directory (log files, CSV tables,
	// summary.md, experiment.json).
	r.Group(func(r chi.Router) {
		if s.cfg.API.Auth.Enabled {
			r.Use(s.requireBasicAuth)
		}

		fileServer := http.StripPrefix("/files/",
			http.FileServer(http.Dir(s.cfg.Experiment.OutputDir)))
		r.Get("/files/*", fileServer.ServeHTTP)
		r.Head("/files/*", fileServer.ServeHTTP)
	})

	return r
}

// corsMiddleware builds the CORS handler from configuration.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	origins := s.cfg.API.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	})
}

// requestLogger logs one line per request at debug level.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).Round(time.Microsecond),
		}).Debug("Request handled")
	})
}
