package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
)

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "store is not enabled")

		return
	}

	experiments, err := s.store.ListExperiments(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list experiments")
		s.writeError(w, http.StatusInternalServerError, "listing experiments")

		return
	}

	s.writeJSON(w, http.StatusOK, experiments)
}

func (s *server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.experimentID(w, r)
	if !ok {
		return
	}

	exp, err := s.store.GetExperiment(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "experiment not found")

		return
	}

	s.writeJSON(w, http.StatusOK, exp)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := s.experimentID(w, r)
	if !ok {
		return
	}

	runs, err := s.store.ListRuns(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		s.writeError(w, http.StatusInternalServerError, "listing runs")

		return
	}

	s.writeJSON(w, http.StatusOK, runs)
}

func (s *server) handleListFlaky(w http.ResponseWriter, r *http.Request) {
	id, ok := s.experimentID(w, r)
	if !ok {
		return
	}

	entries, err := s.store.ListAggregateEntries(r.Context(), id, "flaky")
	if err != nil {
		s.log.WithError(err).Error("Failed to list flaky tests")
		s.writeError(w, http.StatusInternalServerError, "listing flaky tests")

		return
	}

	s.writeJSON(w, http.StatusOK, entries)
}

// experimentID parses the {id} URL parameter, writing a 400 on failure.
func (s *server) experimentID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "store is not enabled")

		return 0, false
	}

	raw := chi.URLParam(r, "id")

	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid experiment id")

		return 0, false
	}

	return uint(id), true
}

// requireBasicAuth checks credentials against the configured bcrypt
// hashes.
func (s *server) requireBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok {
			for _, user := range s.cfg.API.Auth.Users {
				if subtle.ConstantTimeCompare([]byte(user.Username), []byte(username)) != 1 {
					continue
				}

				if bcrypt.CompareHashAndPassword(
					[]byte(user.PasswordHash), []byte(password),
				) == nil {
					next.ServeHTTP(w, r)

					return
				}
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="flakeoor"`)
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("Failed to encode response")
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
