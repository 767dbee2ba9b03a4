// Package agent runs pipeline jobs on remote hosts. An agent serves
// POST /run; the server reaches it through Client, usually via a Pool.
package agent

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"stageci/internal/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Info identifies a registered agent.
type Info struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// NewHandler exposes runner over HTTP.
func NewHandler(runner core.JobRunner, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Post("/run", func(w http.ResponseWriter, r *http.Request) {
		var req core.JobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		logger.Info("agent running job", "run", req.RunID, "stage", req.Job.Stage, "job", req.Job.DisplayName())

		res, err := runner.RunJob(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	})
	return r
}
