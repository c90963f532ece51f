// Package api exposes the farm management HTTP surface: worker and job
// inspection, live log tails, and the confirmation endpoint that external
// VM management calls to flip an asynchronously-reset worker back to CLEAN.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vyvo/buildfarm/pkg/auth"
	"github.com/vyvo/buildfarm/pkg/store"
)

// EventSource lists recorded lifecycle events for a worker. Both store
// implementations provide it outside the core Store contract.
type EventSource interface {
	Events(ctx context.Context, name string) []store.WorkerEvent
}

// TailSource reads the latest cached log tail for a job.
type TailSource interface {
	Tail(ctx context.Context, jobID string) (string, error)
}

type Server struct {
	store  store.Store
	events EventSource
	tails  TailSource
	apiKey string
	logger *slog.Logger
}

// NewServer builds the API server. events and tails may be nil when the
// deployment has no event log or tail cache.
func NewServer(st store.Store, events EventSource, tails TailSource, apiKey string, logger *slog.Logger) *Server {
	return &Server{store: st, events: events, tails: tails, apiKey: apiKey, logger: logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/workers", s.handleListWorkers)
		r.Route("/workers/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetWorker)
			r.Get("/events", s.handleWorkerEvents)
			r.With(s.requireKey).Post("/clean-confirm", s.handleCleanConfirm)
		})
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/logtail", s.handleJobLogTail)
		})
	})
	return r
}

func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := auth.ExtractKey(r)
		if err != nil || key != s.apiKey {
			respondError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"workers": workers}, http.StatusOK)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	worker, err := s.store.GetWorker(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "worker not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"worker": worker}, http.StatusOK)
}

func (s *Server) handleWorkerEvents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.store.GetWorker(r.Context(), name); errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "worker not found")
		return
	}
	var events []store.WorkerEvent
	if s.events != nil {
		events = s.events.Events(r.Context(), name)
	}
	respondJSON(w, map[string]any{"events": events}, http.StatusOK)
}

// handleCleanConfirm is the external confirmation channel for the
// asynchronous reset protocol: once VM management has finished resetting a
// worker it calls here to flip CLEANING back to CLEAN.
func (s *Server) handleCleanConfirm(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	worker, err := s.store.GetWorker(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "worker not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if worker.ResetProtocol != store.ResetProtocolAsync {
		respondError(w, http.StatusConflict, "worker does not use the asynchronous reset protocol")
		return
	}
	if worker.CleanStatus != store.CleanStatusCleaning {
		respondError(w, http.StatusConflict, "worker is not cleaning")
		return
	}

	if err := s.store.SetCleanStatus(r.Context(), name, store.CleanStatusClean); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.store.AppendEvent(r.Context(), name, string(store.CleanStatusClean), "Reset confirmed")
	s.logger.Info("clean confirmed", "worker", name)
	respondJSON(w, map[string]any{"status": string(store.CleanStatusClean)}, http.StatusOK)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"job": job}, http.StatusOK)
}

func (s *Server) handleJobLogTail(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	tail := job.LogTail
	if s.tails != nil {
		if cached, err := s.tails.Tail(r.Context(), jobID); err == nil && cached != "" {
			tail = cached
		}
	}
	respondJSON(w, map[string]any{"job_id": jobID, "logtail": tail}, http.StatusOK)
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
