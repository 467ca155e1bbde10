// Package api exposes the operator HTTP surface: submitting runs, inspecting
// run and job state, cancelling, and triggering reconciliation on demand.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/timrozday-mgnify/emgapi-v2/internal/engine"
	"github.com/timrozday-mgnify/emgapi-v2/internal/reconcile"
	"github.com/timrozday-mgnify/emgapi-v2/internal/store"
	"github.com/timrozday-mgnify/emgapi-v2/internal/validation"
	"github.com/timrozday-mgnify/emgapi-v2/pkg/schema"
)

// Server is the operator API server.
type Server struct {
	store      store.Store
	controller *engine.Controller
	reconciler *reconcile.Reconciler
	validator  *validation.RunRequestValidator
	logger     *slog.Logger
	router     chi.Router
}

// NewServer wires the API routes.
func NewServer(s store.Store, controller *engine.Controller, reconciler *reconcile.Reconciler, validator *validation.RunRequestValidator, logger *slog.Logger) *Server {
	srv := &Server{
		store:      s,
		controller: controller,
		reconciler: reconciler,
		validator:  validator,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", srv.handleCreateRun)
		r.Get("/runs/{id}", srv.handleGetRun)
		r.Post("/runs/{id}/cancel", srv.handleCancelRun)
		r.Get("/jobs/{key}", srv.handleGetJob)
		r.Post("/reconcile", srv.handleReconcile)
	})
	srv.router = r
	return srv
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateRun accepts a RunRequest document and persists a new run. The
// run starts executing when the scheduler picks it up; the response carries
// the persisted run state, not an execution result.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req schema.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, schema.NewError(schema.ErrCodeValidation, "malformed request body").WithCause(err))
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		s.writeError(w, r, err)
		return
	}

	run, err := s.controller.StartRun(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

type runResponse struct {
	Run  *store.RunState    `json:"run"`
	Jobs []*store.JobRecord `json:"jobs,omitempty"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := runResponse{Run: run}
	for _, jobID := range run.JobIDs {
		rec, err := s.store.GetJob(r.Context(), jobID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Jobs = append(resp.Jobs, rec)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cascade := r.URL.Query().Get("cascade") == "true"

	outcome, err := s.controller.CancelRun(r.Context(), id, cascade)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleGetJob resolves a job by deduplication key: the live record if one
// exists, otherwise the most recent terminal one.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	rec, err := s.store.GetLiveJobByKey(r.Context(), key)
	if err != nil {
		if !isNotFound(err) {
			s.writeError(w, r, err)
			return
		}
		rec, err = s.store.LatestTerminalJobByKey(r.Context(), key)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.reconciler.Reconcile(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error *schema.OrcError `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var oe *schema.OrcError
	if !errors.As(err, &oe) {
		oe = schema.NewError(schema.ErrCodeStore, err.Error())
	}

	status := statusForCode(oe.Code)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", oe.Error()),
		)
	}
	writeJSON(w, status, errorResponse{Error: oe})
}

func statusForCode(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeSubmission, schema.ErrCodeQuery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func isNotFound(err error) bool {
	var oe *schema.OrcError
	return errors.As(err, &oe) && oe.Code == schema.ErrCodeNotFound
}
