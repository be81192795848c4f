package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/petri/internal/engine"
	"github.com/seantiz/petri/internal/executor"
	"github.com/seantiz/petri/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// errorResponse is the JSON body of every error reply. Field names the
// offending parameter for validation failures.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// listSimulationsResponse wraps the paginated list response.
type listSimulationsResponse struct {
	Simulations []*model.Simulation `json:"simulations"`
	Total       int                 `json:"total"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
}

// historyResponse is the JSON response for GET /v1/simulations/:id/history.
type historyResponse struct {
	SimulationID string        `json:"simulation_id"`
	Generations  int           `json:"generations"`
	History      model.History `json:"history"`
}

func (s *Server) handleCreateSimulation(w http.ResponseWriter, r *http.Request) {
	// Fields missing from the body keep their configured defaults.
	params := s.defaults
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sim, err := s.engine.Create(r.Context(), params)
	if err != nil {
		s.writeEngineError(w, "create simulation", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, sim)
}

func (s *Server) handleGetSimulation(w http.ResponseWriter, r *http.Request) {
	sim, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, "get simulation", err)
		return
	}
	s.writeJSON(w, http.StatusOK, sim)
}

func (s *Server) handleListSimulations(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	sims, total, err := s.engine.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list simulations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list simulations")
		return
	}

	if sims == nil {
		sims = []*model.Simulation{}
	}

	s.writeJSON(w, http.StatusOK, listSimulationsResponse{
		Simulations: sims,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

func (s *Server) handleDeleteSimulation(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeEngineError(w, "delete simulation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStepSimulation(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Step(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, "step simulation", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTerminateSimulation(w http.ResponseWriter, r *http.Request) {
	sim, err := s.engine.Terminate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, "terminate simulation", err)
		return
	}
	s.writeJSON(w, http.StatusOK, sim)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h, err := s.engine.History(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "get history", err)
		return
	}

	s.writeJSON(w, http.StatusOK, historyResponse{
		SimulationID: id,
		Generations:  h.Len(),
		History:      h,
	})
}

// writeEngineError maps engine and executor errors to HTTP statuses.
// Unexpected errors are logged with op and reported as 500.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	var verr *model.ValidationError
	var rerr *executor.RemoteError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, engine.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "simulation not found")
	case errors.Is(err, engine.ErrBusy),
		errors.Is(err, engine.ErrNotRunning),
		errors.Is(err, engine.ErrFinished):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrClosed), errors.Is(err, executor.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, executor.ErrTimeout):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &rerr):
		s.logger.Warn(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, rerr.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
