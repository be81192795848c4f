package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/petri/internal/model"
)

// runRequest is the optional JSON body for POST /v1/simulations/:id/run.
// Steps <= 0 runs the generations remaining up to the simulation's duration.
type runRequest struct {
	Steps int `json:"steps"`
}

// runResponse is returned when a run is accepted.
type runResponse struct {
	RunID      string            `json:"run_id"`
	Simulation *model.Simulation `json:"simulation"`
}

func (s *Server) handleRunSimulation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req runRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	runID, err := s.engine.Run(r.Context(), id, req.Steps)
	if err != nil {
		s.writeEngineError(w, "run simulation", err)
		return
	}

	sim, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "get simulation", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, runResponse{RunID: runID, Simulation: sim})
}

func (s *Server) handleStopSimulation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Stop(r.Context(), id); err != nil {
		s.writeEngineError(w, "stop simulation", err)
		return
	}

	sim, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "get simulation", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, sim)
}
