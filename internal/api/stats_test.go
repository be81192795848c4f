package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/petri/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgGeneration != 0 {
		t.Errorf("avg_generation = %f, want 0", stats.AvgGeneration)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Two stepped twice, one terminated.
	for range 2 {
		sim := createSimulation(t, ts, "")
		for range 2 {
			resp := post(t, ts.URL+"/v1/simulations/"+sim.ID+"/step", "")
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("step status = %d, want 200", resp.StatusCode)
			}
		}
	}
	sim := createSimulation(t, ts, "")
	post(t, ts.URL+"/v1/simulations/"+sim.ID+"/terminate", "").Body.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.ByStatus[model.StatusIdle] != 2 {
		t.Errorf("by_status[idle] = %d, want 2", stats.ByStatus[model.StatusIdle])
	}
	if stats.ByStatus[model.StatusTerminated] != 1 {
		t.Errorf("by_status[terminated] = %d, want 1", stats.ByStatus[model.StatusTerminated])
	}
	if stats.TotalGenerations != 4 {
		t.Errorf("total_generations = %d, want 4", stats.TotalGenerations)
	}
}
