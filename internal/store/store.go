package store

import (
	"context"
	"errors"

	"github.com/seantiz/petri/internal/model"
)

// ErrInvalidTransition is returned when a simulation status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// SimulationStats holds aggregate statistics across all simulations.
type SimulationStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	TotalGenerations int            `json:"total_generations"`
	AvgGeneration    float64        `json:"avg_generation"`
}

// Store defines the persistence operations for simulations. Snapshots are
// written between executor operations, never during one.
type Store interface {
	CreateSimulation(ctx context.Context, s *model.Simulation) error
	GetSimulation(ctx context.Context, id string) (*model.Simulation, error)
	ListSimulations(ctx context.Context, limit, offset int) ([]*model.Simulation, int, error)
	UpdateSimulationStatus(ctx context.Context, id, status string) error
	UpdateSimulation(ctx context.Context, s *model.Simulation) error
	AppendGenerations(ctx context.Context, id string, first int, stats []model.GenerationStats) error
	GetHistory(ctx context.Context, id string) (model.History, error)
	DeleteSimulation(ctx context.Context, id string) error
	GetSimulationStats(ctx context.Context) (*SimulationStats, error)
	Close() error
}
