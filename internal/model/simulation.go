package model

import "time"

// Simulation status constants.
const (
	StatusIdle       = "idle"
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusExtinct    = "extinct"
	StatusTerminated = "terminated"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusIdle: {
		StatusRunning:    true,
		StatusCompleted:  true,
		StatusExtinct:    true,
		StatusTerminated: true,
	},
	StatusRunning: {
		StatusIdle:       true,
		StatusCompleted:  true,
		StatusExtinct:    true,
		StatusTerminated: true,
	},
	StatusCompleted: {
		StatusRunning:    true,
		StatusTerminated: true,
	},
	StatusExtinct: {
		StatusTerminated: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Simulation is the full persisted state of one simulation session:
// parameters, the current population and how many generations produced it.
type Simulation struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Parameters Parameters `json:"parameters"`
	Population Population `json:"population"`
	Generation int        `json:"generation"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
