package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/petri/internal/model"

	_ "modernc.org/sqlite"
)

const createSimulationsTable = `
CREATE TABLE IF NOT EXISTS simulations (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    parameters  TEXT NOT NULL,
    population  TEXT NOT NULL,
    generation  INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
)`

const createGenerationStatsTable = `
CREATE TABLE IF NOT EXISTS generation_stats (
    simulation_id     TEXT NOT NULL,
    generation        INTEGER NOT NULL,
    total             INTEGER NOT NULL,
    resistant         INTEGER NOT NULL,
    sensitive         INTEGER NOT NULL,
    average_fitness   REAL NOT NULL,
    mutation_events   INTEGER NOT NULL,
    antibiotic_deaths INTEGER NOT NULL,
    natural_deaths    INTEGER NOT NULL,
    reproductions     INTEGER NOT NULL,
    PRIMARY KEY (simulation_id, generation)
)`

// ErrNotFound is returned when a simulation is not found.
var ErrNotFound = errors.New("simulation not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	if _, err := db.Exec(createSimulationsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create simulations table: %w", err)
	}
	if _, err := db.Exec(createGenerationStatsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create generation_stats table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSimulation inserts a new simulation record.
func (s *SQLiteStore) CreateSimulation(ctx context.Context, sim *model.Simulation) error {
	params, pop, err := encodeSnapshot(sim)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO simulations (
			id, status, parameters, population, generation, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sim.ID, sim.Status, params, pop, sim.Generation, sim.Error, sim.CreatedAt, sim.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert simulation: %w", err)
	}
	return nil
}

// GetSimulation retrieves a simulation, including its current population.
func (s *SQLiteStore) GetSimulation(ctx context.Context, id string) (*model.Simulation, error) {
	var params, pop string
	sim := &model.Simulation{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, parameters, population, generation, error, created_at, updated_at
		FROM simulations WHERE id = ?`, id,
	).Scan(&sim.ID, &sim.Status, &params, &pop, &sim.Generation, &sim.Error, &sim.CreatedAt, &sim.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get simulation: %w", err)
	}

	if err := json.Unmarshal([]byte(params), &sim.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(pop), &sim.Population); err != nil {
		return nil, fmt.Errorf("decode population: %w", err)
	}
	return sim, nil
}

// ListSimulations returns a page of simulations ordered by created_at DESC,
// along with the total count. Populations are not loaded.
func (s *SQLiteStore) ListSimulations(ctx context.Context, limit, offset int) ([]*model.Simulation, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM simulations").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count simulations: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, status, parameters, generation, error, created_at, updated_at
		FROM simulations ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list simulations: %w", err)
	}
	defer rows.Close()

	var sims []*model.Simulation
	for rows.Next() {
		var params string
		sim := &model.Simulation{}
		if err := rows.Scan(&sim.ID, &sim.Status, &params, &sim.Generation, &sim.Error, &sim.CreatedAt, &sim.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan simulation: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &sim.Parameters); err != nil {
			return nil, 0, fmt.Errorf("decode parameters: %w", err)
		}
		sims = append(sims, sim)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate simulations: %w", err)
	}

	return sims, total, nil
}

// UpdateSimulationStatus moves a simulation to status, rejecting transitions
// model.ValidTransition does not allow.
func (s *SQLiteStore) UpdateSimulationStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM simulations WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get simulation status: %w", err)
	}
	if current != status && !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE simulations SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("update simulation status: %w", err)
	}
	return tx.Commit()
}

// UpdateSimulation replaces the mutable fields of a simulation: status,
// population, generation and error.
func (s *SQLiteStore) UpdateSimulation(ctx context.Context, sim *model.Simulation) error {
	_, pop, err := encodeSnapshot(sim)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE simulations
		SET status = ?, population = ?, generation = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		sim.Status, pop, sim.Generation, sim.Error, sim.UpdatedAt, sim.ID,
	)
	if err != nil {
		return fmt.Errorf("update simulation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendGenerations records stats for generations first, first+1, ... of a
// simulation in one transaction.
func (s *SQLiteStore) AppendGenerations(ctx context.Context, id string, first int, stats []model.GenerationStats) error {
	if len(stats) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM simulations WHERE id = ?", id).Scan(&exists); err != nil {
		return fmt.Errorf("check simulation: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO generation_stats (
			simulation_id, generation, total, resistant, sensitive, average_fitness,
			mutation_events, antibiotic_deaths, natural_deaths, reproductions
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, st := range stats {
		if _, err := stmt.ExecContext(ctx,
			id, first+i, st.Total, st.Resistant, st.Sensitive, st.AverageFitness,
			st.MutationEvents, st.AntibioticDeaths, st.NaturalDeaths, st.Reproductions,
		); err != nil {
			return fmt.Errorf("insert generation %d: %w", first+i, err)
		}
	}
	return tx.Commit()
}

// GetHistory returns every recorded generation of a simulation in order.
func (s *SQLiteStore) GetHistory(ctx context.Context, id string) (model.History, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM simulations WHERE id = ?", id).Scan(&exists); err != nil {
		return model.History{}, fmt.Errorf("check simulation: %w", err)
	}
	if exists == 0 {
		return model.History{}, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT total, resistant, sensitive, average_fitness,
			mutation_events, antibiotic_deaths, natural_deaths, reproductions
		FROM generation_stats WHERE simulation_id = ? ORDER BY generation ASC`, id,
	)
	if err != nil {
		return model.History{}, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	h := model.NewHistory(0)
	for rows.Next() {
		var st model.GenerationStats
		if err := rows.Scan(
			&st.Total, &st.Resistant, &st.Sensitive, &st.AverageFitness,
			&st.MutationEvents, &st.AntibioticDeaths, &st.NaturalDeaths, &st.Reproductions,
		); err != nil {
			return model.History{}, fmt.Errorf("scan generation: %w", err)
		}
		h.Append(st)
	}
	if err := rows.Err(); err != nil {
		return model.History{}, fmt.Errorf("iterate history: %w", err)
	}
	return h, nil
}

// DeleteSimulation removes a simulation and its history.
func (s *SQLiteStore) DeleteSimulation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM generation_stats WHERE simulation_id = ?", id); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM simulations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete simulation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// GetSimulationStats returns aggregate statistics across all simulations.
func (s *SQLiteStore) GetSimulationStats(ctx context.Context) (*SimulationStats, error) {
	stats := &SimulationStats{CountByStatus: make(map[string]int)}

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(generation), 0), COALESCE(AVG(generation), 0) FROM simulations",
	).Scan(&stats.Total, &stats.TotalGenerations, &stats.AvgGeneration)
	if err != nil {
		return nil, fmt.Errorf("aggregate simulations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM simulations GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	return stats, nil
}

func encodeSnapshot(sim *model.Simulation) (params, pop string, err error) {
	p, err := json.Marshal(sim.Parameters)
	if err != nil {
		return "", "", fmt.Errorf("encode parameters: %w", err)
	}
	pp := sim.Population
	if pp == nil {
		pp = model.Population{}
	}
	b, err := json.Marshal(pp)
	if err != nil {
		return "", "", fmt.Errorf("encode population: %w", err)
	}
	return string(p), string(b), nil
}
