// Package store keeps a ledger of every measurement attempt in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Status of a measurement attempt.
type Status string

const (
	StatusOK          Status = "ok"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Measurement is one ledger row: a test of a scenario measured once under a
// given environment, workload and warmup mode.
type Measurement struct {
	ID             string
	RunID          string
	Scenario       string
	Implementation string
	Model          string
	Environment    string
	Workload       string
	Mode           string
	TestID         string
	Status         Status
	Error          string
	ResultPath     string
	StartedAt      time.Time
	Duration       time.Duration
}

// RunSummary aggregates the rows of one run.
type RunSummary struct {
	RunID     string
	StartedAt time.Time
	Total     int
	Failed    int
}

// Store manages the SQLite connection and schema.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the ledger at dbPath in WAL mode.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS measurements (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		scenario TEXT NOT NULL,
		implementation TEXT NOT NULL,
		model TEXT NOT NULL,
		environment TEXT NOT NULL,
		workload TEXT NOT NULL,
		mode TEXT NOT NULL,
		test_id TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		result_path TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_measurements_run ON measurements(run_id);
	CREATE INDEX IF NOT EXISTS idx_measurements_scenario ON measurements(scenario);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create measurements table: %w", err)
	}
	return nil
}

// Record appends a measurement. An empty ID is filled with a fresh UUID.
func (s *Store) Record(ctx context.Context, m *Measurement) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO measurements (
			id, run_id, scenario, implementation, model, environment, workload,
			mode, test_id, status, error, result_path, started_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.RunID, m.Scenario, m.Implementation, m.Model, m.Environment, m.Workload,
		m.Mode, m.TestID, string(m.Status), m.Error, m.ResultPath, m.StartedAt.UTC(), m.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record measurement: %w", err)
	}
	return nil
}

// Measurements returns the rows of a run in insertion order.
func (s *Store) Measurements(ctx context.Context, runID string) ([]Measurement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, scenario, implementation, model, environment, workload,
			mode, test_id, status, error, result_path, started_at, duration_ms
		FROM measurements WHERE run_id = ? ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		var (
			m        Measurement
			status   string
			duration int64
		)
		if err := rows.Scan(&m.ID, &m.RunID, &m.Scenario, &m.Implementation, &m.Model, &m.Environment,
			&m.Workload, &m.Mode, &m.TestID, &status, &m.Error, &m.ResultPath, &m.StartedAt, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		m.Status = Status(status)
		m.Duration = time.Duration(duration) * time.Millisecond
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate measurements: %w", err)
	}
	return out, nil
}

// Runs summarizes the most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, MIN(started_at), COUNT(*),
			SUM(CASE WHEN status != 'ok' THEN 1 ELSE 0 END)
		FROM measurements
		GROUP BY run_id
		ORDER BY MIN(started_at) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r       RunSummary
			started string
		)
		if err := rows.Scan(&r.RunID, &started, &r.Total, &r.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		// Aggregates lose the column's DATETIME affinity, so parse by hand.
		r.StartedAt, _ = parseTimestamp(started)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return out, nil
}

func parseTimestamp(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		time.RFC3339Nano,
	} {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
