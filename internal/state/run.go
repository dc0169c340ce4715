package state

import (
	"database/sql"
	"fmt"
	"time"
)

// Run status values.
const (
	// RunStatusActive indicates the run's engines are still executing.
	RunStatusActive = "active"
	// RunStatusFinished indicates every engine has exited.
	RunStatusFinished = "finished"
)

// Run is one persisted orchestration session.
type Run struct {
	// ID uniquely identifies the run.
	ID string
	// Topologies is the comma-joined list of topology tags.
	Topologies string
	// Ceiling is the budget ceiling at run start.
	Ceiling float64
	// Spent is the committed cost, updated when the run finishes.
	Spent float64
	// Status is active or finished.
	Status string
	// HaltReason explains why the run stopped, empty while active.
	HaltReason string
	// StartedAt is when the run started.
	StartedAt time.Time
	// FinishedAt is when the run finished, nil while active.
	FinishedAt *time.Time
}

// CreateRun inserts a new active run.
func (db *DB) CreateRun(run *Run) error {
	if run.Status == "" {
		run.Status = RunStatusActive
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	_, err := db.Exec(`
		INSERT INTO runs (id, topologies, ceiling, spent, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.Topologies, run.Ceiling, run.Spent, run.Status, formatTime(run.StartedAt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun marks a run finished with its final spend and halt reason.
func (db *DB) FinishRun(id string, spent float64, haltReason string) error {
	result, err := db.Exec(`
		UPDATE runs SET status = ?, spent = ?, halt_reason = ?, finished_at = ?
		WHERE id = ?
	`, RunStatusFinished, spent, haltReason, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("finish run: run %s not found", id)
	}
	return nil
}

// GetRun returns the run with the given ID, or nil if not found.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, topologies, ceiling, spent, status, COALESCE(halt_reason, ''), started_at, finished_at
		FROM runs WHERE id = ?
	`, id)
	return scanRun(row)
}

// LatestRun returns the most recently started run, or nil if none exist.
func (db *DB) LatestRun() (*Run, error) {
	row := db.QueryRow(`
		SELECT id, topologies, ceiling, spent, status, COALESCE(halt_reason, ''), started_at, finished_at
		FROM runs ORDER BY started_at DESC, id DESC LIMIT 1
	`)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*Run, error) {
	var run Run
	var startedAt string
	var finishedAt sql.NullString

	err := row.Scan(&run.ID, &run.Topologies, &run.Ceiling, &run.Spent,
		&run.Status, &run.HaltReason, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse run started_at: %w", err)
	}
	run.FinishedAt = parseNullableTime(finishedAt)
	return &run, nil
}

// TaskEvent is one persisted task lifecycle event.
type TaskEvent struct {
	// RunID is the owning run.
	RunID string
	// Topology is the tag of the topology the task belongs to.
	Topology string
	// TaskID is the task.
	TaskID string
	// Event is the event type (dispatched, completed, rejected, ...).
	Event string
	// Attempt is the attempt number at emission time.
	Attempt int
	// Detail is the event message, if any.
	Detail string
	// Cost is the cost committed with the event, if any.
	Cost float64
	// At is when the event occurred.
	At time.Time
}

// RecordTaskEvent appends a task lifecycle event.
func (db *DB) RecordTaskEvent(ev *TaskEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO task_events (run_id, topology, task_id, event, attempt, detail, cost, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.RunID, ev.Topology, ev.TaskID, ev.Event, ev.Attempt, ev.Detail, ev.Cost, formatTime(ev.At))
	if err != nil {
		return fmt.Errorf("record task event: %w", err)
	}
	return nil
}

// TaskEvents returns all events for a run in insertion order.
func (db *DB) TaskEvents(runID string) ([]*TaskEvent, error) {
	rows, err := db.Query(`
		SELECT run_id, topology, task_id, event, attempt, COALESCE(detail, ''), cost, at
		FROM task_events WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var out []*TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var at string
		if err := rows.Scan(&ev.RunID, &ev.Topology, &ev.TaskID, &ev.Event,
			&ev.Attempt, &ev.Detail, &ev.Cost, &at); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.At, err = parseTime(at)
		if err != nil {
			return nil, fmt.Errorf("parse task event time: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// RecordLedgerEntry appends one budget ledger commit for a run.
func (db *DB) RecordLedgerEntry(runID, taskID string, delta float64, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO ledger_events (run_id, task_id, delta, at)
		VALUES (?, ?, ?, ?)
	`, runID, taskID, delta, formatTime(at))
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	return nil
}

// LedgerTotal returns the summed ledger deltas for a run.
func (db *DB) LedgerTotal(runID string) (float64, error) {
	var total float64
	row := db.QueryRow(`SELECT COALESCE(SUM(delta), 0) FROM ledger_events WHERE run_id = ?`, runID)
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("ledger total: %w", err)
	}
	return total, nil
}
