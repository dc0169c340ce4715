package state

import (
	"log"

	"github.com/muster-dev/muster/internal/budget"
	"github.com/muster-dev/muster/internal/orchestrator"
)

// Recorder persists the engine event stream and the budget ledger for one
// run. Persistence failures are logged, never propagated: losing a status
// row must not stop the run.
type Recorder struct {
	db    *DB
	runID string
}

// NewRecorder creates a recorder writing under the given run ID.
func NewRecorder(db *DB, runID string) *Recorder {
	return &Recorder{db: db, runID: runID}
}

// HandleEvent persists one engine event as a task event row. Events that
// carry no task (budget, topology lifecycle) are recorded with an empty
// task ID so the run history stays complete.
func (r *Recorder) HandleEvent(ev orchestrator.Event) {
	detail := ev.Message
	if ev.Err != nil {
		if detail != "" {
			detail += ": "
		}
		detail += ev.Err.Error()
	}

	err := r.db.RecordTaskEvent(&TaskEvent{
		RunID:    r.runID,
		Topology: ev.Topology,
		TaskID:   ev.TaskID,
		Event:    string(ev.Type),
		Attempt:  ev.Attempt,
		Detail:   detail,
		Cost:     ev.Cost,
		At:       ev.Timestamp,
	})
	if err != nil {
		log.Printf("[state] warning: persist event %s for task %s: %v", ev.Type, ev.TaskID, err)
	}
}

// Consume drains an event stream to the database until the channel closes.
// Intended to run on its own goroutine alongside the engines.
func (r *Recorder) Consume(events <-chan orchestrator.Event) {
	for ev := range events {
		r.HandleEvent(ev)
	}
}

// RecordLedger persists the governor's append-only ledger.
func (r *Recorder) RecordLedger(entries []budget.Entry) {
	for _, entry := range entries {
		if err := r.db.RecordLedgerEntry(r.runID, entry.TaskID, entry.Delta, entry.At); err != nil {
			log.Printf("[state] warning: persist ledger entry for task %s: %v", entry.TaskID, err)
		}
	}
}
