package orchestrator

import (
	"log"
	"sync/atomic"
	"time"
)

// EventType represents the type of engine event.
type EventType string

const (
	// EventTaskDispatched indicates a worker started generating a change-set.
	EventTaskDispatched EventType = "task_dispatched"
	// EventTaskValidating indicates a change-set entered the validation pipeline.
	EventTaskValidating EventType = "task_validating"
	// EventTaskCompleted indicates a task's change-set was accepted and merged.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskRejected indicates an attempt failed but the task will retry.
	EventTaskRejected EventType = "task_rejected"
	// EventTaskFailed indicates a task failed terminally.
	EventTaskFailed EventType = "task_failed"
	// EventMergeConflict indicates a merge lost the race to trunk and the
	// change-set is being retried on a fresh branch.
	EventMergeConflict EventType = "merge_conflict"
	// EventBudgetWarning indicates spend crossed the warn threshold.
	EventBudgetWarning EventType = "budget_warning"
	// EventBudgetPaused indicates dispatch stopped because the ceiling is
	// exhausted. The run resumes if the ceiling is raised.
	EventBudgetPaused EventType = "budget_paused"
	// EventBudgetResumed indicates a paused run resumed after a ceiling raise.
	EventBudgetResumed EventType = "budget_resumed"
	// EventRoleDegraded indicates a worker role was taken out of rotation.
	EventRoleDegraded EventType = "role_degraded"
	// EventTopologyDone indicates a topology's loop has exited.
	EventTopologyDone EventType = "topology_done"
)

// Event represents a state change emitted by an engine. Events feed the TUI
// and the status reporter.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// Topology is the tag of the topology the event belongs to.
	Topology string
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// TaskTitle is the title of the related task, if applicable.
	TaskTitle string
	// WorkerID identifies the worker involved, if applicable.
	WorkerID string
	// Branch is the workspace branch involved, if applicable.
	Branch string
	// Attempt is the task's attempt number for dispatch/failure events.
	Attempt int
	// Message provides additional context about the event.
	Message string
	// Err contains error details for failure events.
	Err error
	// Cost is the cost committed with this event, for completion events.
	Cost float64
	// Spent is the governor's cumulative spend at emission time.
	Spent float64
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// EventEmitter provides thread-safe event emission to subscribers. Emission
// never blocks the engine: a full channel drops the event after a short
// grace period.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates an EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event to the events channel. If the channel is full, it
// retries with a timeout before dropping the event.
func (e *EventEmitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			log.Printf("[orchestrator] warning: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events for subscribers.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Called once all engines have exited.
func (e *EventEmitter) Close() {
	close(e.events)
}
