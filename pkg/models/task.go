package models

import "time"

// TaskStatus represents the current state of a task in its lifecycle.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has been created but not evaluated.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusBlocked indicates the task is waiting on incomplete dependencies.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusReady indicates all dependencies are satisfied and the task
	// can be dispatched.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusDispatched indicates a worker is generating a change-set.
	TaskStatusDispatched TaskStatus = "dispatched"
	// TaskStatusValidating indicates a change-set is being validated.
	TaskStatusValidating TaskStatus = "validating"
	// TaskStatusCompleted indicates the task's change-set was accepted and merged.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailedRetryable indicates the last attempt failed but the
	// task will return to ready after a backoff delay.
	TaskStatusFailedRetryable TaskStatus = "failed_retryable"
	// TaskStatusFailedTerminal indicates the task exhausted its attempts.
	// This state is absorbing.
	TaskStatusFailedTerminal TaskStatus = "failed_terminal"
	// TaskStatusBlockedByAncestor indicates a transitive dependency failed
	// terminally. The task will never become ready.
	TaskStatusBlockedByAncestor TaskStatus = "blocked_by_ancestor_failure"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusBlocked, TaskStatusReady,
		TaskStatusDispatched, TaskStatusValidating, TaskStatusCompleted,
		TaskStatusFailedRetryable, TaskStatusFailedTerminal,
		TaskStatusBlockedByAncestor:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is absorbing: no further transitions
// are legal from it.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailedTerminal ||
		s == TaskStatusBlockedByAncestor
}

// Task represents a unit of work in a topology's dependency graph.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Title is a short human-readable description.
	Title string `json:"title,omitempty"`
	// Role is the worker capability class required to execute this task.
	Role Role `json:"role"`
	// Topology is the tag of the workflow topology that owns this task.
	Topology string `json:"topology"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// Attempts is the number of dispatch attempts made so far.
	Attempts int `json:"attempts"`
	// MaxAttempts bounds retries before the task fails terminally.
	MaxAttempts int `json:"max_attempts"`
	// LastResult holds the outcome of the most recent attempt.
	LastResult *TaskResult `json:"last_result,omitempty"`
	// CostAccrued is the total cost spent on this task across attempts.
	CostAccrued float64 `json:"cost_accrued"`
	// BlockedReason explains why the task cannot proceed, if applicable.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// NotBefore is the earliest time a retryable task may be re-dispatched.
	NotBefore time.Time `json:"not_before,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskResult records the outcome of a single attempt at a task.
type TaskResult struct {
	// Accepted indicates the change-set passed validation and was merged.
	Accepted bool `json:"accepted"`
	// Reason describes why the attempt was rejected, if it was.
	Reason string `json:"reason,omitempty"`
	// CompositionFailure is true when isolated tests passed but integration
	// tests failed, meaning the change was locally correct, globally broken.
	CompositionFailure bool `json:"composition_failure,omitempty"`
	// Cost is the cost of this attempt as reported by the worker.
	Cost float64 `json:"cost"`
	// WorkerID identifies the worker that produced the change-set.
	WorkerID string `json:"worker_id,omitempty"`
	// Branch is the workspace branch the attempt used.
	Branch string `json:"branch,omitempty"`
}
