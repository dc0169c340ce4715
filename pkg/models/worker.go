package models

import "time"

// Role is a worker's fixed capability class. It determines which tasks the
// worker may be assigned and which pool bounds its concurrency.
type Role string

const (
	// RoleArchitect handles design and decomposition tasks.
	RoleArchitect Role = "architect"
	// RoleDeveloper handles implementation tasks.
	RoleDeveloper Role = "developer"
	// RoleTraining handles model-training tasks.
	RoleTraining Role = "training"
)

// Valid returns true if the role is a known value.
func (r Role) Valid() bool {
	switch r {
	case RoleArchitect, RoleDeveloper, RoleTraining:
		return true
	default:
		return false
	}
}

// WorkerStatus represents a worker's availability.
type WorkerStatus string

const (
	// WorkerStatusIdle indicates the worker can accept a task.
	WorkerStatusIdle WorkerStatus = "idle"
	// WorkerStatusBusy indicates the worker is executing a task.
	WorkerStatusBusy WorkerStatus = "busy"
)

// Worker represents a single autonomous worker slot. Workers are stateless
// between tasks apart from their identity and historical cost.
type Worker struct {
	// ID is the unique identifier for this worker.
	ID string `json:"id"`
	// Role is the capability class of this worker.
	Role Role `json:"role"`
	// Status is the current availability of the worker.
	Status WorkerStatus `json:"status"`
	// TaskID is the ID of the task currently assigned, if busy.
	TaskID string `json:"task_id,omitempty"`
	// CostAccrued is the total cost this worker has spent across tasks.
	CostAccrued float64 `json:"cost_accrued"`
	// LastInvokedAt is when the worker last started a task.
	LastInvokedAt time.Time `json:"last_invoked_at,omitempty"`
}
