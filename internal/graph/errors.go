package graph

import (
	"errors"
	"fmt"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownDependency indicates a task depends on an ID that is not in the graph.
var ErrUnknownDependency = errors.New("unknown dependency")

// ErrUnknownTask indicates an operation referenced a task ID not in the graph.
var ErrUnknownTask = errors.New("unknown task")

// TransitionError reports an attempt to move a task through an illegal
// status transition. The graph is the only component that enforces the
// task lifecycle, so an illegal transition is always a caller bug.
type TransitionError struct {
	TaskID string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}
