// Package graph provides the dependency graph and task state machine for
// one workflow topology.
package graph

import (
	"fmt"
	"sync"
	"time"

	"github.com/muster-dev/muster/pkg/models"
)

// Graph is a directed acyclic graph of task dependencies plus the task
// state machine. Tasks are nodes; edges represent "blocked by" relationships.
//
// The graph is safe for concurrent use; mutators serialize on an internal
// lock, and all transitions except the validating step happen on the owning
// scheduler loop.
type Graph struct {
	mu sync.RWMutex
	// topology is the tag of the workflow topology that owns this graph.
	topology string
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// order preserves declaration order for deterministic ReadyTasks output.
	order []string
	// deps maps task ID to the IDs of tasks it depends on.
	deps map[string][]string
	// dependents maps task ID to the IDs of tasks that depend on it,
	// so unlock propagation on completion is a single index walk.
	dependents map[string][]string
	// remaining maps task ID to its count of not-yet-completed dependencies.
	remaining map[string]int
}

// Build constructs a graph from the given tasks. Task order is preserved as
// declaration order. It fails with ErrUnknownDependency if an edge references
// a missing ID and ErrCycleDetected if the definitions are cyclic; no partial
// graph is ever returned.
func Build(topology string, tasks []*models.Task) (*Graph, error) {
	g := &Graph{
		topology:   topology,
		nodes:      make(map[string]*models.Task, len(tasks)),
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string),
		remaining:  make(map[string]int, len(tasks)),
	}

	for _, task := range tasks {
		if _, dup := g.nodes[task.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %s", task.ID)
		}
		g.nodes[task.ID] = task
		g.order = append(g.order, task.ID)
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return nil, fmt.Errorf("task %s depends on %s: %w", task.ID, depID, ErrUnknownDependency)
			}
			g.deps[task.ID] = append(g.deps[task.ID], depID)
			g.dependents[depID] = append(g.dependents[depID], task.ID)
		}
		g.remaining[task.ID] = len(task.DependsOn)
	}

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	now := time.Now()
	for _, task := range tasks {
		task.Topology = topology
		task.CreatedAt = now
		if len(task.DependsOn) == 0 {
			task.Status = models.TaskStatusReady
		} else {
			task.Status = models.TaskStatusBlocked
		}
	}

	return g, nil
}

// hasCycleLocked detects cycles with depth-first search coloring.
// Color states: 0 = unvisited, 1 = in progress, 2 = done.
func (g *Graph) hasCycleLocked() bool {
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.deps[id] {
			switch colors[depID] {
			case 1:
				// Back edge.
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// Topology returns the tag of the topology that owns this graph.
func (g *Graph) Topology() string {
	return g.topology
}

// ReadyTasks returns the IDs of tasks whose dependencies are all completed
// and that are eligible for dispatch at the given time. Retryable failures
// become eligible again once their backoff deadline has passed. The result
// is ordered by declaration order, so repeated calls without intervening
// Mark* calls return the same slice.
func (g *Graph) ReadyTasks(now time.Time) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.order {
		task := g.nodes[id]
		if g.remaining[id] > 0 {
			continue
		}
		switch task.Status {
		case models.TaskStatusPending, models.TaskStatusBlocked, models.TaskStatusReady:
			ready = append(ready, id)
		case models.TaskStatusFailedRetryable:
			if !now.Before(task.NotBefore) {
				ready = append(ready, id)
			}
		}
	}
	return ready
}

// NextRetryAt returns the earliest backoff deadline among retryable tasks
// whose dependencies are satisfied, and false if there is none. The
// scheduler uses this to set its idle timer instead of polling.
func (g *Graph) NextRetryAt() (time.Time, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var earliest time.Time
	var found bool
	for _, id := range g.order {
		task := g.nodes[id]
		if task.Status != models.TaskStatusFailedRetryable || g.remaining[id] > 0 {
			continue
		}
		if !found || task.NotBefore.Before(earliest) {
			earliest = task.NotBefore
			found = true
		}
	}
	return earliest, found
}

// MarkDispatched transitions a task to dispatched and increments its attempt
// count. Legal only from a ready-eligible state.
func (g *Graph) MarkDispatched(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.nodes[taskID]
	if !ok {
		return fmt.Errorf("mark dispatched %s: %w", taskID, ErrUnknownTask)
	}
	switch task.Status {
	case models.TaskStatusPending, models.TaskStatusBlocked, models.TaskStatusReady, models.TaskStatusFailedRetryable:
		if g.remaining[taskID] > 0 {
			return &TransitionError{TaskID: taskID, From: string(task.Status), To: string(models.TaskStatusDispatched)}
		}
	default:
		return &TransitionError{TaskID: taskID, From: string(task.Status), To: string(models.TaskStatusDispatched)}
	}

	task.Status = models.TaskStatusDispatched
	task.Attempts++
	return nil
}

// MarkValidating transitions a task from dispatched to validating.
func (g *Graph) MarkValidating(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.nodes[taskID]
	if !ok {
		return fmt.Errorf("mark validating %s: %w", taskID, ErrUnknownTask)
	}
	if task.Status != models.TaskStatusDispatched {
		return &TransitionError{TaskID: taskID, From: string(task.Status), To: string(models.TaskStatusValidating)}
	}
	task.Status = models.TaskStatusValidating
	return nil
}

// MarkCompleted transitions a task to completed and walks the dependent
// index, flipping any dependent whose remaining dependency count reaches
// zero from blocked to ready. It does not enqueue anything; the scheduler
// polls ReadyTasks.
func (g *Graph) MarkCompleted(taskID string, result *models.TaskResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.nodes[taskID]
	if !ok {
		return fmt.Errorf("mark completed %s: %w", taskID, ErrUnknownTask)
	}
	if task.Status != models.TaskStatusDispatched && task.Status != models.TaskStatusValidating {
		return &TransitionError{TaskID: taskID, From: string(task.Status), To: string(models.TaskStatusCompleted)}
	}

	now := time.Now()
	task.Status = models.TaskStatusCompleted
	task.LastResult = result
	task.CompletedAt = &now
	if result != nil {
		task.CostAccrued += result.Cost
	}

	for _, depID := range g.dependents[taskID] {
		g.remaining[depID]--
		if g.remaining[depID] == 0 {
			dep := g.nodes[depID]
			if dep.Status == models.TaskStatusBlocked || dep.Status == models.TaskStatusPending {
				dep.Status = models.TaskStatusReady
			}
		}
	}
	return nil
}

// MarkFailed records a failed attempt. Retryable failures return to the
// ready set once notBefore has passed. Terminal failures are absorbing and
// propagate blocked-by-ancestor status to all transitive dependents.
func (g *Graph) MarkFailed(taskID string, result *models.TaskResult, retryable bool, notBefore time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.nodes[taskID]
	if !ok {
		return fmt.Errorf("mark failed %s: %w", taskID, ErrUnknownTask)
	}
	if task.Status != models.TaskStatusDispatched && task.Status != models.TaskStatusValidating {
		return &TransitionError{TaskID: taskID, From: string(task.Status), To: "failed"}
	}

	task.LastResult = result
	if result != nil {
		task.CostAccrued += result.Cost
	}

	if retryable {
		task.Status = models.TaskStatusFailedRetryable
		task.NotBefore = notBefore
		return nil
	}

	now := time.Now()
	task.Status = models.TaskStatusFailedTerminal
	task.CompletedAt = &now
	if result != nil && result.Reason != "" {
		task.BlockedReason = result.Reason
	}
	g.blockDependentsLocked(taskID)
	return nil
}

// blockDependentsLocked marks every transitive dependent of the failed task
// as blocked by ancestor failure. Those tasks never become ready.
func (g *Graph) blockDependentsLocked(failedID string) {
	queue := append([]string(nil), g.dependents[failedID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		task := g.nodes[id]
		if task.Status == models.TaskStatusBlockedByAncestor {
			continue
		}
		task.Status = models.TaskStatusBlockedByAncestor
		task.BlockedReason = "ancestor_failed:" + failedID
		queue = append(queue, g.dependents[id]...)
	}
}

// Task returns the task for a given ID, or nil if not found.
func (g *Graph) Task(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Tasks returns all tasks in declaration order.
func (g *Graph) Tasks() []*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*models.Task, 0, len(g.order))
	for _, id := range g.order {
		tasks = append(tasks, g.nodes[id])
	}
	return tasks
}

// Size returns the number of tasks in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependents returns the IDs of tasks that directly depend on the given task.
func (g *Graph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[taskID]...)
}

// InFlight returns the number of tasks currently dispatched or validating.
func (g *Graph) InFlight() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n := 0
	for _, task := range g.nodes {
		if task.Status == models.TaskStatusDispatched || task.Status == models.TaskStatusValidating {
			n++
		}
	}
	return n
}

// Settled returns true when every task is in a terminal state, meaning the
// topology can make no further progress.
func (g *Graph) Settled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, task := range g.nodes {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

// StatusCounts returns a map of status to the number of tasks in that status.
func (g *Graph) StatusCounts() map[models.TaskStatus]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[models.TaskStatus]int)
	for _, task := range g.nodes {
		counts[task.Status]++
	}
	return counts
}
