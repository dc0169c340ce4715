package orchestrator

import (
	"context"
	"sync"

	"github.com/muster-dev/muster/internal/budget"
	"github.com/muster-dev/muster/pkg/models"
)

// TopologyResult is the final report for one topology.
type TopologyResult struct {
	// Topology is the topology tag.
	Topology string
	// Halt is why the topology's loop exited.
	Halt HaltReason
	// Err is the fatal error, non-nil only for workspace corruption.
	Err error
	// Counts maps task status to the number of tasks in that status.
	Counts map[models.TaskStatus]int
}

// Complete reports whether every task in the topology completed.
func (r TopologyResult) Complete() bool {
	total := 0
	for _, n := range r.Counts {
		total += n
	}
	return r.Halt == HaltCompleted && r.Counts[models.TaskStatusCompleted] == total
}

// Summary is the aggregate report for a whole run.
type Summary struct {
	// Results holds one entry per topology in start order.
	Results []TopologyResult
	// Spent is the governor's total committed cost.
	Spent float64
	// Ceiling is the governor's configured ceiling.
	Ceiling float64
}

// Runner composes the engines of a run. The supported workflow modes are
// one topology alone or two topologies active concurrently; both are plain
// composition over one shared budget governor, with no mode branching
// inside the engines themselves.
type Runner struct {
	engines  []*Engine
	governor *budget.Governor
	emitter  *EventEmitter
}

// NewRunner creates a runner over the given engines. All engines must share
// the governor.
func NewRunner(engines []*Engine, governor *budget.Governor, emitter *EventEmitter) *Runner {
	r := &Runner{
		engines:  engines,
		governor: governor,
		emitter:  emitter,
	}

	governor.SetWarnFunc(func(spent, ceiling float64) {
		emitter.Emit(Event{
			Type:    EventBudgetWarning,
			Spent:   spent,
			Message: "spend has crossed the budget warn threshold",
		})
	})

	return r
}

// Events returns the shared event stream.
func (r *Runner) Events() <-chan Event {
	return r.emitter.Events()
}

// Abort aborts every engine.
func (r *Runner) Abort() {
	for _, e := range r.engines {
		e.Abort()
	}
}

// RaiseCeiling updates the shared ceiling and wakes every paused engine.
func (r *Runner) RaiseCeiling(ceiling float64) {
	r.governor.SetCeiling(ceiling)
	for _, e := range r.engines {
		e.Nudge()
	}
}

// Statuses returns a progress snapshot per engine.
func (r *Runner) Statuses() []Status {
	out := make([]Status, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e.Status())
	}
	return out
}

// Run executes every engine concurrently and blocks until all loops exit.
// The event channel is closed before Run returns.
func (r *Runner) Run(ctx context.Context) Summary {
	results := make([]TopologyResult, len(r.engines))

	var wg sync.WaitGroup
	for i, e := range r.engines {
		wg.Add(1)
		go func(i int, e *Engine) {
			defer wg.Done()
			halt, err := e.Run(ctx)
			results[i] = TopologyResult{
				Topology: e.topology,
				Halt:     halt,
				Err:      err,
				Counts:   e.graph.StatusCounts(),
			}
		}(i, e)
	}
	wg.Wait()
	r.emitter.Close()

	return Summary{
		Results: results,
		Spent:   r.governor.Spent(),
		Ceiling: r.governor.Ceiling(),
	}
}
