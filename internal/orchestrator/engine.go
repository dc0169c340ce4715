package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/muster-dev/muster/internal/budget"
	"github.com/muster-dev/muster/internal/graph"
	"github.com/muster-dev/muster/internal/validation"
	"github.com/muster-dev/muster/internal/worker"
	"github.com/muster-dev/muster/internal/workspace"
	"github.com/muster-dev/muster/pkg/models"
)

// DefaultCostEstimate is the per-dispatch estimate used for the budget gate
// when no estimator is configured.
const DefaultCostEstimate = 1.0

// DefaultMaxConflictRetries bounds how many times one accepted change-set is
// re-based and re-merged after losing the race to trunk.
const DefaultMaxConflictRetries = 3

// HaltReason explains why an engine's loop exited.
type HaltReason string

const (
	// HaltCompleted indicates every task reached a terminal state.
	HaltCompleted HaltReason = "completed"
	// HaltBudgetExhausted indicates the run stopped paused on the ceiling.
	HaltBudgetExhausted HaltReason = "budget_exhausted"
	// HaltAborted indicates an operator abort or context cancellation.
	HaltAborted HaltReason = "aborted"
	// HaltCorrupted indicates the workspace is in an inconsistent state.
	HaltCorrupted HaltReason = "workspace_corrupted"
	// HaltDegraded indicates the only remaining ready tasks require roles
	// that are degraded or have no workers.
	HaltDegraded HaltReason = "role_degraded"
)

// Status is a read-only snapshot of an engine's progress, sufficient to
// render a progress report.
type Status struct {
	// Topology is the tag of the topology this engine runs.
	Topology string
	// Counts maps task status to the number of tasks in that status.
	Counts map[models.TaskStatus]int
	// Occupancies is the per-role worker pool occupancy.
	Occupancies []worker.Occupancy
	// Spent is the governor's cumulative spend.
	Spent float64
	// Ceiling is the governor's configured ceiling.
	Ceiling float64
	// Halted is the halt reason once the loop has exited, empty while running.
	Halted HaltReason
}

// Engine is the control loop for one topology. It pulls ready tasks from
// the graph, gates dispatch on the budget governor, checks workers out of
// the pool, and drives each change-set through validation and merge.
//
// The graph and the governor ledger are only mutated from the loop
// goroutine; attempt goroutines communicate outcomes over a channel.
type Engine struct {
	topology string
	graph    *graph.Graph
	pool     *worker.Pool
	store    workspace.Store
	pipeline *validation.Pipeline
	governor *budget.Governor
	emitter  *EventEmitter

	backoff            Backoff
	estimate           func(task *models.Task) float64
	invokeTimeout      time.Duration
	maxConflictRetries int
	pauseTimeout       time.Duration

	// wake is nudged when external state changed (ceiling raise, degrade).
	wake chan struct{}
	// stop is closed on operator abort.
	stop     chan struct{}
	stopOnce sync.Once

	// compositionRetry holds the change-set of a composition-rejected task
	// so its next attempt revalidates it against a rebased snapshot instead
	// of regenerating it. Only the loop goroutine touches the map.
	compositionRetry map[string]*models.ChangeSet

	mu     sync.Mutex
	halted HaltReason
}

// NewEngine creates an engine for one topology. The emitter may be shared
// across engines; the governor is shared in dual-topology mode.
func NewEngine(g *graph.Graph, pool *worker.Pool, store workspace.Store, pipeline *validation.Pipeline, governor *budget.Governor, emitter *EventEmitter) *Engine {
	e := &Engine{
		topology:           g.Topology(),
		graph:              g,
		pool:               pool,
		store:              store,
		pipeline:           pipeline,
		governor:           governor,
		emitter:            emitter,
		backoff:            DefaultBackoff(),
		maxConflictRetries: DefaultMaxConflictRetries,
		wake:               make(chan struct{}, 1),
		stop:               make(chan struct{}),
		compositionRetry:   make(map[string]*models.ChangeSet),
	}

	pool.SetDegradedFunc(func(role models.Role) {
		e.emit(Event{
			Type:    EventRoleDegraded,
			Message: fmt.Sprintf("role %s taken out of rotation after repeated collaborator errors", role),
		})
		e.Nudge()
	})

	return e
}

// SetBackoff overrides the retry backoff curve.
func (e *Engine) SetBackoff(b Backoff) {
	e.backoff = b
}

// SetEstimator installs the per-task cost estimate used for the budget gate.
func (e *Engine) SetEstimator(fn func(task *models.Task) float64) {
	e.estimate = fn
}

// SetInvokeTimeout bounds each collaborator invocation. Zero means the
// invocation is bounded only by the run context.
func (e *Engine) SetInvokeTimeout(d time.Duration) {
	e.invokeTimeout = d
}

// SetPauseTimeout bounds how long a budget-paused run waits for a ceiling
// raise before halting. Zero waits until abort.
func (e *Engine) SetPauseTimeout(d time.Duration) {
	e.pauseTimeout = d
}

// Abort signals an operator abort. In-flight invocations are cancelled
// through their contexts; the workspace is left consistent because merge is
// all-or-nothing.
func (e *Engine) Abort() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Nudge wakes the loop to re-evaluate dispatch, e.g. after the budget
// ceiling was raised.
func (e *Engine) Nudge() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Status returns a read-only progress snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	halted := e.halted
	e.mu.Unlock()

	return Status{
		Topology:    e.topology,
		Counts:      e.graph.StatusCounts(),
		Occupancies: e.pool.Occupancies(),
		Spent:       e.governor.Spent(),
		Ceiling:     e.governor.Ceiling(),
		Halted:      halted,
	}
}

// Graph returns the engine's task graph for reporting.
func (e *Engine) Graph() *graph.Graph {
	return e.graph
}

// outcomeKind classifies an attempt outcome.
type outcomeKind int

const (
	outcomeAccepted outcomeKind = iota
	outcomeRejected
	outcomeFatal
)

// attemptOutcome is the message an attempt goroutine sends back to the loop.
// cs carries the change-set of a composition rejection so the retry can
// revalidate it against a rebased snapshot instead of regenerating it.
type attemptOutcome struct {
	taskID string
	result *models.TaskResult
	kind   outcomeKind
	err    error
	cs     *models.ChangeSet
}

// Run executes the control loop until the topology settles, the budget pause
// is not resumed, the operator aborts, or the workspace corrupts. The
// returned error is non-nil only for workspace corruption.
func (e *Engine) Run(ctx context.Context) (HaltReason, error) {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// invokeCtx bounds collaborator invocations only. Hitting the budget
	// ceiling cancels it so in-flight invocations return promptly; a ceiling
	// raise replaces it with a fresh one before dispatch resumes. Validation
	// and merge of already-paid work keep running under runCtx.
	invokeCtx, cancelInvokes := context.WithCancel(runCtx)
	defer func() { cancelInvokes() }()

	// Buffered to the task count so attempt goroutines never block on send:
	// each task has at most one attempt in flight.
	completions := make(chan attemptOutcome, e.graph.Size()+1)
	inflight := 0
	budgetPaused := false

	for {
		if e.graph.Settled() && inflight == 0 {
			return e.finish(HaltCompleted, nil, cancelRun, completions, inflight)
		}

		if invokeCtx.Err() != nil && runCtx.Err() == nil && !e.governor.Exhausted() {
			invokeCtx, cancelInvokes = context.WithCancel(runCtx)
		}

		dispatched, budgetBlocked := e.dispatchReady(runCtx, invokeCtx, completions, &inflight)

		if dispatched > 0 && budgetPaused {
			budgetPaused = false
			e.emit(Event{Type: EventBudgetResumed, Spent: e.governor.Spent(),
				Message: "budget ceiling raised, dispatch resumed"})
		}

		if budgetBlocked && inflight == 0 && dispatched == 0 && !budgetPaused {
			budgetPaused = true
			e.emit(Event{Type: EventBudgetPaused, Spent: e.governor.Spent(),
				Message: fmt.Sprintf("spend %.2f against ceiling %.2f, dispatch paused", e.governor.Spent(), e.governor.Ceiling())})
		}

		if dispatched == 0 && !budgetBlocked && inflight == 0 && e.stalledOnRoles() {
			return e.finish(HaltDegraded, nil, cancelRun, completions, inflight)
		}

		// Idle wait: the loop wakes on completion, worker release, retry
		// deadline, external nudge, or abort. Never polls. A backoff
		// deadline already in the past was handled by this iteration's
		// dispatch, so only future deadlines arm the timer.
		var timerC <-chan time.Time
		var timer *time.Timer
		pauseTimer := false
		if at, ok := e.graph.NextRetryAt(); ok && at.After(time.Now()) {
			timer = time.NewTimer(time.Until(at))
			timerC = timer.C
		} else if budgetPaused && e.pauseTimeout > 0 {
			timer = time.NewTimer(e.pauseTimeout)
			timerC = timer.C
			pauseTimer = true
		}

		select {
		case <-runCtx.Done():
			stopTimer(timer)
			reason := HaltAborted
			if budgetPaused {
				reason = HaltBudgetExhausted
			}
			return e.finish(reason, nil, cancelRun, completions, inflight)

		case <-e.stop:
			stopTimer(timer)
			reason := HaltAborted
			if budgetPaused {
				reason = HaltBudgetExhausted
			}
			return e.finish(reason, nil, cancelRun, completions, inflight)

		case o := <-completions:
			stopTimer(timer)
			inflight--
			if err := e.applyOutcome(o); err != nil {
				return e.finish(HaltCorrupted, err, cancelRun, completions, inflight)
			}
			if e.governor.Exhausted() && invokeCtx.Err() == nil {
				debugLog("[engine %s] budget ceiling reached, cancelling in-flight invocations", e.topology)
				cancelInvokes()
			}

		case <-e.pool.ReleaseEvents():
			stopTimer(timer)

		case <-e.wake:
			stopTimer(timer)

		case <-timerC:
			if pauseTimer && !e.canDispatchUnderBudget() {
				return e.finish(HaltBudgetExhausted, nil, cancelRun, completions, inflight)
			}
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// dispatchReady dispatches as many ready tasks as the budget and the pools
// allow. A budget denial stops dispatch for the whole iteration; a missing
// idle worker only skips that task.
func (e *Engine) dispatchReady(ctx, invokeCtx context.Context, completions chan<- attemptOutcome, inflight *int) (dispatched int, budgetBlocked bool) {
	for _, id := range e.graph.ReadyTasks(time.Now()) {
		task := e.graph.Task(id)
		if task == nil {
			continue
		}

		if !e.governor.CanSpend(e.estimateFor(task)) {
			debugLog("[engine %s] budget denied dispatch of %s, halting dispatch this iteration", e.topology, id)
			return dispatched, true
		}

		w, ok := e.pool.Acquire(task.Role)
		if !ok {
			continue
		}

		if err := e.graph.MarkDispatched(id); err != nil {
			e.pool.Release(w)
			debugLog("[engine %s] cannot dispatch %s: %v", e.topology, id, err)
			continue
		}

		e.emit(Event{
			Type:      EventTaskDispatched,
			TaskID:    id,
			TaskTitle: task.Title,
			WorkerID:  w.ID,
			Attempt:   task.Attempts,
		})
		debugLog("[engine %s] dispatched %s to worker %s (attempt %d)", e.topology, id, w.ID, task.Attempts)

		*inflight++
		reuse := e.compositionRetry[id]
		go func(task *models.Task, w *models.Worker, reuse *models.ChangeSet) {
			completions <- e.runAttempt(ctx, invokeCtx, task, w, reuse)
		}(task, w, reuse)
		dispatched++
	}
	return dispatched, false
}

// estimateFor returns the budget-gate estimate for one dispatch.
func (e *Engine) estimateFor(task *models.Task) float64 {
	if e.estimate != nil {
		return e.estimate(task)
	}
	return DefaultCostEstimate
}

// canDispatchUnderBudget reports whether any ready task would pass the
// budget gate right now.
func (e *Engine) canDispatchUnderBudget() bool {
	for _, id := range e.graph.ReadyTasks(time.Now()) {
		if task := e.graph.Task(id); task != nil && e.governor.CanSpend(e.estimateFor(task)) {
			return true
		}
	}
	return false
}

// stalledOnRoles reports whether every currently ready task requires a role
// that is degraded or has no workers at all. With nothing in flight and no
// retry pending, such a topology can make no further progress.
func (e *Engine) stalledOnRoles() bool {
	if at, ok := e.graph.NextRetryAt(); ok && at.After(time.Now()) {
		return false
	}
	ready := e.graph.ReadyTasks(time.Now())
	if len(ready) == 0 {
		return false
	}

	sizes := make(map[models.Role]int)
	for _, occ := range e.pool.Occupancies() {
		sizes[occ.Role] = occ.Size
	}
	for _, id := range ready {
		task := e.graph.Task(id)
		if task == nil {
			continue
		}
		if !e.pool.Degraded(task.Role) && sizes[task.Role] > 0 {
			return false
		}
	}
	return true
}

// runAttempt executes one full attempt: open branch, invoke the worker,
// validate, merge. It runs on its own goroutine, releases the worker when
// done, and reports the outcome over the completions channel. All graph
// mutation apart from the validating transition happens back on the loop.
//
// invokeCtx bounds only the collaborator invocation; the rest of the
// attempt runs under ctx. A non-nil reuse change-set skips the invocation
// entirely and revalidates the prior output against the fresh base.
func (e *Engine) runAttempt(ctx, invokeCtx context.Context, task *models.Task, w *models.Worker, reuse *models.ChangeSet) attemptOutcome {
	defer e.pool.Release(w)

	result := &models.TaskResult{WorkerID: w.ID}

	branch, err := e.store.OpenBranch(task.ID)
	if err != nil {
		if errors.Is(err, workspace.ErrCorrupt) {
			return attemptOutcome{taskID: task.ID, result: result, kind: outcomeFatal, err: err}
		}
		result.Reason = fmt.Sprintf("open branch: %v", err)
		return attemptOutcome{taskID: task.ID, result: result, kind: outcomeRejected}
	}
	result.Branch = branch.Name

	var cs *models.ChangeSet
	if reuse != nil {
		debugLog("[engine %s] reusing change-set for %s against rebased trunk", e.topology, task.ID)
		cs = reuse
	} else {
		if e.invokeTimeout > 0 {
			var cancel context.CancelFunc
			invokeCtx, cancel = context.WithTimeout(invokeCtx, e.invokeTimeout)
			defer cancel()
		}

		var cost float64
		cs, cost, err = e.pool.Invoke(invokeCtx, w, task, branch.Base)
		result.Cost += cost
		if err != nil {
			e.store.Discard(branch)
			result.Reason = fmt.Sprintf("collaborator: %v", err)
			return attemptOutcome{taskID: task.ID, result: result, kind: outcomeRejected}
		}
	}
	cs.TaskID = task.ID
	cs.BaseRef = branch.Base.Ref

	if err := e.store.Stage(branch, cs); err != nil {
		e.store.Discard(branch)
		result.Reason = fmt.Sprintf("stage: %v", err)
		return attemptOutcome{taskID: task.ID, result: result, kind: outcomeRejected}
	}

	if err := e.graph.MarkValidating(task.ID); err != nil {
		debugLog("[engine %s] mark validating %s: %v", e.topology, task.ID, err)
	}
	e.emit(Event{Type: EventTaskValidating, TaskID: task.ID, TaskTitle: task.Title, WorkerID: w.ID, Branch: branch.Name})

	vres := e.pipeline.Validate(ctx, cs, branch.Base, e.store.TrunkSnapshot())
	if !vres.Accepted() {
		e.store.Discard(branch)
		result.Reason = vres.Reason()
		result.CompositionFailure = vres.Composition
		out := attemptOutcome{taskID: task.ID, result: result, kind: outcomeRejected}
		if vres.Composition {
			out.cs = cs
		}
		return out
	}

	// Merge, retrying lost races to trunk on a fresh branch. A conflict is
	// an infrastructure race, not a worker defect, so these retries do not
	// count against the task's attempt budget and reuse the change-set.
	for retries := 0; ; retries++ {
		err := e.store.Merge(branch)
		if err == nil {
			result.Accepted = true
			result.Branch = branch.Name
			return attemptOutcome{taskID: task.ID, result: result, kind: outcomeAccepted}
		}
		if errors.Is(err, workspace.ErrCorrupt) {
			return attemptOutcome{taskID: task.ID, result: result, kind: outcomeFatal, err: err}
		}
		if !errors.Is(err, workspace.ErrConflict) || retries >= e.maxConflictRetries {
			e.store.Discard(branch)
			result.Reason = fmt.Sprintf("merge: %v", err)
			return attemptOutcome{taskID: task.ID, result: result, kind: outcomeRejected}
		}

		e.emit(Event{
			Type:    EventMergeConflict,
			TaskID:  task.ID,
			Branch:  branch.Name,
			Message: "trunk advanced under the branch, rebasing onto new trunk",
		})
		debugLog("[engine %s] merge conflict on %s (branch %s), rebasing", e.topology, task.ID, branch.Name)

		e.store.Discard(branch)
		branch, err = e.store.OpenBranch(task.ID)
		if err != nil {
			if errors.Is(err, workspace.ErrCorrupt) {
				return attemptOutcome{taskID: task.ID, result: result, kind: outcomeFatal, err: err}
			}
			result.Reason = fmt.Sprintf("reopen branch after conflict: %v", err)
			return attemptOutcome{taskID: task.ID, result: result, kind: outcomeRejected}
		}
		result.Branch = branch.Name
		cs.BaseRef = branch.Base.Ref
		if err := e.store.Stage(branch, cs); err != nil {
			e.store.Discard(branch)
			result.Reason = fmt.Sprintf("stage after conflict: %v", err)
			return attemptOutcome{taskID: task.ID, result: result, kind: outcomeRejected}
		}

		// Re-validate against the advanced trunk before merging again.
		vres = e.pipeline.Validate(ctx, cs, branch.Base, e.store.TrunkSnapshot())
		if !vres.Accepted() {
			e.store.Discard(branch)
			result.Reason = vres.Reason()
			result.CompositionFailure = vres.Composition
			out := attemptOutcome{taskID: task.ID, result: result, kind: outcomeRejected}
			if vres.Composition {
				out.cs = cs
			}
			return out
		}
	}
}

// applyOutcome commits the attempt's cost and advances the task state
// machine. Runs on the loop goroutine. A fatal outcome returns an error
// that halts the topology.
func (e *Engine) applyOutcome(o attemptOutcome) error {
	e.governor.Commit(o.taskID, o.result.Cost)
	task := e.graph.Task(o.taskID)
	if task == nil {
		return nil
	}

	switch o.kind {
	case outcomeAccepted:
		delete(e.compositionRetry, o.taskID)
		if err := e.graph.MarkCompleted(o.taskID, o.result); err != nil {
			debugLog("[engine %s] mark completed %s: %v", e.topology, o.taskID, err)
		}
		e.emit(Event{
			Type:      EventTaskCompleted,
			TaskID:    o.taskID,
			TaskTitle: task.Title,
			WorkerID:  o.result.WorkerID,
			Branch:    o.result.Branch,
			Cost:      o.result.Cost,
			Spent:     e.governor.Spent(),
		})
		debugLog("[engine %s] task %s completed (cost %.4f)", e.topology, o.taskID, o.result.Cost)

	case outcomeRejected:
		// A composition rejection keeps its change-set so the retry is the
		// same work revalidated against a rebased snapshot. Any other
		// rejection means the output itself was bad, so the retry regenerates.
		if o.result.CompositionFailure && o.cs != nil && task.Attempts < task.MaxAttempts {
			e.compositionRetry[o.taskID] = o.cs
		} else {
			delete(e.compositionRetry, o.taskID)
		}
		if task.Attempts < task.MaxAttempts {
			delay := e.backoff.Delay(task.Attempts)
			if err := e.graph.MarkFailed(o.taskID, o.result, true, time.Now().Add(delay)); err != nil {
				debugLog("[engine %s] mark failed %s: %v", e.topology, o.taskID, err)
			}
			e.emit(Event{
				Type:      EventTaskRejected,
				TaskID:    o.taskID,
				TaskTitle: task.Title,
				Attempt:   task.Attempts,
				Cost:      o.result.Cost,
				Spent:     e.governor.Spent(),
				Message:   fmt.Sprintf("%s, retry in %s", o.result.Reason, delay),
			})
			debugLog("[engine %s] task %s rejected (attempt %d/%d): %s", e.topology, o.taskID, task.Attempts, task.MaxAttempts, o.result.Reason)
		} else {
			if err := e.graph.MarkFailed(o.taskID, o.result, false, time.Time{}); err != nil {
				debugLog("[engine %s] mark failed %s: %v", e.topology, o.taskID, err)
			}
			e.emit(Event{
				Type:      EventTaskFailed,
				TaskID:    o.taskID,
				TaskTitle: task.Title,
				Attempt:   task.Attempts,
				Cost:      o.result.Cost,
				Spent:     e.governor.Spent(),
				Message:   fmt.Sprintf("terminal after %d attempts: %s", task.Attempts, o.result.Reason),
			})
			debugLog("[engine %s] task %s failed terminally after %d attempts", e.topology, o.taskID, task.Attempts)
		}

	case outcomeFatal:
		delete(e.compositionRetry, o.taskID)
		if err := e.graph.MarkFailed(o.taskID, o.result, false, time.Time{}); err != nil {
			debugLog("[engine %s] mark failed %s: %v", e.topology, o.taskID, err)
		}
		return fmt.Errorf("topology %s halted: %w", e.topology, o.err)
	}
	return nil
}

// finish cancels the run context, which takes every in-flight invocation
// down with it, drains their outcomes so every cost is committed and no task
// is left mid-flight, and records the halt reason.
func (e *Engine) finish(reason HaltReason, err error, cancelRun context.CancelFunc, completions <-chan attemptOutcome, inflight int) (HaltReason, error) {
	cancelRun()

	for inflight > 0 {
		o := <-completions
		inflight--
		if applyErr := e.applyOutcome(o); applyErr != nil && err == nil {
			reason = HaltCorrupted
			err = applyErr
		}
	}

	e.mu.Lock()
	e.halted = reason
	e.mu.Unlock()

	e.emit(Event{
		Type:    EventTopologyDone,
		Message: string(reason),
		Err:     err,
		Spent:   e.governor.Spent(),
	})
	debugLog("[engine %s] loop exited: %s", e.topology, reason)
	return reason, err
}

// emit sends an event stamped with this engine's topology.
func (e *Engine) emit(event Event) {
	if e.emitter == nil {
		return
	}
	event.Topology = e.topology
	e.emitter.Emit(event)
}
