package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/muster-dev/muster/internal/budget"
	"github.com/muster-dev/muster/internal/graph"
	"github.com/muster-dev/muster/internal/validation"
	"github.com/muster-dev/muster/internal/worker"
	"github.com/muster-dev/muster/internal/workspace"
	"github.com/muster-dev/muster/pkg/models"
)

func passChecker() validation.Checker {
	return validation.CheckerFunc(func(ctx context.Context, cs *models.ChangeSet, baseline workspace.Snapshot) (bool, string) {
		return true, "ok"
	})
}

func failChecker() validation.Checker {
	return validation.CheckerFunc(func(ctx context.Context, cs *models.ChangeSet, baseline workspace.Snapshot) (bool, string) {
		return false, "tests failed"
	})
}

// writeCollab produces one file named after the task, at a fixed cost.
func writeCollab(cost float64) worker.Collaborator {
	return worker.CollaboratorFunc(func(ctx context.Context, task *models.Task, snapshot workspace.Snapshot) (*models.ChangeSet, float64, error) {
		return &models.ChangeSet{
			Changes: []models.FileChange{{Path: task.ID + ".txt", Content: "done"}},
		}, cost, nil
	})
}

func testBackoff() Backoff {
	return Backoff{Base: time.Millisecond, Cap: 10 * time.Millisecond}
}

func newTestEngine(t *testing.T, tasks []*models.Task, sizes map[models.Role]int, collab worker.Collaborator, tester validation.Checker, ceiling float64) (*Engine, *workspace.MemStore, *EventEmitter) {
	t.Helper()

	g, err := graph.Build("kernel", tasks)
	if err != nil {
		t.Fatalf("graph build failed: %v", err)
	}
	store := workspace.NewMemStore(nil)
	pool := worker.NewPool(sizes, collab)
	pipeline := validation.NewPipeline(passChecker(), tester)
	emitter := NewEventEmitter(256)

	e := NewEngine(g, pool, store, pipeline, budget.NewGovernor(ceiling), emitter)
	e.SetBackoff(testBackoff())
	return e, store, emitter
}

func drainEvents(emitter *EventEmitter) []Event {
	var out []Event
	for {
		select {
		case ev := <-emitter.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventIndex(events []Event, typ EventType, taskID string) int {
	for i, ev := range events {
		if ev.Type == typ && ev.TaskID == taskID {
			return i
		}
	}
	return -1
}

func TestRunCompletesDependencyOrder(t *testing.T) {
	tasks := []*models.Task{
		{ID: "A", Role: models.RoleDeveloper, MaxAttempts: 3},
		{ID: "B", Role: models.RoleDeveloper, MaxAttempts: 3},
		{ID: "C", Role: models.RoleArchitect, MaxAttempts: 3, DependsOn: []string{"A", "B"}},
	}
	sizes := map[models.Role]int{models.RoleDeveloper: 1, models.RoleArchitect: 1}
	e, store, emitter := newTestEngine(t, tasks, sizes, writeCollab(0.1), passChecker(), 0)

	halt, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if halt != HaltCompleted {
		t.Fatalf("halt = %s, want %s", halt, HaltCompleted)
	}

	for _, id := range []string{"A", "B", "C"} {
		if got := e.Graph().Task(id).Status; got != models.TaskStatusCompleted {
			t.Errorf("task %s status = %s, want completed", id, got)
		}
	}

	// C was dispatched only after both A and B completed.
	events := drainEvents(emitter)
	dispatchC := eventIndex(events, EventTaskDispatched, "C")
	if dispatchC < 0 {
		t.Fatal("no dispatch event for C")
	}
	for _, id := range []string{"A", "B"} {
		done := eventIndex(events, EventTaskCompleted, id)
		if done < 0 || done > dispatchC {
			t.Errorf("task %s completed at event %d, after C's dispatch at %d", id, done, dispatchC)
		}
	}

	// Three merges: trunk advanced three revisions, no branch left open.
	if ref := store.TrunkRef(); ref != "trunk@3" {
		t.Errorf("trunk ref = %s, want trunk@3", ref)
	}
	if n := store.OpenBranchCount(); n != 0 {
		t.Errorf("open branches after run = %d", n)
	}
}

func TestRunTerminalFailureBlocksDependents(t *testing.T) {
	tasks := []*models.Task{
		{ID: "D", Role: models.RoleDeveloper, MaxAttempts: 2},
		{ID: "E", Role: models.RoleDeveloper, MaxAttempts: 2, DependsOn: []string{"D"}},
	}
	sizes := map[models.Role]int{models.RoleDeveloper: 1}
	e, store, _ := newTestEngine(t, tasks, sizes, writeCollab(0.1), failChecker(), 0)

	halt, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if halt != HaltCompleted {
		t.Fatalf("halt = %s, want %s", halt, HaltCompleted)
	}

	d := e.Graph().Task("D")
	if d.Status != models.TaskStatusFailedTerminal {
		t.Errorf("D status = %s, want failed_terminal", d.Status)
	}
	if d.Attempts != 2 {
		t.Errorf("D attempts = %d, want exactly 2", d.Attempts)
	}
	if got := e.Graph().Task("E").Status; got != models.TaskStatusBlockedByAncestor {
		t.Errorf("E status = %s, want blocked_by_ancestor_failure", got)
	}

	// Every rejected branch was discarded, trunk never advanced.
	if ref := store.TrunkRef(); ref != "trunk@0" {
		t.Errorf("trunk ref = %s, want trunk@0", ref)
	}
	if n := store.OpenBranchCount(); n != 0 {
		t.Errorf("open branches after run = %d", n)
	}
}

func TestRunCompositionFailureRetriesRebased(t *testing.T) {
	// The tester is called twice per validation: isolated then integration.
	// First attempt: isolated passes, integration fails (composition).
	// Second attempt: both pass.
	var calls atomic.Int32
	tester := validation.CheckerFunc(func(ctx context.Context, cs *models.ChangeSet, baseline workspace.Snapshot) (bool, string) {
		n := calls.Add(1)
		if n == 2 {
			return false, "integration broke"
		}
		return true, "ok"
	})

	var invocations atomic.Int32
	collab := worker.CollaboratorFunc(func(ctx context.Context, task *models.Task, snapshot workspace.Snapshot) (*models.ChangeSet, float64, error) {
		invocations.Add(1)
		return &models.ChangeSet{
			Changes: []models.FileChange{{Path: task.ID + ".txt", Content: "done"}},
		}, 0.1, nil
	})

	tasks := []*models.Task{{ID: "E", Role: models.RoleDeveloper, MaxAttempts: 3}}
	sizes := map[models.Role]int{models.RoleDeveloper: 1}
	e, store, emitter := newTestEngine(t, tasks, sizes, collab, tester, 0)

	halt, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if halt != HaltCompleted {
		t.Fatalf("halt = %s", halt)
	}

	task := e.Graph().Task("E")
	if task.Status != models.TaskStatusCompleted {
		t.Fatalf("E status = %s, want completed", task.Status)
	}
	if task.Attempts != 2 {
		t.Errorf("E attempts = %d, want 2 (one composition rejection, one accept)", task.Attempts)
	}

	// The rejection was surfaced as a composition failure and no merge
	// happened for the rejected attempt: only one trunk advance total.
	events := drainEvents(emitter)
	idx := eventIndex(events, EventTaskRejected, "E")
	if idx < 0 {
		t.Fatal("no rejection event for E")
	}
	if !strings.Contains(events[idx].Message, "composition") {
		t.Errorf("rejection message = %q, want composition failure", events[idx].Message)
	}
	if ref := store.TrunkRef(); ref != "trunk@1" {
		t.Errorf("trunk ref = %s, want trunk@1", ref)
	}

	// The retry revalidated the original change-set against the rebased
	// snapshot instead of asking the collaborator for a new one.
	if n := invocations.Load(); n != 1 {
		t.Errorf("collaborator invoked %d times, want 1", n)
	}
}

// conflictOnceStore injects one synthetic merge conflict, then delegates.
type conflictOnceStore struct {
	*workspace.MemStore
	mu    sync.Mutex
	fired bool
}

func (s *conflictOnceStore) Merge(branch *workspace.Branch) error {
	s.mu.Lock()
	if !s.fired {
		s.fired = true
		s.mu.Unlock()
		return fmt.Errorf("trunk moved: %w", workspace.ErrConflict)
	}
	s.mu.Unlock()
	return s.MemStore.Merge(branch)
}

func TestRunMergeConflictRetriedWithoutAttemptCharge(t *testing.T) {
	tasks := []*models.Task{{ID: "A", Role: models.RoleDeveloper, MaxAttempts: 1}}
	g, err := graph.Build("kernel", tasks)
	if err != nil {
		t.Fatal(err)
	}
	store := &conflictOnceStore{MemStore: workspace.NewMemStore(nil)}
	pool := worker.NewPool(map[models.Role]int{models.RoleDeveloper: 1}, writeCollab(0.1))
	pipeline := validation.NewPipeline(passChecker(), passChecker())
	emitter := NewEventEmitter(256)

	e := NewEngine(g, pool, store, pipeline, budget.NewGovernor(0), emitter)
	e.SetBackoff(testBackoff())

	halt, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if halt != HaltCompleted {
		t.Fatalf("halt = %s", halt)
	}

	task := g.Task("A")
	if task.Status != models.TaskStatusCompleted {
		t.Fatalf("A status = %s, want completed despite the conflict", task.Status)
	}
	// The conflict retry reused the change-set on a fresh branch and did
	// not count against maxAttempts=1.
	if task.Attempts != 1 {
		t.Errorf("A attempts = %d, want 1", task.Attempts)
	}
	if idx := eventIndex(drainEvents(emitter), EventMergeConflict, "A"); idx < 0 {
		t.Error("no merge conflict event emitted")
	}
}

func TestRunBudgetPauseAndResume(t *testing.T) {
	tasks := []*models.Task{
		{ID: "A", Role: models.RoleDeveloper, MaxAttempts: 3},
		{ID: "B", Role: models.RoleDeveloper, MaxAttempts: 3},
	}
	g, err := graph.Build("kernel", tasks)
	if err != nil {
		t.Fatal(err)
	}
	store := workspace.NewMemStore(nil)
	pool := worker.NewPool(map[models.Role]int{models.RoleDeveloper: 1}, writeCollab(1.0))
	pipeline := validation.NewPipeline(passChecker(), passChecker())
	emitter := NewEventEmitter(256)
	governor := budget.NewGovernor(1.0)

	e := NewEngine(g, pool, store, pipeline, governor, emitter)
	e.SetBackoff(testBackoff())

	done := make(chan HaltReason, 1)
	go func() {
		halt, _ := e.Run(context.Background())
		done <- halt
	}()

	// Wait for the pause: A's commit exhausts the ceiling before B.
	deadline := time.After(5 * time.Second)
	paused := false
	for !paused {
		select {
		case ev := <-emitter.Events():
			if ev.Type == EventBudgetPaused {
				paused = true
			}
		case <-deadline:
			t.Fatal("engine never paused on budget")
		}
	}

	// Raising the ceiling resumes the run.
	governor.SetCeiling(3.0)
	e.Nudge()

	select {
	case halt := <-done:
		if halt != HaltCompleted {
			t.Fatalf("halt = %s, want %s after ceiling raise", halt, HaltCompleted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not resume after ceiling raise")
	}

	for _, id := range []string{"A", "B"} {
		if got := g.Task(id).Status; got != models.TaskStatusCompleted {
			t.Errorf("task %s status = %s, want completed", id, got)
		}
	}
	if spent := governor.Spent(); spent != 2.0 {
		t.Errorf("spent = %v, want 2.0", spent)
	}
}

func TestRunBudgetExhaustionCancelsInFlight(t *testing.T) {
	// A commits the whole ceiling while B's invocation is still running.
	// Reaching the ceiling must cancel B's context promptly, not let the
	// invocation run to its natural end.
	cancelled := make(chan struct{})
	var bCalls atomic.Int32
	collab := worker.CollaboratorFunc(func(ctx context.Context, task *models.Task, snapshot workspace.Snapshot) (*models.ChangeSet, float64, error) {
		if task.ID == "B" && bCalls.Add(1) == 1 {
			<-ctx.Done()
			close(cancelled)
			return nil, 0, ctx.Err()
		}
		return &models.ChangeSet{
			Changes: []models.FileChange{{Path: task.ID + ".txt", Content: "done"}},
		}, 1.0, nil
	})

	tasks := []*models.Task{
		{ID: "A", Role: models.RoleDeveloper, MaxAttempts: 3},
		{ID: "B", Role: models.RoleDeveloper, MaxAttempts: 3},
	}
	g, err := graph.Build("kernel", tasks)
	if err != nil {
		t.Fatal(err)
	}
	store := workspace.NewMemStore(nil)
	pool := worker.NewPool(map[models.Role]int{models.RoleDeveloper: 2}, collab)
	pipeline := validation.NewPipeline(passChecker(), passChecker())
	emitter := NewEventEmitter(256)
	governor := budget.NewGovernor(1.0)

	e := NewEngine(g, pool, store, pipeline, governor, emitter)
	e.SetBackoff(testBackoff())

	done := make(chan HaltReason, 1)
	go func() {
		halt, _ := e.Run(context.Background())
		done <- halt
	}()

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight invocation was not cancelled when the ceiling was reached")
	}

	// The run pauses on the ceiling; raising it lets B retry and finish.
	deadline := time.After(5 * time.Second)
	for paused := false; !paused; {
		select {
		case ev := <-emitter.Events():
			if ev.Type == EventBudgetPaused {
				paused = true
			}
		case <-deadline:
			t.Fatal("engine never paused on budget")
		}
	}
	governor.SetCeiling(3.0)
	e.Nudge()

	select {
	case halt := <-done:
		if halt != HaltCompleted {
			t.Fatalf("halt = %s, want %s after ceiling raise", halt, HaltCompleted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not resume after ceiling raise")
	}

	for _, id := range []string{"A", "B"} {
		if got := g.Task(id).Status; got != models.TaskStatusCompleted {
			t.Errorf("task %s status = %s, want completed", id, got)
		}
	}
	// B's retry got a fresh, uncancelled invocation context.
	if n := bCalls.Load(); n != 2 {
		t.Errorf("B invoked %d times, want 2", n)
	}
}

func TestRunAbortCancelsInFlight(t *testing.T) {
	blocking := worker.CollaboratorFunc(func(ctx context.Context, task *models.Task, snapshot workspace.Snapshot) (*models.ChangeSet, float64, error) {
		<-ctx.Done()
		return nil, 0, ctx.Err()
	})

	tasks := []*models.Task{{ID: "A", Role: models.RoleDeveloper, MaxAttempts: 3}}
	sizes := map[models.Role]int{models.RoleDeveloper: 1}
	e, store, emitter := newTestEngine(t, tasks, sizes, blocking, passChecker(), 0)

	done := make(chan HaltReason, 1)
	go func() {
		halt, _ := e.Run(context.Background())
		done <- halt
	}()

	// Abort once the task is in flight.
	deadline := time.After(5 * time.Second)
	for dispatched := false; !dispatched; {
		select {
		case ev := <-emitter.Events():
			if ev.Type == EventTaskDispatched {
				dispatched = true
			}
		case <-deadline:
			t.Fatal("task never dispatched")
		}
	}
	e.Abort()

	select {
	case halt := <-done:
		if halt != HaltAborted {
			t.Fatalf("halt = %s, want %s", halt, HaltAborted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not stop the run")
	}

	// The cancelled attempt was drained: branch discarded, no stuck
	// dispatched state.
	if n := store.OpenBranchCount(); n != 0 {
		t.Errorf("open branches after abort = %d", n)
	}
	if got := e.Graph().Task("A").Status; got != models.TaskStatusFailedRetryable {
		t.Errorf("A status = %s, want failed_retryable after cancelled attempt", got)
	}
}

func TestRunHaltsWhenOnlyRoleDegrades(t *testing.T) {
	failing := worker.CollaboratorFunc(func(ctx context.Context, task *models.Task, snapshot workspace.Snapshot) (*models.ChangeSet, float64, error) {
		return nil, 0.1, errors.New("model unavailable")
	})

	tasks := []*models.Task{{ID: "A", Role: models.RoleDeveloper, MaxAttempts: 10}}
	sizes := map[models.Role]int{models.RoleDeveloper: 1}
	e, _, _ := newTestEngine(t, tasks, sizes, failing, passChecker(), 0)

	done := make(chan HaltReason, 1)
	go func() {
		halt, _ := e.Run(context.Background())
		done <- halt
	}()

	select {
	case halt := <-done:
		if halt != HaltDegraded {
			t.Fatalf("halt = %s, want %s", halt, HaltDegraded)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not halt after role degraded")
	}

	// Three consecutive collaborator errors degrade the role; the task is
	// left retryable, not terminally failed.
	task := e.Graph().Task("A")
	if task.Attempts != worker.DegradeThreshold {
		t.Errorf("A attempts = %d, want %d", task.Attempts, worker.DegradeThreshold)
	}
	if task.Status != models.TaskStatusFailedRetryable {
		t.Errorf("A status = %s, want failed_retryable", task.Status)
	}
}
