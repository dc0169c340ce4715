package graph

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/muster-dev/muster/pkg/models"
)

func makeTask(id string, deps ...string) *models.Task {
	return &models.Task{
		ID:          id,
		Role:        models.RoleDeveloper,
		DependsOn:   deps,
		MaxAttempts: 3,
	}
}

func TestBuildInitialReadySet(t *testing.T) {
	g, err := Build("main", []*models.Task{
		makeTask("a"),
		makeTask("b"),
		makeTask("c", "a", "b"),
		makeTask("d", "c"),
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ready := g.ReadyTasks(time.Now())
	if len(ready) != 2 || ready[0] != "a" || ready[1] != "b" {
		t.Errorf("initial ready set should be [a b] in declaration order, got %v", ready)
	}
}

func TestBuildCycleDetected(t *testing.T) {
	_, err := Build("main", []*models.Task{
		makeTask("a", "c"),
		makeTask("b", "a"),
		makeTask("c", "b"),
	})
	if !errors.Is(err, ErrCycleDetected) {
		t.Errorf("expected ErrCycleDetected, got %v", err)
	}
}

func TestBuildSelfCycle(t *testing.T) {
	_, err := Build("main", []*models.Task{makeTask("a", "a")})
	if !errors.Is(err, ErrCycleDetected) {
		t.Errorf("expected ErrCycleDetected for self-dependency, got %v", err)
	}
}

func TestBuildUnknownDependency(t *testing.T) {
	_, err := Build("main", []*models.Task{makeTask("a", "ghost")})
	if !errors.Is(err, ErrUnknownDependency) {
		t.Errorf("expected ErrUnknownDependency, got %v", err)
	}
}

func TestBuildDuplicateID(t *testing.T) {
	_, err := Build("main", []*models.Task{makeTask("a"), makeTask("a")})
	if err == nil {
		t.Error("expected error for duplicate task id")
	}
}

func TestReadyTasksIdempotent(t *testing.T) {
	g, err := Build("main", []*models.Task{
		makeTask("a"),
		makeTask("b", "a"),
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	now := time.Now()
	first := g.ReadyTasks(now)
	for i := 0; i < 10; i++ {
		again := g.ReadyTasks(now)
		if len(again) != len(first) {
			t.Fatalf("ReadyTasks not idempotent: %v vs %v", first, again)
		}
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("ReadyTasks not idempotent: %v vs %v", first, again)
			}
		}
	}
}

func TestUnlockPropagation(t *testing.T) {
	g, err := Build("main", []*models.Task{
		makeTask("a"),
		makeTask("b"),
		makeTask("c", "a", "b"),
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if err := g.MarkDispatched("a"); err != nil {
		t.Fatalf("MarkDispatched(a) failed: %v", err)
	}
	if err := g.MarkCompleted("a", &models.TaskResult{Accepted: true}); err != nil {
		t.Fatalf("MarkCompleted(a) failed: %v", err)
	}

	// c still has an incomplete dependency.
	for _, id := range g.ReadyTasks(time.Now()) {
		if id == "c" {
			t.Fatal("c became ready with b incomplete")
		}
	}

	if err := g.MarkDispatched("b"); err != nil {
		t.Fatalf("MarkDispatched(b) failed: %v", err)
	}
	if err := g.MarkCompleted("b", &models.TaskResult{Accepted: true}); err != nil {
		t.Fatalf("MarkCompleted(b) failed: %v", err)
	}

	ready := g.ReadyTasks(time.Now())
	if len(ready) != 1 || ready[0] != "c" {
		t.Errorf("expected c ready after both deps completed, got %v", ready)
	}
	if g.Task("c").Status != models.TaskStatusReady {
		t.Errorf("c should be ready, got %s", g.Task("c").Status)
	}
}

func TestUnlockPropagationConcurrentReads(t *testing.T) {
	tasks := []*models.Task{makeTask("root")}
	for _, id := range []string{"d1", "d2", "d3", "d4", "d5"} {
		tasks = append(tasks, makeTask(id, "root"))
	}
	g, err := Build("main", tasks)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if err := g.MarkDispatched("root"); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}

	// Hammer ReadyTasks from several goroutines while completion happens.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					g.ReadyTasks(time.Now())
				}
			}
		}()
	}

	if err := g.MarkCompleted("root", &models.TaskResult{Accepted: true}); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	close(stop)
	wg.Wait()

	// Every dependent must be unlocked exactly once: all five are ready.
	ready := g.ReadyTasks(time.Now())
	if len(ready) != 5 {
		t.Errorf("expected 5 ready dependents, got %v", ready)
	}
}

func TestTerminalFailurePropagation(t *testing.T) {
	g, err := Build("main", []*models.Task{
		makeTask("a"),
		makeTask("b", "a"),
		makeTask("c", "b"),
		makeTask("unrelated"),
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if err := g.MarkDispatched("a"); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}
	if err := g.MarkFailed("a", &models.TaskResult{Reason: "validation failed"}, false, time.Time{}); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	if got := g.Task("a").Status; got != models.TaskStatusFailedTerminal {
		t.Errorf("a should be failed_terminal, got %s", got)
	}
	for _, id := range []string{"b", "c"} {
		task := g.Task(id)
		if task.Status != models.TaskStatusBlockedByAncestor {
			t.Errorf("%s should be blocked_by_ancestor_failure, got %s", id, task.Status)
		}
		if task.BlockedReason == "" {
			t.Errorf("%s should carry a blocked reason", id)
		}
	}
	if got := g.Task("unrelated").Status; got != models.TaskStatusReady {
		t.Errorf("unrelated task should stay ready, got %s", got)
	}

	// Blocked-by-ancestor tasks never appear in the ready set.
	for _, id := range g.ReadyTasks(time.Now()) {
		if id == "b" || id == "c" {
			t.Errorf("task %s should never become ready", id)
		}
	}
}

func TestRetryableFailureBackoff(t *testing.T) {
	g, err := Build("main", []*models.Task{makeTask("a")})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if err := g.MarkDispatched("a"); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}
	notBefore := time.Now().Add(time.Minute)
	if err := g.MarkFailed("a", &models.TaskResult{Reason: "build failed"}, true, notBefore); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	if len(g.ReadyTasks(notBefore.Add(-time.Second))) != 0 {
		t.Error("task should not be ready before its backoff deadline")
	}
	ready := g.ReadyTasks(notBefore)
	if len(ready) != 1 || ready[0] != "a" {
		t.Errorf("task should be ready at its backoff deadline, got %v", ready)
	}

	at, ok := g.NextRetryAt()
	if !ok || !at.Equal(notBefore) {
		t.Errorf("NextRetryAt = %v, %v; want %v, true", at, ok, notBefore)
	}
}

func TestIllegalTransitions(t *testing.T) {
	g, err := Build("main", []*models.Task{
		makeTask("a"),
		makeTask("b", "a"),
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	// Completing a task that was never dispatched.
	var te *TransitionError
	if err := g.MarkCompleted("a", nil); !errors.As(err, &te) {
		t.Errorf("expected TransitionError, got %v", err)
	}

	// Dispatching a task with unmet dependencies.
	if err := g.MarkDispatched("b"); !errors.As(err, &te) {
		t.Errorf("expected TransitionError, got %v", err)
	}

	// Completed is absorbing.
	if err := g.MarkDispatched("a"); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}
	if err := g.MarkCompleted("a", nil); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if err := g.MarkDispatched("a"); !errors.As(err, &te) {
		t.Errorf("re-dispatching a completed task should fail, got %v", err)
	}

	// Unknown task.
	if err := g.MarkDispatched("ghost"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
}

func TestAttemptsIncrementOnDispatch(t *testing.T) {
	g, err := Build("main", []*models.Task{makeTask("a")})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	past := time.Now().Add(-time.Second)
	for i := 1; i <= 2; i++ {
		if err := g.MarkDispatched("a"); err != nil {
			t.Fatalf("MarkDispatched attempt %d failed: %v", i, err)
		}
		if got := g.Task("a").Attempts; got != i {
			t.Errorf("attempts = %d, want %d", got, i)
		}
		if err := g.MarkFailed("a", nil, true, past); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
	}
}

func TestSettledAndCounts(t *testing.T) {
	g, err := Build("main", []*models.Task{
		makeTask("a"),
		makeTask("b", "a"),
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if g.Settled() {
		t.Error("graph should not be settled at start")
	}

	if err := g.MarkDispatched("a"); err != nil {
		t.Fatal(err)
	}
	if err := g.MarkFailed("a", nil, false, time.Time{}); err != nil {
		t.Fatal(err)
	}

	if !g.Settled() {
		t.Error("graph should be settled after terminal failure blocks everything")
	}
	counts := g.StatusCounts()
	if counts[models.TaskStatusFailedTerminal] != 1 || counts[models.TaskStatusBlockedByAncestor] != 1 {
		t.Errorf("unexpected status counts: %v", counts)
	}
}
