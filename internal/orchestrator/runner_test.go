package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/muster-dev/muster/internal/budget"
	"github.com/muster-dev/muster/internal/graph"
	"github.com/muster-dev/muster/internal/validation"
	"github.com/muster-dev/muster/internal/worker"
	"github.com/muster-dev/muster/internal/workspace"
	"github.com/muster-dev/muster/pkg/models"
)

func newRunnerEngine(t *testing.T, topology string, tasks []*models.Task, sizes map[models.Role]int, governor *budget.Governor, emitter *EventEmitter) *Engine {
	t.Helper()

	g, err := graph.Build(topology, tasks)
	if err != nil {
		t.Fatalf("graph build failed: %v", err)
	}
	pool := worker.NewPool(sizes, writeCollab(0.5))
	pipeline := validation.NewPipeline(passChecker(), passChecker())

	e := NewEngine(g, pool, workspace.NewMemStore(nil), pipeline, governor, emitter)
	e.SetBackoff(testBackoff())
	return e
}

func TestRunnerDualTopology(t *testing.T) {
	governor := budget.NewGovernor(0)
	emitter := NewEventEmitter(256)

	kernel := newRunnerEngine(t, "kernel", []*models.Task{
		{ID: "k1", Role: models.RoleDeveloper, MaxAttempts: 3},
		{ID: "k2", Role: models.RoleDeveloper, MaxAttempts: 3, DependsOn: []string{"k1"}},
	}, map[models.Role]int{models.RoleDeveloper: 1}, governor, emitter)

	training := newRunnerEngine(t, "training", []*models.Task{
		{ID: "t1", Role: models.RoleTraining, MaxAttempts: 3},
	}, map[models.Role]int{models.RoleTraining: 1}, governor, emitter)

	r := NewRunner([]*Engine{kernel, training}, governor, emitter)

	// Drain events so emission never stalls.
	go func() {
		for range r.Events() {
		}
	}()

	summary := r.Run(context.Background())

	if len(summary.Results) != 2 {
		t.Fatalf("result count = %d", len(summary.Results))
	}
	for _, res := range summary.Results {
		if res.Halt != HaltCompleted {
			t.Errorf("topology %s halt = %s", res.Topology, res.Halt)
		}
		if !res.Complete() {
			t.Errorf("topology %s incomplete: %v", res.Topology, res.Counts)
		}
	}
	if summary.Results[0].Topology != "kernel" || summary.Results[1].Topology != "training" {
		t.Errorf("topology order = %s, %s", summary.Results[0].Topology, summary.Results[1].Topology)
	}

	// Both topologies committed to the one shared ledger.
	if summary.Spent != 1.5 {
		t.Errorf("spent = %v, want 1.5 (three tasks at 0.5)", summary.Spent)
	}
}

func TestRunnerBudgetWarningEvent(t *testing.T) {
	governor := budget.NewGovernor(1.0)
	emitter := NewEventEmitter(256)

	e := newRunnerEngine(t, "kernel", []*models.Task{
		{ID: "k1", Role: models.RoleDeveloper, MaxAttempts: 3},
		{ID: "k2", Role: models.RoleDeveloper, MaxAttempts: 3, DependsOn: []string{"k1"}},
	}, map[models.Role]int{models.RoleDeveloper: 1}, governor, emitter)
	e.SetEstimator(func(task *models.Task) float64 { return 0.4 })

	r := NewRunner([]*Engine{e}, governor, emitter)

	warned := make(chan struct{}, 1)
	go func() {
		for ev := range r.Events() {
			if ev.Type == EventBudgetWarning {
				select {
				case warned <- struct{}{}:
				default:
				}
			}
		}
	}()

	summary := r.Run(context.Background())

	// Two commits of 0.5 cross the 0.8 warn threshold of ceiling 1.0.
	select {
	case <-warned:
	case <-time.After(time.Second):
		t.Fatal("no budget warning event")
	}
	if summary.Results[0].Halt != HaltCompleted {
		t.Errorf("halt = %s", summary.Results[0].Halt)
	}
}

func TestRunnerAbort(t *testing.T) {
	governor := budget.NewGovernor(0)
	emitter := NewEventEmitter(256)

	g, err := graph.Build("kernel", []*models.Task{{ID: "k1", Role: models.RoleDeveloper, MaxAttempts: 3}})
	if err != nil {
		t.Fatal(err)
	}
	blocking := worker.CollaboratorFunc(func(ctx context.Context, task *models.Task, snapshot workspace.Snapshot) (*models.ChangeSet, float64, error) {
		<-ctx.Done()
		return nil, 0, ctx.Err()
	})
	pool := worker.NewPool(map[models.Role]int{models.RoleDeveloper: 1}, blocking)
	e := NewEngine(g, pool, workspace.NewMemStore(nil), validation.NewPipeline(passChecker(), passChecker()), governor, emitter)
	e.SetBackoff(testBackoff())

	r := NewRunner([]*Engine{e}, governor, emitter)

	go func() {
		for ev := range r.Events() {
			if ev.Type == EventTaskDispatched {
				r.Abort()
			}
		}
	}()

	done := make(chan Summary, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case summary := <-done:
		if summary.Results[0].Halt != HaltAborted {
			t.Errorf("halt = %s, want %s", summary.Results[0].Halt, HaltAborted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop on abort")
	}
}
