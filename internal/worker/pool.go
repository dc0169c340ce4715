package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muster-dev/muster/internal/workspace"
	"github.com/muster-dev/muster/pkg/models"
)

// DegradeThreshold is the number of consecutive collaborator errors on one
// role after which the pool stops handing out that role's workers.
const DegradeThreshold = 3

// Occupancy describes one role's pool for status reporting.
type Occupancy struct {
	// Role is the capability class.
	Role models.Role
	// Size is the fixed pool size.
	Size int
	// Busy is the number of workers currently executing tasks.
	Busy int
	// Degraded indicates the role has been taken out of rotation.
	Degraded bool
}

// Pool maintains fixed-size sets of workers per role. Pool sizes are fixed
// at engine start; workers are stateless between tasks apart from identity
// and historical cost.
type Pool struct {
	mu sync.Mutex
	// collab is the single collaborator all workers invoke.
	collab Collaborator
	// idle holds available workers per role.
	idle map[models.Role][]*models.Worker
	// busy tracks checked-out workers by worker ID.
	busy map[string]*models.Worker
	// sizes records the fixed pool size per role.
	sizes map[models.Role]int
	// consecutiveErrs counts collaborator errors per role since the last success.
	consecutiveErrs map[models.Role]int
	// degraded marks roles taken out of rotation.
	degraded map[models.Role]bool
	// onDegraded, if set, is called once when a role degrades.
	onDegraded func(role models.Role)
	// released signals a worker return; the scheduler waits on it instead
	// of polling.
	released chan struct{}
}

// NewPool creates a pool with the given fixed size per role.
func NewPool(sizes map[models.Role]int, collab Collaborator) *Pool {
	p := &Pool{
		collab:          collab,
		idle:            make(map[models.Role][]*models.Worker),
		busy:            make(map[string]*models.Worker),
		sizes:           make(map[models.Role]int, len(sizes)),
		consecutiveErrs: make(map[models.Role]int),
		degraded:        make(map[models.Role]bool),
		released:        make(chan struct{}, 1),
	}
	for role, n := range sizes {
		p.sizes[role] = n
		for i := 0; i < n; i++ {
			p.idle[role] = append(p.idle[role], &models.Worker{
				ID:     fmt.Sprintf("%s-%s", role, uuid.New().String()[:8]),
				Role:   role,
				Status: models.WorkerStatusIdle,
			})
		}
	}
	return p
}

// SetDegradedFunc installs a callback invoked once per role when it
// degrades. Must be set before the pool is shared.
func (p *Pool) SetDegradedFunc(fn func(role models.Role)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDegraded = fn
}

// Acquire checks out an idle worker of the given role. Non-blocking: ok is
// false when no idle worker exists or the role is degraded; the caller
// decides whether to wait.
func (p *Pool) Acquire(role models.Role) (*models.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.degraded[role] {
		return nil, false
	}
	workers := p.idle[role]
	if len(workers) == 0 {
		return nil, false
	}

	w := workers[len(workers)-1]
	p.idle[role] = workers[:len(workers)-1]
	w.Status = models.WorkerStatusBusy
	p.busy[w.ID] = w
	return w, true
}

// Release returns a worker to the idle set and wakes one waiter. Called
// exactly once per Acquire, including when the collaborator failed.
func (p *Pool) Release(w *models.Worker) {
	p.mu.Lock()
	if _, ok := p.busy[w.ID]; !ok {
		p.mu.Unlock()
		log.Printf("[pool] warning: release of worker %s that is not checked out", w.ID)
		return
	}
	delete(p.busy, w.ID)
	w.Status = models.WorkerStatusIdle
	w.TaskID = ""
	p.idle[w.Role] = append(p.idle[w.Role], w)
	p.mu.Unlock()

	select {
	case p.released <- struct{}{}:
	default:
	}
}

// Invoke runs the collaborator for the task on the given worker. This is
// the pool's only suspension point: the call may take arbitrarily long and
// is cancelled through ctx. A collaborator error is a task failure, not a
// pool failure; the worker stays usable. Three consecutive errors on one
// role degrade the role.
func (p *Pool) Invoke(ctx context.Context, w *models.Worker, task *models.Task, snapshot workspace.Snapshot) (*models.ChangeSet, float64, error) {
	p.mu.Lock()
	w.TaskID = task.ID
	w.LastInvokedAt = time.Now()
	p.mu.Unlock()

	cs, cost, err := p.collab.Generate(ctx, task, snapshot)

	p.mu.Lock()
	defer p.mu.Unlock()
	w.CostAccrued += cost

	if err != nil {
		p.consecutiveErrs[w.Role]++
		if p.consecutiveErrs[w.Role] >= DegradeThreshold && !p.degraded[w.Role] {
			p.degraded[w.Role] = true
			log.Printf("[pool] role %s degraded after %d consecutive collaborator errors", w.Role, p.consecutiveErrs[w.Role])
			if p.onDegraded != nil {
				go p.onDegraded(w.Role)
			}
		}
		return nil, cost, fmt.Errorf("collaborator for task %s: %w", task.ID, err)
	}

	p.consecutiveErrs[w.Role] = 0
	return cs, cost, nil
}

// Degraded returns true if the role has been taken out of rotation.
func (p *Pool) Degraded(role models.Role) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded[role]
}

// ReleaseEvents returns a channel that receives a signal whenever a worker
// is released.
func (p *Pool) ReleaseEvents() <-chan struct{} {
	return p.released
}

// Occupancies returns per-role occupancy for status reporting.
func (p *Pool) Occupancies() []Occupancy {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Occupancy
	for role, size := range p.sizes {
		busy := 0
		for _, w := range p.busy {
			if w.Role == role {
				busy++
			}
		}
		out = append(out, Occupancy{
			Role:     role,
			Size:     size,
			Busy:     busy,
			Degraded: p.degraded[role],
		})
	}
	return out
}

// IdleCount returns the number of idle workers for the role.
func (p *Pool) IdleCount(role models.Role) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[role])
}
