// Package budget provides the cost governor that bounds total spend across
// all schedulers sharing it.
package budget

import (
	"log"
	"sync"
	"time"
)

// DefaultWarnThreshold is the fraction of the ceiling at which the governor
// raises its one-time warning.
const DefaultWarnThreshold = 0.80

// Entry is one append-only ledger record of spend attributed to a task.
type Entry struct {
	// TaskID is the task the cost was spent on.
	TaskID string
	// Delta is the cost committed.
	Delta float64
	// At is when the commit happened.
	At time.Time
}

// Governor tracks cumulative cost against a configured ceiling and approves
// or denies further worker invocations. Committed cost is never un-spent:
// rejected work still consumed real resources.
//
// All methods are safe for concurrent callers; in dual-topology mode two
// scheduler loops share one Governor.
type Governor struct {
	mu sync.Mutex
	// ceiling is the maximum total spend. Zero or negative means unlimited.
	ceiling float64
	// spent is the cumulative committed cost.
	spent float64
	// warnThreshold is the fraction of ceiling at which the warning fires.
	warnThreshold float64
	// warned records that the threshold crossing was already reported.
	warned bool
	// entries is the append-only event log of commits.
	entries []Entry
	// onWarn, if set, is called once when the warn threshold is crossed.
	onWarn func(spent, ceiling float64)
}

// NewGovernor creates a Governor with the given ceiling and the default
// warn threshold.
func NewGovernor(ceiling float64) *Governor {
	return &Governor{
		ceiling:       ceiling,
		warnThreshold: DefaultWarnThreshold,
	}
}

// SetWarnFunc installs a callback invoked once when spend crosses the warn
// threshold. Must be set before the governor is shared.
func (g *Governor) SetWarnFunc(fn func(spent, ceiling float64)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onWarn = fn
}

// CanSpend reports whether an invocation with the given estimated cost fits
// under the ceiling. Denial is a pause condition, not a failure: the caller
// holds dispatch and may resume after the ceiling is raised.
func (g *Governor) CanSpend(estimate float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ceiling <= 0 {
		return true
	}
	return g.spent+estimate <= g.ceiling
}

// Commit records actual cost against the ledger. Negative deltas are
// clamped to zero; the ledger only grows. Crossing the warn threshold is
// reported exactly once.
func (g *Governor) Commit(taskID string, actual float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if actual < 0 {
		actual = 0
	}
	g.spent += actual
	g.entries = append(g.entries, Entry{TaskID: taskID, Delta: actual, At: time.Now()})

	if g.ceiling > 0 && !g.warned && g.spent >= g.ceiling*g.warnThreshold {
		g.warned = true
		if g.onWarn != nil {
			g.onWarn(g.spent, g.ceiling)
		} else {
			log.Printf("[budget] warning: spend %.2f has crossed %.0f%% of ceiling %.2f",
				g.spent, g.warnThreshold*100, g.ceiling)
		}
	}
}

// Exhausted reports whether cumulative spend has reached the ceiling.
func (g *Governor) Exhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ceiling > 0 && g.spent >= g.ceiling
}

// Spent returns the cumulative committed cost.
func (g *Governor) Spent() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spent
}

// Ceiling returns the configured ceiling.
func (g *Governor) Ceiling() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ceiling
}

// SetCeiling updates the ceiling. Raising it resumes a run paused on budget
// exhaustion; the one-time warning is re-armed when the new ceiling puts
// spend back under the threshold.
func (g *Governor) SetCeiling(ceiling float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ceiling = ceiling
	if g.ceiling > 0 && g.spent < g.ceiling*g.warnThreshold {
		g.warned = false
	}
}

// Entries returns a copy of the append-only ledger log.
func (g *Governor) Entries() []Entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Entry(nil), g.entries...)
}
