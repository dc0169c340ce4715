package workspace

import (
	"fmt"
	"sync"

	"github.com/muster-dev/muster/pkg/models"
)

// MemStore is an in-memory Store. Trunk is a sequence of immutable
// snapshots; branches copy their base at open time so concurrent branches
// are fully isolated.
type MemStore struct {
	// mu guards branch bookkeeping and trunk reads.
	mu sync.RWMutex
	// mergeMu serializes merges. This is the trunk critical section:
	// holding it makes merge all-or-nothing with respect to other merges.
	mergeMu sync.Mutex
	// revision is the monotonic trunk revision counter.
	revision int
	// trunk is the current merged state.
	trunk Snapshot
	// branches tracks open branches by task ID. At most one per task.
	branches map[string]*Branch
	// seq numbers branches for unique names across retries.
	seq int
}

// NewMemStore creates a MemStore whose initial trunk contains the given
// files. A nil map is an empty repository.
func NewMemStore(files map[string]string) *MemStore {
	trunk := Snapshot{Ref: "trunk@0", Files: make(map[string]string, len(files))}
	for path, content := range files {
		trunk.Files[path] = content
	}
	return &MemStore{
		trunk:    trunk,
		branches: make(map[string]*Branch),
	}
}

// TrunkRef returns the current trunk revision identifier.
func (s *MemStore) TrunkRef() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trunk.Ref
}

// TrunkSnapshot returns an isolated copy of the current trunk.
func (s *MemStore) TrunkSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trunk.WithChanges(nil)
}

// OpenBranch opens a branch for the task from the current trunk. A task may
// hold at most one open branch at a time.
func (s *MemStore) OpenBranch(taskID string) (*Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.branches[taskID]; ok && existing.Status == BranchOpen {
		return nil, fmt.Errorf("task %s already has an open branch %s", taskID, existing.Name)
	}

	s.seq++
	branch := &Branch{
		Name:   fmt.Sprintf("task/%s/%d", taskID, s.seq),
		TaskID: taskID,
		Base:   s.trunk.WithChanges(nil),
		Status: BranchOpen,
	}
	s.branches[taskID] = branch
	return branch, nil
}

// Stage records the change-set on the branch.
func (s *MemStore) Stage(branch *Branch, cs *models.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if branch.Status != BranchOpen {
		return fmt.Errorf("stage on branch %s: %w", branch.Name, ErrBranchClosed)
	}
	branch.Changes = cs
	return nil
}

// Merge applies the branch's staged change-set to trunk. The first branch
// opened from a trunk revision to merge wins; any other branch from the
// same revision gets ErrConflict and must reopen from the new trunk.
func (s *MemStore) Merge(branch *Branch) error {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if branch.Status != BranchOpen {
		return fmt.Errorf("merge branch %s: %w", branch.Name, ErrBranchClosed)
	}
	if branch.Base.Ref != s.trunk.Ref {
		return fmt.Errorf("merge branch %s (base %s, trunk %s): %w",
			branch.Name, branch.Base.Ref, s.trunk.Ref, ErrConflict)
	}

	merged := s.trunk.WithChanges(branch.Changes)
	s.revision++
	merged.Ref = fmt.Sprintf("trunk@%d", s.revision)

	s.trunk = merged
	branch.Status = BranchMerged
	delete(s.branches, branch.TaskID)
	return nil
}

// Discard releases the branch. Idempotent: discarding a merged or already
// discarded branch is a no-op.
func (s *MemStore) Discard(branch *Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if branch.Status == BranchOpen {
		branch.Status = BranchDiscarded
		delete(s.branches, branch.TaskID)
	}
	return nil
}

// OpenBranchCount returns the number of currently open branches.
func (s *MemStore) OpenBranchCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.branches)
}
