package workspace

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/muster-dev/muster/internal/git"
	"github.com/muster-dev/muster/pkg/models"
)

// GitStore is a Store backed by a real git repository. Branches are git
// branches pinned to the trunk commit they were opened from; merge fails
// with ErrConflict whenever trunk has moved since the branch was opened,
// mirroring the in-memory store's first-merge-wins semantics.
//
// Snapshots are materialized as detached worktrees, one per commit, so a
// snapshot's Dir never changes underneath a reader: staging a branch or
// merging into trunk happens in separate working trees and cannot leak into
// a snapshot another attempt is validating against. The main working tree
// stays checked out on trunk for the lifetime of the store.
type GitStore struct {
	mu sync.Mutex
	// runner executes git commands in the repository.
	runner git.Runner
	// repoPath is the repository root.
	repoPath string
	// trunkBranch is the branch that holds the merged state.
	trunkBranch string
	// seq numbers branches for unique names across retries.
	seq int
	// snapshots caches the detached worktree directory per commit.
	snapshots map[string]string
	// tmpRoots are the temp directories holding worktrees, removed on Close.
	tmpRoots []string
}

// NewGitStore creates a GitStore over the repository at repoPath, using
// trunkBranch as the merged state. The branch must already exist. Call
// Close when done to remove the snapshot worktrees.
func NewGitStore(repoPath, trunkBranch string) (*GitStore, error) {
	runner := git.NewRunner(repoPath)
	exists, err := runner.BranchExists(trunkBranch)
	if err != nil {
		return nil, fmt.Errorf("check trunk branch: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("trunk branch %s does not exist in %s", trunkBranch, repoPath)
	}
	if err := runner.CheckoutBranch(trunkBranch); err != nil {
		return nil, fmt.Errorf("checkout trunk: %w", err)
	}
	return &GitStore{
		runner:      runner,
		repoPath:    repoPath,
		trunkBranch: trunkBranch,
		snapshots:   make(map[string]string),
	}, nil
}

// TrunkRef returns the commit hash of the trunk branch.
func (s *GitStore) TrunkRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.runner.RevParse(s.trunkBranch)
	if err != nil {
		return ""
	}
	return ref
}

// TrunkSnapshot returns an immutable snapshot of the current trunk commit,
// checked out into its own detached worktree.
func (s *GitStore) TrunkSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.runner.RevParse(s.trunkBranch)
	if err != nil {
		log.Printf("[workspace] resolve trunk for snapshot: %v", err)
		return Snapshot{}
	}
	snap, err := s.snapshotAtLocked(ref)
	if err != nil {
		log.Printf("[workspace] materialize trunk snapshot: %v", err)
		return Snapshot{Ref: ref}
	}
	return snap
}

// snapshotAtLocked returns the materialized snapshot for a commit, creating
// its detached worktree on first use. Caller holds s.mu.
func (s *GitStore) snapshotAtLocked(ref string) (Snapshot, error) {
	if dir, ok := s.snapshots[ref]; ok {
		return Snapshot{Ref: ref, Dir: dir}, nil
	}

	tmp, err := os.MkdirTemp("", "muster-snap-")
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot temp dir: %w", err)
	}
	// git refuses to add a worktree into an existing directory.
	dir := filepath.Join(tmp, "wt")
	if err := s.runner.WorktreeAddDetached(dir, ref); err != nil {
		os.RemoveAll(tmp)
		return Snapshot{}, fmt.Errorf("materialize snapshot at %s: %w", ref, err)
	}

	s.snapshots[ref] = dir
	s.tmpRoots = append(s.tmpRoots, tmp)
	return Snapshot{Ref: ref, Dir: dir}, nil
}

// OpenBranch creates a git branch for the task at the current trunk commit.
func (s *GitStore) OpenBranch(taskID string) (*Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, err := s.runner.RevParse(s.trunkBranch)
	if err != nil {
		return nil, fmt.Errorf("resolve trunk: %w", err)
	}
	snap, err := s.snapshotAtLocked(base)
	if err != nil {
		return nil, err
	}

	s.seq++
	name := fmt.Sprintf("muster/task-%s-%d", taskID, s.seq)
	if err := s.runner.CreateBranchAt(name, base); err != nil {
		return nil, fmt.Errorf("create branch %s: %w", name, err)
	}

	return &Branch{
		Name:   name,
		TaskID: taskID,
		Base:   snap,
		Status: BranchOpen,
	}, nil
}

// Stage writes the change-set into the branch as a commit. The branch is
// checked out into a throwaway worktree so the main checkout and all
// snapshot worktrees are untouched.
func (s *GitStore) Stage(branch *Branch, cs *models.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if branch.Status != BranchOpen {
		return fmt.Errorf("stage on branch %s: %w", branch.Name, ErrBranchClosed)
	}

	tmp, err := os.MkdirTemp("", "muster-stage-")
	if err != nil {
		return fmt.Errorf("stage temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)
	wtDir := filepath.Join(tmp, "wt")
	if err := s.runner.WorktreeAdd(wtDir, branch.Name); err != nil {
		return fmt.Errorf("checkout %s into worktree: %w", branch.Name, err)
	}
	defer func() {
		if err := s.runner.WorktreeRemove(wtDir); err != nil {
			log.Printf("[workspace] remove stage worktree: %v", err)
		}
	}()

	for _, ch := range cs.Changes {
		path := filepath.Join(wtDir, ch.Path)
		if ch.Delete {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("delete %s: %w", ch.Path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", ch.Path, err)
		}
		if err := os.WriteFile(path, []byte(ch.Content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", ch.Path, err)
		}
	}

	// Commit from inside the worktree so the staged files land on the
	// branch, not on trunk.
	wt := git.NewRunner(wtDir)
	changed, err := wt.HasChanges()
	if err != nil {
		return err
	}
	if changed {
		if err := wt.AddAll(); err != nil {
			return err
		}
		msg := cs.Summary
		if msg == "" {
			msg = fmt.Sprintf("task %s: change-set", branch.TaskID)
		}
		if err := wt.Commit(msg); err != nil {
			return fmt.Errorf("commit change-set: %w", err)
		}
	}

	branch.Changes = cs
	return nil
}

// Merge merges the branch into trunk with --no-ff. If trunk has advanced
// past the branch's base the merge conflicts by definition and trunk is
// left untouched; the scheduler reopens from the new trunk.
func (s *GitStore) Merge(branch *Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if branch.Status != BranchOpen {
		return fmt.Errorf("merge branch %s: %w", branch.Name, ErrBranchClosed)
	}

	head, err := s.runner.RevParse(s.trunkBranch)
	if err != nil {
		return fmt.Errorf("resolve trunk: %w", err)
	}
	if head != branch.Base.Ref {
		return fmt.Errorf("merge branch %s (base %s, trunk %s): %w",
			branch.Name, branch.Base.Ref, head, ErrConflict)
	}

	msg := fmt.Sprintf("merge task %s", branch.TaskID)
	if err := s.runner.MergeNoFFMessage(branch.Name, msg); err != nil {
		// All-or-nothing: abandon the half-merge before reporting.
		if abortErr := s.runner.MergeAbort(); abortErr != nil {
			return fmt.Errorf("merge failed and abort failed (%v): %w", abortErr, ErrCorrupt)
		}
		return fmt.Errorf("merge branch %s: %w", branch.Name, err)
	}

	branch.Status = BranchMerged
	_ = s.runner.DeleteBranch(branch.Name)
	return nil
}

// Discard deletes the branch. Idempotent.
func (s *GitStore) Discard(branch *Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if branch.Status != BranchOpen {
		return nil
	}
	branch.Status = BranchDiscarded

	exists, err := s.runner.BranchExists(branch.Name)
	if err != nil || !exists {
		return nil
	}
	return s.runner.DeleteBranch(branch.Name)
}

// Close removes the snapshot worktrees. Snapshots handed out earlier are
// invalid afterwards.
func (s *GitStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ref, dir := range s.snapshots {
		if err := s.runner.WorktreeRemove(dir); err != nil {
			log.Printf("[workspace] remove snapshot worktree %s: %v", ref, err)
		}
	}
	for _, tmp := range s.tmpRoots {
		os.RemoveAll(tmp)
	}
	s.snapshots = make(map[string]string)
	s.tmpRoots = nil
}
