// Package workspace provides the shared versioned workspace: branch, diff,
// and merge primitives with snapshot isolation.
package workspace

import (
	"errors"

	"github.com/muster-dev/muster/pkg/models"
)

// ErrConflict indicates a branch's base snapshot is stale relative to trunk:
// another task merged first. The caller retries with a fresh branch rather
// than attempting automatic conflict resolution.
var ErrConflict = errors.New("branch base is stale relative to trunk")

// ErrBranchClosed indicates an operation on a branch that was already
// merged or discarded.
var ErrBranchClosed = errors.New("branch is not open")

// ErrCorrupt indicates the underlying repository is in an inconsistent
// state. This is fatal for the owning topology; there is no automatic
// recovery.
var ErrCorrupt = errors.New("workspace corrupted")

// Snapshot is an immutable view of the workspace at a trunk revision.
type Snapshot struct {
	// Ref identifies the revision this snapshot was taken from.
	Ref string
	// Dir is the on-disk location of the snapshot, for stores backed by a
	// real repository. Empty for in-memory stores.
	Dir string
	// Files maps path to content for in-memory stores. Nil when the
	// snapshot is backed by a directory.
	Files map[string]string
}

// WithChanges returns a new snapshot with the change-set applied on top.
// The receiver is not modified. Only meaningful for in-memory snapshots.
func (s Snapshot) WithChanges(cs *models.ChangeSet) Snapshot {
	files := make(map[string]string, len(s.Files))
	for path, content := range s.Files {
		files[path] = content
	}
	if cs != nil {
		for _, ch := range cs.Changes {
			if ch.Delete {
				delete(files, ch.Path)
			} else {
				files[ch.Path] = ch.Content
			}
		}
	}
	return Snapshot{Ref: s.Ref, Dir: s.Dir, Files: files}
}

// BranchStatus represents the lifecycle state of a workspace branch.
type BranchStatus string

const (
	// BranchOpen indicates the branch can accept a change-set and be merged.
	BranchOpen BranchStatus = "open"
	// BranchMerged indicates the branch's change-set reached trunk.
	BranchMerged BranchStatus = "merged"
	// BranchDiscarded indicates the branch was abandoned.
	BranchDiscarded BranchStatus = "discarded"
)

// Branch is an isolated line of work for one in-flight task. The issuing
// task exclusively owns its branch until merge or discard.
type Branch struct {
	// Name identifies the branch.
	Name string
	// TaskID is the task this branch was opened for.
	TaskID string
	// Base is the trunk snapshot the branch was opened from.
	Base Snapshot
	// Status is the branch lifecycle state.
	Status BranchStatus
	// Changes is the change-set staged on the branch, if any.
	Changes *models.ChangeSet
}

// Store owns one version-controlled repository and is the sole mutator of
// the underlying state. Merge is serialized internally: two branches can
// never merge concurrently.
type Store interface {
	// TrunkRef returns the current trunk revision identifier.
	TrunkRef() string
	// TrunkSnapshot returns an isolated snapshot of the current trunk.
	TrunkSnapshot() Snapshot
	// OpenBranch opens a branch for the task from the current trunk.
	// Concurrent branches never observe each other's uncommitted diffs.
	OpenBranch(taskID string) (*Branch, error)
	// Stage records the change-set on the branch without touching trunk.
	Stage(branch *Branch, cs *models.ChangeSet) error
	// Merge applies the branch's staged change-set to trunk. Fails with
	// ErrConflict if the branch base is stale. All-or-nothing: on error
	// trunk is unchanged.
	Merge(branch *Branch) error
	// Discard releases branch resources. Idempotent.
	Discard(branch *Branch) error
}
