// Package git provides an interface for git operations.
package git

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch() (string, error)
	// CreateBranchAt creates a new branch pointing at the given ref.
	CreateBranchAt(name, ref string) error
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(name string) error
	// BranchExists returns true if the branch exists.
	BranchExists(name string) (bool, error)
	// DeleteBranch deletes the specified branch (force delete).
	DeleteBranch(name string) error
}

// CommitOperations defines the interface for git commit operations.
type CommitOperations interface {
	// AddAll stages all changes for commit.
	AddAll() error
	// Commit creates a new commit with the given message.
	Commit(message string) error
	// RevParse resolves a ref to a commit hash.
	RevParse(ref string) (string, error)
	// HasChanges returns true if there are uncommitted changes.
	HasChanges() (bool, error)
}

// MergeOperations defines the interface for git merge operations.
type MergeOperations interface {
	// MergeNoFFMessage merges the specified branch with --no-ff and a custom message.
	MergeNoFFMessage(branch, message string) error
	// MergeAbort aborts an in-progress merge.
	MergeAbort() error
}

// WorktreeOperations defines the interface for git worktree operations.
type WorktreeOperations interface {
	// WorktreeAdd checks a branch out into a linked working tree at dir.
	WorktreeAdd(dir, branch string) error
	// WorktreeAddDetached checks a ref out into a detached working tree at dir.
	WorktreeAddDetached(dir, ref string) error
	// WorktreeRemove removes a linked working tree (force remove).
	WorktreeRemove(dir string) error
}

// Runner defines the complete interface for git operations.
// Consumers should prefer the focused interfaces when possible.
type Runner interface {
	BranchOperations
	CommitOperations
	MergeOperations
	WorktreeOperations
	// Run executes an arbitrary git command with the given arguments.
	// Returns the command output and an error if the command fails.
	Run(args ...string) (string, error)
}
