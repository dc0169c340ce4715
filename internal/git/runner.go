package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// ExecRunner implements Runner using exec.Command.
type ExecRunner struct {
	repoPath string
}

// NewRunner creates a new git runner for the repository at the given path.
func NewRunner(repoPath string) *ExecRunner {
	return &ExecRunner{repoPath: repoPath}
}

// run executes a git command and returns its output.
func (r *ExecRunner) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

// runSilent executes a git command and ignores output.
func (r *ExecRunner) runSilent(args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return nil
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(args ...string) (string, error) {
	return r.run(args...)
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch() (string, error) {
	return r.run("rev-parse", "--abbrev-ref", "HEAD")
}

// CreateBranchAt creates a new branch pointing at the given ref.
func (r *ExecRunner) CreateBranchAt(name, ref string) error {
	return r.runSilent("branch", name, ref)
}

// CheckoutBranch switches to the specified branch.
func (r *ExecRunner) CheckoutBranch(name string) error {
	return r.runSilent("checkout", name)
}

// BranchExists returns true if the branch exists.
func (r *ExecRunner) BranchExists(name string) (bool, error) {
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = r.repoPath
	err := cmd.Run()
	if err != nil {
		// Exit code 1 means branch doesn't exist (not an error)
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return true, nil
}

// DeleteBranch deletes the specified branch (force delete).
func (r *ExecRunner) DeleteBranch(name string) error {
	return r.runSilent("branch", "-D", name)
}

// AddAll stages all changes for commit.
func (r *ExecRunner) AddAll() error {
	return r.runSilent("add", "-A")
}

// Commit creates a new commit with the given message.
func (r *ExecRunner) Commit(message string) error {
	return r.runSilent("commit", "-m", message)
}

// RevParse resolves a ref to a commit hash.
func (r *ExecRunner) RevParse(ref string) (string, error) {
	return r.run("rev-parse", ref)
}

// HasChanges returns true if there are uncommitted changes.
func (r *ExecRunner) HasChanges() (bool, error) {
	out, err := r.run("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// MergeNoFFMessage merges the specified branch with --no-ff and a custom message.
func (r *ExecRunner) MergeNoFFMessage(branch, message string) error {
	return r.runSilent("merge", "--no-ff", "-m", message, branch)
}

// MergeAbort aborts an in-progress merge.
func (r *ExecRunner) MergeAbort() error {
	return r.runSilent("merge", "--abort")
}

// WorktreeAdd checks a branch out into a linked working tree at dir.
func (r *ExecRunner) WorktreeAdd(dir, branch string) error {
	return r.runSilent("worktree", "add", dir, branch)
}

// WorktreeAddDetached checks a ref out into a detached working tree at dir.
func (r *ExecRunner) WorktreeAddDetached(dir, ref string) error {
	return r.runSilent("worktree", "add", "--detach", dir, ref)
}

// WorktreeRemove removes a linked working tree (force remove).
func (r *ExecRunner) WorktreeRemove(dir string) error {
	return r.runSilent("worktree", "remove", "--force", dir)
}
