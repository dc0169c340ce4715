// Package exec provides an interface for command execution.
package exec

import (
	"context"
)

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	// The working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir string, name string, args ...string) (output []byte, err error)

	// RunShell executes a shell command through "sh -c".
	// This is a convenience method for running complex shell commands.
	RunShell(ctx context.Context, workDir string, command string) (output []byte, err error)

	// RunInput executes a command with the given stdin and returns stdout.
	// Stderr is folded into the returned error on failure.
	RunInput(ctx context.Context, workDir string, stdin []byte, name string, args ...string) (stdout []byte, err error)
}
