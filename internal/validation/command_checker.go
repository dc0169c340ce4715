package validation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/muster-dev/muster/internal/exec"
	"github.com/muster-dev/muster/internal/workspace"
	"github.com/muster-dev/muster/pkg/models"
)

// CommandChecker runs a shell command against a scratch checkout of the
// baseline snapshot with the change-set applied on top. The command's exit
// status decides pass/fail; its combined output becomes the step log.
type CommandChecker struct {
	runner  exec.CommandRunner
	command string
}

// NewCommandChecker creates a checker that runs the given shell command.
func NewCommandChecker(command string) *CommandChecker {
	return &CommandChecker{
		runner:  exec.NewRunner(),
		command: command,
	}
}

// Run implements Checker.
func (c *CommandChecker) Run(ctx context.Context, cs *models.ChangeSet, baseline workspace.Snapshot) (bool, string) {
	dir, err := os.MkdirTemp("", "muster-check-")
	if err != nil {
		return false, fmt.Sprintf("create scratch dir: %v", err)
	}
	defer os.RemoveAll(dir)

	if err := materialize(dir, cs, baseline); err != nil {
		return false, fmt.Sprintf("materialize change-set: %v", err)
	}

	output, err := c.runner.RunShell(ctx, dir, c.command)
	if err != nil {
		return false, fmt.Sprintf("%s%v", output, err)
	}
	return true, string(output)
}

// materialize writes the baseline snapshot into dir and applies the
// change-set on top.
func materialize(dir string, cs *models.ChangeSet, baseline workspace.Snapshot) error {
	if baseline.Dir != "" {
		if err := os.CopyFS(dir, os.DirFS(baseline.Dir)); err != nil {
			return fmt.Errorf("copy baseline %s: %w", baseline.Dir, err)
		}
	} else {
		for path, content := range baseline.Files {
			if err := writeFile(dir, path, content); err != nil {
				return err
			}
		}
	}

	if cs == nil {
		return nil
	}
	for _, ch := range cs.Changes {
		if ch.Delete {
			if err := os.Remove(filepath.Join(dir, filepath.FromSlash(ch.Path))); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("delete %s: %w", ch.Path, err)
			}
			continue
		}
		if err := writeFile(dir, ch.Path, ch.Content); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(dir, path, content string) error {
	full := filepath.Join(dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
