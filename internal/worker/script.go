package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/muster-dev/muster/internal/exec"
	"github.com/muster-dev/muster/internal/workspace"
	"github.com/muster-dev/muster/pkg/models"
)

// ScriptCollaborator implements Collaborator by running an external command.
// The task and snapshot are written to the command's stdin as JSON; the
// command writes a change-set JSON document to stdout. Useful for CI and
// deterministic local runs.
type ScriptCollaborator struct {
	// runner executes the command.
	runner exec.CommandRunner
	// command is the program to run.
	command string
	// args are the program arguments.
	args []string
	// costPerCall is the fixed cost charged per invocation.
	costPerCall float64
}

// NewScriptCollaborator creates a script-backed collaborator.
func NewScriptCollaborator(command string, args []string, costPerCall float64) *ScriptCollaborator {
	return &ScriptCollaborator{
		runner:      exec.NewRunner(),
		command:     command,
		args:        args,
		costPerCall: costPerCall,
	}
}

// scriptInput is the JSON document written to the script's stdin.
type scriptInput struct {
	Task     *models.Task      `json:"task"`
	Ref      string            `json:"ref"`
	Dir      string            `json:"dir,omitempty"`
	Files    map[string]string `json:"files,omitempty"`
	Attempt  int               `json:"attempt"`
	Topology string            `json:"topology"`
}

// Generate runs the script and parses its stdout as a change-set.
func (s *ScriptCollaborator) Generate(ctx context.Context, task *models.Task, snapshot workspace.Snapshot) (*models.ChangeSet, float64, error) {
	stdin, err := json.Marshal(scriptInput{
		Task:     task,
		Ref:      snapshot.Ref,
		Dir:      snapshot.Dir,
		Files:    snapshot.Files,
		Attempt:  task.Attempts,
		Topology: task.Topology,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("encode script input: %w", err)
	}

	stdout, err := s.runner.RunInput(ctx, "", stdin, s.command, s.args...)
	if err != nil {
		return nil, s.costPerCall, fmt.Errorf("script worker: %w", err)
	}

	cs, err := ParseChangeSet(string(stdout))
	if err != nil {
		return nil, s.costPerCall, fmt.Errorf("malformed change-set from script: %w", err)
	}
	cs.TaskID = task.ID
	cs.BaseRef = snapshot.Ref
	return cs, s.costPerCall, nil
}
