// Package worker provides the worker collaborator interface and the
// fixed-size per-role pools that bound worker concurrency.
package worker

import (
	"context"

	"github.com/muster-dev/muster/internal/workspace"
	"github.com/muster-dev/muster/pkg/models"
)

// Collaborator turns a task plus a workspace snapshot into a proposed
// change-set. The engine treats it as opaque, potentially slow, and
// potentially failing; cancellation and deadlines flow through the context.
// Implementations may be backed by a remote language-model API, a
// deterministic script, or a test double.
type Collaborator interface {
	Generate(ctx context.Context, task *models.Task, snapshot workspace.Snapshot) (*models.ChangeSet, float64, error)
}

// CollaboratorFunc adapts a function to the Collaborator interface.
type CollaboratorFunc func(ctx context.Context, task *models.Task, snapshot workspace.Snapshot) (*models.ChangeSet, float64, error)

// Generate calls the underlying function.
func (f CollaboratorFunc) Generate(ctx context.Context, task *models.Task, snapshot workspace.Snapshot) (*models.ChangeSet, float64, error) {
	return f(ctx, task, snapshot)
}
