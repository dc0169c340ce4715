// Package topology loads workflow topology descriptors: the statically
// declared task graphs the engine schedules.
package topology

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/muster-dev/muster/pkg/models"
)

// DefaultMaxAttempts is used when a task spec does not set max_attempts.
const DefaultMaxAttempts = 3

// TaskSpec declares one task within a topology descriptor.
type TaskSpec struct {
	// ID is the unique task identifier within the topology.
	ID string `yaml:"id"`
	// Title is a short human-readable description.
	Title string `yaml:"title,omitempty"`
	// Role names the worker capability class required for this task.
	Role string `yaml:"role"`
	// DependsOn lists task IDs that must complete first.
	DependsOn []string `yaml:"depends_on,omitempty"`
	// MaxAttempts bounds retries. Zero means the default.
	MaxAttempts int `yaml:"max_attempts,omitempty"`
	// EstimatedCost overrides the role's default dispatch estimate.
	EstimatedCost float64 `yaml:"estimated_cost,omitempty"`
}

// Descriptor is a named, statically-declared task graph. Task order is
// declaration order and determines ready-set ordering.
type Descriptor struct {
	// Tag names the topology (e.g. "kernel" or "training").
	Tag string `yaml:"tag"`
	// Tasks lists the task declarations in order.
	Tasks []TaskSpec `yaml:"tasks"`
}

// Parse decodes and validates a descriptor from YAML.
func Parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse topology descriptor: %w", err)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Load reads and validates a descriptor from a YAML file.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology descriptor: %w", err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// validate checks structural constraints. Cycle detection is left to the
// graph builder, which owns that invariant.
func (d *Descriptor) validate() error {
	if d.Tag == "" {
		return fmt.Errorf("topology tag is required")
	}
	if len(d.Tasks) == 0 {
		return fmt.Errorf("topology %s declares no tasks", d.Tag)
	}

	seen := make(map[string]bool, len(d.Tasks))
	for i, spec := range d.Tasks {
		if spec.ID == "" {
			return fmt.Errorf("topology %s: task %d has no id", d.Tag, i)
		}
		if seen[spec.ID] {
			return fmt.Errorf("topology %s: duplicate task id %s", d.Tag, spec.ID)
		}
		seen[spec.ID] = true

		if !models.Role(spec.Role).Valid() {
			return fmt.Errorf("topology %s: task %s has unknown role %q", d.Tag, spec.ID, spec.Role)
		}
	}
	return nil
}

// BuildTasks converts the descriptor into task models in declaration order.
func (d *Descriptor) BuildTasks() []*models.Task {
	tasks := make([]*models.Task, 0, len(d.Tasks))
	for _, spec := range d.Tasks {
		maxAttempts := spec.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = DefaultMaxAttempts
		}
		tasks = append(tasks, &models.Task{
			ID:          spec.ID,
			Title:       spec.Title,
			Role:        models.Role(spec.Role),
			DependsOn:   append([]string(nil), spec.DependsOn...),
			MaxAttempts: maxAttempts,
			Status:      models.TaskStatusPending,
		})
	}
	return tasks
}

// EstimatedCost returns the declared estimate for a task ID, or fallback
// when the task does not declare one.
func (d *Descriptor) EstimatedCost(taskID string, fallback float64) float64 {
	for _, spec := range d.Tasks {
		if spec.ID == taskID && spec.EstimatedCost > 0 {
			return spec.EstimatedCost
		}
	}
	return fallback
}
