package models

// FileChange is a single proposed modification to the workspace.
type FileChange struct {
	// Path is the repository-relative path of the file.
	Path string `json:"path"`
	// Content is the full new content of the file. Ignored when Delete is set.
	Content string `json:"content,omitempty"`
	// Delete indicates the file should be removed.
	Delete bool `json:"delete,omitempty"`
}

// ChangeSet is the set of file modifications a worker proposes for one task.
type ChangeSet struct {
	// TaskID is the task this change-set was produced for.
	TaskID string `json:"task_id"`
	// BaseRef is the trunk snapshot the change-set was generated against.
	BaseRef string `json:"base_ref"`
	// Changes lists the proposed file modifications.
	Changes []FileChange `json:"changes"`
	// Summary is an optional worker-provided description of the change.
	Summary string `json:"summary,omitempty"`
}

// Empty returns true if the change-set proposes no modifications.
func (c *ChangeSet) Empty() bool {
	return c == nil || len(c.Changes) == 0
}

// Paths returns the repository paths touched by the change-set.
func (c *ChangeSet) Paths() []string {
	if c == nil {
		return nil
	}
	paths := make([]string, 0, len(c.Changes))
	for _, ch := range c.Changes {
		paths = append(paths, ch.Path)
	}
	return paths
}
