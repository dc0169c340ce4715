package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/muster-dev/muster/pkg/models"
)

const kernelYAML = `tag: kernel
tasks:
  - id: scaffold
    title: Scaffold the module layout
    role: architect
  - id: core
    title: Implement the core package
    role: developer
    depends_on: [scaffold]
    max_attempts: 2
    estimated_cost: 4.5
  - id: docs
    title: Write usage docs
    role: developer
    depends_on: [core]
`

func TestParse(t *testing.T) {
	d, err := Parse([]byte(kernelYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if d.Tag != "kernel" {
		t.Errorf("tag = %q", d.Tag)
	}
	if len(d.Tasks) != 3 {
		t.Fatalf("task count = %d, want 3", len(d.Tasks))
	}
	if d.Tasks[1].MaxAttempts != 2 {
		t.Errorf("core max_attempts = %d", d.Tasks[1].MaxAttempts)
	}
	if got := d.Tasks[2].DependsOn; len(got) != 1 || got[0] != "core" {
		t.Errorf("docs depends_on = %v", got)
	}
}

func TestParseValidation(t *testing.T) {
	cases := map[string]string{
		"missing tag":    "tasks:\n  - id: a\n    role: developer\n",
		"no tasks":       "tag: kernel\n",
		"missing id":     "tag: kernel\ntasks:\n  - role: developer\n",
		"duplicate id":   "tag: kernel\ntasks:\n  - id: a\n    role: developer\n  - id: a\n    role: developer\n",
		"unknown role":   "tag: kernel\ntasks:\n  - id: a\n    role: plumber\n",
		"malformed yaml": "tag: [unclosed\n",
	}
	for name, yaml := range cases {
		if _, err := Parse([]byte(yaml)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	if err := os.WriteFile(path, []byte(kernelYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if d.Tag != "kernel" {
		t.Errorf("tag = %q", d.Tag)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestBuildTasks(t *testing.T) {
	d, err := Parse([]byte(kernelYAML))
	if err != nil {
		t.Fatal(err)
	}

	tasks := d.BuildTasks()
	if len(tasks) != 3 {
		t.Fatalf("task count = %d", len(tasks))
	}
	// Declaration order is preserved.
	for i, want := range []string{"scaffold", "core", "docs"} {
		if tasks[i].ID != want {
			t.Errorf("tasks[%d] = %s, want %s", i, tasks[i].ID, want)
		}
	}
	if tasks[0].MaxAttempts != DefaultMaxAttempts {
		t.Errorf("scaffold max attempts = %d, want default %d", tasks[0].MaxAttempts, DefaultMaxAttempts)
	}
	if tasks[0].Role != models.RoleArchitect {
		t.Errorf("scaffold role = %s", tasks[0].Role)
	}
	if tasks[0].Status != models.TaskStatusPending {
		t.Errorf("initial status = %s", tasks[0].Status)
	}
}

func TestEstimatedCost(t *testing.T) {
	d, err := Parse([]byte(kernelYAML))
	if err != nil {
		t.Fatal(err)
	}
	if got := d.EstimatedCost("core", 1.0); got != 4.5 {
		t.Errorf("core estimate = %v, want 4.5", got)
	}
	if got := d.EstimatedCost("scaffold", 1.0); got != 1.0 {
		t.Errorf("scaffold estimate = %v, want fallback 1.0", got)
	}
}
