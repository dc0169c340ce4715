package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/muster-dev/muster/internal/graph"
	"github.com/muster-dev/muster/internal/topology"
)

var validateCmd = &cobra.Command{
	Use:   "validate <topology.yaml> [<topology.yaml>...]",
	Short: "Check topology files without running them",
	Long: `Parse each topology file and build its dependency graph, reporting
descriptor problems (missing roles, duplicate IDs) and graph problems
(unknown dependencies, cycles) without dispatching any work.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	failed := 0
	for _, path := range args {
		if err := validateTopology(path); err != nil {
			color.Red("%s: %v", path, err)
			failed++
			continue
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d topology files invalid", failed, len(args))
	}
	return nil
}

func validateTopology(path string) error {
	desc, err := topology.Load(path)
	if err != nil {
		return err
	}

	tasks := desc.BuildTasks()
	if _, err := graph.Build(desc.Tag, tasks); err != nil {
		return err
	}

	color.Green("%s: topology %q OK (%d tasks)", path, desc.Tag, len(tasks))
	for _, task := range tasks {
		deps := ""
		if len(task.DependsOn) > 0 {
			deps = fmt.Sprintf("  <- %v", task.DependsOn)
		}
		fmt.Printf("  %-20s %s%s\n", task.ID, task.Role, deps)
	}
	return nil
}
