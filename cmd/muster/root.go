package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "muster",
	Short: "Multi-agent orchestration engine",
	Long: `Muster runs workflow topologies of dependent tasks across per-role
worker pools, validating each proposed change-set before merging it into a
shared workspace.

A topology is a YAML file declaring tasks, their roles, and their
dependencies. Muster dispatches ready tasks to workers, validates the
resulting change-sets (build, isolated test, integration test), and merges
accepted changes first-come-first-served; a task whose base went stale is
rebased and revalidated without being charged an attempt.

Total spend is bounded by a budget ceiling. A run that reaches the ceiling
pauses rather than fails: raise the ceiling in the config file and the run
resumes.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}
