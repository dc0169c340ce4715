package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/muster-dev/muster/internal/state"
)

var statusEvents int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest run",
	Long: `Display the most recent muster run recorded in the state database:
its topologies, budget, outcome, and the tail of its task event history.

The project database (.muster/state.db) is preferred; the global database
is used when no project database exists.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusEvents, "events", 15, "Number of recent task events to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openStatusDB()
	if err != nil {
		return err
	}
	if db == nil {
		fmt.Println("No runs recorded. Start one with 'muster run <topology.yaml>'.")
		return nil
	}
	defer db.Close()

	run, err := db.LatestRun()
	if err != nil {
		return fmt.Errorf("load latest run: %w", err)
	}
	if run == nil {
		fmt.Println("No runs recorded. Start one with 'muster run <topology.yaml>'.")
		return nil
	}

	displayRun(run)

	total, err := db.LedgerTotal(run.ID)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	if run.Ceiling > 0 {
		fmt.Printf("Ledger:     %.2f / %.2f\n", total, run.Ceiling)
	} else {
		fmt.Printf("Ledger:     %.2f (no ceiling)\n", total)
	}

	events, err := db.TaskEvents(run.ID)
	if err != nil {
		return fmt.Errorf("load task events: %w", err)
	}
	if len(events) > statusEvents {
		events = events[len(events)-statusEvents:]
	}
	if len(events) > 0 {
		fmt.Println("\nRecent events:")
		for _, ev := range events {
			displayTaskEvent(ev)
		}
	}
	return nil
}

// openStatusDB opens the project database if present, falling back to the
// global one. Returns nil when neither exists.
func openStatusDB() (*state.DB, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		dbPath = state.GlobalDBPath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func displayRun(run *state.Run) {
	fmt.Printf("Run:        %s\n", run.ID)
	fmt.Printf("Topologies: %s\n", run.Topologies)
	fmt.Printf("Started:    %s\n", run.StartedAt.Local().Format(time.RFC1123))

	switch {
	case run.Status == state.RunStatusActive:
		fmt.Printf("Status:     %s\n", color.YellowString("active"))
	case run.HaltReason == "completed":
		fmt.Printf("Status:     %s\n", color.GreenString("completed"))
	default:
		fmt.Printf("Status:     %s\n", color.RedString("finished (%s)", run.HaltReason))
	}
	if run.FinishedAt != nil {
		fmt.Printf("Finished:   %s (spent %.2f)\n", run.FinishedAt.Local().Format(time.RFC1123), run.Spent)
	}
}

func displayTaskEvent(ev *state.TaskEvent) {
	label := ev.Event
	switch ev.Event {
	case "task_completed":
		label = color.GreenString(label)
	case "task_failed", "task_rejected":
		label = color.RedString(label)
	case "merge_conflict", "budget_warning", "budget_paused", "role_degraded":
		label = color.YellowString(label)
	}

	line := fmt.Sprintf("  %s  [%s] %-18s %s", ev.At.Local().Format("15:04:05"), ev.Topology, label, ev.TaskID)
	if ev.Detail != "" {
		line += "  " + ev.Detail
	}
	fmt.Println(line)
}
