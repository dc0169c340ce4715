package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/muster-dev/muster/internal/budget"
	"github.com/muster-dev/muster/internal/config"
	"github.com/muster-dev/muster/internal/graph"
	"github.com/muster-dev/muster/internal/orchestrator"
	"github.com/muster-dev/muster/internal/state"
	"github.com/muster-dev/muster/internal/topology"
	"github.com/muster-dev/muster/internal/tui"
	"github.com/muster-dev/muster/internal/validation"
	"github.com/muster-dev/muster/internal/worker"
	"github.com/muster-dev/muster/internal/workspace"
	"github.com/muster-dev/muster/pkg/models"
)

var (
	runCeiling  float64
	runHeadless bool
	runRepo     string
	runTrunk    string
)

var runCmd = &cobra.Command{
	Use:   "run <topology.yaml> [<topology.yaml>]",
	Short: "Run one or two workflow topologies",
	Long: `Run the tasks of a topology across per-role worker pools, merging
validated change-sets into a shared workspace.

Two topology files may be given; both run concurrently against one shared
budget governor. Each topology keeps its own workspace and scheduler.

The workspace is in-memory unless --repo points at a git repository, in
which case branches and merges operate on real git refs. --repo accepts a
single topology only.

When the budget ceiling is reached the run pauses instead of failing.
Raising budget.ceiling in the config file resumes it; the file is watched
while the run is active.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runTopologies,
}

func init() {
	runCmd.Flags().Float64Var(&runCeiling, "ceiling", 0, "Budget ceiling override (0 = use config)")
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "Run without the TUI (plain log output)")
	runCmd.Flags().StringVar(&runRepo, "repo", "", "Path to a git repository to use as the workspace")
	runCmd.Flags().StringVar(&runTrunk, "trunk", "main", "Trunk branch name for --repo")
}

func runTopologies(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runCeiling > 0 {
		cfg.Budget.Ceiling = runCeiling
	}
	if runRepo != "" && len(args) > 1 {
		return fmt.Errorf("--repo supports a single topology; got %d", len(args))
	}

	collab, err := buildCollaborator(cfg)
	if err != nil {
		return err
	}

	governor := budget.NewGovernor(cfg.Budget.Ceiling)
	emitter := orchestrator.NewEventEmitter(256)

	engines := make([]*orchestrator.Engine, 0, len(args))
	tags := make([]string, 0, len(args))
	for _, path := range args {
		engine, tag, closeStore, err := buildEngine(path, cfg, collab, governor, emitter)
		if err != nil {
			return err
		}
		if closeStore != nil {
			defer closeStore()
		}
		engines = append(engines, engine)
		tags = append(tags, tag)
	}
	runner := orchestrator.NewRunner(engines, governor, emitter)

	db, rec, runID, err := openRunRecorder(tags, cfg.Budget.Ceiling)
	if err != nil {
		return err
	}
	defer db.Close()

	// Raising the ceiling in the config file resumes a paused run.
	if watchPath := configWatchPath(); watchPath != "" {
		watcher, err := config.WatchCeiling(watchPath, cfg.Budget.Ceiling, runner.RaiseCeiling)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: config watch disabled: %v\n", err)
		} else {
			defer watcher.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nreceived interrupt, aborting run...")
		runner.Abort()
	}()

	var summary orchestrator.Summary
	if runHeadless {
		summary = runHeadlessLoop(ctx, runner, rec)
	} else {
		summary, err = tui.Run(ctx, runner, cfg.TUI.RefreshRate, rec.HandleEvent)
		if err != nil {
			return err
		}
	}

	rec.RecordLedger(governor.Entries())
	if err := db.FinishRun(runID, summary.Spent, overallHalt(summary)); err != nil {
		fmt.Fprintf(os.Stderr, "warning: finish run record: %v\n", err)
	}

	return renderSummary(summary)
}

// buildCollaborator selects the worker backend from config.
func buildCollaborator(cfg *config.Config) (worker.Collaborator, error) {
	switch cfg.Worker.Backend {
	case "script":
		if cfg.Worker.ScriptCommand == "" {
			return nil, fmt.Errorf("worker.backend is script but worker.script_command is empty")
		}
		return worker.NewScriptCollaborator(cfg.Worker.ScriptCommand, cfg.Worker.ScriptArgs, cfg.Worker.ScriptCost), nil
	case "claude", "":
		return worker.NewClaudeCollaborator(worker.ClaudeConfig{
			Model:         anthropic.Model(cfg.Anthropic.Model),
			APIKey:        cfg.Anthropic.APIKey,
			UseAWSBedrock: cfg.Anthropic.UseBedrock,
			AWSRegion:     cfg.Anthropic.AWSRegion,
			AWSProfile:    cfg.Anthropic.AWSProfile,
		})
	default:
		return nil, fmt.Errorf("unknown worker backend %q (want claude or script)", cfg.Worker.Backend)
	}
}

// buildEngine assembles graph, pool, store, and pipeline for one topology
// file. The returned closer, if non-nil, releases workspace resources once
// the run is over.
func buildEngine(path string, cfg *config.Config, collab worker.Collaborator, governor *budget.Governor, emitter *orchestrator.EventEmitter) (*orchestrator.Engine, string, func(), error) {
	desc, err := topology.Load(path)
	if err != nil {
		return nil, "", nil, err
	}

	g, err := graph.Build(desc.Tag, desc.BuildTasks())
	if err != nil {
		return nil, "", nil, fmt.Errorf("topology %s: %w", desc.Tag, err)
	}

	var store workspace.Store
	var closeStore func()
	if runRepo != "" {
		gitStore, err := workspace.NewGitStore(runRepo, runTrunk)
		if err != nil {
			return nil, "", nil, fmt.Errorf("open git workspace %s: %w", runRepo, err)
		}
		store = gitStore
		closeStore = gitStore.Close
	} else {
		store = workspace.NewMemStore(nil)
	}

	var builder, tester validation.Checker
	if cfg.Checks.BuildCommand != "" {
		builder = validation.NewCommandChecker(cfg.Checks.BuildCommand)
	}
	if cfg.Checks.TestCommand != "" {
		tester = validation.NewCommandChecker(cfg.Checks.TestCommand)
	}
	pipeline := validation.NewPipeline(builder, tester)
	pipeline.SetStepTimeout(cfg.Timeouts.ValidationStep)

	pool := worker.NewPool(map[models.Role]int{
		models.RoleArchitect: cfg.Pools.Architect,
		models.RoleDeveloper: cfg.Pools.Developer,
		models.RoleTraining:  cfg.Pools.Training,
	}, collab)

	engine := orchestrator.NewEngine(g, pool, store, pipeline, governor, emitter)
	engine.SetBackoff(orchestrator.Backoff{Base: cfg.Retry.BackoffBase, Cap: cfg.Retry.BackoffCap})
	engine.SetInvokeTimeout(cfg.Timeouts.Invoke)
	engine.SetEstimator(func(task *models.Task) float64 {
		return desc.EstimatedCost(task.ID, cfg.Budget.EstimateFor(string(task.Role)))
	})
	return engine, desc.Tag, closeStore, nil
}

// openRunRecorder creates the project state database and a run row.
func openRunRecorder(tags []string, ceiling float64) (*state.DB, *state.Recorder, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, "", fmt.Errorf("get working directory: %w", err)
	}

	db, err := state.OpenProject(cwd)
	if err != nil {
		return nil, nil, "", fmt.Errorf("open state database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, "", fmt.Errorf("migrate state database: %w", err)
	}

	runID := uuid.NewString()
	if err := db.CreateRun(&state.Run{
		ID:         runID,
		Topologies: strings.Join(tags, ","),
		Ceiling:    ceiling,
	}); err != nil {
		db.Close()
		return nil, nil, "", fmt.Errorf("create run record: %w", err)
	}
	return db, state.NewRecorder(db, runID), runID, nil
}

// configWatchPath returns the config file to watch for ceiling raises:
// the project override when present, the user config otherwise.
func configWatchPath() string {
	if path := config.GetProjectConfigPath(); path != "" {
		return path
	}
	path := config.GetUserConfigPath()
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// runHeadlessLoop consumes events to the recorder and stderr while the
// engines run.
func runHeadlessLoop(ctx context.Context, runner *orchestrator.Runner, rec *state.Recorder) orchestrator.Summary {
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range runner.Events() {
			rec.HandleEvent(ev)
			printEvent(ev)
		}
	}()

	summary := runner.Run(ctx)
	<-drained
	return summary
}

func printEvent(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventTaskDispatched:
		fmt.Printf("[%s] %s: dispatched to %s (attempt %d)\n", ev.Topology, ev.TaskID, ev.WorkerID, ev.Attempt)
	case orchestrator.EventTaskCompleted:
		fmt.Printf("[%s] %s: %s (cost %.2f, spent %.2f)\n", ev.Topology, ev.TaskID, color.GreenString("completed"), ev.Cost, ev.Spent)
	case orchestrator.EventTaskRejected:
		fmt.Printf("[%s] %s: %s: %s\n", ev.Topology, ev.TaskID, color.YellowString("rejected"), ev.Message)
	case orchestrator.EventTaskFailed:
		fmt.Printf("[%s] %s: %s: %s\n", ev.Topology, ev.TaskID, color.RedString("failed"), ev.Message)
	case orchestrator.EventMergeConflict:
		fmt.Printf("[%s] %s: %s\n", ev.Topology, ev.TaskID, color.YellowString("merge conflict, rebasing"))
	case orchestrator.EventBudgetWarning, orchestrator.EventBudgetPaused, orchestrator.EventBudgetResumed, orchestrator.EventRoleDegraded:
		fmt.Printf("[%s] %s\n", ev.Topology, color.YellowString(ev.Message))
	case orchestrator.EventTopologyDone:
		fmt.Printf("[%s] done: %s\n", ev.Topology, ev.Message)
	}
}

// overallHalt reduces per-topology halt reasons to one run-level reason.
func overallHalt(summary orchestrator.Summary) string {
	for _, res := range summary.Results {
		if res.Halt != orchestrator.HaltCompleted {
			return string(res.Halt)
		}
	}
	return string(orchestrator.HaltCompleted)
}

// renderSummary prints the final per-topology report. Returns an error when
// a topology hit a fatal workspace error so the process exits non-zero.
func renderSummary(summary orchestrator.Summary) error {
	fmt.Println()
	var fatal error
	for _, res := range summary.Results {
		if res.Complete() {
			color.Green("topology %s: completed", res.Topology)
		} else {
			color.Red("topology %s: halted (%s)", res.Topology, res.Halt)
		}
		fmt.Printf("  completed: %d  failed: %d  blocked: %d  pending: %d\n",
			res.Counts[models.TaskStatusCompleted],
			res.Counts[models.TaskStatusFailedTerminal],
			res.Counts[models.TaskStatusBlockedByAncestor],
			res.Counts[models.TaskStatusPending]+res.Counts[models.TaskStatusReady]+res.Counts[models.TaskStatusBlocked]+res.Counts[models.TaskStatusFailedRetryable])
		if res.Err != nil {
			color.Red("  fatal: %v", res.Err)
			fatal = res.Err
		}
	}
	if summary.Ceiling > 0 {
		fmt.Printf("spent %.2f of %.2f\n", summary.Spent, summary.Ceiling)
	} else {
		fmt.Printf("spent %.2f\n", summary.Spent)
	}
	if fatal != nil {
		return fmt.Errorf("run ended with workspace error: %w", fatal)
	}
	return nil
}
