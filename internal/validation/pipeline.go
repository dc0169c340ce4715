// Package validation runs a proposed change-set through build, isolated
// test, and integration test, and detects composition failures between the
// isolated and integrated results.
package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/muster-dev/muster/internal/workspace"
	"github.com/muster-dev/muster/pkg/models"
)

// Checker is the build/test collaborator interface. The engine does not
// interpret how a check runs; it only consumes pass/fail plus a log.
// Implementations apply the change-set on top of the given baseline.
type Checker interface {
	Run(ctx context.Context, cs *models.ChangeSet, baseline workspace.Snapshot) (pass bool, log string)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, cs *models.ChangeSet, baseline workspace.Snapshot) (bool, string)

// Run calls the underlying function.
func (f CheckerFunc) Run(ctx context.Context, cs *models.ChangeSet, baseline workspace.Snapshot) (bool, string) {
	return f(ctx, cs, baseline)
}

// Step identifies one stage of the validation pipeline.
type Step string

const (
	// StepBuild is the compilation/build stage.
	StepBuild Step = "build"
	// StepIsolated runs tests against the change-set applied alone.
	StepIsolated Step = "isolated_test"
	// StepIntegration runs tests against the change-set applied on top of
	// the current merged trunk.
	StepIntegration Step = "integration_test"
)

// StepResult records the outcome of a single validation step.
type StepResult struct {
	// Step is the stage this result belongs to.
	Step Step
	// Passed indicates whether the step succeeded.
	Passed bool
	// Log is the collaborator's output for the step.
	Log string
	// Duration is how long the step took.
	Duration time.Duration
}

// Result is the immutable outcome of one validation attempt. Steps after
// the first failure are nil, but FailedStep always records where the
// pipeline stopped.
type Result struct {
	// Build is the build step result.
	Build *StepResult
	// Isolated is the isolated test step result.
	Isolated *StepResult
	// Integration is the integration test step result.
	Integration *StepResult
	// FailedStep names the step that failed, or empty if all passed.
	FailedStep Step
	// Composition is true exactly when isolated tests passed and
	// integration tests failed: locally correct, globally broken.
	Composition bool
}

// Accepted reports whether the change-set passed every step. A composition
// failure is always a rejection, never a partial accept.
func (r *Result) Accepted() bool {
	return r.FailedStep == ""
}

// Reason returns a short human-readable rejection reason, or empty when
// the result was accepted.
func (r *Result) Reason() string {
	if r.Accepted() {
		return ""
	}
	if r.Composition {
		return fmt.Sprintf("composition failure: isolated tests passed but %s failed", r.FailedStep)
	}
	return fmt.Sprintf("%s failed", r.FailedStep)
}

// DetectComposition returns true exactly when the isolated result passed
// and the integration result failed. Any other combination, including a
// missing result, is an ordinary failure.
func DetectComposition(isolated, integration *StepResult) bool {
	return isolated != nil && isolated.Passed &&
		integration != nil && !integration.Passed
}

// Pipeline validates change-sets with a build collaborator and a test
// collaborator. Each step is bounded by StepTimeout; a step that exceeds
// it is treated as a failure.
type Pipeline struct {
	// builder runs the build step.
	builder Checker
	// tester runs the isolated and integration test steps.
	tester Checker
	// stepTimeout bounds each collaborator call.
	stepTimeout time.Duration
}

// DefaultStepTimeout bounds a single build or test step.
const DefaultStepTimeout = 10 * time.Minute

// NewPipeline creates a validation pipeline from the two collaborators.
func NewPipeline(builder, tester Checker) *Pipeline {
	return &Pipeline{
		builder:     builder,
		tester:      tester,
		stepTimeout: DefaultStepTimeout,
	}
}

// SetStepTimeout overrides the per-step timeout.
func (p *Pipeline) SetStepTimeout(d time.Duration) {
	if d > 0 {
		p.stepTimeout = d
	}
}

// Validate runs build, isolated test, and integration test in order.
// baseSnapshot is the branch's base; trunkSnapshot is the current merged
// trunk, which may have advanced since the branch was opened. Each step
// short-circuits on failure but the result always records which step failed.
func (p *Pipeline) Validate(ctx context.Context, cs *models.ChangeSet, baseSnapshot, trunkSnapshot workspace.Snapshot) *Result {
	result := &Result{}

	result.Build = p.runStep(ctx, StepBuild, p.builder, cs, baseSnapshot)
	if !result.Build.Passed {
		result.FailedStep = StepBuild
		return result
	}

	result.Isolated = p.runStep(ctx, StepIsolated, p.tester, cs, baseSnapshot)
	if !result.Isolated.Passed {
		result.FailedStep = StepIsolated
		return result
	}

	result.Integration = p.runStep(ctx, StepIntegration, p.tester, cs, trunkSnapshot)
	if !result.Integration.Passed {
		result.FailedStep = StepIntegration
		result.Composition = DetectComposition(result.Isolated, result.Integration)
		return result
	}

	return result
}

// runStep executes one collaborator call under the step timeout.
func (p *Pipeline) runStep(ctx context.Context, step Step, checker Checker, cs *models.ChangeSet, baseline workspace.Snapshot) *StepResult {
	start := time.Now()

	if checker == nil {
		return &StepResult{Step: step, Passed: true, Log: "no checker configured (skipped)", Duration: time.Since(start)}
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.stepTimeout)
	defer cancel()

	type outcome struct {
		pass bool
		log  string
	}
	done := make(chan outcome, 1)
	go func() {
		pass, log := checker.Run(stepCtx, cs, baseline)
		done <- outcome{pass, log}
	}()

	select {
	case o := <-done:
		return &StepResult{Step: step, Passed: o.pass, Log: o.log, Duration: time.Since(start)}
	case <-stepCtx.Done():
		return &StepResult{
			Step:     step,
			Passed:   false,
			Log:      fmt.Sprintf("step %s timed out after %v", step, p.stepTimeout),
			Duration: time.Since(start),
		}
	}
}
