package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/muster-dev/muster/internal/orchestrator"
)

// Run drives the progress view for a runner until every engine halts or the
// operator quits. Engine events are forwarded to the view; onEvent, when
// non-nil, also observes each event (for persistence).
func Run(ctx context.Context, runner *orchestrator.Runner, refresh time.Duration, onEvent func(orchestrator.Event)) (orchestrator.Summary, error) {
	app := New(runner.Statuses, runner.Abort, refresh)
	p := tea.NewProgram(app)

	var summary orchestrator.Summary
	runDone := make(chan struct{})
	go func() {
		summary = runner.Run(ctx)
		close(runDone)
	}()

	// The runner closes its event channel when all engines have halted, so
	// the forwarder ends before the done signal is sent.
	go func() {
		for ev := range runner.Events() {
			if onEvent != nil {
				onEvent(ev)
			}
			p.Send(EventMsg{Event: ev})
		}
		<-runDone
		p.Send(RunDoneMsg{Summary: summary})
	}()

	if _, err := p.Run(); err != nil {
		return orchestrator.Summary{}, fmt.Errorf("running tui: %w", err)
	}

	// The program can exit on operator quit before the engines halt; the
	// abort already fired, so wait for the runner to wind down.
	<-runDone
	return summary, nil
}
