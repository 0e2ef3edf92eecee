package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/events"
	"github.com/roach88/speckit/internal/pipeline"
)

var (
	green  = color.New(color.FgGreen, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow, color.Bold).SprintFunc()
	red    = color.New(color.FgRed, color.Bold).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func statusLabel(s domain.PipelineStatus) string {
	switch s {
	case domain.StatusCompletedSuccess:
		return green(string(s))
	case domain.StatusPausedForReview, domain.StatusCancelled:
		return yellow(string(s))
	case domain.StatusCompletedFailure:
		return red(string(s))
	default:
		return cyan(string(s))
	}
}

func outcomeMark(o domain.StageOutcome) string {
	switch o {
	case domain.OutcomeAdvanced:
		return green("✓")
	case domain.OutcomeDegraded, domain.OutcomeHalted:
		return yellow("!")
	default:
		return red("✗")
	}
}

func phaseLabel(stage domain.Stage, cp domain.Checkpoint) string {
	if cp != "" {
		return fmt.Sprintf("%s gate before %s", cp.Gate(), stage)
	}
	return string(stage)
}

// writeRun prints a run and its stage history.
func writeRun(w io.Writer, st domain.PipelineState) {
	fmt.Fprintf(w, "%s %s  %s\n", bold("Run"), st.RunID, statusLabel(st.Status))
	fmt.Fprintf(w, "  spec:    %s\n", st.SpecID)
	if st.ResumedFromRun != "" {
		fmt.Fprintf(w, "  resumed: %s\n", st.ResumedFromRun)
	}
	fmt.Fprintf(w, "  stage:   %s (%d)\n", st.CurrentStage, st.CurrentStageIndex)
	if st.HaltReason != "" {
		fmt.Fprintf(w, "  reason:  %s\n", st.HaltReason)
	}
	if len(st.StageHistory) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, rec := range st.StageHistory {
		line := fmt.Sprintf("  %s %-32s %d/%d  %s", outcomeMark(rec.Outcome),
			phaseLabel(rec.Stage, rec.Checkpoint), rec.Participants, rec.Expected, rec.Outcome)
		if rec.Detail != "" {
			line += "  " + gray(rec.Detail)
		}
		fmt.Fprintln(w, line)
	}
}

// writeHalt prints the halt report with the resume hint highlighted.
func writeHalt(w io.Writer, he *pipeline.HaltError) {
	for _, line := range strings.Split(strings.TrimRight(he.Report(), "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "Pipeline "):
			fmt.Fprintf(w, "%s %s\n", bold("Pipeline"), statusLabel(he.Status))
		case strings.HasPrefix(line, "  resume:"):
			fmt.Fprintf(w, "  resume: %s\n", cyan(he.ResumeCommand()))
		default:
			fmt.Fprintln(w, line)
		}
	}
}

// followProgress prints stage events from sub until it is closed. The
// returned channel is closed when printing stops.
func followProgress(w io.Writer, sub *events.Subscription, verbose bool) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub.C() {
			switch e.Type {
			case events.StageStarted:
				fmt.Fprintf(w, "%s %s (%d agents)\n", gray("→"), phaseLabel(e.Stage, e.Checkpoint), e.Expected)
			case events.StageCompleted, events.GateEvaluated:
				fmt.Fprintf(w, "%s %s: %d/%d agents, %s\n",
					outcomeMark(e.Outcome), phaseLabel(e.Stage, e.Checkpoint), e.Participants, e.Expected, e.Outcome)
			case events.AgentFailed:
				fmt.Fprintf(w, "  %s %s: %s\n", red("✗"), e.AgentName, e.Error)
			case events.AgentRetrying:
				if verbose {
					fmt.Fprintf(w, "  %s %s retrying (attempt %d)\n", yellow("↻"), e.AgentName, e.Attempt)
				}
			}
		}
	}()
	return done
}
