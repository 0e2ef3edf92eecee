package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/pipeline"
	"github.com/roach88/speckit/internal/store"
)

// errorWidth caps the error column of agent tables.
const errorWidth = 60

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run, its agents and syntheses",
		Long: `Show the persisted state of a run: pipeline status, stage history,
agent executions and the syntheses recorded so far.

Example:
  speckit status run_SPEC-42_1773480413_0a1b2c3d
  speckit status run_SPEC-42_1773480413_0a1b2c3d --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			view, err := s.projector.View(cmd.Context(), args[0])
			if err != nil {
				return queryError("failed to load run", err)
			}

			f := rootOpts.newFormatter(cmd)
			if f.JSON() {
				return f.Success(view)
			}
			writeView(f.Writer, view)
			return nil
		},
	}
	return cmd
}

// AgentsOptions holds flags for the agents command.
type AgentsOptions struct {
	*RootOptions
	Run   string
	Spec  string
	Stage string
}

// NewAgentsCommand creates the agents command.
func NewAgentsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AgentsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List agent executions",
		Long: `List agent executions of a run, or of one stage of a spec across runs.

Example:
  speckit agents --run run_SPEC-42_1773480413_0a1b2c3d
  speckit agents --spec SPEC-42 --stage plan`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listAgents(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Run, "run", "", "run id")
	cmd.Flags().StringVar(&opts.Spec, "spec", "", "spec id (with --stage)")
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "stage (with --spec)")
	cmd.MarkFlagsMutuallyExclusive("run", "spec")
	cmd.MarkFlagsRequiredTogether("spec", "stage")
	cmd.MarkFlagsOneRequired("run", "spec")

	return cmd
}

func listAgents(cmd *cobra.Command, opts *AgentsOptions) error {
	s, err := openSession(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	var execs []domain.AgentExecution
	if opts.Run != "" {
		execs, err = s.store.QueryByRun(cmd.Context(), opts.Run)
	} else {
		stage, perr := domain.ParseStage(opts.Stage)
		if perr != nil {
			return WrapExitError(ExitCommandError, "invalid --stage", perr)
		}
		execs, err = s.store.QueryBySpecStage(cmd.Context(), opts.Spec, stage)
	}
	if err != nil {
		return queryError("failed to query agents", err)
	}

	f := opts.newFormatter(cmd)
	if f.JSON() {
		return f.Success(execs)
	}
	writeAgents(f.Writer, execs)
	return nil
}

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	Spec  string
	Limit int
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List pipeline runs, newest first",
		Long: `List pipeline runs ordered by last update, newest first.

Example:
  speckit runs
  speckit runs --spec SPEC-42 --limit 5`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer s.Close()

			runs, err := s.store.ListRuns(cmd.Context(), opts.Spec, opts.Limit)
			if err != nil {
				return queryError("failed to list runs", err)
			}

			f := opts.newFormatter(cmd)
			if f.JSON() {
				return f.Success(runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(f.Writer, "No runs.")
				return nil
			}
			for _, r := range runs {
				fmt.Fprintf(f.Writer, "%-44s %-12s %s %-10s %s\n", r.RunID, r.SpecID,
					pad(statusLabel(r.Status), 18), r.CurrentStage, r.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Spec, "spec", "", "only runs of this spec")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to list (0 for all)")

	return cmd
}

// queryError maps a store read failure to an exit error.
func queryError(msg string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return WrapExitError(ExitFailure, msg, err)
	}
	return WrapExitError(exitCodeFor(err), msg, err)
}

func writeView(w io.Writer, view pipeline.RunView) {
	writeRun(w, view.State)

	if len(view.Agents) > 0 {
		fmt.Fprintf(w, "\n%s", bold("Agents"))
		for _, state := range []domain.AgentState{
			domain.AgentCompleted, domain.AgentFailed, domain.AgentCancelled,
			domain.AgentRunning, domain.AgentRetrying, domain.AgentQueued, domain.AgentPending,
		} {
			if n := view.Counts[state]; n > 0 {
				fmt.Fprintf(w, "  %s=%d", state, n)
			}
		}
		fmt.Fprintln(w)
		writeAgents(w, view.Agents)
	}

	if len(view.Syntheses) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("Syntheses"))
		for _, r := range view.Syntheses {
			fmt.Fprintf(w, "  %-32s %-9s %d/%d  agreements=%d conflicts=%d",
				phaseLabel(r.Stage, r.Checkpoint), r.Status(), r.ParticipantCount, r.ExpectedCount,
				len(r.Agreements), len(r.Conflicts))
			if r.OutputPath != "" {
				fmt.Fprintf(w, "  %s", gray(r.OutputPath))
			}
			fmt.Fprintln(w)
		}
	}
}

func writeAgents(w io.Writer, execs []domain.AgentExecution) {
	if len(execs) == 0 {
		fmt.Fprintln(w, "  (no agents)")
		return
	}
	for _, e := range execs {
		phase := string(e.Stage)
		if e.PhaseType == domain.PhaseQualityGate {
			phase += " (gate)"
		}
		line := fmt.Sprintf("  %-14s %-16s %s #%d  %s", e.AgentName, phase, pad(agentState(e.State), 10), e.Attempt, e.AgentID)
		if e.ErrorMessage != "" {
			msg := strings.Join(strings.Fields(e.ErrorMessage), " ")
			line += "  " + red(ansi.Truncate(e.ErrorClass+": "+msg, errorWidth, "…"))
		}
		fmt.Fprintln(w, line)
	}
}

func agentState(s domain.AgentState) string {
	switch s {
	case domain.AgentCompleted:
		return green(string(s))
	case domain.AgentFailed:
		return red(string(s))
	case domain.AgentCancelled, domain.AgentRetrying:
		return yellow(string(s))
	default:
		return cyan(string(s))
	}
}

// pad right-pads s to n visible cells, ignoring escape sequences.
func pad(s string, n int) string {
	if w := ansi.StringWidth(s); w < n {
		return s + strings.Repeat(" ", n-w)
	}
	return s
}
