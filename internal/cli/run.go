package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/pipeline"
	"github.com/roach88/speckit/internal/server"
)

// RunOptions holds flags for the run and resume commands.
type RunOptions struct {
	*RootOptions
	Serve string
	From  string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <spec-id>",
		Short: "Run a spec through the pipeline",
		Long: `Run a spec through every configured stage under a new run id.

Each stage is preceded by its quality gate when one is configured. The run
stops at the first stage or gate that does not reach consensus and prints
the command that resumes it.

Exit codes:
  0    completed_success
  1    completed_failure
  10   paused_for_review
  130  cancelled

Example:
  speckit run SPEC-42
  speckit run SPEC-42 --serve :8080 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, opts, func(ctx context.Context, c *pipeline.Coordinator) (domain.PipelineState, error) {
				return c.Run(ctx, args[0])
			})
		},
	}

	addAddrFlag(cmd.Flags(), &opts.Serve, "serve", "also serve the HTTP API and event stream on this address")

	return cmd
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resume <spec-id> --from <stage>",
		Short: "Resume a halted spec from a stage",
		Long: `Resume a spec from the given stage under a fresh run id.

Agents the previous run left open are marked failed first. The newest
synthesis of the stage before --from is handed to the agents as context.

Example:
  speckit resume SPEC-42 --from plan`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := domain.ParseStage(opts.From)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --from", err)
			}
			return runPipeline(cmd, opts, func(ctx context.Context, c *pipeline.Coordinator) (domain.PipelineState, error) {
				return c.Resume(ctx, args[0], from)
			})
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "stage to resume from (required)")
	addAddrFlag(cmd.Flags(), &opts.Serve, "serve", "also serve the HTTP API and event stream on this address")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}

type pipelineFunc func(ctx context.Context, c *pipeline.Coordinator) (domain.PipelineState, error)

func runPipeline(cmd *cobra.Command, opts *RunOptions, fn pipelineFunc) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	rt, err := newRuntime(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() {
		stop()
		if closeErr := rt.Close(); closeErr != nil {
			rt.logger.Error("error closing database", "error", closeErr)
		}
	}()

	if opts.Serve != "" {
		srv := server.New(rt.store, rt.projector, rt.hub, server.WithLogger(rt.logger))
		go func() {
			if err := srv.ListenAndServe(ctx, opts.Serve); err != nil {
				rt.logger.Error("server stopped", "addr", opts.Serve, "error", err)
			}
		}()
	}

	f := opts.newFormatter(cmd)
	sub := rt.hub.Subscribe(nil)
	done := followProgress(f.Diag(), sub, opts.Verbose)

	st, runErr := fn(ctx, rt.coordinator)

	// Closing the hub flushes queued events to the follower.
	rt.hub.Close()
	<-done

	return report(f, st, runErr)
}

// report prints the outcome of a run and maps it to an exit code.
func report(f *OutputFormatter, st domain.PipelineState, err error) error {
	if err == nil {
		if f.JSON() {
			return f.Success(st)
		}
		writeRun(f.Writer, st)
		return nil
	}

	code := exitCodeFor(err)
	he, ok := pipeline.AsHalt(err)
	if !ok {
		return WrapExitError(code, "pipeline failed", err)
	}

	if f.JSON() {
		if jerr := f.Error(errorCode(code), he.Error(), haltDetails(he)); jerr != nil {
			return jerr
		}
	} else {
		writeHalt(f.Writer, he)
	}
	return &ExitError{Code: code, Message: fmt.Sprintf("run %s", he.RunID), Err: err, Reported: true}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM. It
// derives from the command's context when one is set (for testing).
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			fmt.Fprintf(cmd.ErrOrStderr(), "received %s, cancelling\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan) // Prevent signal handler leak
		cancel()
	}
}
