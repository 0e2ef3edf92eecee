package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roach88/speckit/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only HTTP API",
		Long: `Serve runs, agent executions and Prometheus metrics over HTTP until
interrupted. Live events are only streamed by "speckit run --serve".

Endpoints:
  GET /healthz
  GET /metrics
  GET /runs?spec=&limit=
  GET /runs/:run_id
  GET /runs/:run_id/agents
  GET /specs/:spec_id/stages/:stage/agents

Example:
  speckit serve --addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			s, err := openSession(ctx, opts.RootOptions)
			if err != nil {
				return err
			}
			defer s.Close()

			addr := opts.Addr
			if addr == "" {
				addr = s.cfg.Server.Addr
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Serving on %s. Press Ctrl-C to stop.\n", addr)

			srv := server.New(s.store, s.projector, nil, server.WithLogger(s.logger))
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				return WrapExitError(ExitInfrastructure, "server error", err)
			}
			return nil
		},
	}

	addAddrFlag(cmd.Flags(), &opts.Addr, "addr", "listen address (default from config)")

	return cmd
}

// addAddrFlag registers a listen-address flag.
func addAddrFlag(fs *pflag.FlagSet, target *string, name, usage string) {
	fs.StringVar(target, name, "", usage)
}
