package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/speckit/internal/artifact"
	"github.com/roach88/speckit/internal/cliexec"
	"github.com/roach88/speckit/internal/config"
	"github.com/roach88/speckit/internal/events"
	"github.com/roach88/speckit/internal/orchestrator"
	"github.com/roach88/speckit/internal/pipeline"
	"github.com/roach88/speckit/internal/server"
	"github.com/roach88/speckit/internal/store"
	"github.com/roach88/speckit/internal/store/pgstore"
)

// backend is everything the commands need from a store. Both the SQLite
// and the PostgreSQL store satisfy it.
type backend interface {
	orchestrator.Store
	pipeline.Store
	pipeline.ViewStore
	server.Store
	Close() error
}

var (
	_ backend = (*store.Store)(nil)
	_ backend = (*pgstore.Store)(nil)
)

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// openStore opens the store named by dsn.
func openStore(ctx context.Context, dsn string, logger *slog.Logger) (backend, error) {
	if isPostgresURL(dsn) {
		pg, err := pgstore.Open(ctx, pgstore.DefaultConfig(dsn), logger)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	st, err := store.Open(dsn, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return st, nil
}

// session is a loaded config with its store open.
type session struct {
	cfg       *config.Config
	store     backend
	projector *pipeline.Projector
	logger    *slog.Logger
}

// openSession loads the config and opens the store. --db overrides the
// configured database.
func openSession(ctx context.Context, opts *RootOptions) (*session, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DB = opts.Database
	}

	logger := opts.log()
	logger.Debug("opening database", "db", cfg.DB)
	st, err := openStore(ctx, cfg.DB, logger)
	if err != nil {
		return nil, WrapExitError(ExitInfrastructure, "failed to open database", err)
	}

	projector, err := pipeline.NewProjector(st, pipeline.DefaultProjectionSize)
	if err != nil {
		_ = st.Close()
		return nil, WrapExitError(ExitFailure, "failed to create projector", err)
	}
	return &session{cfg: cfg, store: st, projector: projector, logger: logger}, nil
}

func (s *session) Close() error {
	return s.store.Close()
}

// runtime is a session wired for executing pipelines.
type runtime struct {
	*session
	hub         *events.Hub
	coordinator *pipeline.Coordinator
}

// newRuntime wires the orchestrator, artifact writers and coordinator on
// top of a session.
func newRuntime(ctx context.Context, opts *RootOptions) (*runtime, error) {
	s, err := openSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	rt, err := wire(s, opts)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return rt, nil
}

func wire(s *session, opts *RootOptions) (*runtime, error) {
	cfg := s.cfg

	mode, err := cfg.Mode()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid pipeline mode", err)
	}
	prompts, err := cfg.Prompts()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load prompt template", err)
	}

	launcher := opts.Launcher
	if launcher == nil {
		exec := cliexec.NewExecutor(cliexec.WithLogger(s.logger))
		launcher = orchestrator.NewExecLauncher(exec, cfg)
	}

	hub := events.NewHub()
	def, overrides := cfg.Limits()
	orch := orchestrator.New(s.store, launcher,
		orchestrator.WithPublisher(hub),
		orchestrator.WithPolicy(cfg.Policy()),
		orchestrator.WithParallelism(cfg.Pipeline.Parallelism),
		orchestrator.WithRateLimits(def, overrides),
		orchestrator.WithPromptBuilder(prompts),
		orchestrator.WithMetrics(orchestrator.DefaultMetrics()),
		orchestrator.WithLogger(s.logger),
	)

	fileOpts := []artifact.FileOption{artifact.WithFileLogger(s.logger)}
	var writer artifact.Writer = artifact.NewFileWriter(cfg.Artifacts.Dir, fileOpts...)
	if oc, ok := cfg.ObjectConfig(); ok {
		client, err := artifact.NewMinIOClient(oc)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid object store config", err)
		}
		writer = artifact.Multi{writer, artifact.NewObjectWriter(client, oc.Bucket, oc.Prefix, fileOpts...)}
	}

	coord := pipeline.New(orch, s.store, cfg, pipeline.Settings{
		Stages:              cfg.Stages(),
		Mode:                mode,
		StageTimeout:        cfg.Pipeline.StageTimeout,
		Threshold:           cfg.Pipeline.Threshold,
		GateMinParticipants: cfg.Pipeline.GateMinParticipants,
	},
		pipeline.WithArtifactWriter(writer),
		pipeline.WithEvidence(artifact.NewEvidenceLog(cfg.Artifacts.Dir, fileOpts...)),
		pipeline.WithPublisher(hub),
		pipeline.WithProjector(s.projector),
		pipeline.WithMetrics(pipeline.DefaultMetrics()),
		pipeline.WithLogger(s.logger),
	)

	return &runtime{session: s, hub: hub, coordinator: coord}, nil
}

func (r *runtime) Close() error {
	r.hub.Close()
	return r.session.Close()
}
