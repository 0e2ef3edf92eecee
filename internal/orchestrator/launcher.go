package orchestrator

import (
	"context"
	"fmt"

	"github.com/roach88/speckit/internal/cliexec"
	"github.com/roach88/speckit/internal/retry"
)

// AgentSpec names one roster entry.
type AgentSpec struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Process is a running agent. *cliexec.Stream satisfies it.
type Process interface {
	// Events is closed after the terminal event.
	Events() <-chan cliexec.Event
	// Wait returns the terminal error, or nil on success.
	Wait() error
	Cancel()
}

// Launcher starts agents.
type Launcher interface {
	Launch(ctx context.Context, agent AgentSpec, prompt string) (Process, error)
}

// CommandResolver maps an agent name to the command that runs it.
type CommandResolver interface {
	Command(agent string) (cliexec.Command, error)
}

// ExecLauncher launches agents as subprocesses.
type ExecLauncher struct {
	exec    *cliexec.Executor
	resolve CommandResolver
}

// NewExecLauncher creates a launcher backed by exec.
func NewExecLauncher(exec *cliexec.Executor, resolve CommandResolver) *ExecLauncher {
	return &ExecLauncher{exec: exec, resolve: resolve}
}

// Launch resolves the agent's command and spawns it.
func (l *ExecLauncher) Launch(ctx context.Context, agent AgentSpec, prompt string) (Process, error) {
	cmd, err := l.resolve.Command(agent.Name)
	if err != nil {
		return nil, retry.Fatal(fmt.Errorf("resolve agent %s: %w", agent.Name, err), "unknown agent", "add it to the agents table")
	}
	stream, err := l.exec.Spawn(ctx, cmd, prompt)
	if err != nil {
		return nil, err
	}
	return stream, nil
}
