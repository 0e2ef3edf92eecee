package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/speckit/internal/cliexec"
	"github.com/roach88/speckit/internal/orchestrator"
)

// Reply scripts one attempt of a fake agent.
type Reply struct {
	// Output is streamed as a single delta.
	Output string
	// Err ends the stream with an error after Output.
	Err error
	// LaunchErr fails the launch itself.
	LaunchErr error
	// Block holds the stream open until it is cancelled.
	Block bool
	// Delay postpones the output.
	Delay time.Duration
}

// Succeed replies with output.
func Succeed(output string) Reply { return Reply{Output: output} }

// Fail ends the attempt with err.
func Fail(err error) Reply { return Reply{Err: err} }

// Hang blocks until cancelled.
func Hang() Reply { return Reply{Block: true} }

// FakeLauncher is an orchestrator.Launcher whose agents follow scripts.
// Each launch of an agent consumes its next reply; the last reply repeats.
// Agents without a script succeed with "- ok from <name>".
//
// Thread-safety: FakeLauncher is safe for concurrent use.
type FakeLauncher struct {
	mu       sync.Mutex
	scripts  map[string][]Reply
	calls    map[string]int
	prompts  map[string][]string
	launched chan string
}

// NewFakeLauncher creates a launcher with no scripts.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{
		scripts:  make(map[string][]Reply),
		calls:    make(map[string]int),
		prompts:  make(map[string][]string),
		launched: make(chan string, 256),
	}
}

// Script sets the replies for an agent.
func (f *FakeLauncher) Script(agent string, replies ...Reply) *FakeLauncher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[agent] = replies
	return f
}

// Calls returns how many times agent was launched.
func (f *FakeLauncher) Calls(agent string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[agent]
}

// Prompts returns the prompts agent received, in launch order.
func (f *FakeLauncher) Prompts(agent string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts[agent]...)
}

// Launched receives the name of every agent as it is launched.
func (f *FakeLauncher) Launched() <-chan string { return f.launched }

// Launch implements orchestrator.Launcher.
func (f *FakeLauncher) Launch(ctx context.Context, agent orchestrator.AgentSpec, prompt string) (orchestrator.Process, error) {
	f.mu.Lock()
	n := f.calls[agent.Name]
	f.calls[agent.Name] = n + 1
	f.prompts[agent.Name] = append(f.prompts[agent.Name], prompt)
	reply := Succeed("- ok from " + agent.Name)
	if script := f.scripts[agent.Name]; len(script) > 0 {
		if n >= len(script) {
			n = len(script) - 1
		}
		reply = script[n]
	}
	f.mu.Unlock()

	if reply.LaunchErr != nil {
		return nil, reply.LaunchErr
	}
	p := &fakeProcess{
		events: make(chan cliexec.Event, 4),
		done:   make(chan struct{}),
		cancel: make(chan struct{}),
	}
	go p.run(ctx, reply)

	select {
	case f.launched <- agent.Name:
	default:
	}
	return p, nil
}

type fakeProcess struct {
	events chan cliexec.Event
	done   chan struct{}
	cancel chan struct{}
	once   sync.Once
	err    error
}

func (p *fakeProcess) Events() <-chan cliexec.Event { return p.events }

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Cancel() {
	p.once.Do(func() { close(p.cancel) })
}

func (p *fakeProcess) run(ctx context.Context, reply Reply) {
	defer close(p.done)
	defer close(p.events)

	var wait <-chan time.Time
	switch {
	case reply.Block:
	case reply.Delay > 0:
		wait = time.After(reply.Delay)
	default:
		ch := make(chan time.Time)
		close(ch)
		wait = ch
	}

	select {
	case <-wait:
	case <-p.cancel:
		p.stop(nil)
		return
	case <-ctx.Done():
		p.stop(ctx)
		return
	}

	if reply.Output != "" {
		p.events <- cliexec.Event{Kind: cliexec.EventDelta, Text: reply.Output}
	}
	if reply.Err != nil {
		p.err = reply.Err
		p.events <- cliexec.Event{Kind: cliexec.EventError, Err: reply.Err}
		return
	}
	p.events <- cliexec.Event{Kind: cliexec.EventDone}
}

func (p *fakeProcess) stop(ctx context.Context) {
	e := &cliexec.Error{Kind: cliexec.KindCancelled, Message: "cancelled"}
	if ctx != nil {
		e.Err = context.Cause(ctx)
	}
	p.err = e
	p.events <- cliexec.Event{Kind: cliexec.EventError, Err: e}
}
