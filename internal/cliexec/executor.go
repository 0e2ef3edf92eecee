// Package cliexec spawns model-backend CLIs and turns their output into a
// stream of typed events.
//
// Each child runs in its own process group. Cancellation sends SIGTERM to the
// group and escalates to SIGKILL after a short grace period. Blocking pipe
// reads happen on a dedicated goroutine; a single pump goroutine owns the
// event channel and emits exactly one terminal event before closing it.
package cliexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultKillGrace  = 50 * time.Millisecond
	defaultDrainGrace = 2 * time.Second
	defaultStderrTail = 8 * 1024
	readChunkSize     = 32 * 1024
	eventBuffer       = 64
)

// Executor spawns backend processes.
type Executor struct {
	logger     *slog.Logger
	killGrace  time.Duration
	drainGrace time.Duration
	lookPath   func(string) (string, error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithKillGrace sets the delay between SIGTERM and SIGKILL.
func WithKillGrace(d time.Duration) Option {
	return func(e *Executor) { e.killGrace = d }
}

// WithLookPath overrides binary resolution. Used by tests.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(e *Executor) { e.lookPath = fn }
}

// NewExecutor creates an executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		logger:     slog.Default(),
		killGrace:  defaultKillGrace,
		drainGrace: defaultDrainGrace,
		lookPath:   exec.LookPath,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Spawn starts cmd with prompt and returns its event stream. The stream
// stops, and the process group is terminated, when ctx is done.
func (e *Executor) Spawn(ctx context.Context, cmd Command, prompt string) (*Stream, error) {
	path, err := e.lookPath(cmd.Name)
	if err != nil {
		return nil, &Error{Kind: KindBinaryNotFound, Binary: cmd.Name, Hint: cmd.InstallHint, Err: err}
	}

	args := append([]string{}, cmd.Args...)
	if cmd.PromptMode == PromptArg {
		args = append(args, prompt)
	}

	c := exec.Command(path, args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = mergeEnv(os.Environ(), cmd.Env)
	}
	if cmd.PromptMode != PromptArg {
		c.Stdin = strings.NewReader(prompt)
	}
	configureProcessGroup(c)

	// An explicit pipe keeps buffered output readable after the child exits;
	// exec's StdoutPipe would be closed by Wait.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	c.Stdout = stdoutW
	tail := newTailBuffer(defaultStderrTail)
	c.Stderr = tail
	c.WaitDelay = e.drainGrace

	start := time.Now()
	if err := c.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, &Error{Kind: KindBinaryNotFound, Binary: cmd.Name, Hint: cmd.InstallHint, Err: err}
		}
		return nil, fmt.Errorf("start %s: %w", cmd.Name, err)
	}
	stdoutW.Close()

	s := &Stream{
		cmd:       cmd,
		proc:      c,
		events:    make(chan Event, eventBuffer),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		stopCh:    make(chan struct{}),
		stderr:    tail,
		started:   start,
		logger:    e.logger.With("command", cmd.Name, "pid", c.Process.Pid),
		killGrace: e.killGrace,
		decoder:   NewDecoder(cmd, e.logger),
	}
	s.logger.Debug("process started", "args", cmd.Args, "format", cmd.Format)

	chunks := make(chan []byte, 16)
	go readChunks(stdoutR, chunks)
	go func() {
		s.waitErr = c.Wait()
		close(s.exited)
	}()
	go s.pump(ctx, chunks, stdoutR, e.drainGrace)

	return s, nil
}

// Stream is a running backend process.
type Stream struct {
	cmd       Command
	proc      *exec.Cmd
	events    chan Event
	done      chan struct{}
	exited    chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	termOnce  sync.Once
	stderr    *tailBuffer
	started   time.Time
	logger    *slog.Logger
	killGrace time.Duration
	decoder   *Decoder

	waitErr error // written by the waiter before exited closes
	err     error // written by the pump before done closes
}

// Events returns the event channel. It is closed after the terminal event.
func (s *Stream) Events() <-chan Event { return s.events }

// Cancel stops the process. It is idempotent and safe to call concurrently
// with completion.
func (s *Stream) Cancel() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Wait blocks until the stream has finished and returns its terminal error,
// or nil when it ended with EventDone.
func (s *Stream) Wait() error {
	<-s.done
	return s.err
}

// Done is closed when the stream has finished.
func (s *Stream) Done() <-chan struct{} { return s.done }

// PID returns the child's process id.
func (s *Stream) PID() int { return s.proc.Process.Pid }

// StderrTail returns the last bytes written to stderr.
func (s *Stream) StderrTail() string { return s.stderr.String() }

func readChunks(r io.Reader, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			return
		}
	}
}

// pump is the only writer of s.events.
func (s *Stream) pump(ctx context.Context, chunks <-chan []byte, stdout *os.File, drainGrace time.Duration) {
	defer close(s.done)
	defer close(s.events)
	defer stdout.Close()

	var timeout <-chan time.Time
	if s.cmd.Timeout > 0 {
		t := time.NewTimer(s.cmd.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	var (
		stopErr  *Error
		terminal *Event
		drain    <-chan time.Time
	)
	ctxDone := ctx.Done()
	stopCh := s.stopCh
	exited := s.exited

	handle := func(events []Event) {
		for _, ev := range events {
			if ev.IsTerminal() {
				if terminal == nil {
					ev := ev
					terminal = &ev
				}
				continue
			}
			s.emit(ev)
		}
	}

	for chunks != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			handle(s.decoder.Feed(chunk))
		case <-ctxDone:
			ctxDone, stopCh = nil, nil
			stopErr = &Error{Kind: KindCancelled, Message: "context cancelled", Err: context.Cause(ctx)}
			s.terminate()
		case <-stopCh:
			ctxDone, stopCh = nil, nil
			stopErr = &Error{Kind: KindCancelled, Message: "cancelled"}
			s.terminate()
		case <-timeout:
			timeout = nil
			if stopErr == nil {
				stopErr = &Error{Kind: KindTimeout, Elapsed: time.Since(s.started)}
			}
			s.terminate()
		case <-exited:
			// Descendants that escaped the group may hold stdout open.
			exited = nil
			drain = time.After(drainGrace)
		case <-drain:
			drain = nil
			s.logger.Warn("stdout still open after exit, closing")
			stdout.Close()
		}
	}
	handle(s.decoder.Flush())
	<-s.exited

	s.err = s.finish(stopErr, terminal)
	if s.err != nil {
		s.emitTerminal(Event{Kind: EventError, Err: s.err})
	} else {
		s.emitTerminal(Event{Kind: EventDone})
	}
}

// finish picks the single terminal outcome of the stream.
func (s *Stream) finish(stopErr *Error, terminal *Event) error {
	elapsed := time.Since(s.started)
	code := -1
	if s.proc.ProcessState != nil {
		code = s.proc.ProcessState.ExitCode()
	}

	switch {
	case terminal != nil && terminal.Kind == EventDone:
		s.logger.Debug("process finished", "exit_code", code, "elapsed", elapsed)
		return nil
	case stopErr != nil:
		s.logger.Info("process stopped", "reason", stopErr.Kind, "elapsed", elapsed)
		return stopErr
	case terminal != nil && terminal.Kind == EventError:
		s.logger.Warn("backend reported error", "error", terminal.Err, "exit_code", code)
		return terminal.Err
	case code != 0:
		err := classifyExit(code, s.stderr.String(), s.cmd)
		s.logger.Warn("process exited with error", "exit_code", code, "kind", err.Kind, "wait_error", s.waitErr)
		return err
	case !s.decoder.SawContent() && s.decoder.Malformed() > 0:
		return &Error{Kind: KindParseError, Message: fmt.Sprintf("%d unparsable lines and no output", s.decoder.Malformed())}
	default:
		s.logger.Debug("process finished", "exit_code", code, "elapsed", elapsed)
		return nil
	}
}

// terminate sends SIGTERM to the group and SIGKILL after the grace period
// unless the child has exited by then.
func (s *Stream) terminate() {
	s.termOnce.Do(func() {
		terminateGroup(s.proc)
		go func() {
			select {
			case <-s.exited:
			case <-time.After(s.killGrace):
				killGroup(s.proc)
			}
		}()
	})
}

func (s *Stream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.stopCh:
		// Consumer asked to stop; drop non-terminal events.
	}
}

func (s *Stream) emitTerminal(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Buffer full and nobody reading; Wait still reports the outcome.
		select {
		case s.events <- ev:
		case <-s.stopCh:
		case <-time.After(s.killGrace):
		}
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, override := extra[name]; override {
			continue
		}
		env = append(env, kv)
	}
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = defaultStderrTail
	}
	return &tailBuffer{max: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}
	if len(t.buf)+len(p) > t.max {
		excess := len(t.buf) + len(p) - t.max
		t.buf = t.buf[excess:]
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
