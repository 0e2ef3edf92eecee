package retry

import (
	"context"
	"log/slog"
	"time"
)

// Attempt describes a scheduled retry. It is passed to observers.
type Attempt struct {
	Number int           // attempt that just failed, starting at 1
	Delay  time.Duration // sleep before the next attempt
	Err    error
	Class  Class
}

// Option configures a retry loop.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer func(Attempt)
	rand     func() float64
	op       string
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver registers a callback invoked before every backoff sleep.
func WithObserver(fn func(Attempt)) Option {
	return func(o *options) { o.observer = fn }
}

// WithOperation names the operation in log lines.
func WithOperation(name string) Option {
	return func(o *options) { o.op = name }
}

// WithRand overrides the jitter source. Used by tests.
func WithRand(fn func() float64) Option {
	return func(o *options) { o.rand = fn }
}

func buildOptions(opts []Option) *options {
	o := &options{logger: slog.Default(), op: "operation"}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) scheduled(s *schedule, err error, delay time.Duration) {
	a := Attempt{Number: s.attempt - 1, Delay: delay, Err: err, Class: ClassOf(err)}
	o.logger.Debug("retrying",
		"op", o.op,
		"attempt", a.Number,
		"max_attempts", s.policy.MaxAttempts,
		"delay", delay,
		"class", a.Class.String(),
		"error", err)
	if o.observer != nil {
		o.observer(a)
	}
}

func (o *options) stop(s *schedule, err error) error {
	if ClassOf(err) == Permanent {
		return err
	}
	o.logger.Warn("retries exhausted", "op", o.op, "attempts", s.attempt, "error", err)
	return &ExhaustedError{Attempts: s.attempt, Err: err}
}

// Do runs op until it succeeds, fails permanently, or the policy runs out of
// attempts. Backoff sleeps suspend on a timer and abort when ctx is done.
//
// Permanent errors are returned unchanged. Retryable and Degraded errors
// that persist through MaxAttempts are wrapped in *ExhaustedError.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	o := buildOptions(opts)
	s := newSchedule(p, o.rand)
	var zero T

	for {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		delay, ok := s.next(err)
		if !ok {
			return zero, o.stop(s, err)
		}
		o.scheduled(s, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, context.Cause(ctx)
		case <-timer.C:
		}
	}
}

// DoVoid is Do for operations without a result.
func DoVoid(ctx context.Context, p Policy, op func(ctx context.Context) error, opts ...Option) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// DoBlocking is the blocking variant of Do: it parks the calling goroutine
// with time.Sleep and cannot be interrupted between attempts. The decision
// logic is identical to Do.
func DoBlocking[T any](p Policy, op func() (T, error), opts ...Option) (T, error) {
	o := buildOptions(opts)
	s := newSchedule(p, o.rand)
	var zero T

	for {
		v, err := op()
		if err == nil {
			return v, nil
		}
		delay, ok := s.next(err)
		if !ok {
			return zero, o.stop(s, err)
		}
		o.scheduled(s, err, delay)
		time.Sleep(delay)
	}
}

// Outcome is the result delivered by Async.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Async runs Do on a new goroutine and delivers its outcome on the returned
// channel, which receives exactly one value and is then closed.
func Async[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), opts ...Option) <-chan Outcome[T] {
	out := make(chan Outcome[T], 1)
	go func() {
		defer close(out)
		v, err := Do(ctx, p, op, opts...)
		out <- Outcome[T]{Value: v, Err: err}
	}()
	return out
}
