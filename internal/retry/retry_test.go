package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("database is busy")

func TestDo_RetryableThenSuccess(t *testing.T) {
	policy := Policy{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
		JitterFactor:      0,
	}

	var calls atomic.Int32
	start := time.Now()
	v, err := Do(context.Background(), policy, func(ctx context.Context) (string, error) {
		if calls.Add(1) <= 2 {
			return "", Transient(errBusy, "busy")
		}
		return "ok", nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(3), calls.Load())
	// 100ms + 200ms of backoff
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 600*time.Millisecond)
}

func TestDo_PermanentStopsAfterOneAttempt(t *testing.T) {
	var calls int
	permanent := Fatal(errors.New("bad input"), "input", "")
	_, err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Same(t, permanent, err)
	assert.False(t, IsExhausted(err))
}

func TestDo_UnclassifiedErrorIsPermanent(t *testing.T) {
	var calls int
	_, err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: 5 * time.Millisecond}

	var calls int
	_, err := Do(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		return 0, Transient(errBusy, "busy")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsExhausted(err))
	assert.ErrorIs(t, err, errBusy)

	var ee *ExhaustedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Attempts)
	assert.Equal(t, Permanent, ClassOf(err), "exhausted loops must not be retried by an outer loop")
}

func TestDo_DegradedIsRetried(t *testing.T) {
	policy := Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond}

	var calls int
	_, err := Do(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		return 0, degradedErr{}
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ElapsedWithinBound(t *testing.T) {
	policy := Policy{
		MaxAttempts:       4,
		InitialBackoff:    10 * time.Millisecond,
		BackoffMultiplier: 3,
		MaxBackoff:        40 * time.Millisecond,
		JitterFactor:      0.5,
	}

	start := time.Now()
	_, err := Do(context.Background(), policy, func(ctx context.Context) (int, error) {
		return 0, Transient(errBusy, "busy")
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	// Curve: 10 + 30 + 40 = 80ms. Worst case: 3 * 40ms * 1.5 = 180ms.
	assert.Equal(t, 80*time.Millisecond, policy.CurveElapsed())
	assert.Equal(t, 180*time.Millisecond, policy.MaxElapsed())
	assert.Less(t, elapsed, policy.MaxElapsed()+100*time.Millisecond)
}

func TestDo_SuggestedBackoffStaysWithinMaxElapsed(t *testing.T) {
	suggestions := []time.Duration{0, time.Millisecond, 3 * time.Millisecond, 4 * time.Millisecond, time.Second}
	jitters := []float64{0, 0.5, 1}

	for _, suggested := range suggestions {
		for _, jitter := range jitters {
			policy := Policy{
				MaxAttempts:       3,
				InitialBackoff:    100 * time.Microsecond,
				BackoffMultiplier: 2,
				MaxBackoff:        4 * time.Millisecond,
				JitterFactor:      jitter,
			}

			var slept time.Duration
			_, err := Do(context.Background(), policy, func(ctx context.Context) (int, error) {
				if suggested == 0 {
					return 0, Transient(errBusy, "busy")
				}
				return 0, TransientAfter(errBusy, "busy", suggested)
			},
				WithRand(func() float64 { return 0.999999 }),
				WithObserver(func(a Attempt) { slept += a.Delay }),
			)

			require.Error(t, err)
			assert.True(t, IsExhausted(err))
			assert.LessOrEqual(t, slept, policy.MaxElapsed(), "suggested=%s jitter=%.1f", suggested, jitter)
		}
	}
}

func TestMaxElapsed_InitialAboveCap(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialBackoff: time.Second, BackoffMultiplier: 2, MaxBackoff: 2 * time.Millisecond}

	var delays []time.Duration
	_, err := Do(context.Background(), policy, func(ctx context.Context) (int, error) {
		return 0, Transient(errBusy, "busy")
	}, WithObserver(func(a Attempt) { delays = append(delays, a.Delay) }))

	require.Error(t, err)
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 2 * time.Millisecond}, delays)
	assert.Equal(t, 4*time.Millisecond, policy.MaxElapsed())
	assert.Equal(t, 4*time.Millisecond, policy.CurveElapsed())
}

func TestDo_SuggestedBackoffOverridesCurve(t *testing.T) {
	policy := Policy{MaxAttempts: 2, InitialBackoff: 5 * time.Second, BackoffMultiplier: 2, MaxBackoff: 10 * time.Second}

	var delays []time.Duration
	var calls int
	_, err := Do(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, TransientAfter(errBusy, "busy", 5*time.Millisecond)
		}
		return 1, nil
	}, WithObserver(func(a Attempt) { delays = append(delays, a.Delay) }))

	require.NoError(t, err)
	require.Len(t, delays, 1)
	assert.Equal(t, 5*time.Millisecond, delays[0])
}

func TestDo_SuggestedBackoffCappedAtMax(t *testing.T) {
	policy := Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: 3 * time.Millisecond}

	var delays []time.Duration
	_, _ = Do(context.Background(), policy, func(ctx context.Context) (int, error) {
		return 0, TransientAfter(errBusy, "rate limited", time.Minute)
	}, WithObserver(func(a Attempt) { delays = append(delays, a.Delay) }))

	require.Len(t, delays, 1)
	assert.Equal(t, 3*time.Millisecond, delays[0])
}

func TestDo_JitterStaysInRange(t *testing.T) {
	policy := Policy{MaxAttempts: 2, InitialBackoff: 100 * time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Second, JitterFactor: 0.5}

	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		s := newSchedule(policy, func() float64 { return r })
		d, ok := s.next(Transient(errBusy, "busy"))
		require.True(t, ok)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxAttempts: 5, InitialBackoff: time.Hour, BackoffMultiplier: 1, MaxBackoff: time.Hour}

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, policy, func(ctx context.Context) (int, error) {
			return 0, Transient(errBusy, "busy")
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDoBlocking_MatchesDo(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: 10 * time.Millisecond}

	var calls int
	v, err := DoBlocking(policy, func() (string, error) {
		calls++
		if calls < 3 {
			return "", Transient(errBusy, "busy")
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, 3, calls)

	calls = 0
	_, err = DoBlocking(policy, func() (string, error) {
		calls++
		return "", Fatal(errors.New("nope"), "input", "")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestAsync_DeliversOnce(t *testing.T) {
	ch := Async(context.Background(), DefaultPolicy(), func(ctx context.Context) (int, error) {
		return 42, nil
	})

	out, ok := <-ch
	require.True(t, ok)
	assert.NoError(t, out.Err)
	assert.Equal(t, 42, out.Value)

	_, ok = <-ch
	assert.False(t, ok, "channel must be closed after the single outcome")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Permanent, ClassOf(context.Canceled))
	assert.Equal(t, Permanent, ClassOf(context.DeadlineExceeded))
	assert.Equal(t, Retryable, ClassOf(Transient(errBusy, "busy")))

	wrapped := errors.Join(errors.New("outer"), TransientAfter(errBusy, "busy", 25*time.Millisecond))
	assert.Equal(t, Retryable, ClassOf(wrapped))
	d, ok := SuggestedBackoff(wrapped)
	assert.True(t, ok)
	assert.Equal(t, 25*time.Millisecond, d)

	perm := Fatal(errors.New("binary missing"), "environment", "install it")
	assert.Contains(t, perm.Error(), "install it")
	assert.Equal(t, "environment", Classify(perm).Reason)
}

func TestPolicyTiers(t *testing.T) {
	w, r := WritePolicy(), ReadPolicy()
	assert.Greater(t, w.MaxAttempts, r.MaxAttempts)
	assert.Less(t, w.BackoffMultiplier, r.BackoffMultiplier)

	d := DefaultPolicy()
	assert.Equal(t, 3, d.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, d.InitialBackoff)
	assert.Equal(t, 10*time.Second, d.MaxBackoff)
}

type degradedErr struct{}

func (degradedErr) Error() string { return "partial" }
func (degradedErr) Classify() Classification {
	return Classification{Class: Degraded, Reason: "partial"}
}
func (degradedErr) SuggestedBackoff() (time.Duration, bool) { return 0, false }
