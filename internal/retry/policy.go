package retry

import (
	"math/rand"
	"time"
)

// Policy configures a retry loop. Policies are plain values; build one per
// call site.
type Policy struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff"`
	JitterFactor      float64       `yaml:"jitter_factor" json:"jitter_factor"`
}

// DefaultPolicy mirrors the defaults used for agent spawns.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
		JitterFactor:      0.5,
	}
}

// AgentPolicy is used around whole agent attempts.
func AgentPolicy() Policy {
	return DefaultPolicy()
}

// WritePolicy is used for store writes: more attempts, gentle growth. Lock
// contention usually clears within a few milliseconds.
func WritePolicy() Policy {
	return Policy{
		MaxAttempts:       5,
		InitialBackoff:    20 * time.Millisecond,
		BackoffMultiplier: 1.5,
		MaxBackoff:        500 * time.Millisecond,
		JitterFactor:      0.25,
	}
}

// ReadPolicy is used for store reads: fewer attempts, steep growth.
func ReadPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		BackoffMultiplier: 4.0,
		MaxBackoff:        250 * time.Millisecond,
		JitterFactor:      0.25,
	}
}

// normalized fills zero fields so that a zero Policy behaves as a single
// attempt without sleeping.
func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	if p.JitterFactor > 1 {
		p.JitterFactor = 1
	}
	return p
}

// MaxElapsed returns the upper bound on total sleep time across all
// attempts. A suggested backoff may replace any step of the curve but is
// capped at MaxBackoff, so the bound is (MaxAttempts-1) * MaxBackoff *
// (1+jitter).
func (p Policy) MaxElapsed() time.Duration {
	p = p.normalized()
	sleeps := float64(p.MaxAttempts - 1)
	return time.Duration(sleeps * float64(p.MaxBackoff) * (1 + p.JitterFactor))
}

// CurveElapsed is the total sleep time of the plain exponential curve with
// no jitter and no suggested backoffs.
func (p Policy) CurveElapsed() time.Duration {
	p = p.normalized()
	var total time.Duration
	backoff := min(p.InitialBackoff, p.MaxBackoff)
	for i := 0; i < p.MaxAttempts-1; i++ {
		total += backoff
		backoff = min(time.Duration(float64(backoff)*p.BackoffMultiplier), p.MaxBackoff)
	}
	return total
}

// schedule tracks the backoff curve of one retry loop.
type schedule struct {
	policy  Policy
	attempt int
	backoff time.Duration
	rand    func() float64
}

func newSchedule(p Policy, rnd func() float64) *schedule {
	p = p.normalized()
	if rnd == nil {
		rnd = rand.Float64
	}
	return &schedule{policy: p, attempt: 1, backoff: min(p.InitialBackoff, p.MaxBackoff), rand: rnd}
}

// next decides what to do after a failed attempt. It returns the delay to
// sleep before the next attempt, or ok=false when the loop must stop.
func (s *schedule) next(err error) (delay time.Duration, ok bool) {
	cls := ClassOf(err)
	if cls == Permanent {
		return 0, false
	}
	if s.attempt >= s.policy.MaxAttempts {
		return 0, false
	}

	base := s.backoff
	if suggested, has := SuggestedBackoff(err); has {
		base = min(suggested, s.policy.MaxBackoff)
	}
	delay = s.jitter(base)

	grown := time.Duration(float64(s.backoff) * s.policy.BackoffMultiplier)
	s.backoff = min(grown, s.policy.MaxBackoff)
	s.attempt++
	return delay, true
}

func (s *schedule) jitter(d time.Duration) time.Duration {
	if s.policy.JitterFactor == 0 || d <= 0 {
		return d
	}
	factor := 1 + (s.rand()*2-1)*s.policy.JitterFactor
	out := time.Duration(float64(d) * factor)
	if out < 0 {
		return 0
	}
	return out
}
