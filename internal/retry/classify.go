// Package retry implements classification-driven retry with exponential
// backoff and jitter.
//
// Every error that wants a say in retry decisions implements Classifiable.
// Errors that do not are treated as Permanent so that unknown failures never
// loop.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class is the retry disposition of an error.
type Class int

const (
	// Permanent errors fail immediately. Exactly one attempt is made.
	Permanent Class = iota
	// Retryable errors are retried with backoff until attempts run out.
	Retryable
	// Degraded marks partial success. Callers may accept the result but
	// must flag it; the engine retries it like Retryable.
	Degraded
)

func (c Class) String() string {
	switch c {
	case Permanent:
		return "permanent"
	case Retryable:
		return "retryable"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classification is the result of classifying an error.
type Classification struct {
	Class  Class
	Reason string
}

// Classifiable is implemented by errors that know their own retry class.
type Classifiable interface {
	error
	Classify() Classification
	// SuggestedBackoff returns a fixed delay that overrides the exponential
	// curve for the next attempt. ok is false when the error has no opinion.
	SuggestedBackoff() (d time.Duration, ok bool)
}

// Classify returns the classification of err. The first Classifiable in the
// wrap chain wins. Context cancellation and deadline errors are Permanent;
// unknown errors are Permanent.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Class: Permanent, Reason: "nil error"}
	}
	var c Classifiable
	if errors.As(err, &c) {
		return c.Classify()
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Class: Permanent, Reason: "cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Class: Permanent, Reason: "deadline exceeded"}
	}
	return Classification{Class: Permanent, Reason: "unclassified"}
}

// ClassOf is shorthand for Classify(err).Class.
func ClassOf(err error) Class {
	return Classify(err).Class
}

// SuggestedBackoff returns the suggested backoff of the first Classifiable
// in the wrap chain.
func SuggestedBackoff(err error) (time.Duration, bool) {
	var c Classifiable
	if errors.As(err, &c) {
		return c.SuggestedBackoff()
	}
	return 0, false
}

// TransientError marks an arbitrary error as Retryable.
type TransientError struct {
	Err     error
	Reason  string
	Backoff time.Duration // zero means "use the curve"
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Classify() Classification {
	return Classification{Class: Retryable, Reason: e.Reason}
}

func (e *TransientError) SuggestedBackoff() (time.Duration, bool) {
	return e.Backoff, e.Backoff > 0
}

// PermanentError marks an arbitrary error as Permanent, optionally with a
// remediation hint for the user.
type PermanentError struct {
	Err    error
	Reason string
	Hint   string
}

func (e *PermanentError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%v (%s)", e.Err, e.Hint)
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

func (e *PermanentError) Classify() Classification {
	return Classification{Class: Permanent, Reason: e.Reason}
}

func (e *PermanentError) SuggestedBackoff() (time.Duration, bool) { return 0, false }

// Transient wraps err as Retryable.
func Transient(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, Reason: reason}
}

// TransientAfter wraps err as Retryable with a fixed suggested backoff.
func TransientAfter(err error, reason string, backoff time.Duration) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, Reason: reason, Backoff: backoff}
}

// Fatal wraps err as Permanent.
func Fatal(err error, reason, hint string) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err, Reason: reason, Hint: hint}
}

// ExhaustedError is returned when a Retryable or Degraded error persists
// through every allowed attempt.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err is (or wraps) an ExhaustedError.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Classify reports Permanent: an exhausted retry loop must not be retried
// again by an enclosing loop.
func (e *ExhaustedError) Classify() Classification {
	return Classification{Class: Permanent, Reason: "retries exhausted"}
}

func (e *ExhaustedError) SuggestedBackoff() (time.Duration, bool) { return 0, false }
