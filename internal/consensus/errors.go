package consensus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/retry"
)

// InsufficientError reports that fewer agents than the threshold produced
// usable output. It halts the pipeline rather than being retried.
type InsufficientError struct {
	Stage        domain.Stage
	Checkpoint   domain.Checkpoint
	Participants int
	Expected     int
	Required     int
	Missing      []string
}

func (e *InsufficientError) Error() string {
	where := string(e.Stage)
	if e.Checkpoint != "" {
		where = string(e.Checkpoint)
	}
	msg := fmt.Sprintf("insufficient consensus for %s: %d of %d agents succeeded, %d required",
		where, e.Participants, e.Expected, e.Required)
	if len(e.Missing) > 0 {
		msg += " (missing: " + strings.Join(e.Missing, ", ") + ")"
	}
	return msg
}

func (e *InsufficientError) Classify() retry.Classification {
	return retry.Classification{Class: retry.Permanent, Reason: "insufficient consensus"}
}

func (e *InsufficientError) SuggestedBackoff() (time.Duration, bool) { return 0, false }

// DegradedError accompanies a valid result built from fewer than all
// expected agents. Callers accept the result and flag it.
type DegradedError struct {
	Participants int
	Expected     int
	Missing      []string
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("degraded consensus: %d of %d agents (missing: %s)",
		e.Participants, e.Expected, strings.Join(e.Missing, ", "))
}

func (e *DegradedError) Classify() retry.Classification {
	return retry.Classification{Class: retry.Degraded, Reason: "partial participation"}
}

func (e *DegradedError) SuggestedBackoff() (time.Duration, bool) { return 0, false }

// IsInsufficient reports whether err is an InsufficientError.
func IsInsufficient(err error) bool {
	var ie *InsufficientError
	return errors.As(err, &ie)
}

// IsDegraded reports whether err is a DegradedError.
func IsDegraded(err error) bool {
	var de *DegradedError
	return errors.As(err, &de)
}
