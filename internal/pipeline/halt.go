package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/speckit/internal/domain"
)

// HaltError is returned when a run stops before completing every stage.
// It carries what a user needs to decide how to continue.
type HaltError struct {
	RunID        string
	SpecID       string
	Status       domain.PipelineStatus
	Stage        domain.Stage
	Checkpoint   domain.Checkpoint
	Participants int
	Expected     int
	Required     int
	Missing      []string
	Reason       string
	Err          error
}

func (e *HaltError) Error() string {
	where := string(e.Stage)
	if e.Checkpoint != "" {
		where = fmt.Sprintf("%s gate (%s)", e.Checkpoint.Gate(), e.Checkpoint)
	}
	return fmt.Sprintf("pipeline %s at %s: %s", e.Status, where, e.Reason)
}

func (e *HaltError) Unwrap() error { return e.Err }

// ResumeCommand is the command that continues the spec from the halted
// stage. Cancelled and paused runs can be resumed; failed runs too once
// the cause is fixed.
func (e *HaltError) ResumeCommand() string {
	if e.Stage == "" {
		return ""
	}
	return fmt.Sprintf("speckit resume %s --from %s", e.SpecID, e.Stage)
}

// Report renders a plain-text summary, one fact per line.
func (e *HaltError) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline %s\n", e.Status)
	fmt.Fprintf(&b, "  spec:   %s\n", e.SpecID)
	fmt.Fprintf(&b, "  run:    %s\n", e.RunID)
	fmt.Fprintf(&b, "  stage:  %s\n", e.Stage)
	if e.Checkpoint != "" {
		fmt.Fprintf(&b, "  gate:   %s (%s)\n", e.Checkpoint.Gate(), e.Checkpoint)
	}
	if e.Expected > 0 {
		fmt.Fprintf(&b, "  agents: %d of %d succeeded, %d required\n", e.Participants, e.Expected, e.Required)
	}
	fmt.Fprintf(&b, "  reason: %s\n", e.Reason)
	if cmd := e.ResumeCommand(); cmd != "" {
		fmt.Fprintf(&b, "  resume: %s\n", cmd)
	}
	return b.String()
}

// AsHalt returns the HaltError in err's chain.
func AsHalt(err error) (*HaltError, bool) {
	var he *HaltError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}
