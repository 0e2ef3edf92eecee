// Package artifact persists rendered consensus documents and run evidence
// outside the execution store. Writes are best effort from the pipeline's
// point of view and retried independently of store transactions.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/speckit/internal/domain"
)

// Artifact is one synthesized stage or gate document.
type Artifact struct {
	SpecID     string
	RunID      string
	Stage      domain.Stage
	Checkpoint domain.Checkpoint
	Markdown   string
	CreatedAt  time.Time
}

// FromResult builds the artifact for a consensus result.
func FromResult(r domain.ConsensusResult) Artifact {
	return Artifact{
		SpecID:     r.SpecID,
		RunID:      r.RunID,
		Stage:      r.Stage,
		Checkpoint: r.Checkpoint,
		Markdown:   r.OutputMarkdown,
		CreatedAt:  r.CreatedAt,
	}
}

// Name is the base file name: <spec>_<stage>[_<gate>]_synthesis_<run>.md.
func (a Artifact) Name() string {
	parts := []string{a.SpecID, string(a.Stage)}
	if gate := a.Checkpoint.Gate(); gate != "" {
		parts = append(parts, gate)
	}
	parts = append(parts, "synthesis", a.RunID)
	return sanitize(strings.Join(parts, "_")) + ".md"
}

func (a Artifact) validate() error {
	switch {
	case a.SpecID == "":
		return errors.New("spec id is required")
	case a.RunID == "":
		return errors.New("run id is required")
	case a.Stage == "":
		return errors.New("stage is required")
	}
	return nil
}

// Writer stores an artifact and returns where it went.
type Writer interface {
	Write(ctx context.Context, a Artifact) (string, error)
}

// Multi writes to every writer. The location of the first writer that
// succeeds is returned; failures are joined.
type Multi []Writer

// Write implements Writer.
func (m Multi) Write(ctx context.Context, a Artifact) (string, error) {
	var (
		location string
		errs     []error
	)
	for _, w := range m {
		loc, err := w.Write(ctx, a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if location == "" {
			location = loc
		}
	}
	if err := errors.Join(errs...); err != nil {
		return location, fmt.Errorf("write artifact: %w", err)
	}
	return location, nil
}

// sanitize keeps names safe as path segments and object keys.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
