package pipeline

import (
	"fmt"

	"github.com/roach88/speckit/internal/domain"
)

var statusTransitions = map[domain.PipelineStatus][]domain.PipelineStatus{
	domain.StatusReady: {domain.StatusRunning, domain.StatusCancelled},
	domain.StatusRunning: {
		domain.StatusPausedForReview,
		domain.StatusCompletedSuccess,
		domain.StatusCompletedFailure,
		domain.StatusCancelled,
	},
	domain.StatusPausedForReview: {domain.StatusRunning, domain.StatusCancelled},
}

// StatusError reports an illegal pipeline status change.
type StatusError struct {
	From domain.PipelineStatus
	To   domain.PipelineStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("invalid pipeline transition %s -> %s", e.From, e.To)
}

// ValidateStatus returns nil when a run may move from one status to the
// other.
func ValidateStatus(from, to domain.PipelineStatus) error {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &StatusError{From: from, To: to}
}
