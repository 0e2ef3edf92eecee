package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/speckit/internal/domain"
)

func TestValidateStatus(t *testing.T) {
	tests := []struct {
		from, to domain.PipelineStatus
		ok       bool
	}{
		{domain.StatusReady, domain.StatusRunning, true},
		{domain.StatusReady, domain.StatusCancelled, true},
		{domain.StatusReady, domain.StatusCompletedSuccess, false},
		{domain.StatusRunning, domain.StatusPausedForReview, true},
		{domain.StatusRunning, domain.StatusCompletedSuccess, true},
		{domain.StatusRunning, domain.StatusCompletedFailure, true},
		{domain.StatusRunning, domain.StatusCancelled, true},
		{domain.StatusRunning, domain.StatusReady, false},
		{domain.StatusPausedForReview, domain.StatusRunning, true},
		{domain.StatusPausedForReview, domain.StatusCancelled, true},
		{domain.StatusPausedForReview, domain.StatusCompletedSuccess, false},
		{domain.StatusCompletedSuccess, domain.StatusRunning, false},
		{domain.StatusCompletedFailure, domain.StatusRunning, false},
		{domain.StatusCancelled, domain.StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateStatus(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var se *StatusError
			assert.ErrorAs(t, err, &se)
		})
	}
}

func TestValidateStatus_TerminalStatesHaveNoExits(t *testing.T) {
	all := []domain.PipelineStatus{
		domain.StatusReady,
		domain.StatusRunning,
		domain.StatusPausedForReview,
		domain.StatusCompletedSuccess,
		domain.StatusCompletedFailure,
		domain.StatusCancelled,
	}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			assert.Error(t, ValidateStatus(from, to), "%s -> %s", from, to)
		}
	}
}
