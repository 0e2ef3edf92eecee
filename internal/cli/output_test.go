package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/pipeline"
	"github.com/roach88/speckit/internal/retry"
	"github.com/roach88/speckit/internal/store"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "success"}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONErrorWithDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	details := HaltDetails{RunID: "run-1", SpecID: "SPEC-1", Status: "paused_for_review", Missing: []string{"b"}}
	err := formatter.Error(errorCode(ExitNeedsReview), "insufficient consensus", details)
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Error  struct {
			Code    string      `json:"code"`
			Message string      `json:"message"`
			Details HaltDetails `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "E010", resp.Error.Code)
	assert.Equal(t, "insufficient consensus", resp.Error.Message)
	assert.Equal(t, details, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	require.NoError(t, formatter.Error("E002", "bad flag", "details here"))
	assert.Equal(t, "Error [E002]: bad flag\nDetails: details here\n", buf.String())
}

func TestOutputFormatter_DiagFallsBackToWriter(t *testing.T) {
	out := &bytes.Buffer{}
	f := &OutputFormatter{Writer: out}
	assert.Same(t, out, f.Diag())

	diag := &bytes.Buffer{}
	f.ErrWriter = diag
	assert.Same(t, diag, f.Diag())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitNeedsReview, GetExitCode(NewExitError(ExitNeedsReview, "paused")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitInfrastructure, "db", errors.New("locked")))
	assert.Equal(t, ExitInfrastructure, GetExitCode(wrapped))
}

func TestExitError_Message(t *testing.T) {
	err := WrapExitError(ExitCommandError, "failed to load config", errors.New("no such file"))
	assert.Equal(t, "failed to load config: no such file", err.Error())
	assert.Equal(t, "paused", NewExitError(ExitNeedsReview, "paused").Error())
}

func TestIsReported(t *testing.T) {
	assert.False(t, IsReported(errors.New("plain")))
	assert.False(t, IsReported(NewExitError(ExitFailure, "x")))
	assert.True(t, IsReported(&ExitError{Code: ExitNeedsReview, Reported: true}))
}

func TestExitCodeFor(t *testing.T) {
	storageErr := &store.StorageError{Op: "save pipeline state", Err: errors.New("disk I/O error")}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"paused", &pipeline.HaltError{Status: domain.StatusPausedForReview}, ExitNeedsReview},
		{"cancelled", &pipeline.HaltError{Status: domain.StatusCancelled}, ExitCancelled},
		{"failure", &pipeline.HaltError{Status: domain.StatusCompletedFailure}, ExitFailure},
		{"failure from store", &pipeline.HaltError{Status: domain.StatusCompletedFailure, Err: storageErr}, ExitInfrastructure},
		{"permanent", retry.Fatal(errors.New("spec id is required"), "invalid request", ""), ExitCommandError},
		{"storage", storageErr, ExitInfrastructure},
		{"context", context.Canceled, ExitCancelled},
		{"other", errors.New("boom"), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeFor(tt.err))
		})
	}
}
