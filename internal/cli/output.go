package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/pipeline"
	"github.com/roach88/speckit/internal/retry"
	"github.com/roach88/speckit/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess        = 0   // Pipeline completed, query answered
	ExitFailure        = 1   // Pipeline ended in completed_failure
	ExitCommandError   = 2   // Bad flags, config or arguments
	ExitInfrastructure = 3   // Store or filesystem unavailable
	ExitNeedsReview    = 10  // Pipeline paused_for_review
	ExitCancelled      = 130 // Interrupted
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
	// Reported is set when the command already printed the error.
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// IsReported reports whether err was already printed by the command.
func IsReported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Reported
}

// exitCodeFor maps a pipeline error to an exit code.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if he, ok := pipeline.AsHalt(err); ok {
		switch he.Status {
		case domain.StatusPausedForReview:
			return ExitNeedsReview
		case domain.StatusCancelled:
			return ExitCancelled
		}
		if store.IsStorageError(he.Err) {
			return ExitInfrastructure
		}
		return ExitFailure
	}
	var permanent *retry.PermanentError
	switch {
	case errors.Is(err, context.Canceled):
		return ExitCancelled
	case errors.As(err, &permanent):
		return ExitCommandError
	case store.IsStorageError(err):
		return ExitInfrastructure
	}
	return ExitFailure
}

// errorCode is the JSON error code for an exit code ("E010").
func errorCode(exit int) string {
	return fmt.Sprintf("E%03d", exit)
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for diagnostics (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E002", "E010", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// JSON reports whether output is machine readable.
func (f *OutputFormatter) JSON() bool { return f.Format == "json" }

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.JSON() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.JSON() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Diag returns the writer for progress and diagnostic output.
func (f *OutputFormatter) Diag() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// HaltDetails is the JSON payload of a halted run.
type HaltDetails struct {
	RunID        string            `json:"run_id"`
	SpecID       string            `json:"spec_id"`
	Status       string            `json:"status"`
	Stage        domain.Stage      `json:"stage,omitempty"`
	Checkpoint   domain.Checkpoint `json:"checkpoint,omitempty"`
	Participants int               `json:"participants"`
	Expected     int               `json:"expected"`
	Required     int               `json:"required"`
	Missing      []string          `json:"missing,omitempty"`
	Resume       string            `json:"resume,omitempty"`
}

func haltDetails(he *pipeline.HaltError) HaltDetails {
	return HaltDetails{
		RunID:        he.RunID,
		SpecID:       he.SpecID,
		Status:       string(he.Status),
		Stage:        he.Stage,
		Checkpoint:   he.Checkpoint,
		Participants: he.Participants,
		Expected:     he.Expected,
		Required:     he.Required,
		Missing:      he.Missing,
		Resume:       he.ResumeCommand(),
	}
}
