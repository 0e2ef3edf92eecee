package cliexec

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/speckit/internal/retry"
)

// ErrorKind categorizes executor failures.
type ErrorKind string

const (
	KindBinaryNotFound   ErrorKind = "BINARY_NOT_FOUND"
	KindNotAuthenticated ErrorKind = "NOT_AUTHENTICATED"
	KindRateLimited      ErrorKind = "RATE_LIMITED"
	KindProcessExited    ErrorKind = "PROCESS_EXITED"
	KindTimeout          ErrorKind = "TIMEOUT"
	KindContextTooLarge  ErrorKind = "CONTEXT_TOO_LARGE"
	KindParseError       ErrorKind = "PARSE_ERROR"
	KindRejected         ErrorKind = "REJECTED"
	KindCancelled        ErrorKind = "CANCELLED"
)

// Default provider backoffs when the backend gives no hint.
const (
	defaultRateLimitBackoff   = 60 * time.Second
	defaultUnavailableBackoff = 10 * time.Second
)

// Error is the executor error type. Fields other than Kind are populated
// depending on the kind.
type Error struct {
	Kind ErrorKind

	Binary     string        // BinaryNotFound
	Hint       string        // remediation for the user
	ExitCode   int           // ProcessExited
	Stderr     string        // ProcessExited: tail of stderr
	RetryAfter time.Duration // RateLimited
	Elapsed    time.Duration // Timeout
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	switch e.Kind {
	case KindBinaryNotFound:
		fmt.Fprintf(&b, ": %s not found", e.Binary)
	case KindProcessExited:
		fmt.Fprintf(&b, ": exit code %d", e.ExitCode)
	case KindRateLimited:
		fmt.Fprintf(&b, ": retry after %s", e.RetryAfter)
	case KindTimeout:
		fmt.Fprintf(&b, ": after %s", e.Elapsed.Round(time.Millisecond))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, " (%s)", e.Hint)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps the kind to a retry class.
func (e *Error) Classify() retry.Classification {
	switch e.Kind {
	case KindRateLimited:
		return retry.Classification{Class: retry.Retryable, Reason: "provider rate limit"}
	case KindTimeout:
		return retry.Classification{Class: retry.Retryable, Reason: "timeout"}
	case KindProcessExited:
		return retry.Classification{Class: retry.Retryable, Reason: "process exited"}
	case KindBinaryNotFound, KindNotAuthenticated:
		return retry.Classification{Class: retry.Permanent, Reason: "environment"}
	default:
		return retry.Classification{Class: retry.Permanent, Reason: strings.ToLower(string(e.Kind))}
	}
}

// SuggestedBackoff returns the provider's retry-after hint.
func (e *Error) SuggestedBackoff() (time.Duration, bool) {
	if e.Kind == KindRateLimited && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// IsKind reports whether err is an executor error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the executor error kind in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var (
	authPatterns = []string{
		"not authenticated", "not logged in", "please login", "please log in",
		"invalid api key", "invalid x-api-key", "authentication failed",
		"unauthorized", "401",
	}
	rateLimitPatterns = []string{
		"rate limit", "rate_limit", "too many requests", "429", "resource_exhausted",
	}
	unavailablePatterns = []string{
		"overloaded", "503", "service unavailable", "temporarily unavailable",
	}
	contextPatterns = []string{
		"prompt is too long", "context length", "context window",
		"maximum context", "too many tokens", "input is too long",
	}
	rejectedPatterns = []string{
		"model not found", "invalid model", "unknown model",
		"quota exceeded", "billing", "insufficient credits",
	}
	timeoutPatterns = []string{
		"timed out", "timeout", "deadline exceeded",
	}
	retryAfterRE = regexp.MustCompile(`(?i)retry[- _]?after[":\s=]+(\d+(?:\.\d+)?)\s*(ms|s|sec|secs|seconds?)?`)
)

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// parseRetryAfter extracts a retry-after hint such as "retry after 30s".
func parseRetryAfter(msg string) (time.Duration, bool) {
	m := retryAfterRE.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if strings.EqualFold(m[2], "ms") {
		return time.Duration(n * float64(time.Millisecond)), true
	}
	return time.Duration(n * float64(time.Second)), true
}

// classifyMessage maps a backend error message to an executor error. It
// returns nil when no pattern matches.
func classifyMessage(msg string, cmd Command) *Error {
	lower := strings.ToLower(msg)
	summary := firstLine(msg)
	switch {
	case containsAny(lower, contextPatterns):
		return &Error{Kind: KindContextTooLarge, Message: summary}
	case containsAny(lower, rejectedPatterns):
		return &Error{Kind: KindRejected, Message: summary}
	case containsAny(lower, authPatterns):
		hint := ""
		if cmd.AuthCommand != "" {
			hint = "run: " + cmd.AuthCommand
		}
		return &Error{Kind: KindNotAuthenticated, Message: summary, Hint: hint}
	case containsAny(lower, rateLimitPatterns):
		after, ok := parseRetryAfter(msg)
		if !ok {
			after = defaultRateLimitBackoff
		}
		return &Error{Kind: KindRateLimited, RetryAfter: after, Message: summary}
	case containsAny(lower, unavailablePatterns):
		after, ok := parseRetryAfter(msg)
		if !ok {
			after = defaultUnavailableBackoff
		}
		return &Error{Kind: KindRateLimited, RetryAfter: after, Message: summary}
	case containsAny(lower, timeoutPatterns):
		return &Error{Kind: KindTimeout, Message: summary}
	}
	return nil
}

// classifyExit builds the error for a non-zero exit.
func classifyExit(code int, stderr string, cmd Command) *Error {
	if e := classifyMessage(stderr, cmd); e != nil {
		e.ExitCode = code
		e.Stderr = stderr
		return e
	}
	return &Error{Kind: KindProcessExited, ExitCode: code, Stderr: stderr, Message: firstLine(stderr)}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const limit = 240
	if len(s) > limit {
		s = strings.ToValidUTF8(s[:limit], "") + "..."
	}
	return s
}
