package cliexec

import (
	"fmt"
	"time"
)

// Format selects how stdout is decoded.
type Format string

const (
	// FormatStreamJSON is newline-delimited JSON with system, assistant and
	// result events (claude --output-format stream-json).
	FormatStreamJSON Format = "stream-json"
	// FormatGeminiJSON is newline-delimited JSON with init, message,
	// tool_use and result events. Non-JSON lines are treated as text.
	FormatGeminiJSON Format = "gemini-json"
	// FormatText is raw text output.
	FormatText Format = "text"
)

// ParseFormat validates a format name. Empty means FormatText.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "":
		return FormatText, nil
	case FormatStreamJSON, FormatGeminiJSON, FormatText:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown stream format %q", s)
	}
}

func (f Format) isJSON() bool {
	return f == FormatStreamJSON || f == FormatGeminiJSON
}

// PromptMode selects how the prompt reaches the child.
type PromptMode string

const (
	PromptStdin PromptMode = "stdin"
	PromptArg   PromptMode = "arg"
)

// Command describes one model-backend invocation.
type Command struct {
	Name       string
	Args       []string
	Env        map[string]string
	Dir        string
	Format     Format
	PromptMode PromptMode
	// Timeout bounds the whole process lifetime. Zero means no limit.
	Timeout time.Duration

	// InstallHint is shown when the binary is missing.
	InstallHint string
	// AuthCommand is shown when the backend reports missing credentials.
	AuthCommand string
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Name, c.Args)
}
