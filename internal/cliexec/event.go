package cliexec

import (
	"encoding/json"
	"strings"
)

// EventKind distinguishes stream events.
type EventKind int

const (
	// EventDelta carries decoded text.
	EventDelta EventKind = iota + 1
	// EventCodeFence marks the opening or closing line of a fenced code block.
	EventCodeFence
	// EventToolCall reports a tool invocation made by the model.
	EventToolCall
	// EventMetadata carries session, model or usage information.
	EventMetadata
	// EventDone is the terminal event of a successful stream.
	EventDone
	// EventError is the terminal event of a failed stream.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventCodeFence:
		return "code_fence"
	case EventToolCall:
		return "tool_call"
	case EventMetadata:
		return "metadata"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item of a process stream.
//
// Concatenating Text over EventDelta and EventCodeFence events reproduces the
// decoded text output, fence lines included.
type Event struct {
	Kind EventKind

	Text string
	// InCode is set on deltas inside a fenced block.
	InCode bool
	// Open and Lang describe a code fence.
	Open bool
	Lang string

	Tool *ToolCall
	Meta *Metadata
	Err  error
}

// IsTerminal reports whether the event ends the stream.
func (e Event) IsTerminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// ToolCall is a tool invocation reported by the model backend.
type ToolCall struct {
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Metadata is auxiliary information reported by the backend.
type Metadata struct {
	SessionID    string `json:"session_id,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`
}

// Transcript accumulates the events of one stream.
type Transcript struct {
	text  strings.Builder
	tools []ToolCall
	meta  Metadata
	seen  int
}

// Add folds ev into the transcript.
func (t *Transcript) Add(ev Event) {
	t.seen++
	switch ev.Kind {
	case EventDelta, EventCodeFence:
		t.text.WriteString(ev.Text)
	case EventToolCall:
		if ev.Tool != nil {
			t.tools = append(t.tools, *ev.Tool)
		}
	case EventMetadata:
		if ev.Meta == nil {
			return
		}
		if ev.Meta.SessionID != "" {
			t.meta.SessionID = ev.Meta.SessionID
		}
		if ev.Meta.Model != "" {
			t.meta.Model = ev.Meta.Model
		}
		t.meta.InputTokens += ev.Meta.InputTokens
		t.meta.OutputTokens += ev.Meta.OutputTokens
	}
}

// Text returns the accumulated text output.
func (t *Transcript) Text() string { return t.text.String() }

// ToolCalls returns the tool calls seen so far.
func (t *Transcript) ToolCalls() []ToolCall {
	out := make([]ToolCall, len(t.tools))
	copy(out, t.tools)
	return out
}

// Metadata returns the merged metadata.
func (t *Transcript) Metadata() Metadata { return t.meta }

// Events returns the number of events folded in.
func (t *Transcript) Events() int { return t.seen }
