package cliexec

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// textFlushThreshold bounds how much of an unterminated line is held in
// text mode before it is surfaced.
const textFlushThreshold = 4096

// utf8Buffer carries incomplete trailing UTF-8 sequences between chunks.
type utf8Buffer struct {
	carry []byte
}

// decode returns the longest prefix of carry+chunk that does not end in an
// incomplete sequence. Invalid bytes become U+FFFD.
func (u *utf8Buffer) decode(chunk []byte) string {
	buf := make([]byte, 0, len(u.carry)+len(chunk))
	buf = append(buf, u.carry...)
	buf = append(buf, chunk...)

	cut := len(buf)
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		b := buf[i]
		if b < utf8.RuneSelf {
			break
		}
		if utf8.RuneStart(b) {
			if !utf8.FullRune(buf[i:]) {
				cut = i
			}
			break
		}
	}

	u.carry = append(u.carry[:0], buf[cut:]...)
	return strings.ToValidUTF8(string(buf[:cut]), "\uFFFD")
}

func (u *utf8Buffer) flush() string {
	if len(u.carry) == 0 {
		return ""
	}
	s := strings.ToValidUTF8(string(u.carry), "\uFFFD")
	u.carry = u.carry[:0]
	return s
}

// Decoder converts raw stdout chunks into stream events. It is not safe for
// concurrent use; the executor drives it from a single goroutine.
type Decoder struct {
	cmd    Command
	logger *slog.Logger

	utf8   utf8Buffer
	line   strings.Builder
	fences fenceSplitter

	partial   bool // text deltas already streamed for the current message
	content   bool
	malformed int
}

// NewDecoder creates a decoder for cmd.Format.
func NewDecoder(cmd Command, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	if cmd.Format == "" {
		cmd.Format = FormatText
	}
	return &Decoder{cmd: cmd, logger: logger}
}

// Feed decodes one chunk and returns the events it completes.
func (d *Decoder) Feed(chunk []byte) []Event {
	text := d.utf8.decode(chunk)
	var events []Event
	for text != "" {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			d.line.WriteString(text)
			break
		}
		d.line.WriteString(text[:i+1])
		text = text[i+1:]
		events = append(events, d.handleLine(d.line.String())...)
		d.line.Reset()
	}

	if d.cmd.Format == FormatText && d.line.Len() >= textFlushThreshold {
		buf := d.line.String()
		cut := len(buf)
		if i := openEscape(buf); i >= 0 && len(buf)-i < textFlushThreshold {
			cut = i
		}
		d.line.Reset()
		d.line.WriteString(buf[cut:])
		if cut > 0 {
			events = append(events, d.text(ansi.Strip(buf[:cut]))...)
		}
	}
	return events
}

// openEscape returns the index of the last ESC in s when the escape
// sequence it starts is not yet terminated, or -1.
func openEscape(s string) int {
	i := strings.LastIndexByte(s, 0x1b)
	if i < 0 {
		return -1
	}
	seq := s[i+1:]
	if seq == "" {
		return i
	}
	switch seq[0] {
	case '[': // CSI: parameters and intermediates, then a final byte
		for _, c := range []byte(seq[1:]) {
			if c >= 0x40 && c <= 0x7e {
				return -1
			}
			if c < 0x20 || c > 0x3f {
				return -1
			}
		}
		return i
	case ']', 'P', '_', '^', 'X': // string sequences end with BEL or ST
		if strings.IndexByte(seq, 0x07) >= 0 {
			return -1
		}
		return i
	default:
		return -1
	}
}

// Flush drains buffered state at end of stream.
func (d *Decoder) Flush() []Event {
	var events []Event
	if rest := d.utf8.flush(); rest != "" {
		d.line.WriteString(rest)
	}
	if d.line.Len() > 0 {
		events = append(events, d.handleLine(d.line.String())...)
		d.line.Reset()
	}
	return append(events, d.fences.flush()...)
}

// Malformed returns the number of JSON lines that failed to parse.
func (d *Decoder) Malformed() int { return d.malformed }

// SawContent reports whether any text or tool call was decoded.
func (d *Decoder) SawContent() bool { return d.content }

func (d *Decoder) handleLine(raw string) []Event {
	clean := ansi.Strip(raw)
	if !d.cmd.Format.isJSON() {
		return d.text(clean)
	}

	trimmed := strings.TrimSpace(clean)
	if trimmed == "" {
		return nil
	}
	if trimmed[0] != '{' {
		return d.text(clean)
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		d.malformed++
		d.logger.Warn("skipping malformed stream line",
			"command", d.cmd.Name,
			"error", err,
			"line", truncate(trimmed, 200))
		return nil
	}
	return d.message(msg)
}

func (d *Decoder) text(s string) []Event {
	if strings.TrimSpace(s) != "" {
		d.content = true
	}
	return d.fences.write(s)
}

// streamMessage is the union of the JSON line shapes emitted by supported
// backends.
type streamMessage struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Model      string          `json:"model,omitempty"`
	Role       string          `json:"role,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Event      json.RawMessage `json:"event,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Status     string          `json:"status,omitempty"`
	Usage      *usage          `json:"usage,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolID     string          `json:"tool_id,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type assistantMessage struct {
	Model   string         `json:"model"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type partialEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (d *Decoder) message(msg streamMessage) []Event {
	switch msg.Type {
	case "system", "init":
		if msg.SessionID == "" && msg.Model == "" {
			return nil
		}
		return []Event{{Kind: EventMetadata, Meta: &Metadata{SessionID: msg.SessionID, Model: msg.Model}}}

	case "stream_event":
		var pe partialEvent
		if err := json.Unmarshal(msg.Event, &pe); err != nil {
			return nil
		}
		if pe.Type == "content_block_delta" && pe.Delta.Type == "text_delta" {
			d.partial = true
			return d.text(pe.Delta.Text)
		}
		return nil

	case "assistant":
		return d.assistant(msg)

	case "message":
		if msg.Role != "" && msg.Role != "assistant" {
			return nil
		}
		return d.text(rawText(msg.Content))

	case "tool_use":
		d.content = true
		return []Event{{Kind: EventToolCall, Tool: &ToolCall{ID: msg.ToolID, Name: msg.ToolName, Input: msg.Parameters}}}

	case "result":
		return d.result(msg)

	case "error":
		return []Event{{Kind: EventError, Err: d.backendError(firstNonEmpty(rawText(msg.Error), rawText(msg.Message)))}}
	}

	if len(msg.Error) > 0 {
		return []Event{{Kind: EventError, Err: d.backendError(rawText(msg.Error))}}
	}
	d.logger.Debug("ignoring stream event", "command", d.cmd.Name, "type", msg.Type)
	return nil
}

func (d *Decoder) assistant(msg streamMessage) []Event {
	var am assistantMessage
	if err := json.Unmarshal(msg.Message, &am); err != nil {
		d.malformed++
		d.logger.Warn("skipping malformed assistant message", "command", d.cmd.Name, "error", err)
		return nil
	}

	var events []Event
	for _, block := range am.Content {
		switch block.Type {
		case "text":
			if !d.partial {
				events = append(events, d.text(block.Text)...)
			}
		case "tool_use":
			d.content = true
			events = append(events, Event{Kind: EventToolCall, Tool: &ToolCall{ID: block.ID, Name: block.Name, Input: block.Input}})
		}
	}
	d.partial = false

	if am.Model != "" {
		events = append(events, Event{Kind: EventMetadata, Meta: &Metadata{Model: am.Model}})
	}
	return events
}

func (d *Decoder) result(msg streamMessage) []Event {
	var events []Event
	// Usage on the result event is the total for the session.
	if msg.Usage != nil {
		events = append(events, Event{Kind: EventMetadata, Meta: &Metadata{
			SessionID:    msg.SessionID,
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		}})
	}

	text := rawText(msg.Result)
	if msg.IsError || msg.Status == "error" || msg.Subtype == "error" {
		return append(events, Event{Kind: EventError, Err: d.backendError(firstNonEmpty(text, rawText(msg.Error)))})
	}
	// Some backends only report the answer in the result event.
	if !d.content && text != "" {
		events = append(events, d.text(text)...)
	}
	return append(events, Event{Kind: EventDone})
}

func (d *Decoder) backendError(message string) *Error {
	if e := classifyMessage(message, d.cmd); e != nil {
		return e
	}
	if message == "" {
		message = "backend reported an error"
	}
	return &Error{Kind: KindProcessExited, ExitCode: -1, Message: firstLine(message)}
}

// rawText renders a JSON value that may be a string or an object with a
// "message" or "text" field.
func rawText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	case '{':
		var obj struct {
			Message string `json:"message"`
			Text    string `json:"text"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil {
			return firstNonEmpty(obj.Message, obj.Text)
		}
	}
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
