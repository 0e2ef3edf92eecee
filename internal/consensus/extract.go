package consensus

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// payload is one agent's response after extraction.
type payload struct {
	agent string
	text  string
	data  map[string]any // nil when no JSON object could be recovered
}

func (p payload) structured() bool { return p.data != nil }

// ExtractJSON finds the JSON object embedded in an agent response. It
// prefers a ```json fence, then any fence whose body is an object, then the
// first balanced {...} in the text. The result may still need repair.
func ExtractJSON(text string) (string, bool) {
	if body, ok := fenceBody(text, "```json"); ok {
		return body, true
	}
	rest := text
	for {
		i := strings.Index(rest, "```")
		if i < 0 {
			break
		}
		after := rest[i+3:]
		nl := strings.IndexByte(after, '\n')
		if nl < 0 {
			break
		}
		body := after[nl+1:]
		end := strings.Index(body, "```")
		if end < 0 {
			break
		}
		candidate := strings.TrimSpace(body[:end])
		if strings.HasPrefix(candidate, "{") {
			return candidate, true
		}
		rest = body[end+3:]
	}
	return balancedObject(text)
}

func fenceBody(text, marker string) (string, bool) {
	start := strings.Index(text, marker)
	if start < 0 {
		return "", false
	}
	after := text[start+len(marker):]
	nl := strings.IndexByte(after, '\n')
	if nl < 0 {
		return "", false
	}
	body := after[nl+1:]
	end := strings.Index(body, "```")
	if end < 0 {
		// Unterminated fence: the stream was cut off. Take the rest and
		// let repair close it.
		return strings.TrimSpace(body), true
	}
	return strings.TrimSpace(body[:end]), true
}

// balancedObject returns the first {...} whose braces balance, ignoring
// braces inside string literals. An object that never closes is returned
// as-is for repair.
func balancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return text[start:], true
}

// parsePayload recovers a JSON object from an agent response, repairing
// truncated or sloppy JSON when needed.
func parsePayload(agent, text string) payload {
	p := payload{agent: agent, text: strings.TrimSpace(text)}
	raw, ok := ExtractJSON(text)
	if !ok {
		return p
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		p.data = obj
		return p
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return p
	}
	if err := json.Unmarshal([]byte(fixed), &obj); err == nil {
		p.data = obj
	}
	return p
}

// stringList reads a list of strings from v. Object items contribute the
// first non-empty field among keys.
func stringList(v any, keys ...string) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range arr {
		switch it := item.(type) {
		case string:
			if s := strings.TrimSpace(it); s != "" {
				out = append(out, s)
			}
		case map[string]any:
			for _, k := range keys {
				if s, ok := it[k].(string); ok && strings.TrimSpace(s) != "" {
					out = append(out, strings.TrimSpace(s))
					break
				}
			}
		}
	}
	return out
}

// statementKeys are the list fields agents use for conclusions, with the
// object fields that carry the statement text.
var statementKeys = []struct {
	key    string
	fields []string
}{
	{"conclusions", nil},
	{"findings", []string{"finding", "summary", "description"}},
	{"recommendations", []string{"recommendation", "summary"}},
	{"work_breakdown", []string{"step", "name"}},
	{"risks", []string{"risk", "description"}},
	{"tasks", []string{"name", "task", "title"}},
	{"issues", []string{"issue", "description", "summary"}},
	{"requirements", []string{"requirement", "description"}},
	{"surfaces", nil},
}

// statements returns the conclusions an agent states, in order.
func (p payload) statements() []string {
	if !p.structured() {
		return bullets(p.text)
	}
	var out []string
	for _, sk := range statementKeys {
		out = append(out, stringList(p.data[sk.key], sk.fields...)...)
	}
	if len(out) == 0 {
		if content, ok := p.data["content"].(string); ok {
			return bullets(content)
		}
	}
	return out
}

// explicitAgreements returns agreements an aggregating agent already
// reported, either at the top level or under a "consensus" node.
func (p payload) explicitAgreements() []string {
	if !p.structured() {
		return nil
	}
	out := stringList(p.data["agreements"], "agreement", "summary")
	if node, ok := p.data["consensus"].(map[string]any); ok {
		out = append(out, stringList(node["agreements"], "agreement", "summary")...)
	}
	return out
}

// explicitConflicts returns conflicts the agent reported itself.
func (p payload) explicitConflicts() []string {
	if !p.structured() {
		return nil
	}
	out := stringList(p.data["conflicts"], "conflict", "description", "summary")
	if node, ok := p.data["consensus"].(map[string]any); ok {
		out = append(out, stringList(node["conflicts"], "conflict", "description", "summary")...)
	}
	return out
}

// bullets pulls markdown list items out of free text. When the text has no
// list, each remaining prose line counts as a statement.
func bullets(text string) []string {
	var items, prose []string
	inFence := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence || trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if item, ok := listItem(trimmed); ok {
			items = append(items, item)
			continue
		}
		prose = append(prose, trimmed)
	}
	if len(items) > 0 {
		return items
	}
	return prose
}

func listItem(line string) (string, bool) {
	for _, prefix := range []string{"- ", "* ", "+ "} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(line[len(prefix):]), true
		}
	}
	// Ordered list: digits followed by ". " or ") ".
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i+1 < len(line) && (line[i] == '.' || line[i] == ')') && line[i+1] == ' ' {
		return strings.TrimSpace(line[i+2:]), true
	}
	return "", false
}
