package consensus

import (
	"fmt"
	"strings"

	"github.com/roach88/speckit/internal/domain"
)

// requiredFields lists the JSON fields a structured response for a stage or
// gate is expected to carry.
var requiredFields = map[string][]string{
	string(domain.StagePlan):      {"work_breakdown", "acceptance_mapping"},
	string(domain.StageTasks):     {"tasks"},
	string(domain.StageImplement): {"implementation"},
	string(domain.StageValidate):  {"test_strategy"},
	string(domain.StageAudit):     {"audit_verdict"},
	string(domain.StageUnlock):    {"unlock_decision"},
	"clarify":                     {"issues"},
	"analyze":                     {"issues"},
	"checklist":                   {"requirements"},
}

// MissingFields returns the required fields absent from a structured
// response. Unstructured responses are not checked.
func MissingFields(stage domain.Stage, checkpoint domain.Checkpoint, data map[string]any) []string {
	if data == nil {
		return nil
	}
	key := string(stage)
	if checkpoint != "" {
		key = checkpoint.Gate()
	}
	var missing []string
	for _, f := range requiredFields[key] {
		if _, ok := data[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

func title(req Request) string {
	if gate := req.Checkpoint.Gate(); gate != "" {
		return fmt.Sprintf("%s%s Gate (%s): %s",
			strings.ToUpper(gate[:1]), gate[1:], req.Checkpoint, req.SpecID)
	}
	return fmt.Sprintf("%s Consensus: %s", req.Stage.Title(), req.SpecID)
}

// render builds the synthesis markdown. The output depends only on its
// inputs so identical syntheses render identically.
func render(req Request, res domain.ConsensusResult, payloads []payload) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", title(req))
	fmt.Fprintf(&b, "- Run: %s\n", res.RunID)
	fmt.Fprintf(&b, "- Phase: %s\n", res.PhaseType)
	fmt.Fprintf(&b, "- Status: %s\n", res.Status())
	fmt.Fprintf(&b, "- Participants: %d of %d (%s)\n",
		res.ParticipantCount, res.ExpectedCount, strings.Join(res.Participants, ", "))
	if len(res.MissingAgents) > 0 {
		fmt.Fprintf(&b, "- Missing: %s\n", strings.Join(res.MissingAgents, ", "))
	}

	b.WriteString("\n## Agreements\n\n")
	writeList(&b, res.Agreements)
	b.WriteString("\n## Conflicts\n\n")
	writeList(&b, res.Conflicts)

	b.WriteString("\n## Agent Responses\n")
	for _, p := range payloads {
		fmt.Fprintf(&b, "\n### %s\n\n", p.agent)
		writeResponse(&b, p)
	}

	b.WriteString("\n## Consensus Summary\n\n")
	fmt.Fprintf(&b, "- Synthesized from %d of %d agent responses\n", res.ParticipantCount, res.ExpectedCount)
	fmt.Fprintf(&b, "- %s, %s\n", plural(len(res.Agreements), "agreement"), plural(len(res.Conflicts), "conflict"))
	if res.Degraded {
		fmt.Fprintf(&b, "- Degraded: %s did not complete\n", strings.Join(res.MissingAgents, ", "))
	}
	for _, p := range payloads {
		if missing := MissingFields(req.Stage, req.Checkpoint, p.data); len(missing) > 0 {
			fmt.Fprintf(&b, "- %s response lacks: %s\n", p.agent, strings.Join(missing, ", "))
		}
	}
	return b.String()
}

func writeList(b *strings.Builder, items []string) {
	if len(items) == 0 {
		b.WriteString("_None._\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

// writeResponse renders the recognizable sections of one response, falling
// back to its content field and then to the raw text.
func writeResponse(b *strings.Builder, p payload) {
	if !p.structured() {
		b.WriteString(p.text)
		b.WriteString("\n")
		return
	}

	wrote := false
	section := func(name string) {
		if wrote {
			b.WriteString("\n")
		}
		fmt.Fprintf(b, "#### %s\n\n", name)
		wrote = true
	}

	if steps := objects(p.data["work_breakdown"]); len(steps) > 0 {
		section("Work Breakdown")
		for i, s := range steps {
			line := field(s, "step", "name")
			if why := field(s, "rationale"); why != "" {
				line += ": " + why
			}
			fmt.Fprintf(b, "%d. %s\n", i+1, line)
		}
	}
	if risks := objects(p.data["risks"]); len(risks) > 0 {
		section("Risks")
		for _, r := range risks {
			line := field(r, "risk", "description")
			if m := field(r, "mitigation"); m != "" {
				line += " (mitigation: " + m + ")"
			}
			fmt.Fprintf(b, "- %s\n", line)
		}
	}
	if tasks := stringList(p.data["tasks"], "name", "task", "title"); len(tasks) > 0 {
		section("Tasks")
		for _, t := range tasks {
			fmt.Fprintf(b, "- %s\n", t)
		}
	}
	if surfaces := stringList(p.data["surfaces"], "path", "name"); len(surfaces) > 0 {
		section("Affected Surfaces")
		for _, s := range surfaces {
			fmt.Fprintf(b, "- %s\n", s)
		}
	}
	for _, k := range verdictFields {
		if v, ok := verdict(p.data, k); ok {
			if wrote {
				b.WriteString("\n")
			}
			fmt.Fprintf(b, "**%s**: %s\n", k, v)
			wrote = true
		}
	}
	if wrote {
		return
	}
	if content, ok := p.data["content"].(string); ok && strings.TrimSpace(content) != "" {
		b.WriteString(strings.TrimSpace(content))
		b.WriteString("\n")
		return
	}
	b.WriteString(p.text)
	b.WriteString("\n")
}

// objects returns the object items of a JSON list. String items become
// an object carrying s under both "step" and "risk" so plain lists still
// render.
func objects(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		switch it := item.(type) {
		case map[string]any:
			out = append(out, it)
		case string:
			out = append(out, map[string]any{"step": it, "risk": it})
		}
	}
	return out
}

func field(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
