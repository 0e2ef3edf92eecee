package orchestrator

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/roach88/speckit/internal/domain"
)

// PriorOutput is an earlier agent's answer, passed to later agents in
// sequential mode.
type PriorOutput struct {
	Agent  string
	Output string
}

// PromptData is the input to a prompt template.
type PromptData struct {
	SpecID     string
	Stage      domain.Stage
	Checkpoint domain.Checkpoint
	Agent      string
	Attempt    int
	Context    string
	Prior      []PriorOutput
}

// Title returns the stage display name.
func (d PromptData) Title() string { return d.Stage.Title() }

// Gate returns the gate kind, or "" for regular stages.
func (d PromptData) Gate() string { return d.Checkpoint.Gate() }

// PromptBuilder renders the prompt for one attempt.
type PromptBuilder interface {
	Build(PromptData) (string, error)
}

// DefaultPromptTemplate asks for a fenced JSON answer.
const DefaultPromptTemplate = `You are {{.Agent}}, one of several agents working on {{.SpecID}}.
{{- if .Gate}}
Run the {{.Gate}} quality gate ({{.Checkpoint}}) before the {{.Title}} stage.
{{- else}}
Produce your {{.Title}} stage output.
{{- end}}
{{- with .Context}}

## Context

{{.}}
{{- end}}
{{- range .Prior}}

## Output from {{.Agent}}

{{trim .Output}}
{{- end}}

Answer with a single JSON object in a json code fence. Include "stage" and
"agent" fields.
`

// TemplatePrompts renders prompts from a text/template.
type TemplatePrompts struct {
	tpl *template.Template
}

// NewTemplatePrompts parses text. An empty text uses DefaultPromptTemplate.
func NewTemplatePrompts(text string) (*TemplatePrompts, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultPromptTemplate
	}
	tpl, err := template.New("prompt").
		Funcs(template.FuncMap{"trim": strings.TrimSpace}).
		Option("missingkey=error").
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &TemplatePrompts{tpl: tpl}, nil
}

// Build renders the template for d.
func (p *TemplatePrompts) Build(d PromptData) (string, error) {
	var b strings.Builder
	if err := p.tpl.Execute(&b, d); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}

func defaultPrompts() PromptBuilder {
	p, err := NewTemplatePrompts("")
	if err != nil {
		panic(err)
	}
	return p
}
