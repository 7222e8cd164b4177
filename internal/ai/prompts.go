package ai

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var promptsYAML []byte

const (
	promptExtract           = "extract"
	promptNormalizeDeadline = "normalize_deadline"
)

type promptDef struct {
	Description string `yaml:"description"`
	Template    string `yaml:"template"`
}

// Prompts holds the parsed prompt templates keyed by name.
type Prompts struct {
	templates map[string]*template.Template
}

// LoadPrompts parses the embedded prompt definitions.
func LoadPrompts() (*Prompts, error) {
	return parsePrompts(promptsYAML)
}

func parsePrompts(data []byte) (*Prompts, error) {
	var defs map[string]promptDef
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}

	p := &Prompts{templates: make(map[string]*template.Template, len(defs))}
	for name, def := range defs {
		if strings.TrimSpace(def.Template) == "" {
			return nil, fmt.Errorf("prompt %q has no template", name)
		}
		tmpl, err := template.New(name).Option("missingkey=error").Parse(def.Template)
		if err != nil {
			return nil, fmt.Errorf("parse prompt %q: %w", name, err)
		}
		p.templates[name] = tmpl
	}

	for _, required := range []string{promptExtract, promptNormalizeDeadline} {
		if _, ok := p.templates[required]; !ok {
			return nil, fmt.Errorf("prompt %q is missing", required)
		}
	}
	return p, nil
}

func (p *Prompts) render(name string, data any) (string, error) {
	tmpl, ok := p.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", name)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", name, err)
	}
	return sb.String(), nil
}
