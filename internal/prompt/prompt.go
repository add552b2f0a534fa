// Package prompt holds the system and user prompts sent to the model.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/sumire/testgen/internal/domain"
)

//go:embed prompts.yaml
var defaultPrompts []byte

type file struct {
	System map[string]string `yaml:"system"`
	User   string            `yaml:"user"`
}

// Catalog renders mode-specific prompts.
type Catalog struct {
	system map[domain.Mode]string
	user   *template.Template
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return parse(defaultPrompts, nil)
}

// Load returns the built-in catalog overridden by entries of the YAML file at
// path. An empty path yields the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	var override file
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse prompts file %s: %w", path, err)
	}
	return parse(defaultPrompts, &override)
}

func parse(data []byte, override *file) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	if override != nil {
		for k, v := range override.System {
			if strings.TrimSpace(v) != "" {
				f.System[k] = v
			}
		}
		if strings.TrimSpace(override.User) != "" {
			f.User = override.User
		}
	}

	c := &Catalog{system: make(map[domain.Mode]string)}
	for _, m := range []domain.Mode{domain.ModeManual, domain.ModeAuto} {
		s := strings.TrimSpace(f.System[string(m)])
		if s == "" {
			return nil, fmt.Errorf("prompts: missing system prompt for mode %q", m)
		}
		c.system[m] = s
	}

	tmpl, err := template.New("user").Option("missingkey=error").Parse(f.User)
	if err != nil {
		return nil, fmt.Errorf("prompts: user template: %w", err)
	}
	c.user = tmpl
	return c, nil
}

// System returns the system prompt for mode, falling back to manual.
func (c *Catalog) System(mode domain.Mode) string {
	if s, ok := c.system[mode]; ok {
		return s
	}
	return c.system[domain.ModeManual]
}

// User renders the user message for an issue. context is the issue text
// built by IssueContext.
func (c *Catalog) User(issueKey, context string) (string, error) {
	var b strings.Builder
	err := c.user.Execute(&b, struct {
		IssueKey string
		Context  string
	}{issueKey, context})
	if err != nil {
		return "", fmt.Errorf("render user prompt: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}

// IssueContext formats the issue for the model.
func IssueContext(summary, description string) string {
	return fmt.Sprintf("Title: %s\n\nDescription:\n%s", summary, description)
}
