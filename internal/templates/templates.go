// Package templates loads and validates the prompt templates that drive
// every LLM call and the prompt-submit injection payload: reflection,
// playbook/injection, tagger, task_guidance, and migration. Templates are
// the extension point for tuning behavior without code changes, so they
// are read-only on disk and cached in memory per process, with an optional
// on-disk override directory taking precedence over the embedded defaults.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts/*.tmpl
var embeddedPrompts embed.FS

// Names of the five prompt templates that make up the tuning surface.
const (
	Reflection   = "reflection"
	Playbook     = "playbook"
	Tagger       = "tagger"
	TaskGuidance = "task_guidance"
	Migration    = "migration"
)

type frontMatter struct {
	Placeholders []string `yaml:"placeholders"`
}

// Store holds the parsed, validated set of prompt templates for one
// process lifetime.
type Store struct {
	tmpls map[string]*template.Template
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*\.(\w+)`)

// Load parses every *.tmpl file under overrideDir if non-empty, or the
// embedded defaults otherwise, validating that each template's body only
// references placeholders its front matter declares. A declared-but-unused
// placeholder is not an error; templates are free to ignore optional
// context.
func Load(overrideDir string) (*Store, error) {
	var fsys fs.FS
	if overrideDir != "" {
		fsys = os.DirFS(overrideDir)
	} else {
		sub, err := fs.Sub(embeddedPrompts, "prompts")
		if err != nil {
			return nil, fmt.Errorf("templates: sub embedded fs: %w", err)
		}
		fsys = sub
	}

	entries, err := fs.Glob(fsys, "*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("templates: glob: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("templates: no *.tmpl files found")
	}

	store := &Store{tmpls: make(map[string]*template.Template, len(entries))}
	for _, entry := range entries {
		raw, err := fs.ReadFile(fsys, entry)
		if err != nil {
			return nil, fmt.Errorf("templates: read %s: %w", entry, err)
		}

		name := strings.TrimSuffix(filepath.Base(entry), ".tmpl")
		declared, body, err := parseFrontMatter(raw)
		if err != nil {
			return nil, fmt.Errorf("templates: %s: %w", name, err)
		}
		if err := validatePlaceholders(name, body, declared); err != nil {
			return nil, err
		}

		tmpl, err := template.New(name).Parse(body)
		if err != nil {
			return nil, fmt.Errorf("templates: parse %s: %w", name, err)
		}
		store.tmpls[name] = tmpl
	}

	return store, nil
}

// parseFrontMatter splits a template file into its declared placeholder
// list and template body. Front matter is a "---" delimited YAML block at
// the top of the file; a file with no front matter is treated as
// declaring no placeholders.
func parseFrontMatter(raw []byte) ([]string, string, error) {
	const delim = "---\n"
	s := string(raw)
	if !strings.HasPrefix(s, delim) {
		return nil, s, nil
	}

	rest := s[len(delim):]
	end := strings.Index(rest, delim)
	if end < 0 {
		return nil, "", fmt.Errorf("unterminated front matter")
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, "", fmt.Errorf("parse front matter: %w", err)
	}

	return fm.Placeholders, strings.TrimPrefix(rest[end+len(delim):], "\n"), nil
}

// validatePlaceholders fails fast (at load time, not at first LLM call) if
// the body references a field the front matter never declared.
func validatePlaceholders(name, body string, declared []string) error {
	allowed := make(map[string]bool, len(declared))
	for _, p := range declared {
		allowed[p] = true
	}

	for _, m := range placeholderPattern.FindAllStringSubmatch(body, -1) {
		field := m[1]
		if !allowed[field] {
			return fmt.Errorf("templates: %s: body references undeclared placeholder %q", name, field)
		}
	}
	return nil
}

// Render executes the named template against data, where data supplies
// the declared placeholders (e.g. {"Bullets": "..."} for "playbook").
func (s *Store) Render(name string, data map[string]string) (string, error) {
	tmpl, ok := s.tmpls[name]
	if !ok {
		return "", fmt.Errorf("templates: unknown template %q", name)
	}

	values := make(map[string]interface{}, len(data))
	for k, v := range data {
		values[k] = v
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, values); err != nil {
		return "", fmt.Errorf("templates: render %s: %w", name, err)
	}
	return buf.String(), nil
}
