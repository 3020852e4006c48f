// Package library resolves an automation's CommandSource::Library entries:
// markdown files with an optional YAML frontmatter block, stripped before
// the remaining body becomes the command template.
package library

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Command is a named, reusable automation command template.
type Command struct {
	Name        string
	Frontmatter map[string]any
	Template    string
}

// Loader resolves a named library command to its template.
type Loader interface {
	Load(name string) (Command, error)
}

// FileLoader loads library commands from markdown files under Root.
type FileLoader struct {
	Root string
}

// Load reads `{Root}/{name}.md` and strips its frontmatter.
func (l FileLoader) Load(name string) (Command, error) {
	path := fmt.Sprintf("%s/%s.md", strings.TrimRight(l.Root, "/"), name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return Command{}, fmt.Errorf("library: load command %q: %w", name, err)
	}
	fm, body := StripFrontmatter(string(raw))
	return Command{Name: name, Frontmatter: fm, Template: body}, nil
}

// StripFrontmatter separates a leading `---\n...\n---` YAML block from the
// remaining markdown body. If no frontmatter block is present, returns a nil
// map and the original content unchanged.
func StripFrontmatter(content string) (map[string]any, string) {
	const delim = "---"
	trimmed := strings.TrimLeft(content, "\n")
	if !strings.HasPrefix(trimmed, delim) {
		return nil, content
	}

	rest := trimmed[len(delim):]
	idx := strings.Index(rest, "\n"+delim)
	if idx == -1 {
		return nil, content
	}

	fmBlock := strings.TrimPrefix(rest[:idx], "\n")
	body := rest[idx+len("\n"+delim):]
	body = strings.TrimPrefix(body, "\n")

	var fm map[string]any
	if err := yaml.Unmarshal([]byte(fmBlock), &fm); err != nil {
		return nil, content
	}
	return fm, body
}
