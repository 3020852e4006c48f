package automation

import (
	"fmt"
	"strings"

	"github.com/sandboxedsh/missionctl/internal/automation/library"
	"github.com/sandboxedsh/missionctl/internal/mission"
)

// Substitute replaces `{{key}}` placeholders in template with vars, leaving
// any unmatched placeholder untouched (a missing variable shouldn't corrupt
// the rest of the template).
func Substitute(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

// BuildVariables assembles the standard substitution set
// (mission_id, mission_name, working_directory) merged with custom
// variables, later entries in extra taking precedence on key collision.
func BuildVariables(m *mission.Mission, workingDirectory string, extra ...map[string]string) map[string]string {
	vars := map[string]string{
		"mission_id":       m.ID.String(),
		"working_directory": workingDirectory,
	}
	if m.Title != nil {
		vars["mission_name"] = *m.Title
	} else {
		vars["mission_name"] = m.ID.String()
	}
	for _, set := range extra {
		for k, v := range set {
			vars[k] = v
		}
	}
	return vars
}

// ResolveCommand resolves an Automation's CommandSource to its final prompt
// text: library entries are loaded and frontmatter-stripped, local-file
// entries are read from disk, inline entries are used as-is. The result is
// then variable-substituted.
func ResolveCommand(a *mission.Automation, vars map[string]string, loader library.Loader, readFile func(path string) (string, error)) (string, error) {
	var template string

	switch a.CommandSource.Kind {
	case mission.CommandSourceLibrary:
		if loader == nil {
			return "", fmt.Errorf("automation: no library loader configured for automation %s", a.ID)
		}
		cmd, err := loader.Load(a.CommandSource.Name)
		if err != nil {
			return "", err
		}
		template = cmd.Template
	case mission.CommandSourceLocalFile:
		if readFile == nil {
			return "", fmt.Errorf("automation: no file reader configured for automation %s", a.ID)
		}
		content, err := readFile(a.CommandSource.Path)
		if err != nil {
			return "", fmt.Errorf("automation: read local file command: %w", err)
		}
		_, body := library.StripFrontmatter(content)
		template = body
	case mission.CommandSourceInline:
		template = a.CommandSource.Content
	default:
		return "", fmt.Errorf("automation: unknown command source kind %q", a.CommandSource.Kind)
	}

	return Substitute(template, vars), nil
}
