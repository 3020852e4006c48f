// Package rich parses the rich-tag grammar agent output embeds to expose
// workspace files as shared artifacts: self-closing `<image path="..."
// alt="..."/>` and `<file path="..." name="..."/>` tags
package rich

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Kind discriminates a Tag's element name.
type Kind string

const (
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

// Tag is one parsed rich tag referencing a workspace-relative path.
type Tag struct {
	Kind Kind
	Path string
	// Alt is the image tag's optional alt text.
	Alt string
	// Name is the file tag's optional display name.
	Name string
}

// tagPattern matches a self-closing <image .../> or <file .../> element and
// captures its attribute blob for further parsing. Tags must be
// self-closing; there is no non-self-closing form.
var tagPattern = regexp.MustCompile(`<(image|file)\s+([^>]*?)/>`)

var attrPattern = regexp.MustCompile(`(\w+)\s*=\s*"([^"]*)"`)

// Parse scans text for rich tags. Tags missing a required path attribute are
// skipped (not an error): malformed agent output shouldn't fail the turn.
func Parse(text string) []Tag {
	var tags []Tag
	for _, m := range tagPattern.FindAllStringSubmatch(text, -1) {
		kind := Kind(m[1])
		attrs := parseAttrs(m[2])
		path, ok := attrs["path"]
		if !ok || path == "" {
			continue
		}
		t := Tag{Kind: kind, Path: path}
		switch kind {
		case KindImage:
			t.Alt = attrs["alt"]
		case KindFile:
			t.Name = attrs["name"]
		}
		tags = append(tags, t)
	}
	return tags
}

func parseAttrs(blob string) map[string]string {
	out := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(blob, -1) {
		out[m[1]] = m[2]
	}
	return out
}

// SharedFile is a rich tag whose path has been validated against a
// workspace root and resolved to an absolute, canonical location.
type SharedFile struct {
	Kind        Kind   `json:"kind"`
	Path        string `json:"path"`
	AbsPath     string `json:"-"`
	DisplayName string `json:"display_name,omitempty"`
}

// ErrEscapesWorkspace is returned by Resolve when a tag's path attribute
// canonicalizes outside the mission workspace root.
var ErrEscapesWorkspace = fmt.Errorf("rich: path escapes workspace root")

// Resolve validates a Tag's path against workspaceRoot, rejecting any path
// that does not canonicalize inside it ("reject any
// path that does not canonicalize inside the mission's workspace root").
func Resolve(t Tag, workspaceRoot string) (SharedFile, error) {
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return SharedFile{}, fmt.Errorf("rich: resolve workspace root: %w", err)
	}
	root = filepath.Clean(root)

	joined := filepath.Join(root, t.Path)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return SharedFile{}, fmt.Errorf("rich: resolve path: %w", err)
	}
	abs = filepath.Clean(abs)

	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return SharedFile{}, ErrEscapesWorkspace
	}

	display := t.Name
	if t.Kind == KindImage {
		display = t.Alt
	}
	if display == "" {
		display = filepath.Base(abs)
	}

	return SharedFile{
		Kind:        t.Kind,
		Path:        t.Path,
		AbsPath:     abs,
		DisplayName: display,
	}, nil
}

// ResolveAll parses text and resolves every tag found against workspaceRoot,
// silently dropping tags that fail to resolve (escape the root, or carry an
// empty path) rather than failing the whole turn.
func ResolveAll(text, workspaceRoot string) []SharedFile {
	var out []SharedFile
	for _, t := range Parse(text) {
		sf, err := Resolve(t, workspaceRoot)
		if err != nil {
			continue
		}
		out = append(out, sf)
	}
	return out
}
