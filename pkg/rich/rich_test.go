package rich

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	text := `Here's the result: <image path="out/plot.png" alt="a plot"/> and <file path="report.md" name="Report"/>.`
	tags := Parse(text)
	require.Len(t, tags, 2)
	assert.Equal(t, KindImage, tags[0].Kind)
	assert.Equal(t, "out/plot.png", tags[0].Path)
	assert.Equal(t, "a plot", tags[0].Alt)
	assert.Equal(t, KindFile, tags[1].Kind)
	assert.Equal(t, "Report", tags[1].Name)
}

func TestParseMissingPathSkipped(t *testing.T) {
	tags := Parse(`<image alt="no path"/>`)
	assert.Empty(t, tags)
}

func TestResolveRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	_, err := Resolve(Tag{Kind: KindFile, Path: "../../etc/passwd"}, dir)
	assert.ErrorIs(t, err, ErrEscapesWorkspace)
}

func TestResolveInsideWorkspace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "out"), 0o755))
	sf, err := Resolve(Tag{Kind: KindImage, Path: "out/plot.png", Alt: "plot"}, dir)
	require.NoError(t, err)
	assert.Equal(t, "plot", sf.DisplayName)
	assert.Equal(t, filepath.Join(dir, "out", "plot.png"), sf.AbsPath)
}

func TestResolveAllDropsBadTags(t *testing.T) {
	dir := t.TempDir()
	text := `<file path="good.txt"/> <file path="../escape.txt"/>`
	files := ResolveAll(text, dir)
	require.Len(t, files, 1)
	assert.Equal(t, "good.txt", files[0].Path)
}
