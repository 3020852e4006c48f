package library

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripFrontmatter(t *testing.T) {
	content := "---\nname: triage\nmodel: sonnet\n---\nTriage {{mission_name}}.\n"
	fm, body := StripFrontmatter(content)
	require.NotNil(t, fm)
	assert.Equal(t, "triage", fm["name"])
	assert.Equal(t, "sonnet", fm["model"])
	assert.Equal(t, "Triage {{mission_name}}.\n", body)
}

func TestStripFrontmatterNoBlock(t *testing.T) {
	content := "Just a plain command template."
	fm, body := StripFrontmatter(content)
	assert.Nil(t, fm)
	assert.Equal(t, content, body)
}

func TestStripFrontmatterUnterminatedBlockIsLeftAlone(t *testing.T) {
	content := "---\nname: triage\nno closing delimiter"
	fm, body := StripFrontmatter(content)
	assert.Nil(t, fm)
	assert.Equal(t, content, body)
}
