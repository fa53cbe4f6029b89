package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peppescaffidi/cursor-ralph-loop/internal/store"
)

func sampleRequest(parallel bool) Request {
	return Request{
		Story: store.Story{
			ID:                 "US-004",
			Title:              "Add signup form",
			AcceptanceCriteria: []string{"form renders", "validation errors shown"},
		},
		Project:   "demo",
		Workspace: "/work/wt",
		Branch:    "ralph/r1-j1-US-004",
		Parallel:  parallel,
	}
}

func TestRenderPrompt_Default(t *testing.T) {
	out, err := RenderPrompt(sampleRequest(false), "")
	require.NoError(t, err)

	assert.Contains(t, out, "US-004: Add signup form")
	assert.Contains(t, out, "- form renders")
	assert.Contains(t, out, "- validation errors shown")
	assert.Contains(t, out, "US-DONE US-004")
	assert.Contains(t, out, "GUTTER")
	assert.Contains(t, out, "report it instead")
	assert.NotContains(t, out, "coordinator updates it")
}

func TestRenderPrompt_ParallelVariant(t *testing.T) {
	out, err := RenderPrompt(sampleRequest(true), "")
	require.NoError(t, err)
	assert.Contains(t, out, "coordinator updates it after your branch merges")
	assert.Contains(t, out, "Branch: ralph/r1-j1-US-004")
}

func TestRenderPrompt_CustomTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tmpl.md")
	require.NoError(t, os.WriteFile(path, []byte("story={{.StoryID}} project={{.Project}}"), 0644))

	out, err := RenderPrompt(sampleRequest(false), path)
	require.NoError(t, err)
	assert.Equal(t, "story=US-004 project=demo\n", out)
}

func TestRenderPrompt_MissingTemplate(t *testing.T) {
	_, err := RenderPrompt(sampleRequest(false), filepath.Join(t.TempDir(), "nope.md"))
	assert.Error(t, err)
}
