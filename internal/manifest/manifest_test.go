package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "manifest.tsv")
	w, err := Open(path)
	require.NoError(t, err)
	w.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	require.NoError(t, w.Append(Entry{
		Phase: PhaseStart, RunID: "r1", JobID: 2, StoryID: "US-001",
		Branch: "ralph/r1-j2-US-001", Status: "running", BaseRef: "abc",
		LogPath: "/logs/j2.log", Workspace: "/wt/j2",
	}))
	require.NoError(t, w.Append(Entry{
		Phase: PhaseFinish, RunID: "r1", JobID: 2, StoryID: "US-001",
		Status: "done",
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)

	cols := strings.Split(lines[0], "\t")
	require.Len(t, cols, 10)
	assert.Equal(t, "2026-03-04T05:06:07Z", cols[0])
	assert.Equal(t, "start", cols[1])
	assert.Equal(t, "r1", cols[2])
	assert.Equal(t, "2", cols[3])
	assert.Equal(t, "US-001", cols[4])

	// Append-only: the first row is untouched by the second write.
	assert.Contains(t, lines[1], "finish")
}

func TestAppend_SquashesControlCharacters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.tsv")
	w, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, w.Append(Entry{Phase: PhaseMerge, Status: "conflict\tin\nfile"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "conflict in file")
}
