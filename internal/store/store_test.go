package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePRD(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prd.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const samplePRD = `{
  "project": "demo",
  "description": "sample project",
  "userStories": [
    {"id": "US-001", "title": "Login", "acceptanceCriteria": ["works"], "priority": 5, "passes": false},
    {"id": "US-002", "title": "Logout", "acceptanceCriteria": ["works"], "priority": 1, "passes": false},
    {"id": "US-003", "title": "Signup", "acceptanceCriteria": ["works"], "priority": 1, "passes": true}
  ]
}`

func TestLoad(t *testing.T) {
	s, err := Load(writePRD(t, samplePRD))
	require.NoError(t, err)
	assert.Equal(t, "demo", s.Project())

	st, ok := s.ByID("US-001")
	require.True(t, ok)
	assert.Equal(t, "Login", st.Title)
	assert.Equal(t, 5, st.Priority)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoad_Malformed(t *testing.T) {
	_, err := Load(writePRD(t, `{"userStories": [`))
	assert.Error(t, err)
}

func TestLoad_DuplicateID(t *testing.T) {
	_, err := Load(writePRD(t, `{
  "project": "demo",
  "userStories": [
    {"id": "US-001", "title": "a"},
    {"id": "US-001", "title": "b"}
  ]
}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate story id")
}

func TestLoad_MissingPriorityIsLowest(t *testing.T) {
	s, err := Load(writePRD(t, `{
  "project": "demo",
  "userStories": [
    {"id": "US-001", "title": "no priority"},
    {"id": "US-002", "title": "urgent", "priority": 0}
  ]
}`))
	require.NoError(t, err)

	items := s.Incomplete()
	require.Len(t, items, 2)
	assert.Equal(t, "US-002", items[0].ID)
	assert.Equal(t, DefaultPriority, items[1].Priority)
}

func TestIncomplete_PriorityOrderStableTies(t *testing.T) {
	s, err := Load(writePRD(t, `{
  "project": "demo",
  "userStories": [
    {"id": "A", "title": "a", "priority": 5},
    {"id": "B", "title": "b", "priority": 1},
    {"id": "C", "title": "c", "priority": 1},
    {"id": "D", "title": "d", "priority": 3}
  ]
}`))
	require.NoError(t, err)

	var order []string
	for _, st := range s.Incomplete() {
		order = append(order, st.ID)
	}
	assert.Equal(t, []string{"B", "C", "D", "A"}, order)
}

func TestMarkComplete(t *testing.T) {
	path := writePRD(t, samplePRD)
	s, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, s.MarkComplete("US-002"))
	st, _ := s.ByID("US-002")
	assert.True(t, st.Passes)

	// Rewrite hit the disk and left the other stories untouched.
	reloaded, err := Load(path)
	require.NoError(t, err)
	st, _ = reloaded.ByID("US-002")
	assert.True(t, st.Passes)
	st, _ = reloaded.ByID("US-001")
	assert.False(t, st.Passes)
}

func TestMarkComplete_Idempotent(t *testing.T) {
	path := writePRD(t, samplePRD)
	s, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, s.MarkComplete("US-002"))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, s.MarkComplete("US-002"))
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestMarkComplete_UnknownID(t *testing.T) {
	s, err := Load(writePRD(t, samplePRD))
	require.NoError(t, err)
	assert.Error(t, s.MarkComplete("US-999"))
}

func TestMarkComplete_PreservesDocumentShape(t *testing.T) {
	path := writePRD(t, samplePRD)
	s, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, s.MarkComplete("US-001"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "demo", doc["project"])
	assert.Equal(t, "sample project", doc["description"])
}

func TestMarkComplete_OtherEntriesByteIdentical(t *testing.T) {
	// Entry A carries a field the orchestrator does not model and omits
	// priority and acceptanceCriteria. External producers own those bytes;
	// marking B must not touch them.
	entryA := `{"id":"A","title":"a","notes":"keep me","passes":false}`
	path := writePRD(t, `{"project":"demo","userStories":[`+
		entryA+`,{"id":"B","title":"b","passes":false}]}`)

	s, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, s.MarkComplete("B"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), entryA)
	assert.NotContains(t, string(data), "999")
	assert.NotContains(t, string(data), "acceptanceCriteria")

	b, _ := s.ByID("B")
	assert.True(t, b.Passes)

	// A second completion edits in place again, not a remarshal.
	require.NoError(t, s.MarkComplete("A"))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"notes":"keep me"`)
}

func TestAllComplete(t *testing.T) {
	path := writePRD(t, samplePRD)
	s, err := Load(path)
	require.NoError(t, err)
	assert.False(t, s.AllComplete())

	require.NoError(t, s.MarkComplete("US-001"))
	require.NoError(t, s.MarkComplete("US-002"))
	assert.True(t, s.AllComplete())
}

func TestLedger_AppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.txt")
	l := NewLedger(path)
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	require.NoError(t, l.Append("US-001", "did the thing"))
	require.NoError(t, l.Append("US-002", "did another\nthing"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "US-001 did the thing")
	assert.Contains(t, lines[1], "US-002 did another thing")
	assert.True(t, strings.HasPrefix(lines[0], "2026-01-02T03:04:05Z"))
}
