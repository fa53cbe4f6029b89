package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peppescaffidi/cursor-ralph-loop/internal/gitx"
)

// fakeGit records every git invocation and replies from a canned script.
type fakeGit struct {
	calls   [][]string
	replies map[string]string // first arg -> output
	fail    map[string]bool   // first arg -> force error
}

func (f *fakeGit) Run(dir string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, args)
	if f.fail[args[0]] {
		return nil, assert.AnError
	}
	return []byte(f.replies[args[0]]), nil
}

func (f *fakeGit) called(sub string) bool {
	for _, c := range f.calls {
		if strings.Join(c, " ") == sub || strings.HasPrefix(strings.Join(c, " "), sub) {
			return true
		}
	}
	return false
}

func mainRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".git"), 0755))
	return repo
}

func TestNewManager_RejectsLinkedWorktree(t *testing.T) {
	dir := t.TempDir()
	// A linked worktree has a .git file, not a directory.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git"), []byte("gitdir: /elsewhere"), 0644))

	_, err := NewManager(dir, "", "r1", &fakeGit{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "linked worktree")
}

func TestNewManager_RejectsNonRepo(t *testing.T) {
	_, err := NewManager(t.TempDir(), "", "r1", &fakeGit{})
	assert.Error(t, err)
}

func TestBranchName_DeterministicAndDistinct(t *testing.T) {
	m, err := NewManager(mainRepo(t), "", "a1b2c3d4", &fakeGit{})
	require.NoError(t, err)

	b1 := m.BranchName(1, "US-001")
	b2 := m.BranchName(2, "US-001")
	assert.Equal(t, "ralph/a1b2c3d4-j1-US-001", b1)
	assert.NotEqual(t, b1, b2)
	assert.Equal(t, b1, m.BranchName(1, "US-001"))
}

func TestBranchName_SanitizesStoryID(t *testing.T) {
	m, err := NewManager(mainRepo(t), "", "r1", &fakeGit{})
	require.NoError(t, err)
	assert.Equal(t, "ralph/r1-j3-fix-login-flow", m.BranchName(3, "fix login/flow"))
}

func TestCreate_AddsWorktreeFromBaseRef(t *testing.T) {
	repo := mainRepo(t)
	git := &fakeGit{replies: map[string]string{}, fail: map[string]bool{}}
	m, err := NewManager(repo, "", "r1", git)
	require.NoError(t, err)

	path, branch, err := m.Create("US-001", 1, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "ralph/r1-j1-US-001", branch)
	assert.Contains(t, path, filepath.Join(".ralph", "worktrees"))
	assert.True(t, git.called("worktree add -b ralph/r1-j1-US-001 "+path+" abc123"))
}

func TestCreate_DestroysStaleCopyFirst(t *testing.T) {
	repo := mainRepo(t)
	git := &fakeGit{replies: map[string]string{}, fail: map[string]bool{}}
	m, err := NewManager(repo, "", "r1", git)
	require.NoError(t, err)

	stale := m.Path(1, "US-001")
	require.NoError(t, os.MkdirAll(stale, 0755))

	_, _, err = m.Create("US-001", 1, "abc123")
	require.NoError(t, err)
	assert.True(t, git.called("worktree remove -f "+stale))
}

func TestCleanup_DirtyWorktreePreserved(t *testing.T) {
	repo := mainRepo(t)
	git := &fakeGit{replies: map[string]string{"status": " M main.go\n"}, fail: map[string]bool{}}
	m, err := NewManager(repo, "", "r1", git)
	require.NoError(t, err)

	res, err := m.Cleanup("/some/wt", "ralph/r1-j1-US-001")
	require.NoError(t, err)
	assert.Equal(t, LeftInPlace, res)
	assert.False(t, git.called("worktree remove"))
	assert.False(t, git.called("branch -D"))
}

func TestCleanup_CleanWorktreeRemoved(t *testing.T) {
	repo := mainRepo(t)
	git := &fakeGit{replies: map[string]string{"status": ""}, fail: map[string]bool{}}
	m, err := NewManager(repo, "", "r1", git)
	require.NoError(t, err)

	res, err := m.Cleanup("/some/wt", "ralph/r1-j1-US-001")
	require.NoError(t, err)
	assert.Equal(t, Cleaned, res)
	assert.True(t, git.called("worktree remove -f /some/wt"))
	assert.True(t, git.called("branch -D ralph/r1-j1-US-001"))
}

func TestSeed_CopiesSnapshotIntoWorktree(t *testing.T) {
	repo := mainRepo(t)
	git := &fakeGit{}
	m, err := NewManager(repo, "", "r1", git)
	require.NoError(t, err)

	prd := filepath.Join(repo, "prd.json")
	require.NoError(t, os.WriteFile(prd, []byte(`{"project":"x"}`), 0644))

	wt := t.TempDir()
	require.NoError(t, m.Seed(wt, prd, filepath.Join(repo, "progress.txt")))

	data, err := os.ReadFile(filepath.Join(wt, "prd.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"project":"x"}`, string(data))

	// Missing ledger is fine: nothing has completed yet.
	_, err = os.Stat(filepath.Join(wt, "progress.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestCleanup_SeededSnapshotNotTreatedAsDirty(t *testing.T) {
	repo := mainRepo(t)
	// Later batches seed a store document that is ahead of the base commit,
	// so status reports it modified even though the worker never touched it.
	git := &fakeGit{replies: map[string]string{"status": " M prd.json\n M progress.txt\n"}, fail: map[string]bool{}}
	m, err := NewManager(repo, "", "r1", git)
	require.NoError(t, err)

	prd := filepath.Join(repo, "prd.json")
	ledger := filepath.Join(repo, "progress.txt")
	require.NoError(t, os.WriteFile(prd, []byte(`{"project":"x"}`), 0644))
	require.NoError(t, os.WriteFile(ledger, []byte("[done] US-001\n"), 0644))

	wt := t.TempDir()
	require.NoError(t, m.Seed(wt, prd, ledger))

	res, err := m.Cleanup(wt, "ralph/r1-j2-US-002")
	require.NoError(t, err)
	assert.Equal(t, Cleaned, res)
	assert.True(t, git.called("worktree remove -f "+wt))
}

func TestCleanup_WorkerChangesStillPreservedAfterSeed(t *testing.T) {
	repo := mainRepo(t)
	git := &fakeGit{replies: map[string]string{"status": " M prd.json\n M main.go\n"}, fail: map[string]bool{}}
	m, err := NewManager(repo, "", "r1", git)
	require.NoError(t, err)

	prd := filepath.Join(repo, "prd.json")
	require.NoError(t, os.WriteFile(prd, []byte(`{"project":"x"}`), 0644))

	wt := t.TempDir()
	require.NoError(t, m.Seed(wt, prd))

	res, err := m.Cleanup(wt, "ralph/r1-j2-US-002")
	require.NoError(t, err)
	assert.Equal(t, LeftInPlace, res)
	assert.False(t, git.called("worktree remove"))
}

func TestIsolation_DistinctJobsDistinctPaths(t *testing.T) {
	m, err := NewManager(mainRepo(t), "", "r1", &fakeGit{})
	require.NoError(t, err)

	a := m.Path(1, "US-001")
	b := m.Path(2, "US-002")
	assert.NotEqual(t, a, b)

	// A file in job A's workspace is invisible to job B's.
	require.NoError(t, os.MkdirAll(a, 0755))
	require.NoError(t, os.MkdirAll(b, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(a, "scratch.txt"), []byte("job a"), 0644))
	_, err = os.Stat(filepath.Join(b, "scratch.txt"))
	assert.True(t, os.IsNotExist(err))
}

var _ gitx.Runner = (*fakeGit)(nil)
