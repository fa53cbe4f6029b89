// Package workspace manages the isolated, branch-scoped checkouts that
// parallel jobs run in. Each job owns one disposable git worktree created
// from a fixed base commit; worktrees holding uncommitted changes are
// deliberately preserved so no work is silently lost.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/peppescaffidi/cursor-ralph-loop/internal/gitx"
)

// BranchPrefix namespaces all run branches.
const BranchPrefix = "ralph/"

// CleanupResult reports what Cleanup did with a worktree.
type CleanupResult int

const (
	// Cleaned means the worktree and its branch artifacts were removed.
	Cleaned CleanupResult = iota
	// LeftInPlace means the worktree had uncommitted changes and was
	// preserved for operator inspection.
	LeftInPlace
)

func (r CleanupResult) String() string {
	if r == LeftInPlace {
		return "left_in_place"
	}
	return "cleaned"
}

// Manager creates and destroys worktrees for one run.
type Manager struct {
	Repo    string // main checkout the worktrees hang off
	BaseDir string // e.g. .ralph/worktrees
	RunID   string
	Git     gitx.Runner

	mu     sync.Mutex
	seeded map[string]map[string]bool // worktree path -> rel paths Seed wrote
}

// NewManager builds a Manager rooted at repo. It refuses to operate when
// repo is itself a linked worktree: nesting isolated copies inside one
// another corrupts branch bookkeeping.
func NewManager(repo, baseDir, runID string, git gitx.Runner) (*Manager, error) {
	nested, err := gitx.IsLinkedWorktree(repo)
	if err != nil {
		return nil, err
	}
	if nested {
		return nil, fmt.Errorf("%s is itself a linked worktree; run from the main checkout", repo)
	}
	if baseDir == "" {
		baseDir = filepath.Join(".ralph", "worktrees")
	}
	return &Manager{Repo: repo, BaseDir: baseDir, RunID: runID, Git: git}, nil
}

// BranchName derives the deterministic, run-scoped branch for a job.
// Distinct job ids make it collision-free within a run.
func (m *Manager) BranchName(jobID int, storyID string) string {
	return fmt.Sprintf("%s%s-j%d-%s", BranchPrefix, m.RunID, jobID, sanitize(storyID))
}

// Path returns where a job's worktree lives.
func (m *Manager) Path(jobID int, storyID string) string {
	return filepath.Join(m.Repo, m.BaseDir, fmt.Sprintf("%s-j%d-%s", m.RunID, jobID, sanitize(storyID)))
}

// Create makes a fresh worktree for the job, checked out at baseRef on a new
// branch. Any stale prior copy at the same path is destroyed first.
func (m *Manager) Create(storyID string, jobID int, baseRef string) (path, branch string, err error) {
	path = m.Path(jobID, storyID)
	branch = m.BranchName(jobID, storyID)

	if err := os.MkdirAll(filepath.Join(m.Repo, m.BaseDir), 0755); err != nil {
		return "", "", fmt.Errorf("create worktree dir: %w", err)
	}

	// Stale copy from a crashed run: remove it so the checkout starts clean.
	if _, statErr := os.Stat(path); statErr == nil {
		m.Git.Run(m.Repo, "worktree", "remove", "-f", path)
		os.RemoveAll(path)
	}

	if _, err := m.Git.Run(m.Repo, "worktree", "add", "-b", branch, path, baseRef); err != nil {
		return "", "", fmt.Errorf("create worktree for %s: %w", storyID, err)
	}
	return path, branch, nil
}

// Seed copies shared artifacts (the current store document, the progress
// ledger) into the worktree so the worker sees the latest snapshot even when
// it is ahead of the base commit. Seeded paths are remembered so Cleanup can
// tell them apart from the worker's own uncommitted changes.
func (m *Manager) Seed(path string, files ...string) error {
	for _, src := range files {
		if src == "" {
			continue
		}
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("seed %s: %w", src, err)
		}
		rel, err := filepath.Rel(m.Repo, src)
		if err != nil || strings.HasPrefix(rel, "..") {
			rel = filepath.Base(src)
		}
		dst := filepath.Join(path, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("seed %s: %w", src, err)
		}
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return fmt.Errorf("seed %s: %w", src, err)
		}

		m.mu.Lock()
		if m.seeded == nil {
			m.seeded = make(map[string]map[string]bool)
		}
		if m.seeded[path] == nil {
			m.seeded[path] = make(map[string]bool)
		}
		m.seeded[path][filepath.ToSlash(rel)] = true
		m.mu.Unlock()
	}
	return nil
}

// Cleanup disposes of a job's worktree. A worktree holding worker changes is
// preserved and reported; a clean one is removed along with its metadata and
// branch. Seeded snapshots do not count as changes: they drift from the base
// commit whenever earlier merges advance the store, and workers never commit
// them.
func (m *Manager) Cleanup(path, branch string) (CleanupResult, error) {
	dirtyPaths, err := gitx.DirtyPaths(m.Git, path)
	if err != nil {
		return LeftInPlace, err
	}

	m.mu.Lock()
	seeded := m.seeded[path]
	m.mu.Unlock()
	for _, p := range dirtyPaths {
		if !seeded[filepath.ToSlash(p)] {
			return LeftInPlace, nil
		}
	}

	if _, err := m.Git.Run(m.Repo, "worktree", "remove", "-f", path); err != nil {
		// Worktree metadata can be gone while the directory lingers.
		os.RemoveAll(path)
	}
	m.Git.Run(m.Repo, "worktree", "prune")
	if err := m.DeleteBranch(branch); err != nil {
		return Cleaned, err
	}
	return Cleaned, nil
}

// Remove force-removes a worktree without touching its branch.
func (m *Manager) Remove(path string) {
	m.Git.Run(m.Repo, "worktree", "remove", "-f", path)
	m.Git.Run(m.Repo, "worktree", "prune")
	os.RemoveAll(path)
}

// DeleteBranch deletes a run branch.
func (m *Manager) DeleteBranch(branch string) error {
	if _, err := m.Git.Run(m.Repo, "branch", "-D", branch); err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	return nil
}

// sanitize keeps branch and path components git-safe.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}
