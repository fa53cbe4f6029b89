package gitx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ResolveRef resolves a branch name or revision to a full commit hash.
// An empty ref resolves to HEAD. Every parallel job branches from the
// returned commit, so later movement of the branch cannot skew a run.
func ResolveRef(repoPath, ref string) (string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("open repository %s: %w", repoPath, err)
	}

	if ref == "" {
		head, err := repo.Head()
		if err != nil {
			return "", fmt.Errorf("resolve HEAD: %w", err)
		}
		return head.Hash().String(), nil
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", ref, err)
	}
	return hash.String(), nil
}

// BranchExists reports whether a local branch reference exists.
func BranchExists(repoPath, branch string) (bool, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return false, fmt.Errorf("open repository %s: %w", repoPath, err)
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	if err == plumbing.ErrReferenceNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsLinkedWorktree reports whether dir is a linked git worktree rather than
// the main checkout. Linked worktrees carry a .git *file* pointing at the
// main repository's metadata.
func IsLinkedWorktree(dir string) (bool, error) {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Errorf("%s is not a git repository", dir)
		}
		return false, err
	}
	return !info.IsDir(), nil
}

// DirtyPaths returns the repo-relative paths with uncommitted changes in the
// checkout at dir, parsed from status --porcelain. Renames report the new
// name.
func DirtyPaths(r Runner, dir string) ([]string, error) {
	out, err := r.Run(dir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("check dirty state: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		if len(line) < 4 {
			continue
		}
		p := strings.TrimSpace(line[3:])
		if i := strings.Index(p, " -> "); i >= 0 {
			p = p[i+4:]
		}
		if p = strings.Trim(p, `"`); p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// IsDirty reports whether the checkout at dir has uncommitted changes.
func IsDirty(r Runner, dir string) (bool, error) {
	paths, err := DirtyPaths(r, dir)
	return len(paths) > 0, err
}

// CountCommits returns the number of commits reachable from HEAD but not
// from base — the committed-change evidence a job produced on its branch.
func CountCommits(r Runner, dir, base string) (int, error) {
	out, err := r.Run(dir, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("count commits since %s: %w", base, err)
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%d", &n); err != nil {
		return 0, fmt.Errorf("parse rev-list output %q: %w", string(out), err)
	}
	return n, nil
}
