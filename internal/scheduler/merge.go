package scheduler

import (
	"fmt"
	"strings"

	"github.com/peppescaffidi/cursor-ralph-loop/internal/gitx"
)

// MergeStatus is the outcome of one integration attempt.
type MergeStatus int

const (
	MergeSuccess MergeStatus = iota
	MergeConflict
	MergeError
)

func (s MergeStatus) String() string {
	switch s {
	case MergeSuccess:
		return "success"
	case MergeConflict:
		return "conflict"
	default:
		return "error"
	}
}

// MergeResult carries the status plus git's diagnostic output.
type MergeResult struct {
	Status MergeStatus
	Detail string
}

// Merger integrates one job branch into the shared target. Callers must
// never run two Integrate calls concurrently against the same target; the
// scheduler only calls it from the post-batch loop.
type Merger interface {
	Integrate(branch, message string) MergeResult
}

// GitMerger merges with the git CLI. A conflicted merge is aborted
// transactionally so the target is left exactly as before the attempt; the
// source branch is never touched.
type GitMerger struct {
	Git    gitx.Runner
	Repo   string
	Target string // integration branch; empty means the current branch

	checkedOut bool
}

// Integrate attempts a non-fast-forward merge of branch into the target.
func (m *GitMerger) Integrate(branch, message string) MergeResult {
	if m.Target != "" && !m.checkedOut {
		if out, err := m.Git.Run(m.Repo, "checkout", m.Target); err != nil {
			return MergeResult{Status: MergeError,
				Detail: fmt.Sprintf("checkout %s: %s", m.Target, strings.TrimSpace(string(out)))}
		}
		m.checkedOut = true
	}

	out, err := m.Git.Run(m.Repo, "merge", "--no-ff", branch, "-m", message)
	if err == nil {
		return MergeResult{Status: MergeSuccess}
	}

	// Leave the target byte-identical to its pre-merge state.
	m.Git.Run(m.Repo, "merge", "--abort")

	detail := strings.TrimSpace(string(out))
	if strings.Contains(detail, "CONFLICT") || strings.Contains(err.Error(), "CONFLICT") {
		return MergeResult{Status: MergeConflict, Detail: detail}
	}
	return MergeResult{Status: MergeError, Detail: detail}
}
