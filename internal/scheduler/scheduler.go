// Package scheduler runs a batch of independent stories in parallel, each in
// its own worktree, then folds the surviving branches back into the target
// one at a time. Agents run concurrently; merges never do.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/peppescaffidi/cursor-ralph-loop/internal/lockfile"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/manifest"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/signal"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/state"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/store"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/ui"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/worker"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/workspace"
)

// DefaultConcurrency bounds simultaneous agents when the caller passes 0.
const DefaultConcurrency = 3

// Workspaces is the slice of workspace.Manager the scheduler needs.
type Workspaces interface {
	Create(storyID string, jobID int, baseRef string) (path, branch string, err error)
	Seed(path string, files ...string) error
	Cleanup(path, branch string) (workspace.CleanupResult, error)
	DeleteBranch(branch string) error
}

// Config carries the per-run knobs.
type Config struct {
	Root        string // repository root, also where the lock lives
	Concurrency int
	LogDir      string
}

// Summary is what one parallel run produced.
type Summary struct {
	RunID     string
	Total     int
	Merged    int
	Conflicts int
	NoCommits int
	Errors    int
	Preserved []string // branches kept for manual inspection
	Gutter    bool     // a worker reported an unrecoverable blocker
	Complete  bool     // every story passes after this run
	Elapsed   time.Duration
}

// Scheduler coordinates one parallel run.
type Scheduler struct {
	Store      *store.Store
	Ledger     *store.Ledger
	Workspaces Workspaces
	Worker     worker.Worker
	Merger     Merger
	Manifest   *manifest.Writer
	State      *state.RunState
	LockPolicy lockfile.Policy
	Config     Config
	RunID      string
	BaseRef    string
	Stderr     io.Writer

	// ResolveBase turns the configured base branch into a fixed commit so
	// every job in the run forks from the same point. Injectable for tests.
	ResolveBase func() (string, error)
}

type jobResult struct {
	JobID     int
	Story     store.Story
	Path      string
	Branch    string
	Outcome   state.Outcome
	Signal    signal.Outcome
	Res       worker.Result
	SpawnFail error
}

// Run executes all incomplete stories in batches and reconciles the results.
// Exactly one scheduler may run per repository; a held lock is surfaced as
// lockfile.ErrHeld.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	sum := Summary{RunID: s.RunID}

	lock, err := lockfile.Acquire(s.Config.Root, s.LockPolicy)
	if err != nil {
		return sum, err
	}
	defer lock.Release()

	items := s.Store.Incomplete()
	sum.Total = len(items)
	if len(items) == 0 {
		sum.Complete = true
		sum.Elapsed = time.Since(start)
		return sum, nil
	}

	if s.BaseRef == "" && s.ResolveBase != nil {
		base, err := s.ResolveBase()
		if err != nil {
			return sum, fmt.Errorf("resolve base ref: %w", err)
		}
		s.BaseRef = base
	}

	if s.State != nil {
		for i, st := range items {
			s.State.Jobs[st.ID] = &state.JobState{JobID: i + 1, StoryID: st.ID, Status: state.StatusWaiting}
		}
		s.State.Save()
	}

	conc := s.Config.Concurrency
	if conc <= 0 {
		conc = DefaultConcurrency
	}

	jobID := 0
	for off := 0; off < len(items); off += conc {
		end := off + conc
		if end > len(items) {
			end = len(items)
		}
		batch := items[off:end]

		results := make(chan jobResult, len(batch))
		var wtMu sync.Mutex
		for _, st := range batch {
			jobID++
			go s.runJob(ctx, jobID, st, &wtMu, results)
		}

		// Barrier: the whole batch lands before any merge starts.
		collected := make([]jobResult, 0, len(batch))
		for range batch {
			collected = append(collected, <-results)
		}
		sort.Slice(collected, func(i, j int) bool { return collected[i].JobID < collected[j].JobID })

		gutter := s.reconcile(collected, &sum)
		if gutter {
			sum.Gutter = true
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	sum.Complete = s.Store.AllComplete()
	sum.Elapsed = time.Since(start)
	if s.State != nil {
		switch {
		case sum.Gutter:
			s.State.SetStatus("failed")
		case ctx.Err() != nil:
			s.State.SetStatus("cancelled")
		case sum.Complete:
			s.State.SetStatus("completed")
		default:
			s.State.SetStatus("partial")
		}
	}
	return sum, nil
}

// runJob provisions one worktree, runs one agent in it, and reports back.
// Worktree creation is serialized because git mutates shared metadata under
// .git/worktrees.
func (s *Scheduler) runJob(ctx context.Context, jobID int, st store.Story, wtMu *sync.Mutex, results chan<- jobResult) {
	jr := jobResult{JobID: jobID, Story: st}

	wtMu.Lock()
	path, branch, err := s.Workspaces.Create(st.ID, jobID, s.BaseRef)
	wtMu.Unlock()
	if err != nil {
		jr.Outcome = state.OutcomeError
		jr.SpawnFail = fmt.Errorf("create workspace: %w", err)
		results <- jr
		return
	}
	jr.Path, jr.Branch = path, branch

	if err := s.Workspaces.Seed(path, s.Store.Path(), s.Ledger.Path()); err != nil {
		jr.Outcome = state.OutcomeError
		jr.SpawnFail = fmt.Errorf("seed workspace: %w", err)
		results <- jr
		return
	}

	now := time.Now()
	js := &state.JobState{
		JobID:     jobID,
		StoryID:   st.ID,
		Branch:    branch,
		Workspace: path,
		Status:    state.StatusRunning,
		StartedAt: &now,
	}
	s.updateJob(st.ID, js)
	s.audit(manifest.Entry{
		Phase: manifest.PhaseStart, JobID: jobID, StoryID: st.ID,
		Branch: branch, Status: "running", Workspace: path,
	})
	s.logf("%s %s starting in %s", ui.StoryPrefix(st.ID), st.Title, filepath.Base(path))

	logPath := filepath.Join(s.Config.LogDir, fmt.Sprintf("%s-j%d-%s.log", s.RunID, jobID, st.ID))
	res, err := s.Worker.Invoke(ctx, path, logPath, worker.Request{
		Story:     st,
		Project:   s.Store.Project(),
		Workspace: path,
		Branch:    branch,
		BaseRef:   s.BaseRef,
		Parallel:  true,
		ReportPID: func(pid int) {
			js.PID = pid
			s.updateJob(st.ID, js)
		},
	})
	jr.Res = res
	jr.Signal = res.Outcome

	switch {
	case err != nil:
		jr.Outcome = state.OutcomeError
		jr.SpawnFail = err
	case res.Failed:
		jr.Outcome = state.OutcomeError
	case res.Outcome.Kind == signal.Gutter:
		// A stuck worker's commits are explicitly unfinished work. Never
		// mergeable, regardless of exit code.
		jr.Outcome = state.OutcomeError
	case res.Commits == 0:
		jr.Outcome = state.OutcomeNoCommits
	default:
		jr.Outcome = state.OutcomeSuccess
	}

	done := time.Now()
	js.Status = state.StatusDone
	if jr.Outcome == state.OutcomeError {
		js.Status = state.StatusFailed
	}
	js.Outcome = jr.Outcome
	js.Commits = res.Commits
	js.ExitCode = res.ExitCode
	js.LogFile = res.LogPath
	js.FinishedAt = &done
	s.updateJob(st.ID, js)
	s.audit(manifest.Entry{
		Phase: manifest.PhaseFinish, JobID: jobID, StoryID: st.ID, Branch: branch,
		Status: string(jr.Outcome), BaseRef: s.BaseRef, LogPath: res.LogPath, Workspace: path,
	})

	results <- jr
}

// reconcile folds a finished batch into the target, sequentially and in job
// order. It reports whether a GUTTER signal was seen.
func (s *Scheduler) reconcile(batch []jobResult, sum *Summary) bool {
	gutter := false
	for _, jr := range batch {
		if jr.Signal.Kind == signal.Gutter {
			gutter = true
			if jr.Branch != "" {
				sum.Preserved = append(sum.Preserved, jr.Branch)
			}
			sum.Errors++
			s.logf("%s %s worker stuck, branch %s preserved for inspection",
				ui.StoryPrefix(jr.Story.ID), ui.BoldRed("GUTTER"), jr.Branch)
			s.audit(manifest.Entry{
				Phase: manifest.PhaseBranchCleanup, JobID: jr.JobID, StoryID: jr.Story.ID,
				Branch: jr.Branch, Status: "left_in_place", Workspace: jr.Path,
			})
			continue
		}

		switch jr.Outcome {
		case state.OutcomeSuccess:
			s.integrate(jr, sum)

		case state.OutcomeNoCommits:
			sum.NoCommits++
			s.logf("%s no commits produced, discarding branch %s", ui.StoryPrefix(jr.Story.ID), jr.Branch)
			s.discard(jr, sum)

		default:
			sum.Errors++
			if jr.SpawnFail != nil {
				s.logf("%s failed: %v", ui.StoryPrefix(jr.Story.ID), jr.SpawnFail)
			} else {
				s.logf("%s agent exited %d, discarding branch %s",
					ui.StoryPrefix(jr.Story.ID), jr.Res.ExitCode, jr.Branch)
			}
			s.discard(jr, sum)
		}
	}
	return gutter
}

// integrate merges one successful job branch. A conflicted or failed merge
// preserves the branch and the workspace untouched for manual recovery.
func (s *Scheduler) integrate(jr jobResult, sum *Summary) {
	msg := fmt.Sprintf("ralph: %s %s", jr.Story.ID, jr.Story.Title)
	mr := s.Merger.Integrate(jr.Branch, msg)
	s.audit(manifest.Entry{
		Phase: manifest.PhaseMerge, JobID: jr.JobID, StoryID: jr.Story.ID,
		Branch: jr.Branch, Status: mr.Status.String(), BaseRef: s.BaseRef,
	})

	switch mr.Status {
	case MergeSuccess:
		sum.Merged++
		if err := s.Store.MarkComplete(jr.Story.ID); err != nil {
			s.logf("%s merged but completion write failed: %v", ui.StoryPrefix(jr.Story.ID), err)
		}
		s.Ledger.Append(jr.Story.ID, fmt.Sprintf("merged %s (%d commits)", jr.Branch, jr.Res.Commits))
		s.logf("%s %s merged", ui.StoryPrefix(jr.Story.ID), ui.StatusIcon("done"))
		s.cleanup(jr, sum)

	case MergeConflict:
		sum.Conflicts++
		sum.Preserved = append(sum.Preserved, jr.Branch)
		s.logf("%s merge conflict, branch %s preserved", ui.StoryPrefix(jr.Story.ID), jr.Branch)

	default:
		sum.Errors++
		sum.Preserved = append(sum.Preserved, jr.Branch)
		s.logf("%s merge failed, branch %s preserved: %s", ui.StoryPrefix(jr.Story.ID), jr.Branch, mr.Detail)
	}
}

// cleanup releases a workspace and its branch after a successful merge. A
// dirty workspace is left in place, branch included.
func (s *Scheduler) cleanup(jr jobResult, sum *Summary) {
	if jr.Path == "" {
		return
	}
	res, err := s.Workspaces.Cleanup(jr.Path, jr.Branch)
	status := res.String()
	if err != nil {
		status = "error"
		s.logf("%s workspace cleanup: %v", ui.StoryPrefix(jr.Story.ID), err)
	}
	if res == workspace.LeftInPlace {
		sum.Preserved = append(sum.Preserved, jr.Branch)
	}
	s.audit(manifest.Entry{
		Phase: manifest.PhaseBranchCleanup, JobID: jr.JobID, StoryID: jr.Story.ID,
		Branch: jr.Branch, Status: status, Workspace: jr.Path,
	})
}

// discard removes a branch that produced nothing worth keeping. If the
// workspace holds uncommitted changes it survives, and the branch with it.
func (s *Scheduler) discard(jr jobResult, sum *Summary) {
	if jr.Branch == "" {
		return
	}
	res, err := s.Workspaces.Cleanup(jr.Path, jr.Branch)
	status := res.String()
	if err != nil {
		status = "error"
	}
	if res == workspace.LeftInPlace {
		sum.Preserved = append(sum.Preserved, jr.Branch)
	}
	s.audit(manifest.Entry{
		Phase: manifest.PhaseBranchCleanup, JobID: jr.JobID, StoryID: jr.Story.ID,
		Branch: jr.Branch, Status: status, Workspace: jr.Path,
	})
}

func (s *Scheduler) updateJob(storyID string, js *state.JobState) {
	if s.State == nil {
		return
	}
	copied := *js
	s.State.UpdateJob(storyID, &copied)
}

func (s *Scheduler) audit(e manifest.Entry) {
	if s.Manifest == nil {
		return
	}
	e.RunID = s.RunID
	if err := s.Manifest.Append(e); err != nil {
		s.logf("manifest write failed: %v", err)
	}
}

func (s *Scheduler) logf(format string, args ...interface{}) {
	w := s.Stderr
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintf(w, format+"\n", args...)
}
