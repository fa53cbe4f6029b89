// Package runner drives one story at a time through the worker, applying
// the retry and rotation policy. One worker subprocess runs at a time;
// signals are interpreted synchronously.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/peppescaffidi/cursor-ralph-loop/internal/signal"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/store"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/ui"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/worker"
)

// ErrGutter means a worker self-reported being stuck. The loop aborts
// immediately; an operator has to look.
var ErrGutter = errors.New("worker reported GUTTER: operator intervention required")

// ErrIncomplete means the queue was exhausted with stories still failing.
var ErrIncomplete = errors.New("run finished with incomplete stories")

// DefaultMaxAttempts bounds retries per story.
const DefaultMaxAttempts = 3

// Runner is the sequential iteration loop.
type Runner struct {
	Store       *store.Store
	Ledger      *store.Ledger
	Worker      worker.Worker
	MaxAttempts int
	Workspace   string // checkout the workers run in
	LogDir      string
	Stderr      io.Writer

	// Backoff controls the DEFER sleep: BackoffBase doubled per attempt up
	// to BackoffCap. Sleep is injectable for tests.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Sleep       func(time.Duration)
}

// New applies defaults.
func New(st *store.Store, ledger *store.Ledger, w worker.Worker, workspace, logDir string) *Runner {
	return &Runner{
		Store:       st,
		Ledger:      ledger,
		Worker:      w,
		MaxAttempts: DefaultMaxAttempts,
		Workspace:   workspace,
		LogDir:      logDir,
		Stderr:      os.Stderr,
		BackoffBase: 15 * time.Second,
		BackoffCap:  5 * time.Minute,
		Sleep:       time.Sleep,
	}
}

// Run sweeps the incomplete queue in priority order, giving each story up to
// MaxAttempts invocations. A story that exhausts its budget is logged and
// skipped — one stuck story never blocks the rest of the queue. Returns nil
// when every story passes, ErrIncomplete on partial completion, ErrGutter on
// a stuck worker.
func (r *Runner) Run(ctx context.Context) error {
	items := r.Store.Incomplete()
	if len(items) == 0 {
		fmt.Fprintf(r.Stderr, "✅ %s\n", ui.Green("All stories already pass."))
		return nil
	}

	for _, st := range items {
		// A COMPLETE signal on an earlier story may have covered this one.
		if cur, ok := r.Store.ByID(st.ID); ok && cur.Passes {
			continue
		}
		if err := r.runStory(ctx, st); err != nil {
			return err
		}
	}

	if r.Store.AllComplete() {
		return nil
	}
	return ErrIncomplete
}

// RunOnce invokes the worker exactly once on the highest-priority incomplete
// story and applies its signal. One supervised iteration, no retries.
func (r *Runner) RunOnce(ctx context.Context) error {
	items := r.Store.Incomplete()
	if len(items) == 0 {
		fmt.Fprintf(r.Stderr, "✅ %s\n", ui.Green("All stories already pass."))
		return nil
	}
	st := items[0]
	fmt.Fprintf(r.Stderr, "▶ %s %s\n", ui.StoryPrefix(st.ID), st.Title)

	logPath := filepath.Join(r.LogDir, fmt.Sprintf("%s-once.log", st.ID))
	res, err := r.Worker.Invoke(ctx, r.Workspace, logPath, worker.Request{
		Story:     st,
		Project:   r.Store.Project(),
		Workspace: r.Workspace,
	})
	if err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}
	for _, warn := range res.Outcome.Warnings {
		fmt.Fprintf(r.Stderr, "  %s %s %s\n", ui.StoryPrefix(st.ID), ui.Yellow("WARN"), warn)
	}
	if res.Failed {
		fmt.Fprintf(r.Stderr, "  %s %s worker exited %d %s\n",
			ui.StoryPrefix(st.ID), ui.Red("✗"), res.ExitCode, ui.Dim(logHint(res.LogPath)))
		return ErrIncomplete
	}

	switch res.Outcome.Kind {
	case signal.UsDone, signal.Complete:
		id := res.Outcome.StoryID
		if id == "" {
			id = st.ID
		}
		if err := r.markDone(id); err != nil {
			return err
		}
		fmt.Fprintf(r.Stderr, "  %s %s %s\n", ui.StoryPrefix(st.ID), ui.Green("✓"), res.Outcome.Kind)
	case signal.Gutter:
		fmt.Fprintf(r.Stderr, "  %s on %s %s\n",
			ui.BoldRed("💀 GUTTER"), st.ID, ui.Dim(logHint(res.LogPath)))
		return ErrGutter
	default:
		fmt.Fprintf(r.Stderr, "  %s finished with %s\n", ui.StoryPrefix(st.ID), res.Outcome.Kind)
	}

	if r.Store.AllComplete() {
		return nil
	}
	return ErrIncomplete
}

// runStory is the per-story state machine. Returns an error only for
// run-fatal conditions (GUTTER, cancelled context); exhausted retries just
// move on.
func (r *Runner) runStory(ctx context.Context, st store.Story) error {
	fmt.Fprintf(r.Stderr, "▶ %s %s\n", ui.StoryPrefix(st.ID), st.Title)

	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled: %w", err)
		}

		logPath := filepath.Join(r.LogDir, fmt.Sprintf("%s-a%d.log", st.ID, attempt))
		req := worker.Request{
			Story:     st,
			Project:   r.Store.Project(),
			Workspace: r.Workspace,
		}

		res, err := r.Worker.Invoke(ctx, r.Workspace, logPath, req)
		if err != nil {
			fmt.Fprintf(r.Stderr, "  %s spawn worker for %s: %v\n", ui.Yellow("⚠"), st.ID, err)
			continue
		}
		for _, warn := range res.Outcome.Warnings {
			fmt.Fprintf(r.Stderr, "  %s %s %s\n", ui.StoryPrefix(st.ID), ui.Yellow("WARN"), warn)
		}

		if res.Failed {
			fmt.Fprintf(r.Stderr, "  %s %s worker exited %d %s\n",
				ui.StoryPrefix(st.ID), ui.Red("✗"), res.ExitCode, ui.Dim(logHint(res.LogPath)))
			continue
		}

		switch res.Outcome.Kind {
		case signal.UsDone, signal.Complete:
			id := res.Outcome.StoryID
			if id == "" {
				id = st.ID
			}
			if err := r.markDone(id); err != nil {
				return err
			}
			fmt.Fprintf(r.Stderr, "  %s %s %s %s\n", ui.StoryPrefix(st.ID),
				ui.Green("✓"), res.Outcome.Kind, ui.Dim(fmt.Sprintf("(%.1fs)", res.Elapsed.Seconds())))
			if done, ok := r.Store.ByID(st.ID); ok && done.Passes {
				return nil
			}
			// Worker reported a different story done; this one gets another go.
			continue

		case signal.Rotate:
			// Fresh instance, cold start: progress lives in prd.json,
			// progress.txt and git, never in worker memory.
			if attempt < r.MaxAttempts {
				fmt.Fprintf(r.Stderr, "  %s %s retrying with a fresh worker (attempt %d/%d)\n",
					ui.StoryPrefix(st.ID), ui.Yellow("ROTATE"), attempt+1, r.MaxAttempts)
			}
			continue

		case signal.Defer:
			delay := r.backoff(attempt)
			fmt.Fprintf(r.Stderr, "  %s %s backing off %s\n",
				ui.StoryPrefix(st.ID), ui.Yellow("DEFER"), delay)
			r.Sleep(delay)
			continue

		case signal.Gutter:
			fmt.Fprintf(r.Stderr, "  %s %s on %s %s\n",
				ui.BoldRed("💀 GUTTER"), ui.Red("worker stuck"), st.ID, ui.Dim(logHint(res.LogPath)))
			return ErrGutter

		default:
			fmt.Fprintf(r.Stderr, "  %s finished without a completion signal (attempt %d/%d)\n",
				ui.StoryPrefix(st.ID), attempt, r.MaxAttempts)
			continue
		}
	}

	fmt.Fprintf(r.Stderr, "  %s %s gave up on %s after %d attempts\n",
		ui.StoryPrefix(st.ID), ui.Red("✗"), st.ID, r.MaxAttempts)
	return nil
}

// markDone flips the story in the store and appends the progress line.
// MarkComplete is idempotent, so a story re-reported after a ROTATE retry
// cannot be completed twice.
func (r *Runner) markDone(id string) error {
	st, ok := r.Store.ByID(id)
	if !ok {
		return fmt.Errorf("worker reported unknown story %s", id)
	}
	if st.Passes {
		return nil
	}
	if err := r.Store.MarkComplete(id); err != nil {
		return err
	}
	if r.Ledger != nil {
		if err := r.Ledger.Append(id, st.Title); err != nil {
			fmt.Fprintf(r.Stderr, "  %s append progress ledger: %v\n", ui.Yellow("⚠"), err)
		}
	}
	return nil
}

func (r *Runner) backoff(attempt int) time.Duration {
	d := r.BackoffBase << (attempt - 1)
	if d > r.BackoffCap {
		return r.BackoffCap
	}
	return d
}

func logHint(path string) string {
	if path == "" {
		return ""
	}
	return "(log: " + path + ")"
}
