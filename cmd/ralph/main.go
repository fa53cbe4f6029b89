package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/peppescaffidi/cursor-ralph-loop/internal/claude"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/config"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/gitx"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/lockfile"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/manifest"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/runner"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/scheduler"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/state"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/store"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/ui"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/worker"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/workspace"
)

var (
	flagStore          string
	flagModel          string
	flagWorkerBin      string
	flagSafe           bool
	flagQuiet          bool
	flagPromptTemplate string
	flagJSON           bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ralph",
		Short: "Drive autonomous coding agents through a prd.json backlog",
		Long: `Ralph reads user stories from prd.json and runs Claude Code agents against
them until every story passes: one at a time in a loop, or concurrently
across git worktrees with sequential merge reconciliation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "", "Path to prd.json (default: ./prd.json)")
	rootCmd.PersistentFlags().StringVar(&flagModel, "model", "", "Agent model")
	rootCmd.PersistentFlags().StringVar(&flagWorkerBin, "worker-bin", "", "Agent binary (default: claude)")
	rootCmd.PersistentFlags().BoolVar(&flagSafe, "safe", false, "Do NOT pass --dangerously-skip-permissions to the agent")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress streaming agent output")
	rootCmd.PersistentFlags().StringVar(&flagPromptTemplate, "prompt-template", "", "Custom agent prompt template path")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Machine-readable JSON output")

	rootCmd.AddCommand(loopCmd())
	rootCmd.AddCommand(onceCmd())
	rootCmd.AddCommand(parallelCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(summaryCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %s %v\n", ui.BoldRed("Error:"), err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps errors to exit statuses: 1 for a run that finished with open
// stories, 2 for everything fatal (gutter, held lock, missing prerequisites).
func exitCode(err error) int {
	if errors.Is(err, runner.ErrIncomplete) {
		return 1
	}
	return 2
}

// env is the shared setup for every command that touches the backlog.
type env struct {
	root   string
	cfg    config.Config
	store  *store.Store
	ledger *store.Ledger
}

func setup() (*env, error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	// Flags override the config file.
	if flagStore != "" {
		cfg.StorePath = flagStore
	}
	if flagModel != "" {
		cfg.Model = flagModel
	}
	if flagWorkerBin != "" {
		cfg.WorkerBin = flagWorkerBin
	}
	if flagSafe {
		cfg.Safe = true
	}
	if flagPromptTemplate != "" {
		cfg.PromptTemplate = flagPromptTemplate
	}

	st, err := store.Load(filepath.Join(root, cfg.StorePath))
	if err != nil {
		return nil, err
	}
	return &env{
		root:   root,
		cfg:    cfg,
		store:  st,
		ledger: store.NewLedger(filepath.Join(root, cfg.LedgerPath)),
	}, nil
}

func (e *env) invoker() *worker.Invoker {
	iv := worker.NewInvoker(e.cfg.WorkerBin, e.cfg.Model)
	iv.TemplatePath = e.cfg.PromptTemplate
	iv.Safe = e.cfg.Safe
	iv.Quiet = flagQuiet
	iv.Timeout = e.cfg.Timeout()
	return iv
}

func (e *env) stateDir() string { return filepath.Join(e.root, ".ralph") }
func (e *env) logDir() string   { return filepath.Join(e.stateDir(), "logs") }

// signalContext cancels on SIGINT/SIGTERM so agents get killed and locks
// released on the way out.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintf(os.Stderr, "\n🛑 %s\n", ui.Yellow("Received interrupt, cancelling..."))
		cancel()
	}()
	return ctx, cancel
}

func newRunID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

func loopCmd() *cobra.Command {
	var (
		flagMaxAttempts int
		flagBranch      string
		flagCreatePR    bool
	)

	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run stories sequentially until all pass or retries are exhausted",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			if flagBranch != "" {
				if err := checkoutWorkBranch(e.root, flagBranch); err != nil {
					return err
				}
			}

			r := runner.New(e.store, e.ledger, e.invoker(), e.root, e.logDir())
			if flagMaxAttempts > 0 {
				r.MaxAttempts = flagMaxAttempts
			} else {
				r.MaxAttempts = e.cfg.MaxAttempts
			}

			open := len(e.store.Incomplete())
			fmt.Printf("🚀 %s %s open stories, up to %d attempts each\n",
				ui.BoldCyan("Ralph:"), ui.Bold(open), r.MaxAttempts)

			runErr := r.Run(ctx)
			if runErr == nil && flagCreatePR {
				if err := createPR(e); err != nil {
					fmt.Fprintf(os.Stderr, "  %s create PR: %v\n", ui.Yellow("⚠"), err)
				}
			}
			return runErr
		},
	}

	cmd.Flags().IntVar(&flagMaxAttempts, "max-attempts", 0, "Max worker invocations per story")
	cmd.Flags().StringVar(&flagBranch, "branch", "", "Check out this branch before looping (created if missing)")
	cmd.Flags().BoolVar(&flagCreatePR, "create-pr", false, "Open a pull request via gh when the run completes")

	return cmd
}

func onceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single agent iteration on the next open story",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			r := runner.New(e.store, e.ledger, e.invoker(), e.root, e.logDir())
			return r.RunOnce(ctx)
		},
	}
}

func parallelCmd() *cobra.Command {
	var (
		flagConcurrency int
		flagBaseBranch  string
		flagTarget      string
		flagCreatePR    bool
	)

	cmd := &cobra.Command{
		Use:   "parallel",
		Short: "Run open stories concurrently across git worktrees",
		Long: `Runs every open story in its own git worktree, bounded by --concurrency,
then merges surviving branches into the target one at a time. Conflicted
branches are preserved for manual resolution.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			conc := e.cfg.Concurrency
			if flagConcurrency > 0 {
				conc = flagConcurrency
			}
			base := e.cfg.BaseBranch
			if flagBaseBranch != "" {
				base = flagBaseBranch
			}
			target := e.cfg.TargetBranch
			if flagTarget != "" {
				target = flagTarget
			}

			runID := newRunID()
			git := gitx.CLI{}

			wm, err := workspace.NewManager(e.root, e.cfg.WorktreeDir, runID, git)
			if err != nil {
				return err
			}
			mfst, err := manifest.Open(filepath.Join(e.stateDir(), "manifest.tsv"))
			if err != nil {
				return err
			}
			runState, err := state.New(e.stateDir(), runID, "parallel", base, target, len(e.store.Incomplete()))
			if err != nil {
				return err
			}

			pol := lockfile.DefaultPolicy()
			pol.StaleAge = e.cfg.StaleLockAge()

			sched := &scheduler.Scheduler{
				Store:      e.store,
				Ledger:     e.ledger,
				Workspaces: wm,
				Worker:     e.invoker(),
				Merger:     &scheduler.GitMerger{Git: git, Repo: e.root, Target: target},
				Manifest:   mfst,
				State:      runState,
				LockPolicy: pol,
				Config: scheduler.Config{
					Root:        e.root,
					Concurrency: conc,
					LogDir:      e.logDir(),
				},
				RunID: runID,
				ResolveBase: func() (string, error) {
					return gitx.ResolveRef(e.root, base)
				},
			}

			fmt.Printf("🚀 %s run %s, %s open stories, %d at a time\n",
				ui.BoldCyan("Ralph:"), ui.Dim(runID), ui.Bold(len(e.store.Incomplete())), conc)

			sum, err := sched.Run(ctx)
			if err != nil {
				return err
			}

			if flagJSON {
				return outputJSON(sum)
			}
			printSummary(sum)

			if sum.Gutter {
				return runner.ErrGutter
			}
			if sum.Complete && flagCreatePR && sum.Merged > 0 {
				if err := createPR(e); err != nil {
					fmt.Fprintf(os.Stderr, "  %s create PR: %v\n", ui.Yellow("⚠"), err)
				}
			}
			if !sum.Complete {
				return runner.ErrIncomplete
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "Max concurrent agents")
	cmd.Flags().StringVar(&flagBaseBranch, "base-branch", "", "Ref every job forks from (default: HEAD)")
	cmd.Flags().StringVar(&flagTarget, "target-branch", "", "Branch merges land on (default: current)")
	cmd.Flags().BoolVar(&flagCreatePR, "create-pr", false, "Open a pull request via gh when the run completes")

	return cmd
}

func statusCmd() *cobra.Command {
	var flagLogs string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the most recent run's jobs and outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			dir := filepath.Join(root, ".ralph")
			if !state.Exists(dir) {
				return fmt.Errorf("no ralph run recorded (no %s)", filepath.Join(dir, "state.json"))
			}
			st, err := state.Load(dir)
			if err != nil {
				return err
			}

			if flagLogs != "" {
				js := st.GetJob(flagLogs)
				if js == nil || js.LogFile == "" {
					return fmt.Errorf("no log recorded for story %s", flagLogs)
				}
				data, err := os.ReadFile(js.LogFile)
				if err != nil {
					return fmt.Errorf("read log: %w", err)
				}
				fmt.Print(string(data))
				return nil
			}

			if flagJSON {
				return outputJSON(st)
			}

			fmt.Printf("🧵 %s %s (%s)\n", ui.BoldCyan("Ralph run:"), ui.Dim(st.RunID), st.Mode)
			fmt.Printf("Status: %s   Stories: %d\n", ui.Bold(st.Status), st.TotalItems)
			ids := make([]string, 0, len(st.Jobs))
			for id := range st.Jobs {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return st.Jobs[ids[i]].JobID < st.Jobs[ids[j]].JobID })
			for _, id := range ids {
				js := st.Jobs[id]
				detail := string(js.Status)
				if js.Outcome != "" {
					detail = string(js.Outcome)
				}
				fmt.Printf("  %s %s %s %s\n", ui.StatusIcon(string(js.Status)),
					ui.StoryPrefix(id), detail, ui.Dim(js.Branch))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagLogs, "logs", "", "Print the agent log for one story")

	return cmd
}

func cancelCmd() *cobra.Command {
	var flagForce bool

	cmd := &cobra.Command{
		Use:   "cancel [story-id]",
		Short: "Stop running agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			dir := filepath.Join(root, ".ralph")
			if !state.Exists(dir) {
				return fmt.Errorf("no ralph run recorded")
			}
			st, err := state.Load(dir)
			if err != nil {
				return err
			}

			sig := syscall.SIGTERM
			if flagForce {
				sig = syscall.SIGKILL
			}

			if len(args) > 0 {
				js := st.GetJob(args[0])
				if js == nil {
					return fmt.Errorf("no job found for story %s", args[0])
				}
				if js.Status != state.StatusRunning || js.PID <= 0 {
					fmt.Printf("%s %s is not running.\n", ui.Dim("🛑"), args[0])
					return nil
				}
				if proc, err := os.FindProcess(js.PID); err == nil {
					proc.Signal(sig)
					fmt.Printf("🛑 Sent %s to %s (PID %d)\n", sig, ui.StoryPrefix(args[0]), js.PID)
				}
				return nil
			}

			pids := st.ActivePIDs()
			if len(pids) == 0 {
				fmt.Printf("%s No running agents to cancel.\n", ui.Dim("🛑"))
				return nil
			}
			for _, pid := range pids {
				if proc, err := os.FindProcess(pid); err == nil {
					proc.Signal(sig)
				}
			}
			fmt.Printf("🛑 Sent %s to %s running agents\n", sig, ui.Bold(len(pids)))
			return st.SetStatus("cancelled")
		},
	}

	cmd.Flags().BoolVar(&flagForce, "force", false, "Force kill (SIGKILL)")

	return cmd
}

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Summarise the most recent run with Claude",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			dir := filepath.Join(root, ".ralph")
			st, err := state.Load(dir)
			if err != nil {
				return fmt.Errorf("no run to summarise: %w", err)
			}

			runJSON, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}

			logs := make(map[string]string, len(st.Jobs))
			for id, js := range st.Jobs {
				if js.LogFile == "" {
					continue
				}
				tail, err := claude.TailLog(js.LogFile, 2000)
				if err != nil {
					continue
				}
				logs[id] = tail
			}

			client, err := claude.NewClient("", flagModel)
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "🔍 Summarising run %s...\n", ui.Dim(st.RunID))
			text, err := client.SummariseRun(cmd.Context(), string(runJSON), logs)
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}
}

// checkoutWorkBranch switches to branch, creating it when it does not exist.
func checkoutWorkBranch(root, branch string) error {
	git := gitx.CLI{}
	exists, err := gitx.BranchExists(root, branch)
	if err != nil {
		return err
	}
	args := []string{"checkout", branch}
	if !exists {
		args = []string{"checkout", "-b", branch}
	}
	if out, err := git.Run(root, args...); err != nil {
		return fmt.Errorf("checkout %s: %s", branch, strings.TrimSpace(string(out)))
	}
	return nil
}

// createPR opens a pull request with the gh CLI. Best effort: the run result
// does not depend on it.
func createPR(e *env) error {
	title := fmt.Sprintf("ralph: %s", e.store.Project())
	body := fmt.Sprintf("Automated run completed %s.\nSee %s for the story-by-story log.",
		time.Now().Format("2006-01-02"), e.cfg.LedgerPath)

	cmd := exec.Command("gh", "pr", "create", "--title", title, "--body", body)
	cmd.Dir = e.root
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func printSummary(sum scheduler.Summary) {
	fmt.Printf("\n🏁 %s merged %s/%d stories in %s\n", ui.BoldCyan("Ralph:"),
		ui.BoldGreen(sum.Merged), sum.Total, sum.Elapsed.Round(time.Second))
	if sum.Conflicts > 0 {
		fmt.Printf("  %s %d merge conflicts\n", ui.Yellow("⚠"), sum.Conflicts)
	}
	if sum.NoCommits > 0 {
		fmt.Printf("  %s %d stories produced no commits\n", ui.Dim("‣"), sum.NoCommits)
	}
	if sum.Errors > 0 {
		fmt.Printf("  %s %d jobs failed\n", ui.Red("✗"), sum.Errors)
	}
	if len(sum.Preserved) > 0 {
		fmt.Printf("  %s branches preserved for manual recovery:\n", ui.Yellow("⚠"))
		for _, b := range sum.Preserved {
			fmt.Printf("    %s %s\n", ui.Dim("→"), ui.BoldMagenta(b))
		}
	}
	if sum.Gutter {
		fmt.Printf("  %s a worker reported GUTTER; run aborted\n", ui.BoldRed("💀"))
	}
}

func outputJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
