// Package worker launches the external coding agent as a subprocess bound to
// a workspace and turns its raw output into one classified signal plus
// committed-change evidence. The agent is an opaque black box understood
// only through the signal protocol.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/peppescaffidi/cursor-ralph-loop/internal/gitx"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/signal"
	"github.com/peppescaffidi/cursor-ralph-loop/internal/ui"
)

// Worker is the capability the runner and scheduler depend on. Tests inject
// fakes; production uses Invoker.
type Worker interface {
	Invoke(ctx context.Context, workspace, logPath string, req Request) (Result, error)
}

// Result is one invocation's outcome.
type Result struct {
	Outcome  signal.Outcome
	Failed   bool // subprocess exited non-zero: distinct from worker-reported signals
	ExitCode int
	Commits  int // commits produced since the base ref
	LogPath  string
	Elapsed  time.Duration
}

// Invoker runs the real agent binary.
type Invoker struct {
	Bin            string // agent binary (default "claude")
	Model          string
	TemplatePath   string
	Safe           bool // do NOT pass --dangerously-skip-permissions
	Quiet          bool // suppress live stream formatting
	Timeout        time.Duration
	Git            gitx.Runner
	Stderr         io.Writer
	mu             sync.Mutex // serializes stream output across concurrent invocations
}

// NewInvoker applies defaults.
func NewInvoker(bin, model string) *Invoker {
	if bin == "" {
		bin = "claude"
	}
	return &Invoker{
		Bin:     bin,
		Model:   model,
		Timeout: 30 * time.Minute,
		Git:     gitx.CLI{},
		Stderr:  os.Stderr,
	}
}

// Invoke renders the request payload, runs one agent subprocess in the
// workspace, captures its output to logPath, and classifies it into exactly
// one signal. A non-zero exit yields Failed; a zero exit with no recognized
// token yields an Unclassified outcome.
func (iv *Invoker) Invoke(ctx context.Context, workspace, logPath string, req Request) (Result, error) {
	prompt, err := RenderPrompt(req, iv.TemplatePath)
	if err != nil {
		return Result{}, fmt.Errorf("render prompt: %w", err)
	}

	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if iv.Model != "" {
		args = append(args, "--model", iv.Model)
	}
	if !iv.Safe {
		args = append(args, "--dangerously-skip-permissions")
	}

	runCtx := ctx
	if iv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, iv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, iv.Bin, args...)
	cmd.Dir = workspace

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return Result{}, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return Result{}, fmt.Errorf("create log file: %w", err)
	}
	defer logFile.Close()

	var captured bytes.Buffer
	sinks := []io.Writer{logFile, &captured}
	if !iv.Quiet {
		sinks = append(sinks, ui.NewStreamFormatter(req.Story.ID, iv.Stderr, &iv.mu))
	}
	mw := io.MultiWriter(sinks...)
	cmd.Stdout = mw
	cmd.Stderr = mw

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{LogPath: logPath}, fmt.Errorf("spawn agent: %w", err)
	}
	if req.ReportPID != nil {
		req.ReportPID(cmd.Process.Pid)
	}

	waitErr := cmd.Wait()
	res := Result{
		LogPath: logPath,
		Elapsed: time.Since(start),
		Outcome: signal.Classify(captured.String()),
	}

	if waitErr != nil {
		res.Failed = true
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}

	if req.BaseRef != "" {
		if n, cErr := gitx.CountCommits(iv.Git, workspace, req.BaseRef); cErr == nil {
			res.Commits = n
		}
	}
	return res, nil
}
