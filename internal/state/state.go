// Package state persists the ephemeral per-run status record that backs the
// status command and post-run summaries. It is diagnostic state: the
// orchestration logic itself is driven by channels, not by reading this back.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const stateFile = "state.json"

// JobStatus is where a job sits in its lifecycle.
type JobStatus string

const (
	StatusWaiting JobStatus = "waiting"
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusFailed  JobStatus = "failed"
)

// Outcome classifies what a terminal job produced.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeNoCommits Outcome = "no_commits"
	OutcomeError     Outcome = "error"
)

// JobState is the persistent record of one job.
type JobState struct {
	JobID      int        `json:"job_id"`
	StoryID    string     `json:"story_id"`
	Branch     string     `json:"branch"`
	Workspace  string     `json:"workspace"`
	Status     JobStatus  `json:"status"`
	Outcome    Outcome    `json:"outcome,omitempty"`
	Commits    int        `json:"commits"`
	PID        int        `json:"pid,omitempty"`
	ExitCode   int        `json:"exit_code,omitempty"`
	LogFile    string     `json:"log_file,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunState is the persistent state of one run.
type RunState struct {
	RunID      string               `json:"run_id"`
	Mode       string               `json:"mode"` // "sequential" or "parallel"
	BaseRef    string               `json:"base_ref,omitempty"`
	Target     string               `json:"target,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	Status     string               `json:"status"` // running, completed, partial, failed, cancelled
	TotalItems int                  `json:"total_items"`
	Jobs       map[string]*JobState `json:"jobs"`

	mu   sync.Mutex `json:"-"`
	path string     `json:"-"`
}

// New creates a RunState under dir (the .ralph state directory) and persists it.
func New(dir, runID, mode, baseRef, target string, totalItems int) (*RunState, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &RunState{
		RunID:      runID,
		Mode:       mode,
		BaseRef:    baseRef,
		Target:     target,
		StartedAt:  time.Now(),
		Status:     "running",
		TotalItems: totalItems,
		Jobs:       make(map[string]*JobState),
		path:       filepath.Join(dir, stateFile),
	}
	if err := s.Save(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads existing state from dir.
func Load(dir string) (*RunState, error) {
	path := filepath.Join(dir, stateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var s RunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	s.path = path
	return &s, nil
}

// Exists checks if a state file exists under dir.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, stateFile))
	return err == nil
}

// Save persists the current state to disk.
func (s *RunState) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return os.WriteFile(s.path, data, 0644)
}

// SetStatus updates the overall run status and saves.
func (s *RunState) SetStatus(status string) error {
	s.mu.Lock()
	s.Status = status
	s.mu.Unlock()
	return s.Save()
}

// UpdateJob updates a job's state and saves.
func (s *RunState) UpdateJob(storyID string, js *JobState) error {
	s.mu.Lock()
	s.Jobs[storyID] = js
	s.mu.Unlock()
	return s.Save()
}

// GetJob returns the job state for a story.
func (s *RunState) GetJob(storyID string) *JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Jobs[storyID]
}

// ActivePIDs returns PIDs of all running jobs.
func (s *RunState) ActivePIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pids []int
	for _, js := range s.Jobs {
		if js.Status == StatusRunning && js.PID > 0 {
			pids = append(pids, js.PID)
		}
	}
	return pids
}
