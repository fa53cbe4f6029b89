// Package manifest appends the durable audit trail of a run: one tabular
// row per job lifecycle event. Rows are never mutated and never read back by
// the orchestrator — the file exists for forensics.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Phase names the lifecycle event a row records.
type Phase string

const (
	PhaseStart         Phase = "start"
	PhaseFinish        Phase = "finish"
	PhaseMerge         Phase = "merge"
	PhaseBranchCleanup Phase = "branch_cleanup"
)

// Entry is one audit row.
type Entry struct {
	Phase     Phase
	RunID     string
	JobID     int
	StoryID   string
	Branch    string
	Status    string
	BaseRef   string
	LogPath   string
	Workspace string
}

// Writer appends entries to a tab-separated manifest file.
type Writer struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// Open creates a Writer for path, creating parent directories as needed.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}
	return &Writer{path: path, now: time.Now}, nil
}

// Path returns the manifest file location.
func (w *Writer) Path() string { return w.path }

// Append writes one row. Tabs and newlines in fields are squashed so the
// file stays one-row-per-event.
func (w *Writer) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	fields := []string{
		w.now().Format(time.RFC3339),
		string(e.Phase),
		e.RunID,
		fmt.Sprintf("%d", e.JobID),
		e.StoryID,
		e.Branch,
		e.Status,
		e.BaseRef,
		e.LogPath,
		e.Workspace,
	}
	for i, v := range fields {
		fields[i] = strings.NewReplacer("\t", " ", "\n", " ").Replace(v)
	}
	if _, err := f.WriteString(strings.Join(fields, "\t") + "\n"); err != nil {
		return fmt.Errorf("append manifest: %w", err)
	}
	return nil
}
