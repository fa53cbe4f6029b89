package store

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Ledger is the append-only progress log. One timestamped line per completed
// story; lines are never rewritten.
type Ledger struct {
	path string
	now  func() time.Time
}

// NewLedger creates a Ledger writing to path.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path, now: time.Now}
}

// Path returns the ledger file location.
func (l *Ledger) Path() string { return l.path }

// Append adds one progress line for a completed story.
func (l *Ledger) Append(storyID, summary string) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open progress ledger: %w", err)
	}
	defer f.Close()

	summary = strings.ReplaceAll(summary, "\n", " ")
	line := fmt.Sprintf("%s %s %s\n", l.now().Format(time.RFC3339), storyID, summary)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append progress ledger: %w", err)
	}
	return nil
}
