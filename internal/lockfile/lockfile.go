// Package lockfile provides the mutual-exclusion lock guarding a parallel
// run. At most one live run may hold the lock per workspace root; locks left
// behind by dead coordinators are reclaimed once they are old enough.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// DefaultStaleAge is how old an orphaned lock must be before a new acquirer
// may reclaim it.
const DefaultStaleAge = 45 * time.Minute

// ErrHeld is returned when the lock is held by a live owner (or an owner
// too young to reclaim). Callers must abort the run; this is fatal, not
// retried, so two runs never trample the same worktrees.
var ErrHeld = errors.New("run lock held")

// Owner is the JSON body of a lock file.
type Owner struct {
	PID     int       `json:"pid"`
	Created time.Time `json:"created"`
}

// Policy decides whether an existing lock is stale. Both the clock and the
// liveness probe are injectable so the two-part test is unit-testable
// without real processes.
type Policy struct {
	StaleAge time.Duration
	Now      func() time.Time
	Alive    func(pid int) bool
}

// DefaultPolicy probes real processes with a 45 minute staleness threshold.
func DefaultPolicy() Policy {
	return Policy{StaleAge: DefaultStaleAge, Now: time.Now, Alive: IsProcessAlive}
}

// IsStale reports whether a lock may be reclaimed: its owner process must be
// dead AND the lock must be at least StaleAge old. A young lock or a live
// owner is never reclaimed.
func (p Policy) IsStale(o Owner) bool {
	if p.Alive(o.PID) {
		return false
	}
	return p.Now().Sub(o.Created) >= p.StaleAge
}

// Lock is a held run lock. Release is idempotent and must run on every exit
// path.
type Lock struct {
	path     string
	released bool
}

// Path returns the lock file location for a workspace root.
func Path(root string) string {
	return filepath.Join(root, ".ralph", "run.lock")
}

// Acquire takes the run lock for root. If the lock exists and the policy
// deems it stale, it is removed and acquisition retried exactly once;
// otherwise the error names the current owner.
func Acquire(root string, pol Policy) (*Lock, error) {
	path := Path(root)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	lock, err := tryCreate(path, pol)
	if err == nil {
		return lock, nil
	}
	if !os.IsExist(underlying(err)) {
		return nil, err
	}

	owner, readErr := readOwner(path)
	if readErr != nil {
		// Unreadable lock body: treat like a live owner, never reclaim blind.
		return nil, fmt.Errorf("%w: %s exists but is unreadable: %v", ErrHeld, path, readErr)
	}
	if !pol.IsStale(owner) {
		return nil, fmt.Errorf("%w by pid %d since %s", ErrHeld,
			owner.PID, owner.Created.Format(time.RFC3339))
	}

	// Dead owner past the staleness threshold: reclaim and retry once.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reclaim stale lock %s: %w", path, err)
	}
	lock, err = tryCreate(path, pol)
	if err != nil {
		return nil, fmt.Errorf("%w: reacquire after reclaim failed: %v", ErrHeld, err)
	}
	return lock, nil
}

func tryCreate(path string, pol Policy) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("create lock %s: %w", path, err)
	}
	defer f.Close()

	body := Owner{PID: os.Getpid(), Created: pol.Now()}
	if err := json.NewEncoder(f).Encode(body); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write lock %s: %w", path, err)
	}
	return &Lock{path: path}, nil
}

func readOwner(path string) (Owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, err
	}
	var o Owner
	if err := json.Unmarshal(data, &o); err != nil {
		return Owner{}, err
	}
	return o, nil
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

// IsProcessAlive checks whether a process with the given PID is running.
// Signal 0 sends nothing and only probes for existence.
func IsProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// underlying unwraps to the innermost error for os.IsExist checks.
func underlying(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
