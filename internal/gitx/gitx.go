// Package gitx runs git commands against a repository directory.
// Worktree and merge operations shell out to the git CLI; read-only
// repository introspection goes through go-git (see repo.go).
package gitx

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner executes a git command in the given directory and returns its
// combined output. Implementations other than CLI exist only in tests.
type Runner interface {
	Run(dir string, args ...string) ([]byte, error)
}

// CLI shells out to the git binary.
type CLI struct {
	// Trace logs every git command and its output to stderr.
	Trace bool
}

func (c CLI) Run(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if c.Trace {
		fmt.Fprintf(os.Stderr, "  GIT> git %s\n", strings.Join(args, " "))
		if trimmed := strings.TrimSpace(string(out)); trimmed != "" {
			fmt.Fprintf(os.Stderr, "  GIT> %s\n", trimmed)
		}
	}
	if err != nil {
		return out, fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, string(out))
	}
	return out, nil
}
