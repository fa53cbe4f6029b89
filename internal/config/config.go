// Package config loads the optional .ralph.yaml at the repository root.
// Every field has a working default; flags override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up at the repository root.
const FileName = ".ralph.yaml"

// Config is the on-disk configuration.
type Config struct {
	// Agent subprocess.
	WorkerBin      string `yaml:"worker_bin"`
	Model          string `yaml:"model"`
	PromptTemplate string `yaml:"prompt_template"`
	Safe           bool   `yaml:"safe"`
	TimeoutMinutes int    `yaml:"timeout_minutes"`

	// Queue and ledger locations, relative to the repository root.
	StorePath  string `yaml:"store_path"`
	LedgerPath string `yaml:"ledger_path"`

	// Sequential loop.
	MaxAttempts int `yaml:"max_attempts"`

	// Parallel runs.
	Concurrency      int    `yaml:"concurrency"`
	BaseBranch       string `yaml:"base_branch"`
	TargetBranch     string `yaml:"target_branch"`
	WorktreeDir      string `yaml:"worktree_dir"`
	StaleLockMinutes int    `yaml:"stale_lock_minutes"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		WorkerBin:        "claude",
		TimeoutMinutes:   30,
		StorePath:        "prd.json",
		LedgerPath:       "progress.txt",
		MaxAttempts:      3,
		Concurrency:      3,
		WorktreeDir:      filepath.Join(".ralph", "worktrees"),
		StaleLockMinutes: 45,
	}
}

// Load reads .ralph.yaml from root, falling back to defaults when the file is
// absent. A present but malformed file is an error; silently ignoring a typo'd
// config is worse than failing.
func Load(root string) (Config, error) {
	cfg := Default()

	path := filepath.Join(root, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}

// withDefaults backfills zero values so a sparse file behaves like defaults.
func (c Config) withDefaults() Config {
	d := Default()
	if c.WorkerBin == "" {
		c.WorkerBin = d.WorkerBin
	}
	if c.TimeoutMinutes <= 0 {
		c.TimeoutMinutes = d.TimeoutMinutes
	}
	if c.StorePath == "" {
		c.StorePath = d.StorePath
	}
	if c.LedgerPath == "" {
		c.LedgerPath = d.LedgerPath
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.WorktreeDir == "" {
		c.WorktreeDir = d.WorktreeDir
	}
	if c.StaleLockMinutes <= 0 {
		c.StaleLockMinutes = d.StaleLockMinutes
	}
	return c
}

// Timeout returns the agent timeout as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// StaleLockAge returns the lock staleness threshold as a duration.
func (c Config) StaleLockAge() time.Duration {
	return time.Duration(c.StaleLockMinutes) * time.Minute
}
