package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "claude", cfg.WorkerBin)
	assert.Equal(t, 3, cfg.Concurrency)
	assert.Equal(t, 45*time.Minute, cfg.StaleLockAge())
}

func TestLoad_SparseFileBackfillsDefaults(t *testing.T) {
	dir := t.TempDir()
	body := "model: claude-opus-4-5\nconcurrency: 5\nbase_branch: main\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-5", cfg.Model)
	assert.Equal(t, 5, cfg.Concurrency)
	assert.Equal(t, "main", cfg.BaseBranch)

	// Unset fields keep their defaults.
	assert.Equal(t, "claude", cfg.WorkerBin)
	assert.Equal(t, "prd.json", cfg.StorePath)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Timeout())
}

func TestLoad_MalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("concurrency: [oops"), 0644))

	_, err := Load(dir)
	assert.Error(t, err)
}
