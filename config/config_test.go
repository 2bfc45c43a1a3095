package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestReadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "memCapBytes: 1048576\nspillDir: /tmp/emsqrt-spill\n")

	cfg, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, int64(1048576), cfg.MemCapBytes)
	assert.Equal(t, defaultMaxSpillConcurrency, cfg.MaxSpillConcurrency)
	assert.Equal(t, defaultMaxParallelTasks, cfg.MaxParallelTasks)
	assert.Equal(t, int64(1048576/(defaultFanIn*8)), cfg.BlockSizeHint)
}

func TestReadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, "maxParallelTasks: 2\n")

	_, err := Read(path)
	assert.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeConfig(t, "memCapBytes: 1000\nspillDir: /tmp/a\n")

	t.Setenv("EMSQRT_MEM_CAP_BYTES", "2000")
	t.Setenv("EMSQRT_SPILL_DIR", "/tmp/b")
	t.Setenv("EMSQRT_MAX_PARALLEL_TASKS", "7")

	cfg, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, int64(2000), cfg.MemCapBytes)
	assert.Equal(t, "/tmp/b", cfg.SpillDir)
	assert.Equal(t, 7, cfg.MaxParallelTasks)
}

func TestFlagOverridesWinOverEverything(t *testing.T) {
	path := writeConfig(t, "memCapBytes: 1000\nspillDir: /tmp/a\n")
	t.Setenv("EMSQRT_MEM_CAP_BYTES", "2000")

	cfg, err := Read(path)
	require.NoError(t, err)

	cfg.ApplyFlagOverrides(3000, "/tmp/c", 9, 0)
	require.NoError(t, cfg.FinishForCLI())

	assert.Equal(t, int64(3000), cfg.MemCapBytes)
	assert.Equal(t, "/tmp/c", cfg.SpillDir)
	assert.Equal(t, 9, cfg.MaxParallelTasks)
}

func TestDefaultThenFlagsProducesValidConfig(t *testing.T) {
	cfg := Default()
	cfg.ApplyFlagOverrides(4096, "/tmp/only-flags", 0, 0)

	require.NoError(t, cfg.FinishForCLI())
	assert.Equal(t, int64(4096), cfg.MemCapBytes)
	assert.Equal(t, defaultMaxParallelTasks, cfg.MaxParallelTasks)
}

func TestExpandSpillDirExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	c := &Config{SpillDir: "~/emsqrt-spill"}
	require.NoError(t, c.expandSpillDir())
	assert.Equal(t, filepath.Join(home, "emsqrt-spill"), c.SpillDir)
}
