package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emsqrt-project/emsqrt/emerr"
	"github.com/emsqrt-project/emsqrt/manifest"
)

// resetGlobalFlags clears the package-level flag-bound vars between tests:
// cobra only calls Set on a persistent flag when it's actually passed on
// the command line, so a value left over from a previous test's args would
// otherwise leak into the next.
func resetGlobalFlags(t *testing.T) {
	t.Helper()
	pipelinePath = ""
	configPath = ""
	memoryCapBytes = 0
	spillDir = ""
	maxParallelTasks = 0
	fanIn = 0
	logDir = ""
	manifestPath = ""
}

func writePipelineYAML(t *testing.T, sourcePath, sinkPath string) string {
	t.Helper()
	doc := `
sources:
  - name: orders
    uri: ` + sourcePath + `
    schema:
      - {name: id, kind: int64}
      - {name: amount, kind: float64}
pipeline:
  - op: filter
    input: orders
    pred: {column: amount, op: "<", value: 100}
sink:
  uri: ` + sinkPath + `
  format: jsonl
`
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	return path
}

func writeCSVSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,amount\n1,9.5\n2,150.0\n"), 0644))
	return path
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetGlobalFlags(t)
	logDir = t.TempDir()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--log-dir", logDir}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoadConfigDefaultsWhenNoConfigPath(t *testing.T) {
	resetGlobalFlags(t)
	memoryCapBytes = 1 << 20
	spillDir = t.TempDir()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), cfg.MemCapBytes)
	assert.Equal(t, spillDir, cfg.SpillDir)
}

func TestLoadConfigRejectsMissingSpillDir(t *testing.T) {
	resetGlobalFlags(t)
	memoryCapBytes = 1 << 20

	_, err := loadConfig()
	require.Error(t, err)
	assert.Equal(t, emerr.Config, emerr.KindOf(err))
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	resetGlobalFlags(t)
	fileCfg := `
memCapBytes: 1000
spillDir: ` + t.TempDir() + `
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fileCfg), 0644))

	configPath = path
	memoryCapBytes = 999999

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(999999), cfg.MemCapBytes)
}

func TestLoadPlanRequiresPipelineFlag(t *testing.T) {
	resetGlobalFlags(t)
	_, err := loadPlan()
	require.Error(t, err)
	assert.Equal(t, emerr.Config, emerr.KindOf(err))
}

func TestLoadPlanBuildsPhysicalPlan(t *testing.T) {
	resetGlobalFlags(t)
	src := writeCSVSource(t)
	pipelinePath = writePipelineYAML(t, src, filepath.Join(t.TempDir(), "out.jsonl"))

	root, err := loadPlan()
	require.NoError(t, err)
	assert.NotNil(t, root)
}

func TestExitCodeForMapsEmerrKinds(t *testing.T) {
	assert.Equal(t, 2, exitCodeFor(emerr.Newf(emerr.Config, "op", "bad")))
	assert.Equal(t, 4, exitCodeFor(emerr.Newf(emerr.Budget, "op", "refused")))
	assert.Equal(t, 3, exitCodeFor(emerr.Newf(emerr.Internal, "op", "boom")))
	assert.Equal(t, 3, exitCodeFor(assert.AnError))
}

func TestValidateCommandReportsBlockCount(t *testing.T) {
	src := writeCSVSource(t)
	pipeline := writePipelineYAML(t, src, filepath.Join(t.TempDir(), "out.jsonl"))

	out, err := runRoot(t, "validate",
		"--pipeline", pipeline,
		"--memory-cap", "1048576",
		"--spill-dir", t.TempDir(),
	)
	require.NoError(t, err)
	assert.Contains(t, out, "ok:")
	assert.Contains(t, out, "block(s)")
}

func TestValidateCommandFailsOnMissingPipelineFlag(t *testing.T) {
	_, err := runRoot(t, "validate",
		"--memory-cap", "1048576",
		"--spill-dir", t.TempDir(),
	)
	require.Error(t, err)
	assert.Equal(t, emerr.Config, emerr.KindOf(err))
}

func TestExplainCommandPrintsPlanHashAndSchedule(t *testing.T) {
	src := writeCSVSource(t)
	pipeline := writePipelineYAML(t, src, filepath.Join(t.TempDir(), "out.jsonl"))

	out, err := runRoot(t, "explain",
		"--pipeline", pipeline,
		"--memory-cap", "1048576",
		"--spill-dir", t.TempDir(),
	)
	require.NoError(t, err)
	assert.Contains(t, out, "plan_hash:")
	assert.Contains(t, out, "schedule:")
}

func TestRunCommandExecutesPipelineAndWritesManifest(t *testing.T) {
	src := writeCSVSource(t)
	sink := filepath.Join(t.TempDir(), "out.jsonl")
	pipeline := writePipelineYAML(t, src, sink)
	spill := t.TempDir()
	mPath := filepath.Join(t.TempDir(), "manifest.json")

	out, err := runRoot(t, "run",
		"--pipeline", pipeline,
		"--memory-cap", "16777216",
		"--spill-dir", spill,
		"--manifest", mPath,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "manifest at")

	m, err := manifest.Read(mPath)
	require.NoError(t, err)
	assert.Empty(t, m.Err)
	assert.Equal(t, int64(1), m.RowsOut)

	sinkData, err := os.ReadFile(sink)
	require.NoError(t, err)
	assert.Contains(t, string(sinkData), `"id":1`)
}
