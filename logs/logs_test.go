package logs

import (
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeFileLoggerCreatesLogsFileUnderDir(t *testing.T) {
	defer log.SetOutput(os.Stderr)
	dir := t.TempDir()

	InitializeFileLogger(dir)
	defer CloseLogger()

	require.NotNil(t, Output)
	log.Println("hello from the run")

	data, err := os.ReadFile(filepath.Join(dir, "logs.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the run")
}

func TestInitializeFileLoggerCreatesMissingDir(t *testing.T) {
	defer log.SetOutput(os.Stderr)
	dir := filepath.Join(t.TempDir(), "nested", "logdir")

	InitializeFileLogger(dir)
	defer CloseLogger()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCloseLoggerIsSafeWhenNeverInitialized(t *testing.T) {
	Output = nil
	assert.NotPanics(t, func() { CloseLogger() })
}
