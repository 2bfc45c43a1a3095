package manifest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	want := &Manifest{
		PlanHash:             "abc123",
		StartedMs:            1000,
		FinishedMs:           2000,
		PeakMemBytes:         4096,
		SpillReadBytes:       512,
		SpillWriteBytes:      1024,
		RowsIn:               100,
		RowsOut:              42,
		Outputs:              []string{"out.jsonl"},
		PlanStructureSummary: "Scan -> Sink",
	}

	require.NoError(t, Write(path, want))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestWriteRecordsFailedRunError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	want := &Manifest{PlanHash: "abc123", Err: "budget exhausted"}

	require.NoError(t, Write(path, want))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "budget exhausted", got.Err)
}

func TestReadMissingFileErrors(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
