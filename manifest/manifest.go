// Package manifest persists the execution record of a run: one JSON
// document per run, written by the engine on completion (or on fatal
// error, with whatever partial counters it had collected). It uses plain
// encoding/json for this on-disk state; no protobuf or schema-registry
// dependency is warranted for a small, human-readable sidecar file.
package manifest

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Manifest is the execution record of one run: accounting fields plus
// plan_structure_summary, so a manifest is self-describing without
// cross-referencing the pipeline file that produced it.
type Manifest struct {
	PlanHash     string `json:"plan_hash"`
	StartedMs    int64  `json:"started_ms"`
	FinishedMs   int64  `json:"finished_ms"`
	PeakMemBytes int64  `json:"peak_mem_bytes"`

	SpillReadBytes  int64 `json:"spill_read_bytes"`
	SpillWriteBytes int64 `json:"spill_write_bytes"`

	RowsIn  int64 `json:"rows_in"`
	RowsOut int64 `json:"rows_out"`

	Outputs []string `json:"outputs"`

	// PlanStructureSummary is the human-readable graph.Show(...)-style
	// rendering of the physical plan this run executed, persisted alongside
	// the hash for audit readability without needing the original pipeline
	// file on hand.
	PlanStructureSummary string `json:"plan_structure_summary"`

	// Err is set when the run aborted before completion; a failed run still
	// gets a manifest, with whatever counters were collected up to the
	// point of failure.
	Err string `json:"error,omitempty"`
}

// Write persists m as JSON at path, creating or truncating the file.
func Write(path string, m *Manifest) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "couldn't create manifest file")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return errors.Wrap(err, "couldn't encode manifest")
	}
	return nil
}

// Read loads a previously-written manifest, e.g. for tests that check what
// a run recorded.
func Read(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't read manifest file")
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "couldn't decode manifest")
	}
	return &m, nil
}
