// Package segment implements the spill segment store: an append-only,
// compressed, checksummed on-disk run of serialized row batches, written
// to a temp file and atomically renamed on seal so that a crash never
// leaves a partial segment visible to later readers.
package segment

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/emerr"
)

// Segment identifies a sealed, immutable spill file.
type Segment struct {
	ID       string
	Path     string
	Schema   batch.Schema
	Codec    Codec
	RowCount int64
}

// Store is a stateless (across calls) factory for writers and readers under
// a single spill directory, bounding concurrent writers/readers with a
// semaphore sized to max_spill_concurrency.
type Store struct {
	dir   string
	codec Codec
	sem   chan struct{}

	readBytes  atomic.Int64
	writeBytes atomic.Int64
}

// ReadBytes and WriteBytes report the cumulative bytes moved through every
// Reader/Writer this store has produced, across every operator that spills
// through it — the engine sums these into a run's manifest counters.
func (s *Store) ReadBytes() int64  { return s.readBytes.Load() }
func (s *Store) WriteBytes() int64 { return s.writeBytes.Load() }

// New constructs a Store rooted at dir using the given default codec and
// concurrency bound.
func New(dir string, codec Codec, maxConcurrency int) (*Store, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, emerr.New(emerr.Spill, "segment.New", err)
	}
	return &Store{dir: dir, codec: codec, sem: make(chan struct{}, maxConcurrency)}, nil
}

func (s *Store) acquireSlot() { s.sem <- struct{}{} }
func (s *Store) releaseSlot() { <-s.sem }

func (s *Store) finalPath(id string) string { return filepath.Join(s.dir, id+".seg") }
func (s *Store) tempPath(id string) string {
	return filepath.Join(s.dir, filepath.Dir(id), "."+filepath.Base(id)+".seg.tmp")
}

// OpenWriter creates a temp file under the store's directory for a new
// segment, buffering one batch at a time until Seal.
func (s *Store) OpenWriter(segmentID string, schema batch.Schema) (*Writer, error) {
	s.acquireSlot()
	if err := os.MkdirAll(filepath.Dir(s.finalPath(segmentID)), 0o755); err != nil {
		s.releaseSlot()
		return nil, emerr.New(emerr.Spill, "segment.OpenWriter", err)
	}
	f, err := os.OpenFile(s.tempPath(segmentID), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		s.releaseSlot()
		return nil, emerr.New(emerr.Spill, "segment.OpenWriter", err)
	}
	w := &Writer{
		store:     s,
		segmentID: segmentID,
		schema:    schema,
		codec:     s.codec,
		f:         f,
	}
	if err := w.writeHeader(); err != nil {
		f.Close()
		os.Remove(s.tempPath(segmentID))
		s.releaseSlot()
		return nil, err
	}
	return w, nil
}

// OpenReader opens a sealed segment for sequential reading. Header and
// trailer checksum validation is deferred to the first call to Next, not
// performed eagerly here.
func (s *Store) OpenReader(seg Segment) (*Reader, error) {
	s.acquireSlot()
	f, err := os.Open(seg.Path)
	if err != nil {
		s.releaseSlot()
		return nil, emerr.New(emerr.Spill, "segment.OpenReader", err)
	}
	return &Reader{store: s, seg: seg, f: f}, nil
}

// Unlink removes a segment file. It is idempotent: removing an
// already-absent segment is not an error.
func (s *Store) Unlink(seg Segment) error {
	if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
		return emerr.New(emerr.Spill, "segment.Unlink", err)
	}
	return nil
}
