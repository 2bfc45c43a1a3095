package segment

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/emerr"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Writer serialises, compresses and checksums one batch at a time into a
// not-yet-visible temp file. Seal is the only operation that makes the
// segment visible to readers.
type Writer struct {
	store     *Store
	segmentID string
	schema    batch.Schema
	codec     Codec
	f         *os.File

	pos      int64
	offsets  []int64
	rowCount int64
	sealed   bool
	failed   bool
}

// BytesWritten reports how many bytes this writer has put on disk so far,
// used by the engine to accumulate a run's spill_write_bytes counter.
func (w *Writer) BytesWritten() int64 { return w.pos }

func (w *Writer) writeHeader() error {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], magicHead)
	binary.BigEndian.PutUint16(hdr[4:6], formatVersion)
	hdr[6] = byte(w.codec)
	hdr[7] = checksumCRC32C
	n, err := w.f.Write(hdr[:])
	w.pos += int64(n)
	if err != nil {
		return emerr.New(emerr.Spill, "segment.Writer.writeHeader", err)
	}
	return nil
}

// Append serialises, compresses and checksums one batch, writing it at the
// writer's current file position. Any I/O error fails the writer: the
// caller must abandon this writer (no Seal), leaving no visible segment.
func (w *Writer) Append(bat *batch.Batch) error {
	if w.failed || w.sealed {
		return emerr.Newf(emerr.Internal, "segment.Writer.Append", "append on failed or sealed writer")
	}

	raw, err := serializeBatch(bat)
	if err != nil {
		w.failed = true
		return err
	}
	compressed, err := compress(w.codec, raw)
	if err != nil {
		w.failed = true
		return err
	}
	sum := crc32.Checksum(compressed, crc32cTable)

	entryLen := uint32(4 + len(compressed))
	var lenAndCRC [8]byte
	binary.BigEndian.PutUint32(lenAndCRC[0:4], entryLen)
	binary.BigEndian.PutUint32(lenAndCRC[4:8], sum)

	offset := w.pos
	n1, err := w.f.Write(lenAndCRC[:])
	w.pos += int64(n1)
	if err != nil {
		w.failed = true
		return emerr.New(emerr.Spill, "segment.Writer.Append", err)
	}
	n2, err := w.f.Write(compressed)
	w.pos += int64(n2)
	if err != nil {
		w.failed = true
		return emerr.New(emerr.Spill, "segment.Writer.Append", err)
	}

	w.offsets = append(w.offsets, offset)
	w.rowCount += bat.NumRows()
	return nil
}

// Seal writes the trailer, fsyncs, and atomically renames the temp file
// into its final, now-immutable and readable name.
func (w *Writer) Seal() (Segment, error) {
	if w.failed {
		return Segment{}, emerr.Newf(emerr.Internal, "segment.Writer.Seal", "sealing a failed writer")
	}
	if w.sealed {
		return Segment{}, emerr.Newf(emerr.Internal, "segment.Writer.Seal", "double seal")
	}

	trailerOff := w.pos
	trailerBody := make([]byte, 8*len(w.offsets)+8)
	for i, off := range w.offsets {
		binary.BigEndian.PutUint64(trailerBody[8*i:8*i+8], uint64(off))
	}
	binary.BigEndian.PutUint64(trailerBody[8*len(w.offsets):], uint64(w.rowCount))

	if _, err := w.f.Write(trailerBody); err != nil {
		w.failed = true
		return Segment{}, emerr.New(emerr.Spill, "segment.Writer.Seal", err)
	}
	trailerCRC := crc32.Checksum(trailerBody, crc32cTable)

	var footer [footerSize]byte
	binary.BigEndian.PutUint64(footer[0:8], uint64(trailerOff))
	binary.BigEndian.PutUint32(footer[8:12], trailerCRC)
	binary.BigEndian.PutUint32(footer[12:16], magicTail)
	if _, err := w.f.Write(footer[:]); err != nil {
		w.failed = true
		return Segment{}, emerr.New(emerr.Spill, "segment.Writer.Seal", err)
	}

	if err := w.f.Sync(); err != nil {
		w.failed = true
		return Segment{}, emerr.New(emerr.Spill, "segment.Writer.Seal", err)
	}
	if err := w.f.Close(); err != nil {
		w.failed = true
		return Segment{}, emerr.New(emerr.Spill, "segment.Writer.Seal", err)
	}

	finalPath := w.store.finalPath(w.segmentID)
	if err := os.Rename(w.store.tempPath(w.segmentID), finalPath); err != nil {
		w.failed = true
		return Segment{}, emerr.New(emerr.Spill, "segment.Writer.Seal", err)
	}

	w.sealed = true
	w.store.writeBytes.Add(w.pos)
	w.store.releaseSlot()

	return Segment{
		ID:       w.segmentID,
		Path:     finalPath,
		Schema:   w.schema,
		Codec:    w.codec,
		RowCount: w.rowCount,
	}, nil
}

// Abandon closes and removes the writer's temp file without sealing,
// guaranteeing no segment becomes visible. Used on cancellation/error.
func (w *Writer) Abandon() {
	if w.sealed {
		return
	}
	w.f.Close()
	os.Remove(w.store.tempPath(w.segmentID))
	w.store.releaseSlot()
}
