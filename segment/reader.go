package segment

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/budget"
	"github.com/emsqrt-project/emsqrt/emerr"
)

var errBudgetRefused = errors.New("budget refused reservation for a batch read back from a spill segment")

// Reader yields batches from a sealed segment in append order.
type Reader struct {
	store *Store
	seg   Segment
	f     *os.File

	validated  bool
	trailerOff int64
	pos        int64
	closed     bool
}

// validate reads and checks the header and trailer, run lazily on the
// first Next call.
func (r *Reader) validate() error {
	info, err := r.f.Stat()
	if err != nil {
		return emerr.New(emerr.Spill, "segment.Reader.validate", err)
	}
	size := info.Size()
	if size < int64(headerSize+footerSize) {
		return emerr.Newf(emerr.Spill, "segment.Reader.validate", "segment %s too small to be valid", r.seg.ID)
	}

	var hdr [headerSize]byte
	if _, err := r.f.ReadAt(hdr[:], 0); err != nil {
		return emerr.New(emerr.Spill, "segment.Reader.validate", err)
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != magicHead {
		return emerr.Newf(emerr.Spill, "segment.Reader.validate", "segment %s has bad header magic", r.seg.ID)
	}
	if binary.BigEndian.Uint16(hdr[4:6]) != formatVersion {
		return emerr.Newf(emerr.Spill, "segment.Reader.validate", "segment %s has unsupported version", r.seg.ID)
	}
	codec := Codec(hdr[6])

	var footer [footerSize]byte
	if _, err := r.f.ReadAt(footer[:], size-footerSize); err != nil {
		return emerr.New(emerr.Spill, "segment.Reader.validate", err)
	}
	trailerOff := int64(binary.BigEndian.Uint64(footer[0:8]))
	trailerCRC := binary.BigEndian.Uint32(footer[8:12])
	magicTailGot := binary.BigEndian.Uint32(footer[12:16])
	if magicTailGot != magicTail {
		return emerr.Newf(emerr.Spill, "segment.Reader.validate", "segment %s has bad trailer magic", r.seg.ID)
	}

	trailerBody := make([]byte, size-footerSize-trailerOff)
	if _, err := r.f.ReadAt(trailerBody, trailerOff); err != nil {
		return emerr.New(emerr.Spill, "segment.Reader.validate", err)
	}
	if crc32.Checksum(trailerBody, crc32cTable) != trailerCRC {
		return emerr.Newf(emerr.Spill, "segment.Reader.validate", "segment %s trailer checksum mismatch", r.seg.ID)
	}

	r.seg.Codec = codec
	r.trailerOff = trailerOff
	r.pos = headerSize
	r.validated = true
	return nil
}

// BytesRead reports how many bytes of segment body this reader has
// consumed so far, used by the engine to accumulate a run's
// spill_read_bytes counter.
func (r *Reader) BytesRead() int64 { return r.pos }

// Next reads, decompresses and verifies one batch, returning nil at EOF.
func (r *Reader) Next(b *budget.Budget, tag string) (*batch.Batch, error) {
	if !r.validated {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}
	if r.pos >= r.trailerOff {
		return nil, nil
	}

	var lenAndCRC [8]byte
	if _, err := io.ReadFull(offsetReader{r.f, r.pos}, lenAndCRC[:]); err != nil {
		return nil, emerr.New(emerr.Spill, "segment.Reader.Next", err)
	}
	entryLen := binary.BigEndian.Uint32(lenAndCRC[0:4])
	wantCRC := binary.BigEndian.Uint32(lenAndCRC[4:8])

	compressed := make([]byte, int(entryLen)-4)
	if _, err := io.ReadFull(offsetReader{r.f, r.pos + 8}, compressed); err != nil {
		return nil, emerr.New(emerr.Spill, "segment.Reader.Next", err)
	}

	if crc32.Checksum(compressed, crc32cTable) != wantCRC {
		return nil, emerr.Newf(emerr.Spill, "segment.Reader.Next", "checksum mismatch in segment %s at offset %d", r.seg.ID, r.pos)
	}

	raw, err := decompress(r.seg.Codec, compressed)
	if err != nil {
		return nil, err
	}

	bat, ok, err := deserializeBatch(raw, r.seg.Schema, b, tag)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, emerr.New(emerr.Budget, "segment.Reader.Next", errBudgetRefused)
	}

	r.pos += 8 + int64(len(compressed))
	return bat, nil
}

// Close releases the reader's concurrency slot and underlying file handle.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.store.readBytes.Add(r.pos)
	err := r.f.Close()
	r.store.releaseSlot()
	if err != nil {
		return emerr.New(emerr.Spill, "segment.Reader.Close", err)
	}
	return nil
}

// offsetReader lets us use io.ReadFull against a fixed file offset without
// disturbing *os.File's own read cursor semantics (we track position
// ourselves so concurrent readers on the same *Store, each with their own
// *os.File, never interfere).
type offsetReader struct {
	f   *os.File
	off int64
}

func (o offsetReader) Read(p []byte) (int, error) {
	n, err := o.f.ReadAt(p, o.off)
	o.off += int64(n)
	return n, err
}
