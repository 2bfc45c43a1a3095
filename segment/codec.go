package segment

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/emsqrt-project/emsqrt/emerr"
)

// Codec identifies the compression applied to each batch payload, matching
// the single byte at offset 6 of the segment header.
type Codec byte

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

func compress(c Codec, src []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return src, nil
	case CodecLZ4:
		var out bytes.Buffer
		zw := lz4.NewWriter(&out)
		if _, err := zw.Write(src); err != nil {
			return nil, emerr.New(emerr.Spill, "segment.compress.lz4", err)
		}
		if err := zw.Close(); err != nil {
			return nil, emerr.New(emerr.Spill, "segment.compress.lz4", err)
		}
		return out.Bytes(), nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, emerr.New(emerr.Spill, "segment.compress.zstd", err)
		}
		defer enc.Close()
		return enc.EncodeAll(src, nil), nil
	default:
		return nil, emerr.Newf(emerr.Spill, "segment.compress", "unsupported codec %d", c)
	}
}

func decompress(c Codec, src []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return src, nil
	case CodecLZ4:
		zr := lz4.NewReader(bytes.NewReader(src))
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, emerr.New(emerr.Spill, "segment.decompress.lz4", err)
		}
		return out, nil
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, emerr.New(emerr.Spill, "segment.decompress.zstd", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(src, nil)
		if err != nil {
			return nil, emerr.New(emerr.Spill, "segment.decompress.zstd", err)
		}
		return out, nil
	default:
		return nil, emerr.Newf(emerr.Spill, "segment.decompress", "unsupported codec %d", c)
	}
}
