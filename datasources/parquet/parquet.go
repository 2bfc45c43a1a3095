// Package parquet is a Scan/Sink collaborator for Parquet files. It reads
// and writes rows through the segmentio/parquet-go dynamic-schema Row
// API, since the schema is only known at pipeline-description time, not
// at compile time, so the package's generic struct-tag API doesn't apply.
package parquet

import (
	"os"

	"github.com/pkg/errors"
	pq "github.com/segmentio/parquet-go"

	"github.com/emsqrt-project/emsqrt/batch"
)

func buildSchema(schema batch.Schema) *pq.Schema {
	group := pq.Group{}
	for _, fd := range schema.Fields {
		node := leafNode(fd.Kind)
		if fd.Nullable {
			node = pq.Optional(node)
		}
		group[fd.Name] = node
	}
	return pq.NewSchema("row", group)
}

func leafNode(kind batch.Kind) pq.Node {
	switch kind {
	case batch.Int32:
		return pq.Int(32)
	case batch.Int64:
		return pq.Int(64)
	case batch.Float64:
		return pq.Leaf(pq.DoubleType)
	case batch.Bool:
		return pq.Leaf(pq.BooleanType)
	case batch.Utf8:
		return pq.String()
	default:
		panic("parquet: unsupported column kind")
	}
}

type Source struct {
	f      *os.File
	r      *pq.Reader
	schema batch.Schema
	buf    []pq.Row
}

func Open(path string, schema batch.Schema) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't open parquet file")
	}
	r := pq.NewReader(f, buildSchema(schema))
	return &Source{f: f, r: r, schema: schema, buf: make([]pq.Row, 1)}, nil
}

func (s *Source) Read() ([]batch.Value, error) {
	n, err := s.r.ReadRows(s.buf)
	if n == 0 {
		if err != nil {
			return nil, err // io.EOF propagates unwrapped
		}
		return nil, errors.New("parquet: read zero rows without error")
	}
	row := s.buf[0]
	out := make([]batch.Value, len(s.schema.Fields))
	for i, fd := range s.schema.Fields {
		out[i] = valueFromParquet(row[i], fd.Kind)
	}
	return out, nil
}

func (s *Source) Close() error {
	if err := s.r.Close(); err != nil {
		s.f.Close()
		return errors.Wrap(err, "couldn't close parquet reader")
	}
	return s.f.Close()
}

func valueFromParquet(v pq.Value, kind batch.Kind) batch.Value {
	if v.IsNull() {
		return batch.NewNull(kind)
	}
	switch kind {
	case batch.Int32:
		return batch.NewInt32(v.Int32())
	case batch.Int64:
		return batch.NewInt64(v.Int64())
	case batch.Float64:
		return batch.NewFloat64(v.Double())
	case batch.Bool:
		return batch.NewBool(v.Boolean())
	case batch.Utf8:
		return batch.NewUtf8(v.String())
	default:
		return batch.NewNull(kind)
	}
}

type Sink struct {
	f      *os.File
	w      *pq.Writer
	schema batch.Schema
}

func Create(path string, schema batch.Schema) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't create parquet file")
	}
	w := pq.NewWriter(f, buildSchema(schema))
	return &Sink{f: f, w: w, schema: schema}, nil
}

func (s *Sink) Write(row []batch.Value) error {
	pqRow := make(pq.Row, len(row))
	for i, v := range row {
		// An optional column's non-null value sits at definition level 1.
		def := 0
		if s.schema.Fields[i].Nullable && !v.Null {
			def = 1
		}
		pqRow[i] = valueToParquet(v).Level(0, def, i)
	}
	_, err := s.w.WriteRows([]pq.Row{pqRow})
	return err
}

func valueToParquet(v batch.Value) pq.Value {
	if v.Null {
		return pq.NullValue()
	}
	switch v.Kind {
	case batch.Int32:
		return pq.ValueOf(v.I32)
	case batch.Int64:
		return pq.ValueOf(v.I64)
	case batch.Float64:
		return pq.ValueOf(v.F64)
	case batch.Bool:
		return pq.ValueOf(v.B)
	case batch.Utf8:
		return pq.ValueOf(v.Str)
	default:
		return pq.NullValue()
	}
}

func (s *Sink) Close() error {
	if err := s.w.Close(); err != nil {
		s.f.Close()
		return errors.Wrap(err, "couldn't close parquet writer")
	}
	return s.f.Close()
}
