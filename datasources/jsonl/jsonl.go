// Package jsonl is a Scan/Sink collaborator for newline-delimited JSON
// object files, one of the source formats this engine supports alongside
// CSV and Parquet. It decodes each line with valyala/fastjson, the same
// library the teacher's own JSON datasource and JSON output formatter use
// for self-describing input, and coerces each field into the declared
// schema.
package jsonl

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/valyala/fastjson"

	"github.com/emsqrt-project/emsqrt/batch"
)

type Source struct {
	f      *os.File
	sc     *bufio.Scanner
	p      fastjson.Parser
	schema batch.Schema
}

func Open(path string, schema batch.Schema) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't open jsonl file")
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(nil, 1024*1024)
	return &Source{f: f, sc: sc, schema: schema}, nil
}

func (s *Source) Read() ([]batch.Value, error) {
	if !s.sc.Scan() {
		if err := s.sc.Err(); err != nil {
			return nil, errors.Wrap(err, "couldn't scan jsonl record")
		}
		return nil, io.EOF
	}
	v, err := s.p.ParseBytes(s.sc.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "couldn't parse jsonl record")
	}
	if v.Type() != fastjson.TypeObject {
		return nil, errors.Errorf("expected a JSON object, got %q", s.sc.Text())
	}
	obj, err := v.Object()
	if err != nil {
		return nil, errors.Wrap(err, "couldn't read jsonl object")
	}

	row := make([]batch.Value, len(s.schema.Fields))
	for i, fd := range s.schema.Fields {
		cell, err := decodeCell(obj.Get(fd.Name), fd.Kind)
		if err != nil {
			return nil, errors.Wrapf(err, "field %q", fd.Name)
		}
		row[i] = cell
	}
	return row, nil
}

func (s *Source) Close() error {
	return s.f.Close()
}

func decodeCell(v *fastjson.Value, kind batch.Kind) (batch.Value, error) {
	if v == nil || v.Type() == fastjson.TypeNull {
		return batch.NewNull(kind), nil
	}
	switch kind {
	case batch.Int32:
		n, err := v.Int()
		if err != nil {
			return batch.Value{}, err
		}
		return batch.NewInt32(int32(n)), nil
	case batch.Int64:
		n, err := v.Int64()
		if err != nil {
			return batch.Value{}, err
		}
		return batch.NewInt64(n), nil
	case batch.Float64:
		n, err := v.Float64()
		if err != nil {
			return batch.Value{}, err
		}
		return batch.NewFloat64(n), nil
	case batch.Bool:
		b, err := v.Bool()
		if err != nil {
			return batch.Value{}, err
		}
		return batch.NewBool(b), nil
	case batch.Utf8:
		str, err := v.StringBytes()
		if err != nil {
			return batch.Value{}, err
		}
		return batch.NewUtf8(string(str)), nil
	default:
		return batch.Value{}, errors.Errorf("unsupported column kind %v", kind)
	}
}

// Sink writes rows as newline-delimited JSON objects, one per output row,
// field names taken from schema. Built like the teacher's JSONFormatter: a
// reused fastjson.Arena avoids an allocation per row, reset after every
// MarshalTo.
type Sink struct {
	f      *os.File
	w      *bufio.Writer
	arena  *fastjson.Arena
	buf    []byte
	schema batch.Schema
}

func Create(path string, schema batch.Schema) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't create jsonl file")
	}
	return &Sink{
		f:      f,
		w:      bufio.NewWriter(f),
		arena:  new(fastjson.Arena),
		buf:    make([]byte, 0, 1024),
		schema: schema,
	}, nil
}

func (s *Sink) Write(row []batch.Value) error {
	obj := s.arena.NewObject()
	for i, v := range row {
		if i >= len(s.schema.Fields) {
			break
		}
		obj.Set(s.schema.Fields[i].Name, valueToJSON(s.arena, v))
	}

	s.buf = obj.MarshalTo(s.buf[:0])
	s.buf = append(s.buf, '\n')
	if _, err := s.w.Write(s.buf); err != nil {
		return errors.Wrap(err, "couldn't write jsonl record")
	}
	s.arena.Reset()
	return nil
}

func valueToJSON(arena *fastjson.Arena, v batch.Value) *fastjson.Value {
	if v.Null {
		return arena.NewNull()
	}
	switch v.Kind {
	case batch.Int32:
		return arena.NewNumberInt(int(v.I32))
	case batch.Int64:
		return arena.NewNumberInt(int(v.I64))
	case batch.Float64:
		return arena.NewNumberFloat64(v.F64)
	case batch.Bool:
		if v.B {
			return arena.NewTrue()
		}
		return arena.NewFalse()
	case batch.Utf8:
		return arena.NewString(v.Str)
	default:
		return arena.NewNull()
	}
}

func (s *Sink) Close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return errors.Wrap(err, "couldn't flush jsonl writer")
	}
	return s.f.Close()
}
