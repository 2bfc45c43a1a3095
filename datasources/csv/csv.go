// Package csv is a Scan/Sink collaborator for comma-separated files. This
// engine has no checkpointing, so a RowSource/RowWriter needs only a
// plain os.File and a stdlib encoding/csv reader or writer.
package csv

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/emsqrt-project/emsqrt/batch"
)

// Source reads rows from a CSV file into the schema's column order,
// skipping an optional header row when Open's headerRow is true.
type Source struct {
	f      *os.File
	r      *csv.Reader
	schema batch.Schema
}

// Open opens path for reading. If headerRow is true, the first line is
// consumed and discarded (column names are taken from schema, not the
// file, since this engine's pipeline description carries its own schema).
func Open(path string, separator rune, headerRow bool, schema batch.Schema) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't open csv file")
	}
	r := csv.NewReader(f)
	if separator != 0 {
		r.Comma = separator
	}
	r.TrimLeadingSpace = true
	s := &Source{f: f, r: r, schema: schema}
	if headerRow {
		if _, err := r.Read(); err != nil && err != io.EOF {
			f.Close()
			return nil, errors.Wrap(err, "couldn't read csv header row")
		}
	}
	return s, nil
}

func (s *Source) Read() ([]batch.Value, error) {
	line, err := s.r.Read()
	if err != nil {
		return nil, err // io.EOF propagates unwrapped, per operators.RowSource's contract
	}
	if len(line) != len(s.schema.Fields) {
		return nil, errors.Errorf("csv row has %d fields, schema has %d", len(line), len(s.schema.Fields))
	}
	row := make([]batch.Value, len(line))
	for i, cell := range line {
		v, err := parseCell(cell, s.schema.Fields[i].Kind)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", s.schema.Fields[i].Name)
		}
		row[i] = v
	}
	return row, nil
}

func (s *Source) Close() error {
	return s.f.Close()
}

func parseCell(cell string, kind batch.Kind) (batch.Value, error) {
	if cell == "" {
		return batch.NewNull(kind), nil
	}
	switch kind {
	case batch.Int32:
		n, err := strconv.ParseInt(cell, 10, 32)
		if err != nil {
			return batch.Value{}, err
		}
		return batch.NewInt32(int32(n)), nil
	case batch.Int64:
		n, err := strconv.ParseInt(cell, 10, 64)
		if err != nil {
			return batch.Value{}, err
		}
		return batch.NewInt64(n), nil
	case batch.Float64:
		n, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return batch.Value{}, err
		}
		return batch.NewFloat64(n), nil
	case batch.Bool:
		b, err := strconv.ParseBool(cell)
		if err != nil {
			return batch.Value{}, err
		}
		return batch.NewBool(b), nil
	case batch.Utf8:
		return batch.NewUtf8(cell), nil
	default:
		return batch.Value{}, errors.Errorf("unsupported column kind %v", kind)
	}
}

func formatCell(v batch.Value) string {
	if v.Null {
		return ""
	}
	switch v.Kind {
	case batch.Int32:
		return strconv.FormatInt(int64(v.I32), 10)
	case batch.Int64:
		return strconv.FormatInt(v.I64, 10)
	case batch.Float64:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case batch.Bool:
		return strconv.FormatBool(v.B)
	case batch.Utf8:
		return v.Str
	default:
		return ""
	}
}

// Sink writes rows to a CSV file, one schema's worth of columns per row,
// with an optional header row written up front.
type Sink struct {
	f      *os.File
	w      *csv.Writer
	schema batch.Schema
}

func Create(path string, headerRow bool, schema batch.Schema) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't create csv file")
	}
	w := csv.NewWriter(f)
	snk := &Sink{f: f, w: w, schema: schema}
	if headerRow {
		names := make([]string, len(schema.Fields))
		for i, fd := range schema.Fields {
			names[i] = fd.Name
		}
		if err := w.Write(names); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "couldn't write csv header row")
		}
	}
	return snk, nil
}

func (s *Sink) Write(row []batch.Value) error {
	line := make([]string, len(row))
	for i, v := range row {
		line[i] = formatCell(v)
	}
	return s.w.Write(line)
}

func (s *Sink) Close() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return errors.Wrap(err, "couldn't flush csv writer")
	}
	return s.f.Close()
}
