// Package batch implements the row batch data model: the bounded,
// immutable, schema-carrying unit of data movement between operators,
// backed by Apache Arrow columnar storage.
package batch

import (
	"fmt"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/pkg/errors"
)

// Kind is one of the five primitive types this engine supports.
type Kind int

const (
	Int32 Kind = iota
	Int64
	Float64
	Bool
	Utf8
)

func (k Kind) String() string {
	switch k {
	case Int32:
		return "Int32"
	case Int64:
		return "Int64"
	case Float64:
		return "Float64"
	case Bool:
		return "Bool"
	case Utf8:
		return "Utf8"
	default:
		return "Unknown"
	}
}

// arrowType returns the Arrow representation of this Kind.
func (k Kind) arrowType() arrow.DataType {
	switch k {
	case Int32:
		return arrow.PrimitiveTypes.Int32
	case Int64:
		return arrow.PrimitiveTypes.Int64
	case Float64:
		return arrow.PrimitiveTypes.Float64
	case Bool:
		return arrow.FixedWidthTypes.Boolean
	case Utf8:
		return arrow.BinaryTypes.String
	default:
		panic(fmt.Sprintf("batch: unknown kind %d", k))
	}
}

func kindFromArrow(t arrow.DataType) (Kind, error) {
	switch t.ID() {
	case arrow.INT32:
		return Int32, nil
	case arrow.INT64:
		return Int64, nil
	case arrow.FLOAT64:
		return Float64, nil
	case arrow.BOOL:
		return Bool, nil
	case arrow.STRING:
		return Utf8, nil
	default:
		return 0, errors.Errorf("unsupported arrow type %s", t.Name())
	}
}

// Field is one column of a Schema: a name, a primitive Kind and a
// nullability flag.
type Field struct {
	Name     string
	Kind     Kind
	Nullable bool
}

// Schema is an ordered list of Fields with unique names.
type Schema struct {
	Fields []Field
}

// NewSchema validates field-name uniqueness and constructs a Schema.
func NewSchema(fields ...Field) (Schema, error) {
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, ok := seen[f.Name]; ok {
			return Schema{}, errors.Errorf("duplicate field name %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return Schema{Fields: fields}, nil
}

// IndexOf returns the position of a field by name.
func (s Schema) IndexOf(name string) (int, bool) {
	for i, f := range s.Fields {
		if f.Name == name {
			return i, true
		}
	}
	return -1, false
}

// ArrowSchema renders this Schema as an *arrow.Schema for use with Arrow
// builders, records and the IPC codec.
func (s Schema) ArrowSchema() *arrow.Schema {
	fields := make([]arrow.Field, len(s.Fields))
	for i, f := range s.Fields {
		fields[i] = arrow.Field{Name: f.Name, Type: f.Kind.arrowType(), Nullable: f.Nullable}
	}
	return arrow.NewSchema(fields, nil)
}

// SchemaFromArrow converts an Arrow schema back into our closed five-type
// Schema, failing if it uses a type this engine doesn't support.
func SchemaFromArrow(as *arrow.Schema) (Schema, error) {
	fields := make([]Field, as.NumFields())
	for i := 0; i < as.NumFields(); i++ {
		af := as.Field(i)
		k, err := kindFromArrow(af.Type)
		if err != nil {
			return Schema{}, errors.Wrapf(err, "field %q", af.Name)
		}
		fields[i] = Field{Name: af.Name, Kind: k, Nullable: af.Nullable}
	}
	return Schema{Fields: fields}, nil
}
