package batch

import (
	"bytes"
	"fmt"
)

// Value is a tagged union over the five primitive Kinds plus null: a
// single Go struct holding every possible payload, discriminated by Kind,
// rather than an interface{} or type switch per call.
type Value struct {
	Kind Kind
	Null bool

	I32 int32
	I64 int64
	F64 float64
	B   bool
	Str string
}

func NewNull(k Kind) Value                { return Value{Kind: k, Null: true} }
func NewInt32(v int32) Value              { return Value{Kind: Int32, I32: v} }
func NewInt64(v int64) Value              { return Value{Kind: Int64, I64: v} }
func NewFloat64(v float64) Value          { return Value{Kind: Float64, F64: v} }
func NewBool(v bool) Value                { return Value{Kind: Bool, B: v} }
func NewUtf8(v string) Value              { return Value{Kind: Utf8, Str: v} }

// Compare orders two values of the same Kind. Nulls sort first; string
// comparison is bytewise; numeric comparison is by value.
func (v Value) Compare(other Value) int {
	if v.Kind != other.Kind {
		panic(fmt.Sprintf("batch: comparing values of different kinds %s and %s", v.Kind, other.Kind))
	}
	if v.Null || other.Null {
		switch {
		case v.Null && other.Null:
			return 0
		case v.Null:
			return -1
		default:
			return 1
		}
	}
	switch v.Kind {
	case Int32:
		return cmpInt64(int64(v.I32), int64(other.I32))
	case Int64:
		return cmpInt64(v.I64, other.I64)
	case Float64:
		return cmpFloat64(v.F64, other.F64)
	case Bool:
		return cmpBool(v.B, other.B)
	case Utf8:
		return bytes.Compare([]byte(v.Str), []byte(other.Str))
	default:
		panic(fmt.Sprintf("batch: unknown kind %s", v.Kind))
	}
}

// String renders v for diagnostics: explain output, error messages.
func (v Value) String() string {
	if v.Null {
		return "NULL"
	}
	switch v.Kind {
	case Int32:
		return fmt.Sprintf("%d", v.I32)
	case Int64:
		return fmt.Sprintf("%d", v.I64)
	case Float64:
		return fmt.Sprintf("%g", v.F64)
	case Bool:
		return fmt.Sprintf("%t", v.B)
	case Utf8:
		return v.Str
	default:
		return "?"
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}

// Equal reports value equality, treating two nulls as equal (used for join
// and group-by key comparisons; SQL null semantics are intentionally not
// modeled, since no query language sits in front of this engine).
func (v Value) Equal(other Value) bool {
	return v.Kind == other.Kind && v.Compare(other) == 0
}
