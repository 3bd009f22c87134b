// Package dtype enumerates the numeric element types supported by the
// runtime's initializers and MLValues.
//
// It is a small, purpose-built fork of the ideas in the teacher
// codebase's pkg/core/dtypes package: a closed enum plus converters
// to/from Go native types, without pulling in an XLA-backed runtime,
// since this module's kernels are a reference CPU implementation only.
package dtype

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Type is the closed set of element types this core understands. The
// spec restricts initializers to numeric types; Float16 is carried
// because the teacher's own dtype package treats it as a first-class
// numeric type. The float decoders in graph and frame and the reference
// kernels handle only Float32, Float64, Int32 and Int64 data.
type Type int

const (
	Invalid Type = iota
	Float16
	Float32
	Float64
	Int32
	Int64
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	default:
		return "invalid"
	}
}

// Size returns the size in bytes of one element of this type.
func (t Type) Size() int {
	switch t {
	case Float16:
		return 2
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	default:
		return 0
	}
}

// IsFloat reports whether t is one of the floating point types.
func (t Type) IsFloat() bool {
	return t == Float16 || t == Float32 || t == Float64
}

// GoType returns the reflect.Type of the Go type used to represent a
// single flat element of this dtype (float16.Float16 stands in for the
// 16-bit float, exactly as the teacher's dtypes package uses x448/float16).
func (t Type) GoType() reflect.Type {
	switch t {
	case Float16:
		return reflect.TypeOf(float16.Float16(0))
	case Float32:
		return reflect.TypeOf(float32(0))
	case Float64:
		return reflect.TypeOf(float64(0))
	case Int32:
		return reflect.TypeOf(int32(0))
	case Int64:
		return reflect.TypeOf(int64(0))
	default:
		return nil
	}
}

// FromGoType returns the Type matching a Go native scalar type, or
// Invalid if v's type is not supported.
func FromGoType(v any) Type {
	switch v.(type) {
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case float64:
		return Float64
	case int32:
		return Int32
	case int64:
		return Int64
	default:
		return Invalid
	}
}

// Validate returns an error if t is not one of the supported numeric types.
func Validate(t Type) error {
	switch t {
	case Float16, Float32, Float64, Int32, Int64:
		return nil
	default:
		return errors.Errorf("dtype: unsupported element type %v", t)
	}
}
