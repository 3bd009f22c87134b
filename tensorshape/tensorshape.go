// Package tensorshape carries the (dtype, dimensions) pair attached to
// value-definitions and MLValues, and the broadcast-compatibility check
// the Conv-fusion rewrite rules need.
//
// Grounded on the teacher's pkg/core/shapes package, trimmed to the
// static-rank, static-dtype subset this core's rewriter and executor
// actually consume (no dynamic shape inference, per spec.md's Non-goals).
package tensorshape

import (
	"fmt"
	"strings"

	"github.com/tensorgraph/runtime/dtype"
)

// Shape is a value type: an element dtype plus a list of dimensions.
// A nil Dimensions with a valid DType denotes a scalar.
type Shape struct {
	DType      dtype.Type
	Dimensions []int64
}

// Make constructs a Shape.
func Make(t dtype.Type, dims ...int64) Shape {
	return Shape{DType: t, Dimensions: dims}
}

// Ok reports whether the shape carries a valid element type.
func (s Shape) Ok() bool {
	return s.DType != dtype.Invalid
}

// Rank returns the number of dimensions; 0 for a scalar.
func (s Shape) Rank() int {
	return len(s.Dimensions)
}

// IsScalar reports whether s has rank 0.
func (s Shape) IsScalar() bool {
	return len(s.Dimensions) == 0
}

// Size returns the total number of elements.
func (s Shape) Size() int64 {
	size := int64(1)
	for _, d := range s.Dimensions {
		size *= d
	}
	return size
}

// Clone returns a deep copy of s.
func (s Shape) Clone() Shape {
	dims := make([]int64, len(s.Dimensions))
	copy(dims, s.Dimensions)
	return Shape{DType: s.DType, Dimensions: dims}
}

// Equal reports whether two shapes have the same dtype and dimensions.
func (s Shape) Equal(o Shape) bool {
	if s.DType != o.DType || len(s.Dimensions) != len(o.Dimensions) {
		return false
	}
	for i, d := range s.Dimensions {
		if d != o.Dimensions[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s.Dimensions))
	for i, d := range s.Dimensions {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return fmt.Sprintf("%s[%s]", s.DType, strings.Join(parts, ","))
}

// BroadcastsPerChannel reports whether rhs is a valid per-channel
// broadcast operand against a weight tensor whose output-channel axis
// has size channelSize: rhs is either a scalar, or every axis has size
// 1 except at most one, which has size channelSize. This is the
// broadcast precondition shared by the Conv-BatchNormalization,
// Conv-Mul and Conv-Add fusion rules.
func (s Shape) BroadcastsPerChannel(channelSize int64) bool {
	if s.IsScalar() {
		return true
	}
	sawChannel := false
	for _, d := range s.Dimensions {
		switch {
		case d == 1:
			continue
		case d == channelSize && !sawChannel:
			sawChannel = true
		default:
			return false
		}
	}
	return true
}

// InsertUnitDims returns a copy of s with a size-1 dimension inserted at
// each of the given axes (already sorted ascending), used by the
// Unsqueeze-on-initializer elimination rule.
func (s Shape) InsertUnitDims(axes []int64) Shape {
	out := make([]int64, 0, len(s.Dimensions)+len(axes))
	axisSet := make(map[int64]bool, len(axes))
	for _, a := range axes {
		axisSet[a] = true
	}
	srcIdx := 0
	for i := 0; i < len(s.Dimensions)+len(axes); i++ {
		if axisSet[int64(i)] {
			out = append(out, 1)
			continue
		}
		out = append(out, s.Dimensions[srcIdx])
		srcIdx++
	}
	return Shape{DType: s.DType, Dimensions: out}
}
