package graph

import (
	"github.com/tensorgraph/runtime/dtype"
	"github.com/tensorgraph/runtime/tensorshape"
)

// Initializer is a constant tensor addressable by name. The graph
// mediates all mutation: rewrite rules go through Graph.AddInitializedTensor
// / Graph.RemoveInitializedTensor rather than mutating a shared map
// directly, so the graph can keep its ValueDef bookkeeping consistent.
type Initializer struct {
	Name  string
	Shape tensorshape.Shape

	// Flat holds the tensor data as a flat Go slice whose element type
	// matches Shape.DType.GoType(); e.g. []float32 for dtype.Float32.
	Flat any
}

// FloatsAt returns the initializer's data as []float64 regardless of its
// stored element width, for use by rules and reference kernels that only
// need to reason about values (e.g. the Conv⊕BatchNormalization closed
// form). It is a decode, not a view: callers must not mutate the result
// and expect it reflected back.
func (init *Initializer) FloatsAt() ([]float64, error) {
	switch v := init.Flat.(type) {
	case []float32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []float64:
		out := make([]float64, len(v))
		copy(out, v)
		return out, nil
	case []int32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []int64:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	default:
		return nil, dtype.Validate(init.Shape.DType)
	}
}

// SetFloats writes back a []float64 into an initializer whose native
// storage type may be narrower, converting element-wise; used by the
// Conv-fusion rules to rewrite W/bias in place after computing new
// values in float64.
func (init *Initializer) SetFloats(vals []float64) {
	switch init.Shape.DType {
	case dtype.Float32:
		out := make([]float32, len(vals))
		for i, x := range vals {
			out[i] = float32(x)
		}
		init.Flat = out
	case dtype.Float64:
		out := make([]float64, len(vals))
		copy(out, vals)
		init.Flat = out
	case dtype.Int32:
		out := make([]int32, len(vals))
		for i, x := range vals {
			out[i] = int32(x)
		}
		init.Flat = out
	case dtype.Int64:
		out := make([]int64, len(vals))
		for i, x := range vals {
			out[i] = int64(x)
		}
		init.Flat = out
	}
}

// Clone returns a deep copy of the initializer.
func (init *Initializer) Clone() *Initializer {
	clone := &Initializer{Name: init.Name, Shape: init.Shape.Clone()}
	if vals, err := init.FloatsAt(); err == nil {
		clone.SetFloats(vals)
	}
	return clone
}
