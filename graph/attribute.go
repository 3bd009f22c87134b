package graph

import "github.com/tensorgraph/runtime/tensorshape"

// AttributeKind is the closed set of value shapes an Attribute can carry,
// modeled on the teacher's closed-enum-over-op-kinds pattern
// (backends/optype.go) rather than an open interface hierarchy.
type AttributeKind int

const (
	AttrInt AttributeKind = iota
	AttrInts
	AttrFloat
	AttrFloats
	AttrString
	AttrStrings
	AttrTensor
	AttrGraph
)

// Attribute is a typed value in a Node's attribute bag. Exactly one of
// the fields matching Kind is meaningful.
type Attribute struct {
	Name string
	Kind AttributeKind

	Int     int64
	Ints    []int64
	Float   float64
	Floats  []float64
	Str     string
	Strs    []string
	Tensor  *Initializer
	Subgraph *Graph
}

// Int64Attr / IntsAttr / etc. are small constructors for building a
// node's attribute bag. Constant-folding stores its folded value as a
// new initializer, not as a tensor attribute.

func Int64Attr(name string, v int64) Attribute {
	return Attribute{Name: name, Kind: AttrInt, Int: v}
}

func IntsAttr(name string, v []int64) Attribute {
	return Attribute{Name: name, Kind: AttrInts, Ints: v}
}

func FloatAttr(name string, v float64) Attribute {
	return Attribute{Name: name, Kind: AttrFloat, Float: v}
}

func FloatsAttr(name string, v []float64) Attribute {
	return Attribute{Name: name, Kind: AttrFloats, Floats: v}
}

func StringAttr(name string, v string) Attribute {
	return Attribute{Name: name, Kind: AttrString, Str: v}
}

func TensorAttr(name string, v *Initializer) Attribute {
	return Attribute{Name: name, Kind: AttrTensor, Tensor: v}
}

func GraphAttr(name string, v *Graph) Attribute {
	return Attribute{Name: name, Kind: AttrGraph, Subgraph: v}
}

// Shape is a convenience accessor used by rules that need to know the
// declared shape of a tensor attribute.
func (a Attribute) Shape() tensorshape.Shape {
	if a.Kind != AttrTensor || a.Tensor == nil {
		return tensorshape.Shape{}
	}
	return a.Tensor.Shape
}
