package graph

import "github.com/tensorgraph/runtime/tensorshape"

// ValueDef (called NodeArg in the source system this core was distilled
// from) is a value-definition: a unique name plus optional type/shape
// metadata. The Graph owns all ValueDefs; every other consumer holds a
// non-owning pointer, per the arena-and-index Design Note in spec.md §9 —
// there is deliberately no back-pointer from a ValueDef to its producer;
// that link is resolved through Graph.ProducerOf instead.
type ValueDef struct {
	Name string
	Type tensorshape.Shape
}

// Node is one operator invocation in the graph: a stable index, an
// operator identity (type/domain/version), ordered input and output
// value-definitions, an attribute bag, and an assigned provider/device.
type Node struct {
	// Index is stable for the lifetime of the graph; it is never reused
	// after RemoveNode tombstones a slot.
	Index int

	Name         string
	OpType       string
	Domain       string
	SinceVersion int64

	Inputs  []*ValueDef
	Outputs []*ValueDef

	Attributes map[string]Attribute

	// Provider and Device record where this node has been assigned to
	// run; the zero value means "unassigned, defaults to CPU".
	Provider string
	Device   int

	alive bool
}

// Attr looks up an attribute by name.
func (n *Node) Attr(name string) (Attribute, bool) {
	a, ok := n.Attributes[name]
	return a, ok
}

// IsAlive reports whether n has not been removed from its graph.
func (n *Node) IsAlive() bool { return n.alive }
