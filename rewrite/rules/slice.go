package rules

import (
	"math"

	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/rewrite"
)

// Slice eliminates a lone Slice whose starts are all 0 and whose ends
// reach or exceed the axis size (represented as INT64_MAX or a negative
// sentinel meaning "to end"), per spec.md §4.C. Must be single-in,
// single-out.
type Slice struct{}

func (Slice) Name() string { return "SliceElimination" }

func (Slice) Supports() []rewrite.OpSupport {
	return []rewrite.OpSupport{{OpType: "Slice", SinceVersion: 1}}
}

func (Slice) SatisfyCondition(g *graph.Graph, n *graph.Node) bool {
	if len(n.Inputs) != 1 || len(n.Outputs) != 1 {
		return false
	}
	startsAttr, ok := n.Attr("starts")
	if !ok {
		return false
	}
	endsAttr, ok := n.Attr("ends")
	if !ok {
		return false
	}
	if len(startsAttr.Ints) != len(endsAttr.Ints) {
		return false
	}
	shape := n.Inputs[0].Type
	if !shape.Ok() {
		return false
	}
	axesAttr, hasAxes := n.Attr("axes")

	for i, start := range startsAttr.Ints {
		if start != 0 {
			return false
		}
		axis := i
		if hasAxes {
			if i >= len(axesAttr.Ints) {
				return false
			}
			axis = int(axesAttr.Ints[i])
		}
		if axis < 0 || axis >= shape.Rank() {
			return false
		}
		end := endsAttr.Ints[i]
		axisSize := shape.Dimensions[axis]
		if !(end < 0 || end == math.MaxInt64 || end >= axisSize) {
			return false
		}
	}
	return true
}

func (Slice) Apply(g *graph.Graph, n *graph.Node) (bool, error) {
	g.ReplaceAllUses(n.Outputs[0].Name, n.Inputs[0])
	if err := g.RemoveNode(n.Index); err != nil {
		return false, err
	}
	return true, nil
}
