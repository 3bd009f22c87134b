package rules

import (
	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/rewrite"
)

// Unsqueeze rewrites an initializer's shape in place when Unsqueeze is
// applied directly to it, inserting size-1 dimensions at the attribute
// axes and removing the node, per spec.md §4.C. Run before the
// Conv-fusion rules so per-channel factors look scalar-broadcast
// compatible once unsqueezed.
type Unsqueeze struct{}

func (Unsqueeze) Name() string { return "UnsqueezeElimination" }

func (Unsqueeze) Supports() []rewrite.OpSupport {
	return []rewrite.OpSupport{{OpType: "Unsqueeze", SinceVersion: 1}}
}

func (Unsqueeze) SatisfyCondition(g *graph.Graph, n *graph.Node) bool {
	if len(n.Inputs) != 1 || len(n.Outputs) != 1 {
		return false
	}
	if _, ok := g.GetInitializedTensor(n.Inputs[0].Name); !ok {
		return false
	}
	axesAttr, ok := n.Attr("axes")
	return ok && len(axesAttr.Ints) > 0
}

func (Unsqueeze) Apply(g *graph.Graph, n *graph.Node) (bool, error) {
	init, _ := g.GetInitializedTensor(n.Inputs[0].Name)
	axesAttr, _ := n.Attr("axes")

	newShape := init.Shape.InsertUnitDims(axesAttr.Ints)
	newDef := g.UpdateInitializerShape(init, newShape)

	g.ReplaceAllUses(n.Outputs[0].Name, newDef)
	if err := g.RemoveNode(n.Index); err != nil {
		return false, err
	}
	return true, nil
}
