package rules

import (
	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/rewrite"
)

// Identity eliminates a lone Identity node by rewiring every consumer of
// its output to read its input directly. Safe unconditionally, per
// spec.md §4.C.
type Identity struct{}

func (Identity) Name() string { return "IdentityElimination" }

func (Identity) Supports() []rewrite.OpSupport {
	return []rewrite.OpSupport{{OpType: "Identity", SinceVersion: 1}}
}

func (Identity) SatisfyCondition(g *graph.Graph, n *graph.Node) bool {
	return len(n.Inputs) == 1 && len(n.Outputs) == 1
}

func (Identity) Apply(g *graph.Graph, n *graph.Node) (bool, error) {
	g.ReplaceAllUses(n.Outputs[0].Name, n.Inputs[0])
	if err := g.RemoveNode(n.Index); err != nil {
		return false, err
	}
	return true, nil
}
