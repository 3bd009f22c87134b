package rules

import (
	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/rewrite"
	"github.com/tensorgraph/runtime/rterrors"
)

// ConvMul fuses a Conv immediately followed by a single-consumer Mul by
// a per-channel broadcast initializer into Conv alone: W and (if
// present) the bias are multiplied by the same per-channel factor, per
// spec.md §4.C.
type ConvMul struct{}

func (ConvMul) Name() string { return "ConvMulFusion" }

func (ConvMul) Supports() []rewrite.OpSupport {
	return []rewrite.OpSupport{{OpType: "Mul", SinceVersion: 1}}
}

func (ConvMul) SatisfyCondition(g *graph.Graph, n *graph.Node) bool {
	return convBroadcastPrecondition(g, n)
}

func (ConvMul) Apply(g *graph.Graph, n *graph.Node) (bool, error) {
	conv, rhsInit, channels, ok := convBroadcastOperands(g, n)
	if !ok {
		return false, rterrors.New(rterrors.Fail, "ConvMulFusion: precondition changed since SatisfyCondition")
	}
	rhsVals, err := rhsInit.FloatsAt()
	if err != nil {
		return false, err
	}

	w, _, _ := convWeight(g, conv)
	wVals, err := w.FloatsAt()
	if err != nil {
		return false, err
	}
	scaleWeightPerChannel(wVals, channels, func(c int) float64 { return broadcastAt(rhsVals, c) })
	w.SetFloats(wVals)

	if len(conv.Inputs) == 3 {
		biasInit, _ := g.GetInitializedTensor(conv.Inputs[2].Name)
		rawBiasVals, _ := biasInit.FloatsAt()
		biasVals := expandPerChannel(rawBiasVals, channels)
		for c := 0; c < channels; c++ {
			biasVals[c] = broadcastAt(rawBiasVals, c) * broadcastAt(rhsVals, c)
		}
		biasInit.SetFloats(biasVals)
		biasInit.Shape.Dimensions = []int64{int64(channels)}
	}

	g.ReplaceAllUses(n.Outputs[0].Name, conv.Outputs[0])
	if err := g.RemoveNode(n.Index); err != nil {
		return false, err
	}
	removeIfUnused(g, rhsInit.Name)
	return true, nil
}

// convBroadcastPrecondition is the shared SatisfyCondition body for
// ConvMul and ConvAdd: Conv's single consumer is this node, its output
// is not a graph output, and its right-hand operand (Inputs[1]) is an
// initializer that either is a scalar or matches Conv's weight's
// output-channel dimension with size 1 elsewhere.
func convBroadcastPrecondition(g *graph.Graph, n *graph.Node) bool {
	_, _, _, ok := convBroadcastOperands(g, n)
	return ok
}

func convBroadcastOperands(g *graph.Graph, n *graph.Node) (*graph.Node, *graph.Initializer, int, bool) {
	if len(n.Inputs) != 2 || len(n.Outputs) == 0 {
		return nil, nil, 0, false
	}
	conv, ok := convSingleConsumer(g, n)
	if !ok {
		return nil, nil, 0, false
	}
	w, channels, ok := convWeight(g, conv)
	if !ok {
		return nil, nil, 0, false
	}
	rhs, ok := g.GetInitializedTensor(n.Inputs[1].Name)
	if !ok || rhs.Shape.DType != w.Shape.DType {
		return nil, nil, 0, false
	}
	if !rhs.Shape.BroadcastsPerChannel(int64(channels)) {
		return nil, nil, 0, false
	}
	return conv, rhs, channels, true
}
