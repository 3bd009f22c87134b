package rules

import (
	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/rewrite"
	"github.com/tensorgraph/runtime/rterrors"
)

// ConvAdd fuses a Conv immediately followed by a single-consumer Add of
// a per-channel broadcast initializer into Conv alone: the broadcast is
// added into Conv's bias, synthesizing one if Conv had none, symmetric
// to ConvMul but additive, per spec.md §4.C.
type ConvAdd struct{}

func (ConvAdd) Name() string { return "ConvAddFusion" }

func (ConvAdd) Supports() []rewrite.OpSupport {
	return []rewrite.OpSupport{{OpType: "Add", SinceVersion: 1}}
}

func (ConvAdd) SatisfyCondition(g *graph.Graph, n *graph.Node) bool {
	return convBroadcastPrecondition(g, n)
}

func (ConvAdd) Apply(g *graph.Graph, n *graph.Node) (bool, error) {
	conv, rhsInit, channels, ok := convBroadcastOperands(g, n)
	if !ok {
		return false, rterrors.New(rterrors.Fail, "ConvAddFusion: precondition changed since SatisfyCondition")
	}
	rhsVals, err := rhsInit.FloatsAt()
	if err != nil {
		return false, err
	}
	w, _, _ := convWeight(g, conv)

	if len(conv.Inputs) == 3 {
		biasInit, _ := g.GetInitializedTensor(conv.Inputs[2].Name)
		rawBiasVals, _ := biasInit.FloatsAt()
		biasVals := expandPerChannel(rawBiasVals, channels)
		for c := 0; c < channels; c++ {
			biasVals[c] = broadcastAt(rawBiasVals, c) + broadcastAt(rhsVals, c)
		}
		biasInit.SetFloats(biasVals)
		biasInit.Shape.Dimensions = []int64{int64(channels)}
	} else {
		biasVals := make([]float64, channels)
		for c := 0; c < channels; c++ {
			biasVals[c] = broadcastAt(rhsVals, c)
		}
		newBias := &graph.Initializer{
			Name:  uniqueInitializerName(g, conv.Name+"_fused_bias"),
			Shape: w.Shape.Clone(),
		}
		newBias.Shape.Dimensions = []int64{int64(channels)}
		newBias.SetFloats(biasVals)
		if err := g.AddInitializedTensor(newBias); err != nil {
			return false, err
		}
		conv.Inputs = append(conv.Inputs, &graph.ValueDef{Name: newBias.Name, Type: newBias.Shape})
	}

	g.ReplaceAllUses(n.Outputs[0].Name, conv.Outputs[0])
	if err := g.RemoveNode(n.Index); err != nil {
		return false, err
	}
	removeIfUnused(g, rhsInit.Name)
	return true, nil
}
