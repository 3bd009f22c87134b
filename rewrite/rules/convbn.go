package rules

import (
	"math"

	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/rewrite"
	"github.com/tensorgraph/runtime/rterrors"
)

const defaultBatchNormEpsilon = 1e-5

// ConvBatchNorm fuses a Conv immediately followed by a single-consumer
// BatchNormalization into Conv alone, using the epsilon-stable closed
// form from spec.md §4.C:
//
//	s = scale / sqrt(var + epsilon)
//	W' = W scaled per output channel by s
//	b' = (b - mean) * s + B      (if Conv already had a bias)
//	b' = B - mean * s            (otherwise, synthesized)
type ConvBatchNorm struct{}

func (ConvBatchNorm) Name() string { return "ConvBatchNormFusion" }

func (ConvBatchNorm) Supports() []rewrite.OpSupport {
	return []rewrite.OpSupport{{OpType: "BatchNormalization", SinceVersion: 1}}
}

func (ConvBatchNorm) SatisfyCondition(g *graph.Graph, n *graph.Node) bool {
	if len(n.Inputs) != 5 || len(n.Outputs) == 0 {
		return false
	}
	conv, ok := convSingleConsumer(g, n)
	if !ok {
		return false
	}
	w, channels, ok := convWeight(g, conv)
	if !ok {
		return false
	}
	for _, in := range n.Inputs[1:] {
		init, ok := g.GetInitializedTensor(in.Name)
		if !ok || init.Shape.DType != w.Shape.DType {
			return false
		}
		if !init.Shape.BroadcastsPerChannel(int64(channels)) {
			return false
		}
	}
	return true
}

func (ConvBatchNorm) Apply(g *graph.Graph, n *graph.Node) (bool, error) {
	conv, ok := convSingleConsumer(g, n)
	if !ok {
		return false, rterrors.New(rterrors.Fail, "ConvBatchNormFusion: precondition changed since SatisfyCondition")
	}
	w, channels, ok := convWeight(g, conv)
	if !ok {
		return false, rterrors.New(rterrors.Fail, "ConvBatchNormFusion: Conv has no weight initializer")
	}

	scaleInit, _ := g.GetInitializedTensor(n.Inputs[1].Name)
	bInit, _ := g.GetInitializedTensor(n.Inputs[2].Name)
	meanInit, _ := g.GetInitializedTensor(n.Inputs[3].Name)
	varInit, _ := g.GetInitializedTensor(n.Inputs[4].Name)

	scaleVals, _ := scaleInit.FloatsAt()
	bVals, _ := bInit.FloatsAt()
	meanVals, _ := meanInit.FloatsAt()
	varVals, _ := varInit.FloatsAt()

	eps := defaultBatchNormEpsilon
	if epsAttr, ok := n.Attr("epsilon"); ok {
		eps = epsAttr.Float
	}

	s := make([]float64, channels)
	for c := 0; c < channels; c++ {
		s[c] = broadcastAt(scaleVals, c) / math.Sqrt(broadcastAt(varVals, c)+eps)
	}

	wVals, err := w.FloatsAt()
	if err != nil {
		return false, err
	}
	scaleWeightPerChannel(wVals, channels, func(c int) float64 { return s[c] })
	w.SetFloats(wVals)

	if len(conv.Inputs) == 3 {
		biasInit, _ := g.GetInitializedTensor(conv.Inputs[2].Name)
		rawBiasVals, _ := biasInit.FloatsAt()
		biasVals := expandPerChannel(rawBiasVals, channels)
		for c := 0; c < channels; c++ {
			biasVals[c] = (broadcastAt(rawBiasVals, c)-broadcastAt(meanVals, c))*s[c] + broadcastAt(bVals, c)
		}
		biasInit.SetFloats(biasVals)
		biasInit.Shape.Dimensions = []int64{int64(channels)}
	} else {
		biasVals := make([]float64, channels)
		for c := 0; c < channels; c++ {
			biasVals[c] = broadcastAt(bVals, c) - broadcastAt(meanVals, c)*s[c]
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
	for _, name := range []string{scaleInit.Name, bInit.Name, meanInit.Name, varInit.Name} {
		removeIfUnused(g, name)
	}
	return true, nil
}
