// Package rules holds the concrete, semantics-preserving transforms of
// spec.md §4.C: Conv⊕BatchNormalization, Conv⊕Mul, Conv⊕Add fusion,
// Identity elimination, Slice elimination, constant-folding and
// Unsqueeze-on-initializer elimination.
//
// Grounded on the teacher's arithmetic-simplification style (values
// decoded to float64, transformed, re-encoded into the initializer's
// native width) seen throughout backends/simplego's per-dtype exec_*
// files, adapted from a runtime kernel into an offline graph mutation.
package rules

import (
	"fmt"

	"github.com/tensorgraph/runtime/graph"
)

// broadcastAt reads the c'th per-channel value from vals, which may be
// a length-1 scalar broadcast or a full per-channel vector -- the two
// shapes the Conv-fusion preconditions in spec.md §4.C allow.
func broadcastAt(vals []float64, c int) float64 {
	if len(vals) == 1 {
		return vals[0]
	}
	return vals[c]
}

// convSingleConsumer returns the Conv node producing x's first input,
// provided that Conv has exactly one consumer (x itself) and x's own
// output is not a graph output -- the precondition every Conv-fusion
// rule in spec.md §4.C shares.
func convSingleConsumer(g *graph.Graph, x *graph.Node) (*graph.Node, bool) {
	if len(x.Inputs) == 0 {
		return nil, false
	}
	if g.IsGraphOutput(x.Outputs[0].Name) {
		return nil, false
	}
	convIdx, ok := g.ProducerOf(x.Inputs[0].Name)
	if !ok {
		return nil, false
	}
	conv, ok := g.NodeByIndex(convIdx)
	if !ok || conv.OpType != "Conv" {
		return nil, false
	}
	if len(conv.Outputs) == 0 {
		return nil, false
	}
	consumers := g.Consumers(conv.Outputs[0].Name)
	if len(consumers) != 1 || consumers[0] != x.Index {
		return nil, false
	}
	return conv, true
}

// convWeight returns the Conv node's weight initializer and its
// output-channel count (weight's leading dimension, the ONNX Conv
// convention [outC, inC, kH, kW, ...]).
func convWeight(g *graph.Graph, conv *graph.Node) (*graph.Initializer, int, bool) {
	if len(conv.Inputs) < 2 {
		return nil, 0, false
	}
	w, ok := g.GetInitializedTensor(conv.Inputs[1].Name)
	if !ok || w.Shape.Rank() == 0 {
		return nil, 0, false
	}
	return w, int(w.Shape.Dimensions[0]), true
}

// scaleWeightPerChannel multiplies each output channel of a
// [C, ...] row-major flat weight tensor by the matching factor.
func scaleWeightPerChannel(wVals []float64, channels int, factor func(c int) float64) {
	if channels == 0 {
		return
	}
	perChannel := len(wVals) / channels
	for c := 0; c < channels; c++ {
		f := factor(c)
		for i := 0; i < perChannel; i++ {
			wVals[c*perChannel+i] *= f
		}
	}
}

// expandPerChannel widens vals to exactly channels elements, broadcasting
// a scalar if necessary. Used before a fusion rule writes vals[c] for
// every channel, since a Conv's own optional bias is only guaranteed to
// broadcast (scalar or full [channels]), not to already be [channels]
// like the BatchNormalization/Mul/Add operand the fusion is folding in.
func expandPerChannel(vals []float64, channels int) []float64 {
	if len(vals) == channels {
		return vals
	}
	out := make([]float64, channels)
	for c := range out {
		out[c] = broadcastAt(vals, c)
	}
	return out
}

// removeIfUnused drops an initializer that no live node still references,
// used after a fusion rule consumes an initializer's last consumer.
func removeIfUnused(g *graph.Graph, name string) {
	if len(g.Consumers(name)) == 0 {
		_ = g.RemoveInitializedTensor(name)
	}
}

// uniqueInitializerName returns a name derived from base that is not
// already used by an initializer in g, used when a fusion rule
// synthesizes a fresh bias tensor (e.g. Conv had no bias before fusing
// with BatchNormalization).
func uniqueInitializerName(g *graph.Graph, base string) string {
	name := base
	for i := 1; ; i++ {
		if _, exists := g.GetInitializedTensor(name); !exists {
			return name
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
}
