package rules

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensorgraph/runtime/dtype"
	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/rewrite"
	"github.com/tensorgraph/runtime/tensorshape"
)

func f32Def(name string, dims ...int64) *graph.ValueDef {
	return &graph.ValueDef{Name: name, Type: tensorshape.Make(dtype.Float32, dims...)}
}

func newEngine() *rewrite.Engine {
	e := rewrite.New(10)
	e.AddGroup("unsqueeze", Unsqueeze{})
	e.AddGroup("fold", ConstantFold{})
	e.AddGroup("identity", Identity{})
	e.AddGroup("slice", Slice{})
	e.AddGroup("conv-bn", ConvBatchNorm{})
	e.AddGroup("conv-mul", ConvMul{})
	e.AddGroup("conv-add", ConvAdd{})
	return e
}

// Abs -> Identity -> Max, per spec.md §8's Identity elimination scenario.
func TestIdentityEliminationScenario(t *testing.T) {
	g := graph.New("t")
	g.AddInput(f32Def("x", 3))
	absOut := f32Def("abs_out", 3)
	_, err := g.AddNode(&graph.Node{OpType: "Abs", Inputs: []*graph.ValueDef{{Name: "x"}}, Outputs: []*graph.ValueDef{absOut}})
	require.NoError(t, err)
	idOut := f32Def("id_out", 3)
	_, err = g.AddNode(&graph.Node{OpType: "Identity", Inputs: []*graph.ValueDef{absOut}, Outputs: []*graph.ValueDef{idOut}})
	require.NoError(t, err)
	maxOut := f32Def("max_out", 3)
	_, err = g.AddNode(&graph.Node{OpType: "Max", Inputs: []*graph.ValueDef{idOut}, Outputs: []*graph.ValueDef{maxOut}})
	require.NoError(t, err)
	g.AddOutput(maxOut)

	res, err := newEngine().Run(g)
	require.NoError(t, err)
	require.False(t, res.ReachedCap)

	for _, n := range g.Nodes() {
		require.NotEqual(t, "Identity", n.OpType)
	}
	require.Len(t, g.Nodes(), 2)
	require.Equal(t, "max_out", g.Outputs()[0].Name)
}

// Slice with starts=[0,0], ends=[MaxInt64,MaxInt64] on a [2,4] input.
func TestSliceEliminationScenario(t *testing.T) {
	g := graph.New("t")
	g.AddInput(f32Def("x", 2, 4))
	out := f32Def("sliced", 2, 4)
	n := &graph.Node{
		OpType:  "Slice",
		Inputs:  []*graph.ValueDef{{Name: "x", Type: tensorshape.Make(dtype.Float32, 2, 4)}},
		Outputs: []*graph.ValueDef{out},
		Attributes: map[string]graph.Attribute{
			"starts": graph.IntsAttr("starts", []int64{0, 0}),
			"ends":   graph.IntsAttr("ends", []int64{math.MaxInt64, math.MaxInt64}),
			"axes":   graph.IntsAttr("axes", []int64{0, 1}),
		},
	}
	_, err := g.AddNode(n)
	require.NoError(t, err)
	g.AddOutput(out)

	_, err = newEngine().Run(g)
	require.NoError(t, err)
	for _, n := range g.Nodes() {
		require.NotEqual(t, "Slice", n.OpType)
	}
	require.Equal(t, "x", g.Outputs()[0].Name)
}

// 1x1 Conv (W=[[1.0]], no bias) followed by BatchNormalization
// (scale=2, B=1, mean=0, var=3, epsilon=1e-5), per spec.md §8. An Abs
// consumes the BatchNormalization output so that output is not itself a
// graph output, which the fusion precondition forbids.
func TestConvBatchNormFusionScenario(t *testing.T) {
	g := graph.New("t")
	g.AddInput(f32Def("x", 1, 1, 1, 1))

	require.NoError(t, g.AddInitializedTensor(&graph.Initializer{Name: "W", Shape: tensorshape.Make(dtype.Float32, 1, 1, 1, 1), Flat: []float32{1.0}}))
	require.NoError(t, g.AddInitializedTensor(&graph.Initializer{Name: "scale", Shape: tensorshape.Make(dtype.Float32, 1), Flat: []float32{2.0}}))
	require.NoError(t, g.AddInitializedTensor(&graph.Initializer{Name: "B", Shape: tensorshape.Make(dtype.Float32, 1), Flat: []float32{1.0}}))
	require.NoError(t, g.AddInitializedTensor(&graph.Initializer{Name: "mean", Shape: tensorshape.Make(dtype.Float32, 1), Flat: []float32{0.0}}))
	require.NoError(t, g.AddInitializedTensor(&graph.Initializer{Name: "var", Shape: tensorshape.Make(dtype.Float32, 1), Flat: []float32{3.0}}))

	convOut := f32Def("conv_out", 1, 1, 1, 1)
	_, err := g.AddNode(&graph.Node{
		OpType:  "Conv",
		Inputs:  []*graph.ValueDef{{Name: "x"}, {Name: "W"}},
		Outputs: []*graph.ValueDef{convOut},
	})
	require.NoError(t, err)

	bnOut := f32Def("bn_out", 1, 1, 1, 1)
	_, err = g.AddNode(&graph.Node{
		OpType:  "BatchNormalization",
		Inputs:  []*graph.ValueDef{convOut, {Name: "scale"}, {Name: "B"}, {Name: "mean"}, {Name: "var"}},
		Outputs: []*graph.ValueDef{bnOut},
		Attributes: map[string]graph.Attribute{
			"epsilon": graph.FloatAttr("epsilon", 1e-5),
		},
	})
	require.NoError(t, err)
	y := f32Def("y", 1, 1, 1, 1)
	_, err = g.AddNode(&graph.Node{
		OpType:  "Abs",
		Inputs:  []*graph.ValueDef{bnOut},
		Outputs: []*graph.ValueDef{y},
	})
	require.NoError(t, err)
	g.AddOutput(y)

	_, err = newEngine().Run(g)
	require.NoError(t, err)

	nodes := g.Nodes()
	require.Len(t, nodes, 2)
	require.Equal(t, "Conv", nodes[0].OpType)
	require.Len(t, nodes[0].Inputs, 3, "fusion must synthesize a bias")

	w, ok := g.GetInitializedTensor("W")
	require.True(t, ok)
	wVals, _ := w.FloatsAt()
	require.InDelta(t, 1.15470, wVals[0], 1e-4)

	biasName := nodes[0].Inputs[2].Name
	bias, ok := g.GetInitializedTensor(biasName)
	require.True(t, ok)
	biasVals, _ := bias.FloatsAt()
	require.InDelta(t, 1.0, biasVals[0], 1e-4)

	require.Equal(t, "conv_out", nodes[1].Inputs[0].Name)
}

func TestReverseSequenceContract(t *testing.T) {
	// shape [4,5,2], seq_lengths=[1,3,5,4], batch_axis=0, seq_axis=1.
	dims := []int64{4, 5, 2}
	total := int64(4 * 5 * 2)
	flat := make([]float64, total)
	for i := range flat {
		flat[i] = float64(i)
	}
	seqLengths := []int64{1, 3, 5, 4}

	out, err := ReverseSequence(flat, dims, seqLengths, 0, 1)
	require.NoError(t, err)

	strides := rowMajorStrides(dims)
	at := func(b, s, c int64) float64 { return out[ravel([]int64{b, s, c}, strides)] }
	original := func(b, s, c int64) float64 { return flat[ravel([]int64{b, s, c}, strides)] }

	// batch 0: seqLen=1, position 0 reversed onto itself, rest untouched.
	require.Equal(t, original(0, 0, 0), at(0, 0, 0))
	require.Equal(t, original(0, 3, 0), at(0, 3, 0))

	// batch 1: seqLen=3, positions 0..2 reversed, positions 3,4 untouched.
	require.Equal(t, original(1, 2, 0), at(1, 0, 0))
	require.Equal(t, original(1, 0, 0), at(1, 2, 0))
	require.Equal(t, original(1, 3, 0), at(1, 3, 0))
	require.Equal(t, original(1, 4, 0), at(1, 4, 0))

	// batch 3: seqLen=4, positions 0..3 reversed, position 4 untouched.
	require.Equal(t, original(3, 3, 1), at(3, 0, 1))
	require.Equal(t, original(3, 4, 1), at(3, 4, 1))
}
