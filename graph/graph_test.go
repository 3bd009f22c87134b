package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensorgraph/runtime/dtype"
	"github.com/tensorgraph/runtime/tensorshape"
)

func scalarF32(name string) *ValueDef {
	return &ValueDef{Name: name, Type: tensorshape.Make(dtype.Float32)}
}

func TestAddNodeAndResolveLinearChain(t *testing.T) {
	g := New("t")
	g.AddInput(scalarF32("x"))

	absOut := scalarF32("abs_out")
	_, err := g.AddNode(&Node{OpType: "Abs", Inputs: []*ValueDef{{Name: "x"}}, Outputs: []*ValueDef{absOut}})
	require.NoError(t, err)

	idOut := scalarF32("id_out")
	_, err = g.AddNode(&Node{OpType: "Identity", Inputs: []*ValueDef{absOut}, Outputs: []*ValueDef{idOut}})
	require.NoError(t, err)

	maxOut := scalarF32("max_out")
	_, err = g.AddNode(&Node{OpType: "Max", Inputs: []*ValueDef{idOut}, Outputs: []*ValueDef{maxOut}})
	require.NoError(t, err)
	g.AddOutput(maxOut)

	require.NoError(t, g.Resolve())
	require.Equal(t, []int{0, 1, 2}, g.TopoOrder())
	require.Equal(t, 1, g.InEdgeCount(1))
	require.Equal(t, 0, g.InEdgeCount(0))
}

func TestResolveDetectsDanglingInput(t *testing.T) {
	g := New("t")
	_, err := g.AddNode(&Node{OpType: "Abs", Inputs: []*ValueDef{{Name: "missing"}}, Outputs: []*ValueDef{scalarF32("out")}})
	require.NoError(t, err)
	err = g.Resolve()
	require.Error(t, err)
}

func TestResolveDetectsCycle(t *testing.T) {
	g := New("t")
	a := scalarF32("a")
	b := scalarF32("b")
	_, err := g.AddNode(&Node{OpType: "Identity", Inputs: []*ValueDef{b}, Outputs: []*ValueDef{a}})
	require.NoError(t, err)
	_, err = g.AddNode(&Node{OpType: "Identity", Inputs: []*ValueDef{a}, Outputs: []*ValueDef{b}})
	require.NoError(t, err)
	err = g.Resolve()
	require.Error(t, err)
}

func TestRemoveNodeAndReplaceAllUses(t *testing.T) {
	g := New("t")
	g.AddInput(scalarF32("x"))
	idOut := scalarF32("id_out")
	_, err := g.AddNode(&Node{OpType: "Identity", Inputs: []*ValueDef{{Name: "x"}}, Outputs: []*ValueDef{idOut}})
	require.NoError(t, err)
	maxOut := scalarF32("max_out")
	_, err = g.AddNode(&Node{OpType: "Max", Inputs: []*ValueDef{idOut}, Outputs: []*ValueDef{maxOut}})
	require.NoError(t, err)
	g.AddOutput(maxOut)
	require.NoError(t, g.Resolve())

	g.ReplaceAllUses("id_out", &ValueDef{Name: "x", Type: tensorshape.Make(dtype.Float32)})
	require.NoError(t, g.RemoveNode(0))
	require.NoError(t, g.Resolve())
	require.Len(t, g.Nodes(), 1)
	require.Equal(t, "Max", g.Nodes()[0].OpType)
	require.Equal(t, "x", g.Nodes()[0].Inputs[0].Name)
}

func TestInitializerRoundTrip(t *testing.T) {
	g := New("t")
	init := &Initializer{Name: "W", Shape: tensorshape.Make(dtype.Float32, 1, 1), Flat: []float32{1.0}}
	require.NoError(t, g.AddInitializedTensor(init))
	got, ok := g.GetInitializedTensor("W")
	require.True(t, ok)
	require.Equal(t, init, got)
	require.NoError(t, g.RemoveInitializedTensor("W"))
	_, ok = g.GetInitializedTensor("W")
	require.False(t, ok)
}
