package memplan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensorgraph/runtime/dtype"
	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/tensorshape"
)

func buildDiamond(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New("diamond")
	shape := tensorshape.Make(dtype.Float32, 4)
	g.AddInput(&graph.ValueDef{Name: "in", Type: shape})

	aOut := &graph.ValueDef{Name: "a_out", Type: shape}
	_, err := g.AddNode(&graph.Node{OpType: "Identity", Inputs: []*graph.ValueDef{{Name: "in"}}, Outputs: []*graph.ValueDef{aOut}})
	require.NoError(t, err)
	bOut := &graph.ValueDef{Name: "b_out", Type: shape}
	_, err = g.AddNode(&graph.Node{OpType: "Identity", Inputs: []*graph.ValueDef{{Name: "in"}}, Outputs: []*graph.ValueDef{bOut}})
	require.NoError(t, err)
	cOut := &graph.ValueDef{Name: "c_out", Type: shape}
	_, err = g.AddNode(&graph.Node{OpType: "Add", Inputs: []*graph.ValueDef{aOut, bOut}, Outputs: []*graph.ValueDef{cOut}})
	require.NoError(t, err)
	g.AddOutput(cOut)
	require.NoError(t, g.Resolve())
	return g
}

func TestBuildAssignsDenseIndicesAndLifetimes(t *testing.T) {
	g := buildDiamond(t)
	plan, err := Build(g, nil)
	require.NoError(t, err)

	require.Contains(t, plan.ValueIndex, "in")
	require.Contains(t, plan.ValueIndex, "a_out")
	require.Contains(t, plan.ValueIndex, "b_out")
	require.Contains(t, plan.ValueIndex, "c_out")

	cIdx := plan.ValueIndex["c_out"]
	require.Equal(t, 2, plan.Lifetimes[cIdx].FirstUse)
	require.Equal(t, 2, plan.Lifetimes[cIdx].LastUse, "graph output extended to the last node position")
}

func buildChain(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New("chain")
	shape := tensorshape.Make(dtype.Float32, 4)
	g.AddInput(&graph.ValueDef{Name: "in", Type: shape})

	aOut := &graph.ValueDef{Name: "a_out", Type: shape}
	_, err := g.AddNode(&graph.Node{OpType: "Identity", Inputs: []*graph.ValueDef{{Name: "in"}}, Outputs: []*graph.ValueDef{aOut}})
	require.NoError(t, err)
	bOut := &graph.ValueDef{Name: "b_out", Type: shape}
	_, err = g.AddNode(&graph.Node{OpType: "Identity", Inputs: []*graph.ValueDef{aOut}, Outputs: []*graph.ValueDef{bOut}})
	require.NoError(t, err)
	cOut := &graph.ValueDef{Name: "c_out", Type: shape}
	_, err = g.AddNode(&graph.Node{OpType: "Identity", Inputs: []*graph.ValueDef{bOut}, Outputs: []*graph.ValueDef{cOut}})
	require.NoError(t, err)
	g.AddOutput(cOut)
	require.NoError(t, g.Resolve())
	return g
}

func TestComputePatternReusesFreedSpaceAcrossAChain(t *testing.T) {
	g := buildChain(t)
	plan, err := Build(g, nil)
	require.NoError(t, err)

	pat := plan.ComputePattern(func(idx int) int64 { return 16 })

	aIdx, bIdx := plan.ValueIndex["a_out"], plan.ValueIndex["b_out"]
	require.NotEqual(t, pat.Offset[aIdx], pat.Offset[bIdx], "a_out and b_out are simultaneously live and must not overlap")

	// a_out's last use is the node that produces b_out; once that node
	// completes, a_out's slot is free for c_out to reuse instead of
	// growing the arena to 48 bytes.
	require.Equal(t, int64(32), pat.DeviceTotalSize[0])
}

func TestComputePatternKeepsConcurrentValuesDisjoint(t *testing.T) {
	g := buildDiamond(t)
	plan, err := Build(g, nil)
	require.NoError(t, err)

	pat := plan.ComputePattern(func(idx int) int64 { return 16 })
	aIdx, bIdx := plan.ValueIndex["a_out"], plan.ValueIndex["b_out"]
	require.NotEqual(t, pat.Offset[aIdx], pat.Offset[bIdx])
	require.Equal(t, int64(48), pat.DeviceTotalSize[0], "a_out, b_out and c_out are all live at the Add node and cannot alias")
}
