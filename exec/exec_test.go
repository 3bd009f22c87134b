package exec

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensorgraph/runtime/dtype"
	"github.com/tensorgraph/runtime/frame"
	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/memplan"
	"github.com/tensorgraph/runtime/providerapi/cpuref"
	"github.com/tensorgraph/runtime/rterrors"
	"github.com/tensorgraph/runtime/tensorshape"
)

// buildDiamond mirrors memplan's own diamond fixture: in -> {Identity a,
// Identity b} -> Add c, the smallest graph that exercises the
// scheduler's ready-queue fan-out and fan-in.
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

func newDiamondRequest(t *testing.T, terminate *atomic.Bool) (Request, *graph.Graph, *memplan.Plan) {
	t.Helper()
	g := buildDiamond(t)
	plan, err := memplan.Build(g, nil)
	require.NoError(t, err)

	seed, err := frame.SeedFromGraph(plan, map[string]*frame.Tensor{}, map[string]*frame.Tensor{
		"in": {DType: dtype.Float32, Shape: tensorshape.Make(dtype.Float32, 4), Flat: []float32{1, 2, 3, 4}},
	})
	require.NoError(t, err)
	fr := frame.New(plan, seed, nil)

	req := Request{
		Graph:     g,
		Plan:      plan,
		Frame:     fr,
		Registry:  cpuref.NewRegistry(),
		Provider:  cpuref.NewProvider(),
		Terminate: terminate,
	}
	return req, g, plan
}

func fetchC(t *testing.T, req Request) []float64 {
	t.Helper()
	idx := req.Plan.ValueIndex["c_out"]
	mv := req.Frame.GetMLValue(idx)
	require.NotNil(t, mv)
	require.NotNil(t, mv.Tensor)
	vals, err := mv.Tensor.FloatsAt()
	require.NoError(t, err)
	return vals
}

func TestParallelExecutorProducesExpectedSum(t *testing.T) {
	req, _, _ := newDiamondRequest(t, nil)
	require.NoError(t, ParallelExecutor{}.Run(req))
	require.Equal(t, []float64{2, 4, 6, 8}, fetchC(t, req))
}

func TestSequentialExecutorAgreesWithParallel(t *testing.T) {
	seqReq, _, _ := newDiamondRequest(t, nil)
	require.NoError(t, SequentialExecutor{}.Run(seqReq))

	parReq, _, _ := newDiamondRequest(t, nil)
	require.NoError(t, ParallelExecutor{}.Run(parReq))

	require.Equal(t, fetchC(t, seqReq), fetchC(t, parReq))
}

func TestParallelExecutorStopsOnTerminate(t *testing.T) {
	terminate := &atomic.Bool{}
	terminate.Store(true)
	req, _, _ := newDiamondRequest(t, terminate)
	err := ParallelExecutor{}.Run(req)
	require.Error(t, err)
	require.Equal(t, rterrors.Terminated, rterrors.KindOf(err))
}

func TestSequentialExecutorStopsOnTerminate(t *testing.T) {
	terminate := &atomic.Bool{}
	terminate.Store(true)
	req, _, _ := newDiamondRequest(t, terminate)
	err := SequentialExecutor{}.Run(req)
	require.Error(t, err)
	require.Equal(t, rterrors.Terminated, rterrors.KindOf(err))
}

// buildIfGraph builds an outer graph with a single If node carrying two
// nested graphs as AttrGraph attributes: then_branch runs Identity on the
// implicitly-captured outer value "x", else_branch runs Abs on it. Both
// branches declare "x" as their own graph input, the contract RunSubgraph
// uses to bind the outer frame's "x" MLValue into the inner frame without
// the branch needing an explicit node-input wire all the way through.
func buildIfGraph(t *testing.T) *graph.Graph {
	t.Helper()
	shape := tensorshape.Make(dtype.Float32, 2)
	condShape := tensorshape.Make(dtype.Float32, 1)

	thenG := graph.New("then")
	thenG.AddInput(&graph.ValueDef{Name: "x", Type: shape})
	thenY := &graph.ValueDef{Name: "y", Type: shape}
	_, err := thenG.AddNode(&graph.Node{OpType: "Identity", Inputs: []*graph.ValueDef{{Name: "x"}}, Outputs: []*graph.ValueDef{thenY}})
	require.NoError(t, err)
	thenG.AddOutput(thenY)
	require.NoError(t, thenG.Resolve())

	elseG := graph.New("else")
	elseG.AddInput(&graph.ValueDef{Name: "x", Type: shape})
	elseY := &graph.ValueDef{Name: "y", Type: shape}
	_, err = elseG.AddNode(&graph.Node{OpType: "Abs", Inputs: []*graph.ValueDef{{Name: "x"}}, Outputs: []*graph.ValueDef{elseY}})
	require.NoError(t, err)
	elseG.AddOutput(elseY)
	require.NoError(t, elseG.Resolve())

	g := graph.New("if-outer")
	g.AddInput(&graph.ValueDef{Name: "cond", Type: condShape})
	g.AddInput(&graph.ValueDef{Name: "x", Type: shape})
	outY := &graph.ValueDef{Name: "y", Type: shape}
	_, err = g.AddNode(&graph.Node{
		OpType:  "If",
		Inputs:  []*graph.ValueDef{{Name: "cond"}, {Name: "x"}},
		Outputs: []*graph.ValueDef{outY},
		Attributes: map[string]graph.Attribute{
			"then_branch": graph.GraphAttr("then_branch", thenG),
			"else_branch": graph.GraphAttr("else_branch", elseG),
		},
	})
	require.NoError(t, err)
	g.AddOutput(outY)
	require.NoError(t, g.Resolve())
	return g
}

func runIfGraph(t *testing.T, executor Executor, condVal float32, xVals []float32) []float64 {
	t.Helper()
	g := buildIfGraph(t)
	plan, err := memplan.Build(g, nil)
	require.NoError(t, err)
	require.NotEmpty(t, plan.Subplans, "memplan.Build must recurse into the If node's branch attributes")

	seed, err := frame.SeedFromGraph(plan, map[string]*frame.Tensor{}, map[string]*frame.Tensor{
		"cond": {DType: dtype.Float32, Shape: tensorshape.Make(dtype.Float32, 1), Flat: []float32{condVal}},
		"x":    {DType: dtype.Float32, Shape: tensorshape.Make(dtype.Float32, 2), Flat: xVals},
	})
	require.NoError(t, err)
	fr := frame.New(plan, seed, nil)

	req := Request{Graph: g, Plan: plan, Frame: fr, Registry: cpuref.NewRegistry(), Provider: cpuref.NewProvider()}
	require.NoError(t, executor.Run(req))

	idx := plan.ValueIndex["y"]
	mv := fr.GetMLValue(idx)
	require.NotNil(t, mv)
	vals, err := mv.Tensor.FloatsAt()
	require.NoError(t, err)
	return vals
}

func TestIfNodeRunsThenBranchWithImplicitCapture(t *testing.T) {
	vals := runIfGraph(t, SequentialExecutor{}, 1, []float32{-3, 4})
	require.Equal(t, []float64{-3, 4}, vals, "then_branch is Identity: implicit capture passes through unchanged")
}

func TestIfNodeRunsElseBranchWithImplicitCapture(t *testing.T) {
	vals := runIfGraph(t, SequentialExecutor{}, 0, []float32{-3, 4})
	require.Equal(t, []float64{3, 4}, vals, "else_branch is Abs applied to the same implicit capture")
}

func TestIfNodeAlsoRunsUnderParallelExecutor(t *testing.T) {
	vals := runIfGraph(t, ParallelExecutor{}, 1, []float32{-3, 4})
	require.Equal(t, []float64{-3, 4}, vals)
}

func TestUnknownOpProducesNotImplemented(t *testing.T) {
	g := graph.New("unknown-op")
	shape := tensorshape.Make(dtype.Float32, 2)
	g.AddInput(&graph.ValueDef{Name: "in", Type: shape})
	out := &graph.ValueDef{Name: "out", Type: shape}
	_, err := g.AddNode(&graph.Node{OpType: "TotallyMadeUpOp", Inputs: []*graph.ValueDef{{Name: "in"}}, Outputs: []*graph.ValueDef{out}})
	require.NoError(t, err)
	g.AddOutput(out)
	require.NoError(t, g.Resolve())

	plan, err := memplan.Build(g, nil)
	require.NoError(t, err)
	seed, err := frame.SeedFromGraph(plan, map[string]*frame.Tensor{}, map[string]*frame.Tensor{
		"in": {DType: dtype.Float32, Shape: shape, Flat: []float32{1, 2}},
	})
	require.NoError(t, err)
	fr := frame.New(plan, seed, nil)

	req := Request{Graph: g, Plan: plan, Frame: fr, Registry: cpuref.NewRegistry(), Provider: cpuref.NewProvider()}
	err = SequentialExecutor{}.Run(req)
	require.Error(t, err)
	require.Equal(t, rterrors.NotImplemented, rterrors.KindOf(err))
}
