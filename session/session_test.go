package session

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensorgraph/runtime/dtype"
	"github.com/tensorgraph/runtime/frame"
	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/rterrors"
	"github.com/tensorgraph/runtime/tensorshape"
)

func f32(name string, dims ...int64) *graph.ValueDef {
	return &graph.ValueDef{Name: name, Type: tensorshape.Make(dtype.Float32, dims...)}
}

// buildAbsGraph is x -> Abs -> y, the smallest graph that exercises
// Load -> Run end to end against the cpuref provider.
func buildAbsGraph(t *testing.T) *graph.Graph {
	g := graph.New("abs-demo")
	g.AddInput(f32("x", 3))
	y := f32("y", 3)
	_, err := g.AddNode(&graph.Node{OpType: "Abs", Inputs: []*graph.ValueDef{{Name: "x"}}, Outputs: []*graph.ValueDef{y}})
	require.NoError(t, err)
	g.AddOutput(y)
	return g
}

func feedTensor(dims []int64, vals []float32) *frame.Tensor {
	return &frame.Tensor{DType: dtype.Float32, Shape: tensorshape.Make(dtype.Float32, dims...), Flat: vals}
}

func TestLoadThenRunProducesFetch(t *testing.T) {
	s := New()
	require.NoError(t, s.Load(buildAbsGraph(t)))

	feeds := map[string]*frame.Tensor{"x": feedTensor([]int64{3}, []float32{-1, 2, -3})}
	fetches, err := s.Run(feeds, []string{"y"})
	require.NoError(t, err)
	yVals, err := fetches["y"].FloatsAt()
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3}, yVals)
}

func TestLoadTwiceFails(t *testing.T) {
	s := New()
	require.NoError(t, s.Load(buildAbsGraph(t)))
	err := s.Load(buildAbsGraph(t))
	require.Error(t, err)
	require.Equal(t, rterrors.ModelAlreadyLoaded, rterrors.KindOf(err))
}

func TestRunMissingFeedFails(t *testing.T) {
	s := New()
	require.NoError(t, s.Load(buildAbsGraph(t)))
	_, err := s.Run(map[string]*frame.Tensor{}, []string{"y"})
	require.Error(t, err)
	require.Equal(t, rterrors.InvalidArgument, rterrors.KindOf(err))
}

func TestRunUnknownFetchFails(t *testing.T) {
	s := New()
	require.NoError(t, s.Load(buildAbsGraph(t)))
	feeds := map[string]*frame.Tensor{"x": feedTensor([]int64{3}, []float32{1, 2, 3})}
	_, err := s.Run(feeds, []string{"nope"})
	require.Error(t, err)
	require.Equal(t, rterrors.InvalidArgument, rterrors.KindOf(err))
}

func TestSequentialAndParallelAgree(t *testing.T) {
	feeds := map[string]*frame.Tensor{"x": feedTensor([]int64{3}, []float32{-4, 5, -6})}

	seq := New(WithSequential())
	require.NoError(t, seq.Load(buildAbsGraph(t)))
	seqFetches, err := seq.Run(feeds, []string{"y"})
	require.NoError(t, err)

	par := New()
	require.NoError(t, par.Load(buildAbsGraph(t)))
	parFetches, err := par.Run(feeds, []string{"y"})
	require.NoError(t, err)

	seqVals, _ := seqFetches["y"].FloatsAt()
	parVals, _ := parFetches["y"].FloatsAt()
	require.Equal(t, seqVals, parVals)
}

func TestMemPatternCachedAfterFirstRunWithShape(t *testing.T) {
	s := New(WithMemPattern(true))
	require.NoError(t, s.Load(buildAbsGraph(t)))

	feeds := map[string]*frame.Tensor{"x": feedTensor([]int64{3}, []float32{1, -2, 3})}
	_, err := s.Run(feeds, []string{"y"})
	require.NoError(t, err)

	s.mu.Lock()
	numPatterns := len(s.patterns)
	s.mu.Unlock()
	require.Equal(t, 1, numPatterns)

	// A second run with the same shape reuses the cached pattern rather
	// than growing the cache.
	_, err = s.Run(feeds, []string{"y"})
	require.NoError(t, err)
	s.mu.Lock()
	numPatternsAfter := len(s.patterns)
	s.mu.Unlock()
	require.Equal(t, 1, numPatternsAfter)
}

func TestTerminateStopsRunEarly(t *testing.T) {
	s := New()
	require.NoError(t, s.Load(buildAbsGraph(t)))

	terminate := &atomic.Bool{}
	terminate.Store(true)
	feeds := map[string]*frame.Tensor{"x": feedTensor([]int64{3}, []float32{1, 2, 3})}
	_, err := s.Run(feeds, []string{"y"}, WithTerminate(terminate))
	require.Error(t, err)
	require.Equal(t, rterrors.Terminated, rterrors.KindOf(err))
}
