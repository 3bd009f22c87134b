// Package exec implements the Parallel Executor of spec.md §4.F, §5,
// §8: a ready-queue dataflow scheduler over a fixed worker pool with
// cross-device fences, plus the alternate single-threaded Sequential
// executor over the same interface.
//
// Grounded on backends/simplego/workerspool.go (worker pool with a soft
// parallelism target) and function_exec.go's executeParallel
// (ready-channel + remaining-deps counters + cooperative same-goroutine
// hand-off), adapted to (a) use the providerapi.Fence contract for
// cross-device sync instead of assuming a single shared address space,
// (b) expose a Sequential executor as a second implementation of the
// same Executor interface, and (c) implement the cooperative `terminate`
// cancellation contract of spec.md §5.
package exec

import (
	"sync/atomic"

	"github.com/tensorgraph/runtime/frame"
	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/memplan"
	"github.com/tensorgraph/runtime/providerapi"
	"github.com/tensorgraph/runtime/rterrors"
)

// Request bundles everything one Run needs to execute a rewritten,
// planned graph: the graph itself (for topology), the value-index plan,
// the per-run frame to realize MLValues into, the kernel registry and
// execution provider, and the cooperative cancellation flag.
type Request struct {
	Graph     *graph.Graph
	Plan      *memplan.Plan
	Frame     *frame.ExecutionFrame
	Registry  providerapi.KernelRegistry
	Provider  providerapi.ExecutionProvider
	Terminate *atomic.Bool
}

// Executor runs every node of req.Graph to completion (or aborts on the
// first kernel error or on cancellation), leaving results in req.Frame.
type Executor interface {
	Run(req Request) error
}

// ParallelExecutor is the ready-queue dataflow scheduler of spec.md
// §4.F: PoolSize is the worker pool's soft parallelism target (<=0 means
// hardware-threads/2, per spec.md §6's session_thread_pool_size=0).
type ParallelExecutor struct {
	PoolSize int
}

func (e ParallelExecutor) Run(req Request) error {
	roots := rootNodes(req.Graph)
	s := newScheduler(req.Graph, e.PoolSize, req.Terminate, func(nodeIdx int) error {
		n, ok := req.Graph.NodeByIndex(nodeIdx)
		if !ok {
			return nil
		}
		return executeNode(n, req)
	})
	return s.run(roots)
}

// SequentialExecutor visits nodes in the graph's precomputed topological
// order on the calling goroutine, per spec.md §4.F's "Sequential mode":
// functionally equivalent to ParallelExecutor, used for single-threaded
// sessions or deterministic debugging.
type SequentialExecutor struct{}

func (SequentialExecutor) Run(req Request) error {
	for _, idx := range req.Graph.TopoOrder() {
		if req.Terminate != nil && req.Terminate.Load() {
			return rterrors.New(rterrors.Terminated, "exec: run cancelled")
		}
		n, ok := req.Graph.NodeByIndex(idx)
		if !ok {
			continue
		}
		if err := executeNode(n, req); err != nil {
			return err
		}
	}
	return nil
}

func rootNodes(g *graph.Graph) []int {
	var roots []int
	for _, n := range g.Nodes() {
		if g.InEdgeCount(n.Index) == 0 {
			roots = append(roots, n.Index)
		}
	}
	return roots
}

// executeNode pre-realizes every output MLValue at its statically-known
// shape, runs the fence-before observations, invokes the node's kernel,
// then the fence-after observations, per spec.md §4.F step 2.
func executeNode(n *graph.Node, req Request) error {
	if req.Terminate != nil && req.Terminate.Load() {
		return rterrors.New(rterrors.Terminated, "exec: run cancelled")
	}

	def, ok := req.Registry.Lookup(n)
	if !ok {
		return rterrors.Errorf(rterrors.NotImplemented, "exec: no kernel registered for op %s (domain=%q, since_version=%d)", n.OpType, n.Domain, n.SinceVersion)
	}

	for _, out := range n.Outputs {
		idx, ok := req.Plan.ValueIndex[out.Name]
		if !ok {
			return rterrors.Errorf(rterrors.Fail, "exec: output %q has no plan entry", out.Name)
		}
		if req.Frame.IsCreated(idx) {
			continue
		}
		if _, err := req.Frame.GetOrCreateMLValue(idx, out.Type, out.Type.DType, req.Plan.Locations[idx]); err != nil {
			return err
		}
	}

	var inputFences, outputFences []*fencedTensor
	if req.Provider != nil {
		for _, in := range n.Inputs {
			idx, ok := req.Plan.ValueIndex[in.Name]
			if !ok {
				continue
			}
			mv := req.Frame.GetMLValue(idx)
			if mv == nil || mv.Tensor == nil {
				continue
			}
			inputFences = append(inputFences, &fencedTensor{fence: req.Provider.NewFence(mv.Tensor), device: mv.Tensor.Location.Device})
		}
		for _, out := range n.Outputs {
			idx, ok := req.Plan.ValueIndex[out.Name]
			if !ok {
				continue
			}
			mv := req.Frame.GetMLValue(idx)
			if mv == nil || mv.Tensor == nil {
				continue
			}
			outputFences = append(outputFences, &fencedTensor{fence: req.Provider.NewFence(mv.Tensor), device: mv.Tensor.Location.Device})
		}
	}

	ctx := &kernelContext{node: n, fr: req.Frame, plan: req.Plan, terminate: req.Terminate, registry: req.Registry, provider: req.Provider}
	err := runNodeWithFences(n, req.Provider, inputFences, outputFences, func() error {
		return def.Kernel.Compute(ctx)
	})
	if err != nil {
		return rterrors.Wrapf(rterrors.RuntimeException, err, "executing node %s (%s)", n.Name, n.OpType)
	}
	return nil
}
