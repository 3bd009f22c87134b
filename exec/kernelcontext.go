package exec

import (
	"sync/atomic"

	"github.com/tensorgraph/runtime/frame"
	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/memplan"
	"github.com/tensorgraph/runtime/providerapi"
	"github.com/tensorgraph/runtime/rterrors"
	"github.com/tensorgraph/runtime/tensorshape"
)

// kernelContext implements providerapi.KernelContext over one node's
// execution, binding it to the run's ExecutionFrame and value-index plan
// so a kernel never sees a raw graph.ValueDef name. registry/provider
// are carried through so a control-flow kernel (e.g. If) can recurse
// into a nested Run via RunSubgraph without the providerapi package
// itself depending on exec.
type kernelContext struct {
	node      *graph.Node
	fr        *frame.ExecutionFrame
	plan      *memplan.Plan
	terminate *atomic.Bool
	registry  providerapi.KernelRegistry
	provider  providerapi.ExecutionProvider
}

func (c *kernelContext) Node() *graph.Node { return c.node }

func (c *kernelContext) Input(i int) *frame.MLValue {
	name := c.node.Inputs[i].Name
	idx, ok := c.plan.ValueIndex[name]
	if !ok {
		return nil
	}
	return c.fr.GetMLValue(idx)
}

// Output returns node's i'th output MLValue. The executor pre-realizes
// every output (via ExecutionFrame.GetOrCreateMLValue, using the shape
// already recorded on the node's ValueDef -- this core does no dynamic
// shape inference, per spec.md's Non-goals) before invoking Compute, so
// a kernel writes into an existing buffer rather than racing the
// scheduler's fence-before-output observation against its own creation.
func (c *kernelContext) Output(i int, shape tensorshape.Shape) (*frame.MLValue, error) {
	def := c.node.Outputs[i]
	idx, ok := c.plan.ValueIndex[def.Name]
	if !ok {
		return nil, rterrors.Errorf(rterrors.Fail, "exec: output %q has no plan entry", def.Name)
	}
	if mv := c.fr.GetMLValue(idx); mv != nil {
		return mv, nil
	}
	return nil, rterrors.Errorf(rterrors.Fail, "exec: output %q was not pre-realized before Compute", def.Name)
}

func (c *kernelContext) Attr(name string) (graph.Attribute, bool) {
	return c.node.Attr(name)
}

func (c *kernelContext) Terminated() bool {
	return c.terminate != nil && c.terminate.Load()
}

// Subgraph implements providerapi.KernelContext.
func (c *kernelContext) Subgraph(attrName string) (*graph.Graph, *memplan.Plan, bool) {
	attr, ok := c.node.Attr(attrName)
	if !ok || attr.Kind != graph.AttrGraph || attr.Subgraph == nil {
		return nil, nil, false
	}
	sub, ok := c.plan.Subplans[memplan.SubplanKey{NodeIndex: c.node.Index, Attr: attrName}]
	if !ok {
		return nil, nil, false
	}
	return attr.Subgraph, sub, true
}

// RunSubgraph implements providerapi.KernelContext. The nested run
// always uses SequentialExecutor regardless of the outer Run's executor:
// control-flow bodies in this core's op corpus are small, and running
// them on the calling worker avoids re-entering the parallel scheduler's
// own worker pool from inside one of its workers.
func (c *kernelContext) RunSubgraph(g *graph.Graph, plan *memplan.Plan, implicitInputs map[string]*frame.MLValue) (*frame.ExecutionFrame, error) {
	seed := map[int]*frame.MLValue{}
	for name, idx := range plan.ValueIndex {
		switch {
		case plan.IsInitializer[idx]:
			init, ok := g.GetInitializedTensor(name)
			if !ok {
				continue
			}
			seed[idx] = &frame.MLValue{Kind: frame.TensorKind, Tensor: &frame.Tensor{DType: init.Shape.DType, Shape: init.Shape, Flat: init.Flat}}
		case plan.IsGraphInput[idx]:
			mv, ok := implicitInputs[name]
			if !ok {
				return nil, rterrors.Errorf(rterrors.InvalidArgument, "exec: subgraph missing implicit input %q", name)
			}
			seed[idx] = mv
		}
	}

	fr := frame.New(plan, seed, nil)
	req := Request{Graph: g, Plan: plan, Frame: fr, Registry: c.registry, Provider: c.provider, Terminate: c.terminate}
	if err := (SequentialExecutor{}).Run(req); err != nil {
		return nil, err
	}
	return fr, nil
}
