package rules

import (
	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/rewrite"
	"github.com/tensorgraph/runtime/rterrors"
	"github.com/tensorgraph/runtime/tensorshape"
)

// foldKernel computes a single output initializer from a node's fully
// materialized initializer inputs. These mirror the reference kernels
// providerapi/cpuref registers for online execution, kept small and
// separate here so the rewriter never depends on the execution package.
type foldKernel func(n *graph.Node, inputs []*graph.Initializer) (*graph.Initializer, error)

var foldKernels = map[string]foldKernel{
	"Add": foldElementwise(func(a, b float64) float64 { return a + b }),
	"Mul": foldElementwise(func(a, b float64) float64 { return a * b }),
	"Sub": foldElementwise(func(a, b float64) float64 { return a - b }),
}

func foldElementwise(op func(a, b float64) float64) foldKernel {
	return func(n *graph.Node, inputs []*graph.Initializer) (*graph.Initializer, error) {
		if len(inputs) != 2 {
			return nil, rterrors.Errorf(rterrors.InvalidArgument, "%s: constant-folding needs exactly 2 inputs", n.OpType)
		}
		a, err := inputs[0].FloatsAt()
		if err != nil {
			return nil, err
		}
		b, err := inputs[1].FloatsAt()
		if err != nil {
			return nil, err
		}
		size := len(a)
		if len(b) > size {
			size = len(b)
		}
		out := make([]float64, size)
		for i := range out {
			out[i] = op(broadcastAt(a, i), broadcastAt(b, i))
		}
		shape := inputs[0].Shape
		if len(b) > len(a) {
			shape = inputs[1].Shape
		}
		result := &graph.Initializer{Name: n.Outputs[0].Name, Shape: tensorshape.Make(shape.DType, shape.Dimensions...)}
		result.SetFloats(out)
		return result, nil
	}
}

// ConstantFold folds any node whose direct inputs are all initializers
// by invoking the matching offline kernel and replacing the node with a
// freshly registered initializer, per spec.md §4.C. The Open Question in
// spec.md §9 about whether folding should propagate through
// shape-changing ops is resolved conservatively: only direct
// all-initializer inputs are folded (see DESIGN.md).
type ConstantFold struct{}

func (ConstantFold) Name() string { return "ConstantFolding" }

// Supports returns no triples: constant-folding is not gated to
// specific op types, only to whether a kernel is registered and every
// input is an initializer.
func (ConstantFold) Supports() []rewrite.OpSupport { return nil }

func (ConstantFold) SatisfyCondition(g *graph.Graph, n *graph.Node) bool {
	if n.OpType == "Constant" || len(n.Inputs) == 0 || len(n.Outputs) != 1 {
		return false
	}
	if _, ok := foldKernels[n.OpType]; !ok {
		return false
	}
	for _, in := range n.Inputs {
		if _, ok := g.GetInitializedTensor(in.Name); !ok {
			return false
		}
	}
	return true
}

func (ConstantFold) Apply(g *graph.Graph, n *graph.Node) (bool, error) {
	kernel := foldKernels[n.OpType]
	inputs := make([]*graph.Initializer, len(n.Inputs))
	for i, in := range n.Inputs {
		init, _ := g.GetInitializedTensor(in.Name)
		inputs[i] = init
	}

	result, err := kernel(n, inputs)
	if err != nil {
		return false, rterrors.Wrapf(rterrors.Fail, err, "constant-folding node %d (%s)", n.Index, n.OpType)
	}

	if err := g.AddInitializedTensor(result); err != nil {
		return false, err
	}
	newDef := &graph.ValueDef{Name: result.Name, Type: result.Shape}
	g.ReplaceAllUses(n.Outputs[0].Name, newDef)
	if err := g.RemoveNode(n.Index); err != nil {
		return false, err
	}

	for _, in := range n.Inputs {
		removeIfUnused(g, in.Name)
	}
	return true, nil
}
