// Package cpuref is the minimal in-memory CPU reference implementation
// of providerapi.ExecutionProvider / providerapi.KernelRegistry that
// spec.md §1 keeps external in principle but that this repo carries as
// a demo/test collaborator -- the same role backends/simplego plays for
// the teacher's own frontend: a real, if simple, implementation so the
// rewriter/planner/executor stack is exercisable end to end.
//
// It covers exactly the ops the rule/test corpus of spec.md §8 needs
// (Abs, Identity, Max, Slice, Conv, BatchNormalization, Mul, Add,
// Unsqueeze, ReverseSequence) plus the Sub and Div elementwise ops and
// If, grounded on the reference-kernel style of
// backends/simplego's per-op exec_*.go files (decode inputs to a
// canonical width, compute, write into the pre-allocated output); for
// Conv, the im2col-plus-matmul technique in
// tsawler-go-nngpu/gpu/matrix/conv-gonum-compat.go; and for If, the
// nested-plan/nested-frame recursion of spec.md §4.G's subgraph handling.
package cpuref

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/tensorgraph/runtime/frame"
	"github.com/tensorgraph/runtime/providerapi"
	"github.com/tensorgraph/runtime/rewrite/rules"
	"github.com/tensorgraph/runtime/rterrors"
)

func inputFloats(ctx providerapi.KernelContext, i int) ([]float64, *frame.Tensor, error) {
	mv := ctx.Input(i)
	if mv == nil || mv.Tensor == nil {
		return nil, nil, rterrors.Errorf(rterrors.InvalidArgument, "%s: input %d not available", ctx.Node().OpType, i)
	}
	vals, err := mv.Tensor.FloatsAt()
	return vals, mv.Tensor, err
}

func outputTensor(ctx providerapi.KernelContext, i int) (*frame.Tensor, error) {
	def := ctx.Node().Outputs[i]
	mv, err := ctx.Output(i, def.Type)
	if err != nil {
		return nil, err
	}
	return mv.Tensor, nil
}

// absKernel implements ONNX Abs.
type absKernel struct{}

func (absKernel) Compute(ctx providerapi.KernelContext) error {
	in, _, err := inputFloats(ctx, 0)
	if err != nil {
		return err
	}
	out, err := outputTensor(ctx, 0)
	if err != nil {
		return err
	}
	vals := make([]float64, len(in))
	for i, x := range in {
		vals[i] = math.Abs(x)
	}
	return out.WriteFloats(vals)
}

// identityKernel implements ONNX Identity (copy-through).
type identityKernel struct{}

func (identityKernel) Compute(ctx providerapi.KernelContext) error {
	in, _, err := inputFloats(ctx, 0)
	if err != nil {
		return err
	}
	out, err := outputTensor(ctx, 0)
	if err != nil {
		return err
	}
	return out.WriteFloats(in)
}

// maxKernel implements ONNX Max: elementwise maximum across every input.
// The output has the first input's length; a later input of length 1 is
// broadcast against it, but a length-1 first input is not widened.
type maxKernel struct{}

func (maxKernel) Compute(ctx providerapi.KernelContext) error {
	n := ctx.Node()
	if len(n.Inputs) == 0 {
		return rterrors.New(rterrors.InvalidArgument, "Max: needs at least one input")
	}
	first, _, err := inputFloats(ctx, 0)
	if err != nil {
		return err
	}
	size := len(first)
	acc := make([]float64, size)
	copy(acc, first)
	for i := 1; i < len(n.Inputs); i++ {
		vals, _, err := inputFloats(ctx, i)
		if err != nil {
			return err
		}
		for j := range acc {
			acc[j] = math.Max(acc[j], broadcastAt(vals, j))
		}
	}
	out, err := outputTensor(ctx, 0)
	if err != nil {
		return err
	}
	return out.WriteFloats(acc)
}

func broadcastAt(vals []float64, i int) float64 {
	if len(vals) == 1 {
		return vals[0]
	}
	return vals[i]
}

func elementwiseKernel(op func(a, b float64) float64) providerapi.Kernel {
	return elementwise{op}
}

type elementwise struct {
	op func(a, b float64) float64
}

func (e elementwise) Compute(ctx providerapi.KernelContext) error {
	a, _, err := inputFloats(ctx, 0)
	if err != nil {
		return err
	}
	b, _, err := inputFloats(ctx, 1)
	if err != nil {
		return err
	}
	size := len(a)
	if len(b) > size {
		size = len(b)
	}
	out := make([]float64, size)
	for i := range out {
		out[i] = e.op(broadcastAt(a, i), broadcastAt(b, i))
	}
	dst, err := outputTensor(ctx, 0)
	if err != nil {
		return err
	}
	return dst.WriteFloats(out)
}

// sliceKernel implements a restricted ONNX Slice: starts/ends/axes ints
// attributes, step implicitly 1 -- the reference corpus (spec.md §8)
// only exercises the no-op bounds case, which the rewriter eliminates
// before execution, but a real Slice can still reach this kernel for
// graphs the rewriter's preconditions don't cover.
type sliceKernel struct{}

func (sliceKernel) Compute(ctx providerapi.KernelContext) error {
	n := ctx.Node()
	in := ctx.Input(0)
	if in == nil || in.Tensor == nil {
		return rterrors.New(rterrors.InvalidArgument, "Slice: input not available")
	}
	dims := in.Tensor.Shape.Dimensions
	startsAttr, _ := n.Attr("starts")
	endsAttr, _ := n.Attr("ends")
	axesAttr, hasAxes := n.Attr("axes")
	axes := axesAttr.Ints
	if !hasAxes {
		axes = make([]int64, len(dims))
		for i := range axes {
			axes[i] = int64(i)
		}
	}

	starts := make([]int64, len(dims))
	ends := make([]int64, len(dims))
	copy(ends, dims)
	for i, ax := range axes {
		if int(ax) < 0 || int(ax) >= len(dims) {
			return rterrors.Errorf(rterrors.InvalidArgument, "Slice: axis %d out of range", ax)
		}
		s := startsAttr.Ints[i]
		e := endsAttr.Ints[i]
		if e > dims[ax] {
			e = dims[ax]
		}
		if s < 0 {
			s = 0
		}
		starts[ax] = s
		ends[ax] = e
	}

	flat, _, err := inputFloats(ctx, 0)
	if err != nil {
		return err
	}
	strides := rowMajorStrides(dims)
	outDims := make([]int64, len(dims))
	for i := range dims {
		outDims[i] = ends[i] - starts[i]
	}
	total := int64(1)
	for _, d := range outDims {
		total *= d
	}
	out := make([]float64, total)
	idx := make([]int64, len(dims))
	for flatOut := int64(0); flatOut < total; flatOut++ {
		unravel(flatOut, outDims, idx)
		var srcIdx int64
		for d := range idx {
			srcIdx += (idx[d] + starts[d]) * strides[d]
		}
		out[flatOut] = flat[srcIdx]
	}
	dst, err := outputTensor(ctx, 0)
	if err != nil {
		return err
	}
	return dst.WriteFloats(out)
}

// unsqueezeKernel implements ONNX Unsqueeze on a computed (non-initializer)
// tensor: a pure reshape, so it is a copy-through at the data level.
type unsqueezeKernel struct{}

func (unsqueezeKernel) Compute(ctx providerapi.KernelContext) error {
	in, _, err := inputFloats(ctx, 0)
	if err != nil {
		return err
	}
	out, err := outputTensor(ctx, 0)
	if err != nil {
		return err
	}
	return out.WriteFloats(in)
}

// reverseSequenceKernel delegates to the same complete ReverseSequence
// algorithm the rewrite package's tests exercise (spec.md §9 resolves
// the "stub vs complete" ambiguity in favor of the complete semantics),
// so the online kernel and the offline test fixture never drift apart.
type reverseSequenceKernel struct{}

func (reverseSequenceKernel) Compute(ctx providerapi.KernelContext) error {
	n := ctx.Node()
	flat, _, err := inputFloats(ctx, 0)
	if err != nil {
		return err
	}
	in := ctx.Input(0)
	dims := in.Tensor.Shape.Dimensions

	seqLenVals, _, err := inputFloats(ctx, 1)
	if err != nil {
		return err
	}
	seqLengths := make([]int64, len(seqLenVals))
	for i, v := range seqLenVals {
		seqLengths[i] = int64(v)
	}

	batchAxis := 0
	seqAxis := 1
	if a, ok := n.Attr("batch_axis"); ok {
		batchAxis = int(a.Int)
	}
	if a, ok := n.Attr("time_axis"); ok {
		seqAxis = int(a.Int)
	}
	if a, ok := n.Attr("seq_axis"); ok {
		seqAxis = int(a.Int)
	}

	out, err := rules.ReverseSequence(flat, dims, seqLengths, batchAxis, seqAxis)
	if err != nil {
		return err
	}
	dst, err := outputTensor(ctx, 0)
	if err != nil {
		return err
	}
	return dst.WriteFloats(out)
}

func rowMajorStrides(dims []int64) []int64 {
	strides := make([]int64, len(dims))
	stride := int64(1)
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= dims[i]
	}
	return strides
}

func unravel(flatIdx int64, dims []int64, out []int64) {
	for i := len(dims) - 1; i >= 0; i-- {
		out[i] = flatIdx % dims[i]
		flatIdx /= dims[i]
	}
}

// convKernel implements ONNX Conv over NCHW tensors via im2col followed
// by a single gonum mat.Dense multiplication, the same
// reshape-to-2D-then-multiply structure as
// tsawler-go-nngpu/gpu/matrix/conv-gonum-compat.go's TensorToGonum /
// GonumToTensor helpers, adapted to work directly off flat []float64
// buffers instead of a GPU-backed tensor type.
type convKernel struct{}

func (convKernel) Compute(ctx providerapi.KernelContext) error {
	n := ctx.Node()
	xVals, xt, err := inputFloats(ctx, 0)
	if err != nil {
		return err
	}
	wVals, wt, err := inputFloats(ctx, 1)
	if err != nil {
		return err
	}
	xDims := xt.Shape.Dimensions
	wDims := wt.Shape.Dimensions
	if len(xDims) != 4 || len(wDims) != 4 {
		return rterrors.New(rterrors.NotImplemented, "Conv: cpuref only supports 4D NCHW tensors")
	}
	batch, inC, inH, inW := xDims[0], xDims[1], xDims[2], xDims[3]
	outC, wInC, kh, kw := wDims[0], wDims[1], wDims[2], wDims[3]
	if wInC != inC {
		return rterrors.Errorf(rterrors.InvalidArgument, "Conv: weight in-channels %d != input channels %d", wInC, inC)
	}

	strideH, strideW := int64(1), int64(1)
	if a, ok := n.Attr("strides"); ok && len(a.Ints) == 2 {
		strideH, strideW = a.Ints[0], a.Ints[1]
	}
	padTop, padLeft := int64(0), int64(0)
	if a, ok := n.Attr("pads"); ok && len(a.Ints) == 4 {
		padTop, padLeft = a.Ints[0], a.Ints[1]
	}

	out, err := outputTensor(ctx, 0)
	if err != nil {
		return err
	}
	outH, outW := out.Shape.Dimensions[2], out.Shape.Dimensions[3]

	patchSize := int(inC * kh * kw)
	cols := int(batch * outH * outW)
	colData := make([]float64, patchSize*cols)
	xStrides := rowMajorStrides(xDims)

	col := 0
	for b := int64(0); b < batch; b++ {
		for oh := int64(0); oh < outH; oh++ {
			for ow := int64(0); ow < outW; ow++ {
				row := 0
				for c := int64(0); c < inC; c++ {
					for ky := int64(0); ky < kh; ky++ {
						for kx := int64(0); kx < kw; kx++ {
							ih := oh*strideH - padTop + ky
							iw := ow*strideW - padLeft + kx
							var v float64
							if ih >= 0 && ih < inH && iw >= 0 && iw < inW {
								srcIdx := b*xStrides[0] + c*xStrides[1] + ih*xStrides[2] + iw*xStrides[3]
								v = xVals[srcIdx]
							}
							colData[row*cols+col] = v
							row++
						}
					}
				}
				col++
			}
		}
	}

	wMat := mat.NewDense(int(outC), patchSize, wVals)
	colMat := mat.NewDense(patchSize, cols, colData)
	var resultMat mat.Dense
	resultMat.Mul(wMat, colMat)

	var bias []float64
	if len(n.Inputs) >= 3 {
		bias, _, err = inputFloats(ctx, 2)
		if err != nil {
			return err
		}
	}

	outVals := make([]float64, batch*outC*outH*outW)
	outStrides := rowMajorStrides([]int64{batch, outC, outH, outW})
	for b := int64(0); b < batch; b++ {
		for m := int64(0); m < outC; m++ {
			bVal := 0.0
			if bias != nil {
				bVal = bias[m]
			}
			for oh := int64(0); oh < outH; oh++ {
				for ow := int64(0); ow < outW; ow++ {
					colIdx := int(b*outH*outW + oh*outW + ow)
					v := resultMat.At(int(m), colIdx) + bVal
					dstIdx := b*outStrides[0] + m*outStrides[1] + oh*outStrides[2] + ow*outStrides[3]
					outVals[dstIdx] = v
				}
			}
		}
	}
	return out.WriteFloats(outVals)
}

// batchNormalizationKernel implements ONNX BatchNormalization inference
// mode on NCHW tensors: per-channel affine transform using the running
// mean/variance, the same closed form the Conv⊕BN fusion rule computes
// offline (rewrite/rules/convbn.go) but applied at run time instead of
// folded into Conv's weights.
type batchNormalizationKernel struct{}

func (batchNormalizationKernel) Compute(ctx providerapi.KernelContext) error {
	n := ctx.Node()
	xVals, xt, err := inputFloats(ctx, 0)
	if err != nil {
		return err
	}
	scale, _, err := inputFloats(ctx, 1)
	if err != nil {
		return err
	}
	bias, _, err := inputFloats(ctx, 2)
	if err != nil {
		return err
	}
	mean, _, err := inputFloats(ctx, 3)
	if err != nil {
		return err
	}
	variance, _, err := inputFloats(ctx, 4)
	if err != nil {
		return err
	}
	eps := 1e-5
	if a, ok := n.Attr("epsilon"); ok {
		eps = a.Float
	}

	dims := xt.Shape.Dimensions
	if len(dims) < 2 {
		return rterrors.New(rterrors.InvalidArgument, "BatchNormalization: expects rank >= 2 (N,C,...)")
	}
	channels := dims[1]
	perChannel := int64(1)
	for _, d := range dims[2:] {
		perChannel *= d
	}

	out := make([]float64, len(xVals))
	for i, x := range xVals {
		c := (int64(i) / perChannel) % channels
		s := scale[c] / math.Sqrt(variance[c]+eps)
		out[i] = (x-mean[c])*s + bias[c]
	}
	dst, err := outputTensor(ctx, 0)
	if err != nil {
		return err
	}
	return dst.WriteFloats(out)
}

// ifKernel implements ONNX If: node.Inputs[0] is the boolean condition,
// node.Inputs[1:] are implicit captures the chosen branch's subgraph
// reads by name (an outer-scope value that is not produced by any node
// inside the branch, per spec.md §4.G). The branch is planned once at
// Load time (memplan.Build recurses into then_branch/else_branch) and
// run here as a nested Run via KernelContext.RunSubgraph, grounded on
// onnxruntime's IfOp splitting condition evaluation from subgraph
// execution the same way.
type ifKernel struct{}

func (ifKernel) Compute(ctx providerapi.KernelContext) error {
	condVals, _, err := inputFloats(ctx, 0)
	if err != nil {
		return err
	}
	if len(condVals) == 0 {
		return rterrors.New(rterrors.InvalidArgument, "If: condition tensor is empty")
	}

	branchAttr := "else_branch"
	if condVals[0] != 0 {
		branchAttr = "then_branch"
	}
	subGraph, subPlan, ok := ctx.Subgraph(branchAttr)
	if !ok {
		return rterrors.Errorf(rterrors.Fail, "If: node has no %s subgraph", branchAttr)
	}

	n := ctx.Node()
	implicit := make(map[string]*frame.MLValue, len(n.Inputs)-1)
	for i := 1; i < len(n.Inputs); i++ {
		mv := ctx.Input(i)
		if mv == nil {
			return rterrors.Errorf(rterrors.Fail, "If: capture %q not available", n.Inputs[i].Name)
		}
		implicit[n.Inputs[i].Name] = mv
	}

	innerFrame, err := ctx.RunSubgraph(subGraph, subPlan, implicit)
	if err != nil {
		return err
	}

	for i, branchOut := range subGraph.Outputs() {
		if i >= len(n.Outputs) {
			break
		}
		idx, ok := subPlan.ValueIndex[branchOut.Name]
		if !ok {
			return rterrors.Errorf(rterrors.Fail, "If: branch output %q has no plan entry", branchOut.Name)
		}
		mv := innerFrame.GetMLValue(idx)
		if mv == nil || mv.Tensor == nil {
			return rterrors.Errorf(rterrors.RuntimeException, "If: branch output %q was never produced", branchOut.Name)
		}
		vals, err := mv.Tensor.FloatsAt()
		if err != nil {
			return err
		}
		dst, err := outputTensor(ctx, i)
		if err != nil {
			return err
		}
		if err := dst.WriteFloats(vals); err != nil {
			return err
		}
	}
	return nil
}
