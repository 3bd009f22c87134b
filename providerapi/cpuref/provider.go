package cpuref

import (
	"github.com/tensorgraph/runtime/frame"
	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/memplan"
	"github.com/tensorgraph/runtime/providerapi"
	"github.com/tensorgraph/runtime/rterrors"
)

// noopFence implements providerapi.Fence with no-op observations: cpuref
// is always single-device, single-queue, so there is never a real
// cross-device dependency to order -- the fence contract still gets
// exercised end to end by the scheduler, just against a trivial
// implementation, the same role a "null" backend plays in a driver test
// suite.
type noopFence struct{}

func (noopFence) BeforeUsingAsInput(device, queue int) error  { return nil }
func (noopFence) BeforeUsingAsOutput(device, queue int) error { return nil }
func (noopFence) AfterUsedAsInput(queue int) error            { return nil }
func (noopFence) AfterUsedAsOutput(queue int) error           { return nil }

// arenaAllocator hands out freshly zeroed byte slices; cpuref has no
// pooling or alignment requirements of its own, so this is the whole of
// its providerapi.Allocator.
type arenaAllocator struct{}

func (arenaAllocator) Allocate(numBytes int64) ([]byte, error) {
	if numBytes < 0 {
		return nil, rterrors.Errorf(rterrors.InvalidArgument, "cpuref: negative allocation size %d", numBytes)
	}
	return make([]byte, numBytes), nil
}

// Provider is the reference providerapi.ExecutionProvider backing
// cmd/tgrun and the test corpus: a single CPU device (device index 0),
// one shared allocator, and no-op fences. Grounded on the teacher's
// backends/simplego package acting as its own single-device provider
// (device management folded directly into the backend rather than
// factored out), simplified here to the single fixed device this
// reference implementation needs.
type Provider struct {
	alloc arenaAllocator
}

// NewProvider constructs the reference CPU provider.
func NewProvider() *Provider {
	return &Provider{}
}

func (p *Provider) Type() string { return "cpuref" }

func (p *Provider) GetAllocator(device int, memType memplan.MemType) (providerapi.Allocator, error) {
	if device != 0 {
		return nil, rterrors.Errorf(rterrors.InvalidArgument, "cpuref: unknown device %d", device)
	}
	return p.alloc, nil
}

// CopyTensor copies src's flat data into dst in place via WriteFloats,
// the same widen-to-float64-then-narrow path every cpuref kernel uses,
// so a cross-device copy (device 0 to device 0, here) never needs a
// dtype-specific fast path.
func (p *Provider) CopyTensor(src, dst *frame.Tensor) error {
	vals, err := src.FloatsAt()
	if err != nil {
		return err
	}
	return dst.WriteFloats(vals)
}

func (p *Provider) OnRunStart() error { return nil }
func (p *Provider) OnRunEnd() error   { return nil }

func (p *Provider) NewFence(t *frame.Tensor) providerapi.Fence { return noopFence{} }

// Registry is the reference providerapi.KernelRegistry: a flat map keyed
// by (domain, op type), holding the KernelDefs that NewRegistry
// registers from the kernels in kernels.go. Grounded on the teacher's op-registry pattern in
// backends/optype.go (a closed table mapping operator identity to
// implementation), but built once per Registry value instead of as a
// package-level global so tests can construct independent registries.
type Registry struct {
	kernels map[registryKey]providerapi.KernelDef
}

type registryKey struct {
	domain string
	opType string
}

// NewRegistry builds the reference registry covering every op the
// rule/test corpus needs: Abs, Identity, Max, Slice, Unsqueeze, Conv,
// BatchNormalization, Mul, Add, Sub, Div, ReverseSequence, If.
func NewRegistry() *Registry {
	r := &Registry{kernels: make(map[registryKey]providerapi.KernelDef)}
	r.register("", "Abs", absKernel{})
	r.register("", "Identity", identityKernel{})
	r.register("", "Max", maxKernel{})
	r.register("", "Slice", sliceKernel{})
	r.register("", "Unsqueeze", unsqueezeKernel{})
	r.register("", "Conv", convKernel{})
	r.register("", "BatchNormalization", batchNormalizationKernel{})
	r.register("", "Add", elementwiseKernel(func(a, b float64) float64 { return a + b }))
	r.register("", "Sub", elementwiseKernel(func(a, b float64) float64 { return a - b }))
	r.register("", "Mul", elementwiseKernel(func(a, b float64) float64 { return a * b }))
	r.register("", "Div", elementwiseKernel(func(a, b float64) float64 { return a / b }))
	r.register("", "ReverseSequence", reverseSequenceKernel{})
	r.register("", "If", ifKernel{})
	return r
}

func (r *Registry) register(domain, opType string, k providerapi.Kernel) {
	r.kernels[registryKey{domain, opType}] = providerapi.KernelDef{
		OpType: opType,
		Domain: domain,
		Kernel: k,
	}
}

// Lookup implements providerapi.KernelRegistry. It matches on (domain,
// op type) only; the node's since-version is not checked.
func (r *Registry) Lookup(node *graph.Node) (providerapi.KernelDef, bool) {
	def, ok := r.kernels[registryKey{node.Domain, node.OpType}]
	return def, ok
}
