// Package providerapi defines the narrow interfaces spec.md §6 draws
// between the core (rewriter, planner, executor) and its external
// collaborators: operator kernels and execution providers. Nothing in
// this package is a "real" backend -- spec.md §1 explicitly keeps kernel
// implementations and provider/driver code external -- but the executor
// and session packages are written against these interfaces only, the
// same way the teacher's kernel registry (nodeExecutors,
// multiOutputsNodeExecutors in backends/simplego) is a plain
// map[OpType]func rather than an open class hierarchy.
package providerapi

import (
	"github.com/tensorgraph/runtime/frame"
	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/memplan"
	"github.com/tensorgraph/runtime/tensorshape"
)

// Fence is the per-tensor synchronization handle of spec.md §3: it lets
// a producer on one device hand a tensor to a consumer on another
// without the scheduler owning the underlying sync primitive. A
// same-device, same-queue Fence implementation may make all four
// observations no-ops.
type Fence interface {
	BeforeUsingAsInput(device int, queue int) error
	BeforeUsingAsOutput(device int, queue int) error
	AfterUsedAsInput(queue int) error
	AfterUsedAsOutput(queue int) error
}

// KernelContext is what a Kernel's Compute method receives: typed access
// to a node's inputs and outputs, its attribute bag, and the cooperative
// cancellation flag, per the Operator kernel interface of spec.md §6.
type KernelContext interface {
	Node() *graph.Node
	Input(i int) *frame.MLValue
	// Output returns the i'th output MLValue, which the executor has
	// already realized in the ExecutionFrame before Compute runs, so the
	// at-most-once creation invariant (spec.md §4.E) is enforced
	// centrally rather than by every kernel. It returns an error when
	// that output was not realized.
	Output(i int, shape tensorshape.Shape) (*frame.MLValue, error)
	Attr(name string) (graph.Attribute, bool)
	Terminated() bool

	// Subgraph resolves a node's AttrGraph attribute named attrName to
	// its nested graph plus the memplan.Plan built for it at Load time
	// (memplan.Build recurses into every AttrGraph attribute, per
	// spec.md §4.G's "nodes whose attributes carry nested graphs are
	// recursively planned with their own execution frame"). ok is false
	// when the node has no such attribute.
	Subgraph(attrName string) (*graph.Graph, *memplan.Plan, bool)

	// RunSubgraph executes g/plan as a nested run: implicitInputs
	// supplies, by name, the outer-scope values the subgraph's own
	// graph inputs are bound to (the "implicit inputs" spec.md §4.G
	// describes passing from the outer frame to the inner one). The
	// returned frame holds the subgraph's outputs for the caller to
	// read.
	RunSubgraph(g *graph.Graph, plan *memplan.Plan, implicitInputs map[string]*frame.MLValue) (*frame.ExecutionFrame, error)
}

// Kernel is the operator kernel interface consumed by the executor.
// Compute returns an error to abort the run (spec.md §6); a kernel must
// not retain references to KernelContext beyond the call.
type Kernel interface {
	Compute(ctx KernelContext) error
}

// KernelDef declares one kernel registration: the (op-type, domain,
// since-version) triple it supports (mirroring rewrite.OpSupport, since
// both the rewriter and the executor gate on the same triple per
// spec.md §4.B/§6), the type constraints it accepts, and the execution
// queue id its kernel runs on (relevant only when a provider exposes
// more than one queue per device, e.g. a copy queue vs a compute queue).
type KernelDef struct {
	OpType          string
	Domain          string
	SinceVersion    int64
	TypeConstraints map[string][]string // input/output name -> accepted dtype strings
	Queue           int
	Kernel          Kernel
}

// KernelRegistry resolves a node to the KernelDef that should execute
// it, gated on the same (op-type, domain, since-version) triple the
// rewrite engine uses (spec.md §4.B, §6). Kept separate from
// ExecutionProvider because a provider is a device/allocator/copy
// abstraction while a registry is a lookup table -- a real system might
// have one registry shared by several providers.
type KernelRegistry interface {
	Lookup(node *graph.Node) (KernelDef, bool)
}

// Allocator hands out raw storage for a (device, memtype) pair. The
// reference CPU provider's allocator is a thin wrapper over make([]byte,
// n); a real provider would bind this to pinned host memory, a CUDA
// arena, etc.
type Allocator interface {
	Allocate(numBytes int64) ([]byte, error)
}

// ExecutionProvider is the execution-provider interface consumed by the
// session (spec.md §6): a named backend that vends allocators, copies
// tensors across devices/providers, brackets a Run with lifecycle hooks,
// and manufactures Fences for tensors it owns.
type ExecutionProvider interface {
	Type() string
	GetAllocator(device int, memType memplan.MemType) (Allocator, error)
	CopyTensor(src, dst *frame.Tensor) error
	OnRunStart() error
	OnRunEnd() error
	NewFence(t *frame.Tensor) Fence
}
