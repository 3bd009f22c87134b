// Package frame implements the per-run Execution Frame of spec.md §4.E:
// the dense array of MLValues a single Run owns. The executor creates a
// node's outputs just before that node runs. ReleaseMLValue drops a value
// on request, but the executors in this module never call it, so every
// value lives until the frame is discarded.
//
// Grounded on the teacher's backends/simplego/function_exec.go
// funcExecBuffers (dense per-builderIdx results/owned/numUsed arrays,
// reused across runs via a sync.Pool), adapted from a single-function
// scratch buffer that is thrown away or pooled whole into a longer-lived,
// mutex-guarded frame that also tracks device/location and can realize a
// memplan.Pattern into a real per-device arena instead of one buffer per
// value.
package frame

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tensorgraph/runtime/dtype"
	"github.com/tensorgraph/runtime/memplan"
	"github.com/tensorgraph/runtime/rterrors"
	"github.com/tensorgraph/runtime/tensorshape"
)

// Kind is the MLValue tagged-variant discriminator of spec.md §3.
type Kind int

const (
	Unallocated Kind = iota
	TensorKind
	MapKind
	SequenceKind
)

// Tensor is the Tensor-variant payload of an MLValue: element type,
// shape, a flat backing slice (one of []float32/[]float64/[]int32/
// []int64, dispatched by DType; a Float16 value the frame creates is
// backed by []float64), and the location it was realized at.
type Tensor struct {
	DType    dtype.Type
	Shape    tensorshape.Shape
	Flat     any
	Location memplan.Location
}

// FloatsAt decodes t's flat data as []float64 regardless of its stored
// element width, mirroring graph.Initializer.FloatsAt so reference
// kernels can share the same "widen to float64, compute, narrow back"
// style the Conv-fusion rewrite rules use. It is a decode, not a view.
func (t *Tensor) FloatsAt() ([]float64, error) {
	switch v := t.Flat.(type) {
	case []float32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []float64:
		out := make([]float64, len(v))
		copy(out, v)
		return out, nil
	case []int32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []int64:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	default:
		return nil, dtype.Validate(t.DType)
	}
}

// WriteFloats writes vals element-wise into t's existing flat slice,
// narrowing as needed, unlike graph.Initializer.SetFloats it never
// replaces the slice header: a Tensor's Flat may be a view into a
// memplan-backed arena (see viewFlat), and replacing it would silently
// detach the write from that arena.
func (t *Tensor) WriteFloats(vals []float64) error {
	switch v := t.Flat.(type) {
	case []float32:
		if len(v) != len(vals) {
			return rterrors.Errorf(rterrors.Fail, "frame: WriteFloats length mismatch: have %d want %d", len(vals), len(v))
		}
		for i, x := range vals {
			v[i] = float32(x)
		}
	case []float64:
		if len(v) != len(vals) {
			return rterrors.Errorf(rterrors.Fail, "frame: WriteFloats length mismatch: have %d want %d", len(vals), len(v))
		}
		copy(v, vals)
	case []int32:
		if len(v) != len(vals) {
			return rterrors.Errorf(rterrors.Fail, "frame: WriteFloats length mismatch: have %d want %d", len(vals), len(v))
		}
		for i, x := range vals {
			v[i] = int32(x)
		}
	case []int64:
		if len(v) != len(vals) {
			return rterrors.Errorf(rterrors.Fail, "frame: WriteFloats length mismatch: have %d want %d", len(vals), len(v))
		}
		for i, x := range vals {
			v[i] = int64(x)
		}
	default:
		return dtype.Validate(t.DType)
	}
	return nil
}

// MLValue is the tagged run-time representation of a value-definition
// (spec.md §3): Tensor | Map | Sequence | Unallocated. Map and Sequence
// are carried as opaque payloads -- this core's rule/kernel corpus never
// produces them, but the variant is modeled per the data model so a
// provider extending the kernel set is not blocked on frame shape.
type MLValue struct {
	Kind     Kind
	Tensor   *Tensor
	Map      map[string]*MLValue
	Sequence []*MLValue
}

// ExecutionFrame owns every non-initializer MLValue for one Run, indexed
// densely the way memplan.Plan indexes values. It is created per Run and
// discarded when Run returns.
//
// Grounded on funcExecBuffers's results/owned/numUsed arrays, reduced to
// two per-value flags: created gates the at-most-once creation invariant
// and released makes release idempotent.
type ExecutionFrame struct {
	plan *memplan.Plan

	mu      sync.Mutex
	values  []*MLValue
	created []atomic.Bool
	released []atomic.Bool

	// arena holds one contiguous []byte per device when a memplan.Pattern
	// is supplied (mem-pattern mode); nil otherwise (fallback mode, each
	// value gets its own independently allocated Flat slice).
	arena   map[int][]byte
	pattern *memplan.Pattern
}

// New creates an ExecutionFrame sized to plan, seeding graph-input and
// initializer slots with the given feed/initializer values (indexed the
// same way as plan.ValueIndex). pattern is optional: when non-nil, Tensor
// creation carves space out of a per-device arena sized by
// pattern.DeviceTotalSize instead of allocating a fresh slice per value.
func New(plan *memplan.Plan, seed map[int]*MLValue, pattern *memplan.Pattern) *ExecutionFrame {
	f := &ExecutionFrame{
		plan:     plan,
		values:   make([]*MLValue, len(plan.Names)),
		created:  make([]atomic.Bool, len(plan.Names)),
		released: make([]atomic.Bool, len(plan.Names)),
		pattern:  pattern,
	}
	if pattern != nil {
		f.arena = make(map[int][]byte, len(pattern.DeviceTotalSize))
		for dev, size := range pattern.DeviceTotalSize {
			f.arena[dev] = make([]byte, size)
		}
	}
	for idx, v := range seed {
		f.values[idx] = v
		f.created[idx].Store(true)
	}
	return f
}

// GetMLValue returns the value at idx, or nil if it has not been created
// (or has already been released).
func (f *ExecutionFrame) GetMLValue(idx int) *MLValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[idx]
}

// GetOrCreateMLValue realizes a Tensor MLValue at idx: element type,
// shape and location per plan, backed either by a slice of the value's
// pattern-assigned arena range or by a freshly allocated slice when no
// pattern is available. It is safe to call concurrently from any worker,
// but per invariant (i) of spec.md §4.E it must be called at most once
// per index within one run -- a second call returns a Fail error rather
// than silently returning the existing value, so a scheduler bug
// double-creating a node's output is caught rather than masked.
func (f *ExecutionFrame) GetOrCreateMLValue(idx int, shape tensorshape.Shape, dt dtype.Type, loc memplan.Location) (*MLValue, error) {
	if idx < 0 || idx >= len(f.values) {
		return nil, rterrors.Errorf(rterrors.Fail, "frame: value index %d out of range", idx)
	}
	if !f.created[idx].CompareAndSwap(false, true) {
		return nil, rterrors.Errorf(rterrors.Fail, "frame: value index %d created more than once in this run", idx)
	}

	flat := f.allocFlat(idx, shape, dt)
	mv := &MLValue{
		Kind: TensorKind,
		Tensor: &Tensor{
			DType:    dt,
			Shape:    shape,
			Flat:     flat,
			Location: loc,
		},
	}

	f.mu.Lock()
	f.values[idx] = mv
	f.mu.Unlock()
	return mv, nil
}

// allocFlat carves out or allocates the flat backing slice for idx's
// Tensor. When a pattern is present and covers idx, the slice is a
// reinterpretation of that value's byte range within its device's arena;
// otherwise (fallback mode, or an index the pattern's caller chose not
// to plan, e.g. because its size only became known after Build) a fresh
// slice is allocated directly.
func (f *ExecutionFrame) allocFlat(idx int, shape tensorshape.Shape, dt dtype.Type) any {
	n := int(shape.Size())
	if f.pattern != nil && idx < len(f.pattern.Offset) && f.pattern.Size[idx] > 0 {
		dev := f.plan.Locations[idx].Device
		bytes := f.arena[dev][f.pattern.Offset[idx] : f.pattern.Offset[idx]+f.pattern.Size[idx]]
		return viewFlat(bytes, dt, n)
	}
	return makeFlat(dt, n)
}

// ReleaseMLValue drops idx's MLValue reference so its memory (in
// fallback mode) can be garbage-collected. It is idempotent (invariant
// (ii)): releasing an already-released or never-created index is a
// no-op, safe to call from any worker without external synchronization
// beyond the frame's own mutex.
func (f *ExecutionFrame) ReleaseMLValue(idx int) {
	if idx < 0 || idx >= len(f.values) {
		return
	}
	if !f.released[idx].CompareAndSwap(false, true) {
		return
	}
	f.mu.Lock()
	f.values[idx] = nil
	f.mu.Unlock()
}

// IsCreated reports whether idx's MLValue has been created in this run,
// used by the executor to short-circuit re-execution of already-computed
// graph-input/initializer slots (mirrors funcExecBuffers's "already
// computed (parameter)" check in executeSequentially).
func (f *ExecutionFrame) IsCreated(idx int) bool {
	return f.created[idx].Load()
}

// SeedFromGraph builds the seed map New expects: every initializer and
// every graph input gets its MLValue bound up front (initializers from
// the graph itself, graph inputs from feeds, keyed by ValueDef name).
// feeds must supply a Tensor for every one of plan's graph-input slots;
// a missing feed is an InvalidArgument error, matching spec.md §4.G
// step 1 ("validate feed names against the model's required input set").
func SeedFromGraph(plan *memplan.Plan, initializers map[string]*Tensor, feeds map[string]*Tensor) (map[int]*MLValue, error) {
	seed := make(map[int]*MLValue, len(plan.Names))
	for name, idx := range plan.ValueIndex {
		switch {
		case plan.IsInitializer[idx]:
			t, ok := initializers[name]
			if !ok {
				return nil, rterrors.Errorf(rterrors.Fail, "frame: no initializer tensor supplied for %q", name)
			}
			seed[idx] = &MLValue{Kind: TensorKind, Tensor: t}
		case plan.IsGraphInput[idx]:
			t, ok := feeds[name]
			if !ok {
				return nil, rterrors.Errorf(rterrors.InvalidArgument, "frame: missing feed for graph input %q", name)
			}
			seed[idx] = &MLValue{Kind: TensorKind, Tensor: t}
		}
	}
	return seed, nil
}

func makeFlat(dt dtype.Type, n int) any {
	switch dt {
	case dtype.Float32:
		return make([]float32, n)
	case dtype.Float64:
		return make([]float64, n)
	case dtype.Int32:
		return make([]int32, n)
	case dtype.Int64:
		return make([]int64, n)
	default:
		return make([]float64, n)
	}
}

// viewFlat reinterprets a byte range carved out of a device arena as a
// typed slice, the same unsafe-pointer-cast technique the teacher's
// mutableBytesGeneric uses in the opposite direction (typed slice ->
// bytes). This is what makes ComputePattern's offsets real: every Tensor
// backed by the same arena shares its underlying storage, so a session
// running with mem-pattern enabled performs exactly the one arena
// allocation per device that spec.md §8 property 7 requires.
func viewFlat(b []byte, dt dtype.Type, n int) any {
	if n == 0 {
		return makeFlat(dt, 0)
	}
	ptr := unsafe.Pointer(&b[0])
	switch dt {
	case dtype.Float32:
		return unsafe.Slice((*float32)(ptr), n)
	case dtype.Float64:
		return unsafe.Slice((*float64)(ptr), n)
	case dtype.Int32:
		return unsafe.Slice((*int32)(ptr), n)
	case dtype.Int64:
		return unsafe.Slice((*int64)(ptr), n)
	default:
		return unsafe.Slice((*float64)(ptr), n)
	}
}
