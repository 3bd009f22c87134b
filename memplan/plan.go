// Package memplan implements the allocation planner of spec.md §4.D: a
// per-value lifetime plan over the rewritten graph, and a greedy
// interval allocator that turns those lifetimes into a memory-pattern
// template of (offset, size) per value plus a minimum buffer size per
// device.
//
// Grounded on the size-class free-list idea in the teacher's
// backends/simplego/buffer_pool_optimized.go, adapted from a runtime
// buffer pool (reused live buffers) into an ahead-of-time interval
// allocator (reused offset ranges), since spec.md requires a
// precomputed pattern keyed on the input-shape tuple rather than plain
// buffer reuse.
package memplan

import (
	"sort"

	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/rterrors"
)

// MemType is the memory-type tag attached to a value's Location.
type MemType int

const (
	Default MemType = iota
	Pinned
	Output
)

// Location is a value's assigned provider, device and memory type.
type Location struct {
	Provider string
	Device   int
	MemType  MemType
}

// KernelMetadata is the narrow interface the planner consumes from the
// (external, per spec.md §1) kernel/provider registry: for a given node
// it reports which provider/device the node runs on, so its output
// values inherit that placement.
type KernelMetadata interface {
	LocationFor(node *graph.Node) Location
}

// DefaultCPUMetadata places every node on the default CPU provider,
// device 0, default memory type -- used when the session has no other
// provider registered, per spec.md §4.G step 0 ("register default CPU
// provider if none supplied").
type DefaultCPUMetadata struct{}

func (DefaultCPUMetadata) LocationFor(*graph.Node) Location {
	return Location{Provider: "CPU", Device: 0, MemType: Default}
}

// Lifetime records the first-use and last-use node positions (indices
// into the chosen topological order) for one value.
type Lifetime struct {
	FirstUse int // -1 means "available before the first node runs" (initializer/graph input)
	LastUse  int // -1 means "never used" (e.g. an unfetched, unused output -- shouldn't normally happen post-rewrite)
}

// Plan is the value-index map, per-value location and lifetime plan
// produced once per rewritten graph, per spec.md §4.D.
type Plan struct {
	ValueIndex map[string]int
	Names      []string // ValueIndex inverted, dense index -> name
	Locations  []Location
	Lifetimes  []Lifetime

	// IsInitializer / IsGraphInput mark values with no producing node,
	// which the ExecutionFrame seeds before execution begins rather
	// than allocating fresh space for.
	IsInitializer []bool
	IsGraphInput  []bool

	// Subplans holds one recursively-built Plan per AttrGraph attribute
	// found on any node in this graph, per spec.md §4.G: "nodes whose
	// attributes carry nested graphs are recursively planned with their
	// own execution frame". Populated by Build; empty for a graph with
	// no control-flow-style nodes.
	Subplans map[SubplanKey]*Plan
}

// SubplanKey names one nested graph within a Plan: the outer node that
// carries it and the attribute name it is attached under (e.g. "NodeIndex":
// 3, "Attr": "then_branch").
type SubplanKey struct {
	NodeIndex int
	Attr      string
}

// Build assigns dense indices to every named value in g (graph inputs,
// initializers, and every node output) and computes each one's location
// and lifetime under g's current topological order. g must have been
// Resolved.
func Build(g *graph.Graph, meta KernelMetadata) (*Plan, error) {
	if !g.IsResolved() {
		return nil, rterrors.New(rterrors.Fail, "memplan.Build: graph must be Resolve()d first")
	}
	if meta == nil {
		meta = DefaultCPUMetadata{}
	}

	p := &Plan{ValueIndex: map[string]int{}, Subplans: map[SubplanKey]*Plan{}}

	assign := func(name string, loc Location, isInit, isInput bool) int {
		if idx, ok := p.ValueIndex[name]; ok {
			return idx
		}
		idx := len(p.Names)
		p.ValueIndex[name] = idx
		p.Names = append(p.Names, name)
		p.Locations = append(p.Locations, loc)
		p.Lifetimes = append(p.Lifetimes, Lifetime{FirstUse: -1, LastUse: -1})
		p.IsInitializer = append(p.IsInitializer, isInit)
		p.IsGraphInput = append(p.IsGraphInput, isInput)
		return idx
	}

	for _, in := range g.Inputs() {
		assign(in.Name, Location{Provider: "CPU", Device: 0, MemType: Default}, false, true)
	}

	order := g.TopoOrder()
	nodeByIdx := make(map[int]*graph.Node, len(order))
	for _, idx := range order {
		n, ok := g.NodeByIndex(idx)
		if !ok {
			continue
		}
		nodeByIdx[idx] = n
	}

	for pos, idx := range order {
		n := nodeByIdx[idx]
		if n == nil {
			continue
		}
		loc := meta.LocationFor(n)
		for _, out := range n.Outputs {
			outIdx := assign(out.Name, loc, false, false)
			p.Lifetimes[outIdx].FirstUse = pos
			if p.Lifetimes[outIdx].LastUse < pos {
				p.Lifetimes[outIdx].LastUse = pos
			}
		}
		for _, in := range n.Inputs {
			if _, ok := g.GetInitializedTensor(in.Name); ok {
				assign(in.Name, Location{Provider: "CPU", Device: 0, MemType: Default}, true, false)
			}
			vIdx, ok := p.ValueIndex[in.Name]
			if !ok {
				continue
			}
			if p.Lifetimes[vIdx].LastUse < pos {
				p.Lifetimes[vIdx].LastUse = pos
			}
		}
	}

	// A graph output must not be freed before the run ends: extend its
	// lifetime to the last node position (spec.md §4.E invariant (iii):
	// "fetches are never released early").
	lastPos := len(order) - 1
	for _, out := range g.Outputs() {
		if idx, ok := p.ValueIndex[out.Name]; ok && lastPos > p.Lifetimes[idx].LastUse {
			p.Lifetimes[idx].LastUse = lastPos
		}
	}

	for _, n := range nodeByIdx {
		for attrName, attr := range n.Attributes {
			if attr.Kind != graph.AttrGraph || attr.Subgraph == nil {
				continue
			}
			sub, err := Build(attr.Subgraph, meta)
			if err != nil {
				return nil, rterrors.Wrapf(rterrors.Fail, err, "memplan.Build: subgraph %q of node %s", attrName, n.Name)
			}
			p.Subplans[SubplanKey{NodeIndex: n.Index, Attr: attrName}] = sub
		}
	}

	return p, nil
}

// interval is a scheduling event used by the greedy allocator.
type interval struct {
	valueIdx           int
	firstUse, lastUse  int
}

// freeBlock is a reusable (offset, size) range within one device's arena.
type freeBlock struct {
	offset, size int64
}

// Pattern is the memory-pattern template of spec.md §3/§4.D: an
// (offset, size) per value within its device's single contiguous
// buffer, plus that buffer's total size.
type Pattern struct {
	Offset          []int64 // indexed like Plan.Names/ValueIndex
	Size            []int64
	DeviceTotalSize map[int]int64
}

// ComputePattern runs the greedy interval allocator: values are
// considered in order of first use; on first use a value is assigned
// the smallest free block of adequate size within its device's arena
// (falling back to growing the arena), and on last use its block is
// returned to that device's free list. sizeOf reports a value's byte
// size at the shape tuple this pattern is being computed for.
func (p *Plan) ComputePattern(sizeOf func(valueIdx int) int64) *Pattern {
	pat := &Pattern{
		Offset:          make([]int64, len(p.Names)),
		Size:            make([]int64, len(p.Names)),
		DeviceTotalSize: map[int]int64{},
	}

	type deviceState struct {
		free    []freeBlock
		total   int64
	}
	devices := map[int]*deviceState{}
	deviceOf := func(idx int) *deviceState {
		dev := p.Locations[idx].Device
		ds, ok := devices[dev]
		if !ok {
			ds = &deviceState{}
			devices[dev] = ds
		}
		return ds
	}

	var toAllocate []interval
	for idx := range p.Names {
		if p.IsInitializer[idx] || p.IsGraphInput[idx] {
			// Initializers and feeds are not planned into the arena;
			// the ExecutionFrame binds them directly (spec.md §4.E).
			continue
		}
		size := sizeOf(idx)
		pat.Size[idx] = size
		toAllocate = append(toAllocate, interval{idx, p.Lifetimes[idx].FirstUse, p.Lifetimes[idx].LastUse})
	}
	sort.Slice(toAllocate, func(i, j int) bool { return toAllocate[i].firstUse < toAllocate[j].firstUse })

	active := map[int]bool{}
	releaseExpired := func(pos int) {
		for idx := range active {
			if p.Lifetimes[idx].LastUse < pos {
				ds := deviceOf(idx)
				ds.free = append(ds.free, freeBlock{offset: pat.Offset[idx], size: pat.Size[idx]})
				delete(active, idx)
			}
		}
	}

	for _, iv := range toAllocate {
		releaseExpired(iv.firstUse)
		ds := deviceOf(iv.valueIdx)
		size := pat.Size[iv.valueIdx]

		bestSlot := -1
		for i, blk := range ds.free {
			if blk.size >= size && (bestSlot == -1 || blk.size < ds.free[bestSlot].size) {
				bestSlot = i
			}
		}
		if bestSlot >= 0 {
			blk := ds.free[bestSlot]
			pat.Offset[iv.valueIdx] = blk.offset
			remaining := blk.size - size
			ds.free = append(ds.free[:bestSlot], ds.free[bestSlot+1:]...)
			if remaining > 0 {
				ds.free = append(ds.free, freeBlock{offset: blk.offset + size, size: remaining})
			}
		} else {
			pat.Offset[iv.valueIdx] = ds.total
			ds.total += size
		}
		active[iv.valueIdx] = true
	}

	for dev, ds := range devices {
		pat.DeviceTotalSize[dev] = ds.total
	}
	return pat
}
