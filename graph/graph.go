// Package graph implements the typed dataflow graph the rewriter
// transforms and the executor runs: nodes are arena-indexed (never
// linked by back-pointer, per the Design Note in spec.md §9), and every
// mutation goes through the Graph so its derived state (topological
// order, producer map, in-edge counts) can be kept consistent by a
// single Resolve pass.
//
// Grounded on the teacher's graph/graph.go (arena of *Node behind a
// Graph, deferred validation) and graph/node.go, adapted from an
// eager-XLA-building graph into a mutable rewrite target.
package graph

import (
	"github.com/pkg/errors"

	"github.com/tensorgraph/runtime/rterrors"
	"github.com/tensorgraph/runtime/tensorshape"
)

// Graph is a typed DAG of Nodes plus the initializers and graph-level
// input/output ValueDefs around them.
type Graph struct {
	Name string

	nodes []*Node // indexed by Node.Index; tombstoned entries have alive == false

	initializers map[string]*Initializer
	valueDefs    map[string]*ValueDef

	graphInputs  []*ValueDef
	graphOutputs []*ValueDef

	// producer maps a computed value's name to the index of the node
	// that produces it. Populated by Resolve.
	producer map[string]int

	// topoOrder holds live node indices in topological order. Populated
	// by Resolve; stale after any mutation until Resolve runs again.
	topoOrder []int

	// rank maps node index -> position in topoOrder, for O(1)
	// "lower topological rank" checks (invariant (i) in spec.md §3).
	rank map[int]int

	// inEdgeCount is the seed value for NodeRefCounts (spec.md §3):
	// the number of distinct predecessor nodes.
	inEdgeCount map[int]int

	resolved bool
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{
		Name:         name,
		initializers: map[string]*Initializer{},
		valueDefs:    map[string]*ValueDef{},
		producer:     map[string]int{},
	}
}

// AddInput registers a graph-level input ValueDef.
func (g *Graph) AddInput(def *ValueDef) {
	g.valueDefs[def.Name] = def
	g.graphInputs = append(g.graphInputs, def)
	g.resolved = false
}

// AddOutput registers a graph-level output ValueDef; the def must
// already be produced by a node or be a graph input/initializer.
func (g *Graph) AddOutput(def *ValueDef) {
	g.graphOutputs = append(g.graphOutputs, def)
	g.resolved = false
}

// Inputs returns the graph-level input ValueDefs.
func (g *Graph) Inputs() []*ValueDef { return g.graphInputs }

// Outputs returns the graph-level output ValueDefs.
func (g *Graph) Outputs() []*ValueDef { return g.graphOutputs }

// AddNode appends a node to the graph, assigning it the next stable
// index, and registers its output ValueDefs. Output names must be
// unique in the graph (invariant (ii) in spec.md §3).
func (g *Graph) AddNode(n *Node) (int, error) {
	for _, out := range n.Outputs {
		if _, exists := g.valueDefs[out.Name]; exists {
			return -1, rterrors.Errorf(rterrors.InvalidArgument, "output %q is already defined in graph %q", out.Name, g.Name)
		}
	}
	n.Index = len(g.nodes)
	n.alive = true
	g.nodes = append(g.nodes, n)
	for _, out := range n.Outputs {
		g.valueDefs[out.Name] = out
	}
	g.resolved = false
	return n.Index, nil
}

// RemoveNode tombstones the node at index; its slot is never reused so
// existing indices held by rewrite rules stay valid to compare, but the
// node is no longer visited by iteration or Resolve.
func (g *Graph) RemoveNode(index int) error {
	n, err := g.mustNode(index)
	if err != nil {
		return err
	}
	for _, out := range n.Outputs {
		delete(g.valueDefs, out.Name)
		delete(g.producer, out.Name)
	}
	n.alive = false
	g.resolved = false
	return nil
}

func (g *Graph) mustNode(index int) (*Node, error) {
	if index < 0 || index >= len(g.nodes) {
		return nil, rterrors.Errorf(rterrors.InvalidArgument, "node index %d out of range", index)
	}
	n := g.nodes[index]
	if !n.alive {
		return nil, rterrors.Errorf(rterrors.InvalidArgument, "node index %d has been removed", index)
	}
	return n, nil
}

// NodeByIndex looks up a live node by its stable index.
func (g *Graph) NodeByIndex(index int) (*Node, bool) {
	n, err := g.mustNode(index)
	if err != nil {
		return nil, false
	}
	return n, true
}

// Nodes iterates live nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if n.alive {
			out = append(out, n)
		}
	}
	return out
}

// GetInitializedTensor looks up an initializer by name.
func (g *Graph) GetInitializedTensor(name string) (*Initializer, bool) {
	init, ok := g.initializers[name]
	return init, ok
}

// AddInitializedTensor registers a constant tensor, also publishing a
// matching ValueDef if one is not already present.
func (g *Graph) AddInitializedTensor(init *Initializer) error {
	if init.Name == "" {
		return rterrors.New(rterrors.InvalidArgument, "initializer must have a name")
	}
	if err := validDType(init); err != nil {
		return err
	}
	g.initializers[init.Name] = init
	if _, exists := g.valueDefs[init.Name]; !exists {
		g.valueDefs[init.Name] = &ValueDef{Name: init.Name, Type: init.Shape}
	}
	g.resolved = false
	return nil
}

func validDType(init *Initializer) error {
	if init.Shape.DType == 0 {
		return rterrors.Errorf(rterrors.InvalidArgument, "initializer %q has no element type", init.Name)
	}
	return nil
}

// RemoveInitializedTensor removes a constant tensor and its ValueDef.
func (g *Graph) RemoveInitializedTensor(name string) error {
	if _, ok := g.initializers[name]; !ok {
		return rterrors.Errorf(rterrors.InvalidArgument, "no initializer named %q", name)
	}
	delete(g.initializers, name)
	delete(g.valueDefs, name)
	g.resolved = false
	return nil
}

// ReplaceDefs rewrites node's Inputs and Outputs in place according to
// replacements (old ValueDef name -> new ValueDef). This is the single
// per-node mutation primitive spec.md §4.A requires. The whole-graph
// rewiring helper ReplaceAllUses (used by e.g. Identity elimination)
// edits node inputs directly and does not go through it.
func (g *Graph) ReplaceDefs(n *Node, replacements map[string]*ValueDef) error {
	if !n.alive {
		return rterrors.Errorf(rterrors.InvalidArgument, "node %d has been removed", n.Index)
	}
	for i, in := range n.Inputs {
		if newDef, ok := replacements[in.Name]; ok {
			n.Inputs[i] = newDef
		}
	}
	for i, out := range n.Outputs {
		if newDef, ok := replacements[out.Name]; ok {
			delete(g.valueDefs, out.Name)
			g.valueDefs[newDef.Name] = newDef
			n.Outputs[i] = newDef
		}
	}
	g.resolved = false
	return nil
}

// ReplaceAllUses rewires every live node's inputs and every graph output
// that reference oldName so they reference newDef instead, then drops
// oldName's ValueDef. Used by Identity/Slice elimination and by the
// Conv-fusion rules to rewire consumers onto the fused node's output.
func (g *Graph) ReplaceAllUses(oldName string, newDef *ValueDef) {
	for _, n := range g.nodes {
		if !n.alive {
			continue
		}
		for i, in := range n.Inputs {
			if in.Name == oldName {
				n.Inputs[i] = newDef
			}
		}
	}
	for i, out := range g.graphOutputs {
		if out.Name == oldName {
			g.graphOutputs[i] = newDef
		}
	}
	delete(g.valueDefs, oldName)
	g.valueDefs[newDef.Name] = newDef
	g.resolved = false
}

// UpdateInitializerShape rewrites init's shape in place (used by the
// Unsqueeze-on-initializer elimination rule) and refreshes the matching
// ValueDef, returning it so the caller can rewire consumers onto it.
func (g *Graph) UpdateInitializerShape(init *Initializer, newShape tensorshape.Shape) *ValueDef {
	init.Shape = newShape
	def := &ValueDef{Name: init.Name, Type: newShape}
	g.valueDefs[init.Name] = def
	g.resolved = false
	return def
}

// IsGraphOutput reports whether name is one of the graph's declared outputs.
func (g *Graph) IsGraphOutput(name string) bool {
	for _, out := range g.graphOutputs {
		if out.Name == name {
			return true
		}
	}
	return false
}

// ProducerOf returns the index of the node producing the named value,
// or false if name is a graph input or an initializer. Valid only after
// Resolve.
func (g *Graph) ProducerOf(name string) (int, bool) {
	idx, ok := g.producer[name]
	return idx, ok
}

// TopoOrder returns live node indices in topological order. Valid only
// after Resolve; callers must not mutate the returned slice.
func (g *Graph) TopoOrder() []int {
	return g.topoOrder
}

// InEdgeCount returns the number of distinct predecessor nodes for the
// node at index -- the seed value for the executor's NodeRefCounts
// (spec.md §3). Valid only after Resolve.
func (g *Graph) InEdgeCount(index int) int {
	return g.inEdgeCount[index]
}

// Consumers returns the indices of live nodes that read valueName as an
// input. Valid at any time (does not require Resolve), used by rewrite
// rules checking the "single consumer" precondition.
func (g *Graph) Consumers(valueName string) []int {
	var out []int
	for _, n := range g.nodes {
		if !n.alive {
			continue
		}
		for _, in := range n.Inputs {
			if in.Name == valueName {
				out = append(out, n.Index)
				break
			}
		}
	}
	return out
}

// Resolve re-derives the topological order and in-edge counts,
// validates that every input definition resolves to either an
// initializer, a graph input, or the output of a lower-ranked live
// node, and rejects cycles or dangling defs. Every rewrite must call
// Resolve before the graph is consumed downstream (spec.md §4.A).
func (g *Graph) Resolve() error {
	g.producer = map[string]int{}
	for _, n := range g.nodes {
		if !n.alive {
			continue
		}
		for _, out := range n.Outputs {
			if prev, exists := g.producer[out.Name]; exists {
				return rterrors.Errorf(rterrors.Fail, "output %q produced by both node %d and node %d", out.Name, prev, n.Index)
			}
			g.producer[out.Name] = n.Index
		}
	}

	// Validate every input is either an initializer, a graph input, or
	// the output of some live node.
	for _, n := range g.nodes {
		if !n.alive {
			continue
		}
		for _, in := range n.Inputs {
			if _, isInit := g.initializers[in.Name]; isInit {
				continue
			}
			if _, isProduced := g.producer[in.Name]; isProduced {
				continue
			}
			if isGraphInput(g.graphInputs, in.Name) {
				continue
			}
			return rterrors.Errorf(rterrors.InvalidArgument, "dangling value def %q referenced by node %d (%s)", in.Name, n.Index, n.OpType)
		}
	}

	order, err := kahnTopoSort(g)
	if err != nil {
		return err
	}
	g.topoOrder = order

	g.rank = make(map[int]int, len(order))
	for pos, idx := range order {
		g.rank[idx] = pos
	}

	g.inEdgeCount = make(map[int]int, len(order))
	for _, n := range g.nodes {
		if !n.alive {
			continue
		}
		seen := map[int]bool{}
		for _, in := range n.Inputs {
			if prodIdx, ok := g.producer[in.Name]; ok {
				seen[prodIdx] = true
			}
		}
		g.inEdgeCount[n.Index] = len(seen)
	}

	g.resolved = true
	return nil
}

// IsResolved reports whether the graph's derived state (topo order,
// producer map, in-edge counts) reflects the current set of live nodes.
func (g *Graph) IsResolved() bool { return g.resolved }

func isGraphInput(inputs []*ValueDef, name string) bool {
	for _, in := range inputs {
		if in.Name == name {
			return true
		}
	}
	return false
}

// kahnTopoSort computes a topological order of live nodes using
// Kahn's algorithm over the producer-derived edges, returning an error
// if the live subgraph contains a cycle.
func kahnTopoSort(g *Graph) ([]int, error) {
	indegree := map[int]int{}
	var live []*Node
	for _, n := range g.nodes {
		if n.alive {
			live = append(live, n)
			indegree[n.Index] = 0
		}
	}
	for _, n := range live {
		seen := map[int]bool{}
		for _, in := range n.Inputs {
			if prodIdx, ok := g.producer[in.Name]; ok {
				seen[prodIdx] = true
			}
		}
		indegree[n.Index] = len(seen)
	}

	// dependents[p] = list of node indices that depend on node p.
	dependents := map[int][]int{}
	for _, n := range live {
		seen := map[int]bool{}
		for _, in := range n.Inputs {
			if prodIdx, ok := g.producer[in.Name]; ok && !seen[prodIdx] {
				seen[prodIdx] = true
				dependents[prodIdx] = append(dependents[prodIdx], n.Index)
			}
		}
	}

	var queue []int
	for _, n := range live {
		if indegree[n.Index] == 0 {
			queue = append(queue, n.Index)
		}
	}

	var order []int
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		order = append(order, idx)
		for _, dep := range dependents[idx] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(live) {
		return nil, errors.New("graph.Resolve: cycle detected among live nodes")
	}
	return order, nil
}
