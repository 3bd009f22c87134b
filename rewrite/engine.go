package rewrite

import (
	"k8s.io/klog/v2"

	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/rterrors"
)

// Group is an ordered set of rules applied together during one
// top-down traversal, per spec.md §4.B. Rule ordering within and across
// groups matters: spec.md §4.C prescribes Unsqueeze-elim before
// constant-folding before Identity/Slice elimination before the
// Conv-fusion rules (BN, then Mul, then Add).
type Group struct {
	Name  string
	Rules []Rule
}

// Engine drives an ordered collection of Groups to a fixed point or a
// step cap, per spec.md §4.B.
type Engine struct {
	groups  []Group
	stepCap int
}

// New creates a rewrite Engine. stepCap is the "safety valve against
// oscillating rules" from spec.md §4.B; it must be >= 1.
func New(stepCap int) *Engine {
	if stepCap < 1 {
		stepCap = 1
	}
	return &Engine{stepCap: stepCap}
}

// AddGroup appends a rule group, to run after any previously added groups.
func (e *Engine) AddGroup(name string, rules ...Rule) {
	e.groups = append(e.groups, Group{Name: name, Rules: rules})
}

// Result reports how the fixed-point loop terminated, for callers (the
// session orchestrator) that want to log or assert on it.
type Result struct {
	Steps       int
	ReachedCap  bool
	NodesTouched int
}

// Run repeats the whole pipeline of groups until no rule reports a
// modification or the step cap is reached (spec.md §4.B). Resolve is
// re-run at the start of every pass, including the first, so topological
// order and in-edge counts are always current for that pass's traversal
// (the "Resolve discipline" in spec.md §4.B). A rule returning a non-nil
// error aborts the whole pipeline immediately with that error; the graph
// is left exactly as the failing rule's Apply produced it.
func (e *Engine) Run(g *graph.Graph) (Result, error) {
	var res Result
	for step := 0; step < e.stepCap; step++ {
		if err := g.Resolve(); err != nil {
			return res, rterrors.Wrap(rterrors.Fail, err, "rewrite: resolve before pass")
		}
		order := g.TopoOrder()

		passModified := false
		for _, group := range e.groups {
			for _, idx := range order {
				n, ok := g.NodeByIndex(idx)
				if !ok {
					// Removed earlier in this same pass by another rule.
					continue
				}
				for _, rule := range group.Rules {
					if !matches(rule, n) {
						continue
					}
					if !rule.SatisfyCondition(g, n) {
						logSkip(rule, n)
						continue
					}
					modified, err := rule.Apply(g, n)
					if err != nil {
						return res, rterrors.Wrapf(rterrors.Fail, err, "rewrite: rule %s failed on node %d", rule.Name(), n.Index)
					}
					if modified {
						res.NodesTouched++
						passModified = true
						klog.V(1).Infof("rewrite: rule %s modified node %d (%s)", rule.Name(), n.Index, n.OpType)
						// The node (or its surroundings) changed; move on
						// to the next node rather than trying further
						// rules against now-possibly-stale state.
						break
					}
				}
			}
		}

		res.Steps = step + 1
		if !passModified {
			return res, nil
		}
	}
	res.ReachedCap = true
	klog.Warningf("rewrite: reached step cap (%d) without converging", e.stepCap)
	return res, nil
}
