// Package rewrite implements the generic rule-driven graph transformer:
// an ordered collection of rule groups applied top-down over live nodes
// in topological order, run to a fixed point or a configured step cap.
//
// Grounded on the teacher's builder_dedup.go (a pass that scans nodes
// and rewires duplicates) generalized into a registry of arbitrary
// per-node predicate/action pairs, the shape spec.md §4.B asks for.
package rewrite

import (
	"k8s.io/klog/v2"

	"github.com/tensorgraph/runtime/graph"
)

// OpSupport is one (op_type, domain, since_version) triple a Rule opts
// into. A Rule may support several op types (e.g. the Conv-fusion rules
// each opt into exactly one X in {BatchNormalization, Mul, Add}, but the
// interface allows a rule to cover more than one).
type OpSupport struct {
	OpType       string
	Domain       string // empty means the default ("") domain
	SinceVersion int64  // minimum since_version this rule supports
}

// Rule is a predicate-plus-action pair over a single node, per spec.md
// §4.B: SatisfyCondition decides whether the semantic precondition
// holds, Apply performs the mutation. A rule must be transactional per
// node: on error it must leave the graph exactly as it found it, since
// a failing rule aborts the whole pipeline with the graph in whatever
// state Apply produced.
type Rule interface {
	Name() string
	Supports() []OpSupport
	SatisfyCondition(g *graph.Graph, n *graph.Node) bool
	Apply(g *graph.Graph, n *graph.Node) (modified bool, err error)
}

// matches reports whether n's (op type, domain, since version) is
// covered by one of rule's declared OpSupport triples. A rule that
// declares no OpSupport triples at all (e.g. constant-folding, which
// applies to any op type whose inputs are all initializers) matches
// every node; otherwise mismatches are skipped silently, per spec.md's
// domain/version gate. A node whose SinceVersion is 0 carries no version
// and passes the version check.
func matches(rule Rule, n *graph.Node) bool {
	supports := rule.Supports()
	if len(supports) == 0 {
		return true
	}
	for _, sup := range supports {
		if sup.OpType != n.OpType {
			continue
		}
		if sup.Domain != n.Domain {
			continue
		}
		if n.SinceVersion != 0 && n.SinceVersion < sup.SinceVersion {
			continue
		}
		return true
	}
	return false
}

func logSkip(rule Rule, n *graph.Node) {
	klog.V(3).Infof("rewrite: rule %s does not apply to node %d (%s/%s)", rule.Name(), n.Index, n.Domain, n.OpType)
}
