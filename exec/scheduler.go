package exec

import (
	"sync"
	"sync/atomic"

	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/providerapi"
	"github.com/tensorgraph/runtime/rterrors"
)

// dependents maps every node's index to the distinct set of live
// consumer node indices reading any of its outputs, deduplicated so a
// node with several inputs from the same producer decrements that
// producer's dependents exactly once -- the NodeRefCounts contract of
// spec.md §3 ("decremented when each predecessor completes").
func buildDependents(g *graph.Graph) map[int][]int {
	deps := make(map[int][]int)
	for _, n := range g.Nodes() {
		seen := map[int]bool{}
		for _, out := range n.Outputs {
			for _, consumerIdx := range g.Consumers(out.Name) {
				if seen[consumerIdx] {
					continue
				}
				seen[consumerIdx] = true
				deps[n.Index] = append(deps[n.Index], consumerIdx)
			}
		}
	}
	return deps
}

// scheduler holds the shared ref-count map, ready-queue admission and
// outstanding counter for one parallel Run, per the Design Note in
// spec.md §9 ("encapsulate...into one mutex-guarded structure").
type scheduler struct {
	mu          sync.Mutex
	remaining   map[int]int
	dependents  map[int][]int
	outstanding int
	cond        sync.Cond

	firstErr atomic.Pointer[error]
	aborted  atomic.Bool

	pool      *workersPool
	terminate *atomic.Bool

	exec func(nodeIdx int) error
}

func newScheduler(g *graph.Graph, poolSize int, terminate *atomic.Bool, exec func(int) error) *scheduler {
	s := &scheduler{
		remaining:  map[int]int{},
		dependents: buildDependents(g),
		pool:       newWorkersPool(poolSize),
		terminate:  terminate,
		exec:       exec,
	}
	s.cond = sync.Cond{L: &s.mu}
	for _, n := range g.Nodes() {
		s.remaining[n.Index] = g.InEdgeCount(n.Index)
	}
	return s
}

// run enqueues every root node (in-edge count zero) and blocks until
// every enqueued chain has completed, per spec.md §4.F's ready-queue
// discipline.
func (s *scheduler) run(roots []int) error {
	if len(roots) == 0 {
		return nil
	}
	for _, idx := range roots {
		s.enqueue(idx)
	}

	s.mu.Lock()
	for s.outstanding > 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()

	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

// enqueue increments outstanding and schedules nodeIdx to start a fresh
// worker chain via the pool.
func (s *scheduler) enqueue(nodeIdx int) {
	s.mu.Lock()
	s.outstanding++
	s.mu.Unlock()
	s.pool.WaitToStart(func() { s.runChain(nodeIdx) })
}

// runChain executes nodeIdx and, on completion, cooperatively adopts the
// first freshly-ready successor into the same goroutine (avoiding a
// context switch) while enqueuing the rest, per spec.md §4.F step 3.
func (s *scheduler) runChain(nodeIdx int) {
	for {
		if s.terminate != nil && s.terminate.Load() {
			s.abort(rterrors.New(rterrors.Terminated, "exec: run cancelled"))
			s.finishChain()
			return
		}
		if s.aborted.Load() {
			s.finishChain()
			return
		}

		if err := s.exec(nodeIdx); err != nil {
			s.abort(err)
			s.finishChain()
			return
		}

		ready := s.completeAndCollectReady(nodeIdx)
		if len(ready) == 0 {
			s.finishChain()
			return
		}
		adopted := ready[0]
		for _, idx := range ready[1:] {
			s.enqueue(idx)
		}
		nodeIdx = adopted
	}
}

// completeAndCollectReady decrements the ref-count of every dependent of
// nodeIdx, returning the ones that just reached zero.
func (s *scheduler) completeAndCollectReady(nodeIdx int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []int
	for _, dep := range s.dependents[nodeIdx] {
		s.remaining[dep]--
		if s.remaining[dep] == 0 {
			ready = append(ready, dep)
		}
	}
	return ready
}

// finishChain decrements outstanding for the enqueue event that started
// this chain and wakes run() if it just reached zero.
func (s *scheduler) finishChain() {
	s.mu.Lock()
	s.outstanding--
	done := s.outstanding == 0
	s.mu.Unlock()
	if done {
		s.cond.Broadcast()
	}
}

// abort records the first error only; later errors (including
// terminate-induced ones from other chains) are discarded, per spec.md
// §4.F "the first such status wins, the rest are discarded".
func (s *scheduler) abort(err error) {
	if s.aborted.CompareAndSwap(false, true) {
		s.firstErr.Store(&err)
	}
	if s.terminate != nil {
		s.terminate.Store(true)
	}
}

// runNodeWithFences wraps a kernel invocation with the Before/After fence
// observations spec.md §4.F requires around every node's execution, and
// is shared by both the fence-per-input and fence-per-output tensors of
// a node.
func runNodeWithFences(node *graph.Node, provider providerapi.ExecutionProvider, inputs, outputs []*fencedTensor, invoke func() error) error {
	for _, in := range inputs {
		if in.fence == nil {
			continue
		}
		if err := in.fence.BeforeUsingAsInput(in.device, 0); err != nil {
			return rterrors.Wrapf(rterrors.RuntimeException, err, "fence before input on node %s", node.OpType)
		}
	}
	for _, out := range outputs {
		if out.fence == nil {
			continue
		}
		if err := out.fence.BeforeUsingAsOutput(out.device, 0); err != nil {
			return rterrors.Wrapf(rterrors.RuntimeException, err, "fence before output on node %s", node.OpType)
		}
	}

	if err := invoke(); err != nil {
		return err
	}

	for _, in := range inputs {
		if in.fence == nil {
			continue
		}
		if err := in.fence.AfterUsedAsInput(0); err != nil {
			return rterrors.Wrapf(rterrors.RuntimeException, err, "fence after input on node %s", node.OpType)
		}
	}
	for _, out := range outputs {
		if out.fence == nil {
			continue
		}
		if err := out.fence.AfterUsedAsOutput(0); err != nil {
			return rterrors.Wrapf(rterrors.RuntimeException, err, "fence after output on node %s", node.OpType)
		}
	}
	return nil
}

// fencedTensor pairs a Fence with the device it was issued for.
type fencedTensor struct {
	fence  providerapi.Fence
	device int
}
