package exec

import (
	"runtime"
	"sync"
)

// workersPool is a fixed-size worker pool with a soft parallelism
// target, grounded on the teacher's backends/simplego/workerspool.go.
// Unlike the teacher's version this pool is created fresh per Run
// (matching spec.md §4.F's "fixed worker pool" being sized per session,
// not shared globally across an unrelated backend's lifetime) but the
// admission-control logic (WaitToStart blocking until a slot frees) is
// unchanged.
type workersPool struct {
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond
	numRunning     int
}

// newWorkersPool creates a pool with the given soft target. size <= 0
// means "hardware threads / 2", the default spec.md §6's
// session_thread_pool_size=0 selects.
func newWorkersPool(size int) *workersPool {
	if size <= 0 {
		size = max(1, runtime.NumCPU()/2)
	}
	w := &workersPool{maxParallelism: size}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

func (w *workersPool) lockedIsFull() bool {
	const goroutineToParallelismRatio = 2
	return w.numRunning >= goroutineToParallelismRatio*w.maxParallelism
}

// WaitToStart blocks until a worker slot is free, then runs task in a
// new goroutine and returns immediately.
func (w *workersPool) WaitToStart(task func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}
