// Package session implements the Session Orchestrator of spec.md §4.G,
// §6, §7: the single-shot Load pipeline (rewrite -> plan) and the
// repeatable Run pipeline (validate -> execute -> collect fetches ->
// cache a memory pattern), wired to the rewrite/memplan/frame/exec/
// providerapi packages built earlier. Run does not copy feeds or
// fetches between devices.
//
// Grounded on the teacher's graph/manager.go (a Manager owning
// device/provider registration and exposing a narrow Load/Run-shaped
// surface over the lower-level compiler/executor pieces) and the demo
// main.go pattern used across the teacher's examples/*/demo directories
// for the thin CLI wrapper in cmd/tgrun.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/tensorgraph/runtime/exec"
	"github.com/tensorgraph/runtime/frame"
	"github.com/tensorgraph/runtime/graph"
	"github.com/tensorgraph/runtime/memplan"
	"github.com/tensorgraph/runtime/providerapi"
	"github.com/tensorgraph/runtime/providerapi/cpuref"
	"github.com/tensorgraph/runtime/rewrite"
	"github.com/tensorgraph/runtime/rewrite/rules"
	"github.com/tensorgraph/runtime/rterrors"
)

// Profiler receives coarse span boundaries the orchestrator emits: a
// "Rewrite" and a "Plan" span during Load, and a "Run" span per Run.
// spec.md §1 keeps the
// profiler's *implementation* external; this interface is the narrow
// seam the core owns, the same way it owns Kernel/ExecutionProvider
// without shipping a real backend.
type Profiler interface {
	// Span marks the start of a named unit of work and returns a
	// function to call at its end.
	Span(name string) func()
}

type noopProfiler struct{}

func (noopProfiler) Span(string) func() { return func() {} }

// Option configures a Session at construction time, one knob per
// spec.md §6 configuration-surface entry.
type Option func(*Session)

// WithSequential selects the single-threaded SequentialExecutor for
// every Run instead of the default ParallelExecutor, matching
// spec.md §6's enable_sequential_execution.
func WithSequential() Option { return func(s *Session) { s.sequential = true } }

// WithThreadPoolSize sets the parallel executor's worker-pool size; 0
// (the default) means hardware-threads/2, per session_thread_pool_size.
func WithThreadPoolSize(n int) Option { return func(s *Session) { s.threadPoolSize = n } }

// WithMaxTransformSteps caps the rewriter's fixed-point loop, per
// max_num_graph_transformation_steps. Must be >= 1; values < 1 are
// clamped to 1 by rewrite.New.
func WithMaxTransformSteps(k int) Option { return func(s *Session) { s.maxTransformSteps = k } }

// WithMemPattern toggles the memory-pattern cache of spec.md §4.D, per
// enable_mem_pattern. Enabled by default.
func WithMemPattern(enabled bool) Option { return func(s *Session) { s.memPattern = enabled } }

// WithProvider registers an ExecutionProvider other than the built-in
// cpuref default, per spec.md §4.G step 0 ("register default CPU
// provider if none supplied").
func WithProvider(p providerapi.ExecutionProvider, r providerapi.KernelRegistry) Option {
	return func(s *Session) { s.provider = p; s.registry = r }
}

// WithProfiling installs a Profiler; nil (the default) installs a no-op.
func WithProfiling(p Profiler) Option {
	return func(s *Session) {
		if p == nil {
			p = noopProfiler{}
		}
		s.profiler = p
	}
}

// WithLogID tags every klog line this session emits with id, per
// session_logid.
func WithLogID(id string) Option { return func(s *Session) { s.logID = id } }

// RunOptions carries the per-Run knobs of spec.md §6: run_tag and the
// cooperative cancellation flag.
type RunOptions struct {
	RunTag    string
	Terminate *atomic.Bool
}

// RunOption configures a single Run call.
type RunOption func(*RunOptions)

// WithRunTag attaches a caller-chosen tag to one Run's log lines.
func WithRunTag(tag string) RunOption { return func(o *RunOptions) { o.RunTag = tag } }

// WithTerminate installs the shared cancellation flag another goroutine
// can set to stop this Run cooperatively, per spec.md §5.
func WithTerminate(t *atomic.Bool) RunOption { return func(o *RunOptions) { o.Terminate = t } }

// shapeKey identifies one input-shape tuple for the memory-pattern
// cache: the ordered list of graph-input shapes for one Run, per
// spec.md §4.G step 6 ("on first run with a new input-shape tuple").
type shapeKey string

// Session is the loaded, immutable-after-Load orchestrator state:
// exactly one Session per model, reusable across many Runs.
type Session struct {
	sequential        bool
	threadPoolSize    int
	maxTransformSteps int
	memPattern        bool
	profiler          Profiler
	logID             string

	provider providerapi.ExecutionProvider
	registry providerapi.KernelRegistry

	mu       sync.Mutex
	loaded   bool
	graph    *graph.Graph
	plan     *memplan.Plan
	patterns map[shapeKey]*memplan.Pattern
}

// New constructs an unloaded Session with defaults matching spec.md §6:
// parallel execution, thread-pool size 0 (hardware/2), a 10-step
// transform cap, mem-pattern enabled, and the built-in cpuref
// provider/registry.
func New(opts ...Option) *Session {
	s := &Session{
		maxTransformSteps: 10,
		memPattern:        true,
		profiler:          noopProfiler{},
		provider:          cpuref.NewProvider(),
		registry:          cpuref.NewRegistry(),
		patterns:          map[shapeKey]*memplan.Pattern{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load runs the single-shot pipeline of spec.md §4.G: register the
// default provider (already done at construction unless WithProvider
// overrode it), run the rewriter to a fixed point, and build the
// execution plan. Load may be called at most once per Session; a second
// call is a ModelAlreadyLoaded error.
func (s *Session) Load(g *graph.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return rterrors.New(rterrors.ModelAlreadyLoaded, "session: Load called twice")
	}

	end := s.profiler.Span("Rewrite")
	engine := defaultEngine(s.maxTransformSteps)
	if _, err := engine.Run(g); err != nil {
		end()
		return rterrors.Wrap(rterrors.Fail, err, "session: rewrite failed")
	}
	end()

	end = s.profiler.Span("Plan")
	plan, err := memplan.Build(g, kernelMetadata{})
	end()
	if err != nil {
		return rterrors.Wrap(rterrors.Fail, err, "session: plan build failed")
	}

	s.graph = g
	s.plan = plan
	s.loaded = true
	klog.V(1).Infof("session[%s]: loaded graph %q (%d nodes)", s.logID, g.Name, len(g.Nodes()))
	return nil
}

// kernelMetadata places every node at its already-assigned
// Provider/Device (defaulting to CPU/0, since this repo's only wired
// provider is cpuref), per spec.md §4.G step 0.
type kernelMetadata struct{}

func (kernelMetadata) LocationFor(n *graph.Node) memplan.Location {
	provider := n.Provider
	if provider == "" {
		provider = "CPU"
	}
	return memplan.Location{Provider: provider, Device: n.Device, MemType: memplan.Default}
}

// defaultEngine wires the built-in rule set in the order spec.md §4.C
// prescribes: Unsqueeze-elim, then constant-folding, then
// Identity/Slice elimination, then the three Conv-fusion rules in
// BN/Mul/Add order.
func defaultEngine(stepCap int) *rewrite.Engine {
	e := rewrite.New(stepCap)
	e.AddGroup("unsqueeze", rules.Unsqueeze{})
	e.AddGroup("fold", rules.ConstantFold{})
	e.AddGroup("identity", rules.Identity{})
	e.AddGroup("slice", rules.Slice{})
	e.AddGroup("conv-bn", rules.ConvBatchNorm{})
	e.AddGroup("conv-mul", rules.ConvMul{})
	e.AddGroup("conv-add", rules.ConvAdd{})
	return e
}

// Run executes the loaded graph once against feeds, returning the
// requested fetches: it validates feeds and fetch names, seeds a fresh
// frame (realizing the cached memory pattern for these input shapes when
// there is one), executes, collects the fetches, and caches a pattern
// after the first run for a shape. Feeds are bound into the frame as
// given and fetches are returned as the frame holds them; no tensor is
// copied between devices.
func (s *Session) Run(feeds map[string]*frame.Tensor, fetchNames []string, opts ...RunOption) (map[string]*frame.Tensor, error) {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return nil, rterrors.New(rterrors.Fail, "session: Run called before Load")
	}
	g, plan := s.graph, s.plan
	s.mu.Unlock()

	ro := &RunOptions{}
	for _, opt := range opts {
		opt(ro)
	}
	if ro.RunTag == "" {
		// spec.md §6 makes run_tag an optional caller-supplied string; a
		// generated one still gives every Run's log lines a unique
		// correlation id, the same role the teacher's UUID usage plays
		// for its own request/session identifiers.
		ro.RunTag = uuid.NewString()
	}

	if err := validateFeeds(g, feeds); err != nil {
		return nil, err
	}
	if err := validateFetches(g, fetchNames); err != nil {
		return nil, err
	}

	end := s.profiler.Span("Run")
	defer end()

	seed, err := frame.SeedFromGraph(plan, initializerTensors(g, plan), feeds)
	if err != nil {
		return nil, err
	}

	key := feedShapeKey(plan, feeds)
	s.mu.Lock()
	pattern := s.patterns[key]
	s.mu.Unlock()

	fr := frame.New(plan, seed, pattern)

	if err := s.provider.OnRunStart(); err != nil {
		return nil, rterrors.Wrap(rterrors.RuntimeException, err, "session: OnRunStart")
	}
	req := exec.Request{Graph: g, Plan: plan, Frame: fr, Registry: s.registry, Provider: s.provider, Terminate: ro.Terminate}
	executor := s.executor()
	runErr := executor.Run(req)
	if endErr := s.provider.OnRunEnd(); endErr != nil && runErr == nil {
		runErr = rterrors.Wrap(rterrors.RuntimeException, endErr, "session: OnRunEnd")
	}
	if runErr != nil {
		klog.Warningf("session[%s]: run %q failed: %v", s.logID, ro.RunTag, runErr)
		return nil, runErr
	}

	fetches := make(map[string]*frame.Tensor, len(fetchNames))
	for _, name := range fetchNames {
		idx := plan.ValueIndex[name]
		mv := fr.GetMLValue(idx)
		if mv == nil || mv.Tensor == nil {
			return nil, rterrors.Errorf(rterrors.RuntimeException, "session: fetch %q was never produced", name)
		}
		fetches[name] = mv.Tensor
	}

	if s.memPattern && pattern == nil {
		newPattern := plan.ComputePattern(func(idx int) int64 {
			mv := fr.GetMLValue(idx)
			if mv == nil || mv.Tensor == nil {
				return 0
			}
			return int64(mv.Tensor.DType.Size()) * mv.Tensor.Shape.Size()
		})
		s.mu.Lock()
		s.patterns[key] = newPattern
		s.mu.Unlock()
	}

	return fetches, nil
}

func (s *Session) executor() exec.Executor {
	if s.sequential {
		return exec.SequentialExecutor{}
	}
	return exec.ParallelExecutor{PoolSize: s.threadPoolSize}
}

// initializerTensors builds the initializer half of frame.SeedFromGraph's
// seed input by walking plan.Names (rather than g.Inputs(), which this
// graph model keeps disjoint from initializers) and fetching each
// initializer's data straight from the graph.
func initializerTensors(g *graph.Graph, plan *memplan.Plan) map[string]*frame.Tensor {
	out := map[string]*frame.Tensor{}
	for idx, name := range plan.Names {
		if !plan.IsInitializer[idx] {
			continue
		}
		if init, ok := g.GetInitializedTensor(name); ok {
			out[init.Name] = &frame.Tensor{DType: init.Shape.DType, Shape: init.Shape, Flat: init.Flat}
		}
	}
	return out
}

func validateFeeds(g *graph.Graph, feeds map[string]*frame.Tensor) error {
	for _, in := range g.Inputs() {
		if _, isInit := g.GetInitializedTensor(in.Name); isInit {
			continue
		}
		t, ok := feeds[in.Name]
		if !ok {
			return rterrors.Errorf(rterrors.InvalidArgument, "session: missing feed for required input %q", in.Name)
		}
		if t.DType != in.Type.DType {
			return rterrors.Errorf(rterrors.InvalidArgument, "session: feed %q has dtype %s, want %s", in.Name, t.DType, in.Type.DType)
		}
	}
	return nil
}

func validateFetches(g *graph.Graph, fetchNames []string) error {
	for _, name := range fetchNames {
		if !g.IsGraphOutput(name) {
			return rterrors.Errorf(rterrors.InvalidArgument, "session: %q is not a declared graph output", name)
		}
	}
	return nil
}

// feedShapeKey builds the memory-pattern cache key from the concrete
// shape of every graph input in this Run, per spec.md §4.D's "keyed on
// the input-shape tuple".
func feedShapeKey(plan *memplan.Plan, feeds map[string]*frame.Tensor) shapeKey {
	key := ""
	for idx, name := range plan.Names {
		if !plan.IsGraphInput[idx] {
			continue
		}
		t, ok := feeds[name]
		if !ok {
			continue
		}
		key += name + ":" + t.Shape.String() + ";"
	}
	return shapeKey(key)
}
