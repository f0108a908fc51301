package graph

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stategraph/stategraph/checkpoint"
	"github.com/stategraph/stategraph/internal/metrics"
	"github.com/stategraph/stategraph/types"
)

// DefaultMaxIterations bounds how many times any single node may run within
// one start or resume before the thread is failed.
const DefaultMaxIterations = 25

// Result is the typed outcome of one start or resume. Execution-time
// failures are reported here rather than as a Go error, so a caller that
// resumes a thread can always inspect why a prior attempt stopped.
type Result struct {
	ThreadID string
	Status   types.RunStatus
	State    types.State

	// NextNode is the node the thread will continue at, set when Suspended.
	NextNode string

	// Checkpoint is the snapshot persisted by this run, nil when no
	// checkpoint manager is configured or the run failed.
	Checkpoint *checkpoint.Checkpoint

	// Err carries the failure when Status is StatusFailed.
	Err *types.Error

	// Steps counts the node executions performed by this run.
	Steps int
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithCheckpoints attaches a checkpoint manager, enabling suspend/resume.
func WithCheckpoints(mgr *checkpoint.Manager) Option {
	return func(e *Executor) { e.checkpoints = mgr }
}

// WithMaxIterations overrides the per-node iteration limit.
func WithMaxIterations(max int) Option {
	return func(e *Executor) {
		if max > 0 {
			e.maxIterations = max
		}
	}
}

// WithNodeTimeout bounds how long any single step function may run. Zero
// means no timeout.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Executor) { e.nodeTimeout = d }
}

// WithStepLimiter throttles node executions across all threads of this
// executor, typically to respect a downstream model or tool quota.
func WithStepLimiter(limiter *rate.Limiter) Option {
	return func(e *Executor) { e.limiter = limiter }
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(e *Executor) { e.metrics = collector }
}

// WithTracer attaches an OpenTelemetry tracer; one span is emitted per run
// and one per node execution.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithMaxConcurrentRuns caps how many threads RunMany drives at once.
func WithMaxConcurrentRuns(n int) Option {
	return func(e *Executor) { e.maxConcurrent = n }
}

// Executor drives threads through a compiled graph. Nodes of one thread run
// strictly sequentially; distinct threads may run concurrently against the
// same compiled graph.
type Executor struct {
	graph         *CompiledGraph
	checkpoints   *checkpoint.Manager
	logger        *zap.Logger
	maxIterations int
	nodeTimeout   time.Duration
	limiter       *rate.Limiter
	metrics       *metrics.Collector
	tracer        trace.Tracer
	maxConcurrent int

	mu     sync.Mutex
	active map[string]bool
}

// NewExecutor creates an executor for a compiled graph. Graphs that declare
// interrupt points require a checkpoint manager, otherwise a suspended
// thread could never be resumed.
func NewExecutor(g *CompiledGraph, opts ...Option) (*Executor, error) {
	if g == nil {
		return nil, types.NewError(types.ErrGraphIntegrity, "compiled graph cannot be nil")
	}
	e := &Executor{
		graph:         g,
		logger:        zap.NewNop(),
		maxIterations: DefaultMaxIterations,
		tracer:        noop.NewTracerProvider().Tracer("stategraph"),
		active:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "graph_executor"))
	if g.hasInterrupts() && e.checkpoints == nil {
		return nil, types.NewError(types.ErrGraphIntegrity,
			"graph declares interrupt points but no checkpoint manager is configured")
	}
	return e, nil
}

// Start begins a fresh execution of the graph under the given thread id.
// An empty thread id gets a generated one. The returned error covers usage
// problems only (busy thread); execution failures come back in the Result.
func (e *Executor) Start(ctx context.Context, threadID string, initial types.State) (*Result, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	release, err := e.acquire(threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	e.logger.Info("thread started",
		zap.String("thread_id", threadID),
		zap.String("entry", e.graph.entry),
	)
	return e.run(ctx, threadID, e.graph.entry, initial.Clone(), false)
}

// Resume continues a suspended thread from its latest checkpoint. Edits are
// overlaid on the checkpointed state before execution continues, which is
// how an approval decision or correction reaches the pending node.
func (e *Executor) Resume(ctx context.Context, threadID string, edits types.State) (*Result, error) {
	return e.resume(ctx, threadID, 0, edits)
}

// ResumeFrom continues a thread from a specific historical checkpoint
// instead of the latest one (time travel). The resumed run appends new
// checkpoints after the thread's current highest sequence number.
func (e *Executor) ResumeFrom(ctx context.Context, threadID string, seq int64, edits types.State) (*Result, error) {
	return e.resume(ctx, threadID, seq, edits)
}

func (e *Executor) resume(ctx context.Context, threadID string, seq int64, edits types.State) (*Result, error) {
	if e.checkpoints == nil {
		return nil, types.NewError(types.ErrNotFound, "no checkpoint manager configured").WithThread(threadID)
	}
	release, err := e.acquire(threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	var cp *checkpoint.Checkpoint
	if seq > 0 {
		cp, err = e.checkpoints.Get(ctx, threadID, seq)
	} else {
		cp, err = e.checkpoints.Latest(ctx, threadID)
	}
	if err != nil {
		return nil, err
	}
	e.metrics.CheckpointLoaded()

	state := cp.State.Merge(edits)
	if cp.NodeID == End {
		// The thread already finished; resuming it is a no-op.
		return &Result{ThreadID: threadID, Status: types.StatusCompleted, State: state}, nil
	}

	e.logger.Info("thread resumed",
		zap.String("thread_id", threadID),
		zap.Int64("seq", cp.Seq),
		zap.String("pending_node", cp.NodeID),
		zap.Int("edits", len(edits)),
	)
	return e.run(ctx, threadID, cp.NodeID, state, true)
}

// Checkpoint returns the latest persisted snapshot of a thread.
func (e *Executor) Checkpoint(ctx context.Context, threadID string) (*checkpoint.Checkpoint, error) {
	if e.checkpoints == nil {
		return nil, types.NewError(types.ErrNotFound, "no checkpoint manager configured").WithThread(threadID)
	}
	return e.checkpoints.Latest(ctx, threadID)
}

// History lists a thread's checkpoints, newest first.
func (e *Executor) History(ctx context.Context, threadID string, limit int) ([]*checkpoint.Checkpoint, error) {
	if e.checkpoints == nil {
		return nil, types.NewError(types.ErrNotFound, "no checkpoint manager configured").WithThread(threadID)
	}
	return e.checkpoints.History(ctx, threadID, limit)
}

// acquire marks a thread as live, failing if it already is. At most one
// start or resume of a thread runs at a time.
func (e *Executor) acquire(threadID string) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[threadID] {
		return nil, types.NewErrorf(types.ErrThreadBusy, "thread %q is already executing", threadID).WithThread(threadID)
	}
	e.active[threadID] = true
	return func() {
		e.mu.Lock()
		delete(e.active, threadID)
		e.mu.Unlock()
	}, nil
}

// run is the scheduling loop: execute the current node, resolve the next
// one, repeat until End, an interrupt point, or a failure.
func (e *Executor) run(ctx context.Context, threadID, startNode string, state types.State, resumed bool) (*Result, error) {
	logger := e.logger.With(zap.String("thread_id", threadID))
	ctx, span := e.tracer.Start(ctx, "graph.run",
		trace.WithAttributes(attribute.String("thread.id", threadID)))
	defer span.End()

	guard := newIterationGuard(e.maxIterations)
	current := startNode
	skipInterrupt := resumed // the resumed node's interrupt already fired
	steps := 0

	for current != End {
		select {
		case <-ctx.Done():
			return e.fail(logger, span, threadID, state, steps,
				types.NewError(types.ErrCancelled, "thread cancelled between nodes").WithCause(ctx.Err())), nil
		default:
		}

		if e.graph.InterruptsBefore(current) && !skipInterrupt {
			cp, err := e.checkpoints.Save(ctx, threadID, current, state, map[string]any{"reason": "interrupt"})
			if err != nil {
				return nil, err
			}
			e.metrics.CheckpointSaved()
			e.metrics.RunFinished(string(types.StatusSuspended))
			span.AddEvent("suspended", trace.WithAttributes(attribute.String("node.id", current)))
			logger.Info("thread suspended",
				zap.String("pending_node", current),
				zap.Int64("seq", cp.Seq),
			)
			return &Result{
				ThreadID:   threadID,
				Status:     types.StatusSuspended,
				State:      state,
				NextNode:   current,
				Checkpoint: cp,
				Steps:      steps,
			}, nil
		}
		skipInterrupt = false

		if err := guard.enter(current); err != nil {
			e.metrics.GuardTripped(current)
			return e.fail(logger, span, threadID, state, steps, err), nil
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return e.fail(logger, span, threadID, state, steps,
					types.NewError(types.ErrCancelled, "thread cancelled while rate limited").WithCause(err)), nil
			}
		}

		out, label, err := e.invoke(ctx, current, state)
		if err != nil {
			return e.fail(logger, span, threadID, state, steps, err), nil
		}
		steps++
		state = state.Merge(out)

		next, err := e.graph.next(current, state, label)
		if err != nil {
			return e.fail(logger, span, threadID, state, steps, err), nil
		}
		current = next
	}

	result := &Result{
		ThreadID: threadID,
		Status:   types.StatusCompleted,
		State:    state,
		Steps:    steps,
	}
	if e.checkpoints != nil && steps > 0 {
		cp, err := e.checkpoints.Save(ctx, threadID, End, state, nil)
		if err != nil {
			return nil, err
		}
		e.metrics.CheckpointSaved()
		result.Checkpoint = cp
	}
	e.metrics.RunFinished(string(types.StatusCompleted))
	span.SetStatus(codes.Ok, "")
	logger.Info("thread completed", zap.Int("steps", steps))
	return result, nil
}

// invoke runs one step function with tracing, metrics and the configured
// timeout. Step failures come back as NODE_EXECUTION wrapping the original
// cause; timeouts as NODE_TIMEOUT.
func (e *Executor) invoke(ctx context.Context, nodeID string, state types.State) (types.State, string, error) {
	n := e.graph.nodes[nodeID]
	ctx, span := e.tracer.Start(ctx, "graph.node",
		trace.WithAttributes(attribute.String("node.id", nodeID)))
	defer span.End()

	start := time.Now()
	out, label, err := e.call(ctx, n, state)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.SetStatus(codes.Error, err.Error())
	}
	e.metrics.NodeExecuted(nodeID, outcome, elapsed)
	e.logger.Debug("node executed",
		zap.String("node_id", nodeID),
		zap.Duration("duration", elapsed),
		zap.String("outcome", outcome),
	)

	if err != nil {
		if types.IsCode(err, types.ErrNodeTimeout) {
			return nil, "", err
		}
		return nil, "", types.NewErrorf(types.ErrNodeExecution, "node %q failed", nodeID).WithNode(nodeID).WithCause(err)
	}
	return out, label, nil
}

// call dispatches to the step function, enforcing the node timeout when one
// is configured. A timed-out step keeps a private copy of the state, so a
// late return can never mutate state the loop has moved on from.
func (e *Executor) call(ctx context.Context, n *node, state types.State) (types.State, string, error) {
	if e.nodeTimeout <= 0 {
		return n.run(ctx, state)
	}

	ctx, cancel := context.WithTimeout(ctx, e.nodeTimeout)
	defer cancel()

	type stepResult struct {
		out   types.State
		label string
		err   error
	}
	done := make(chan stepResult, 1)
	go func() {
		out, label, err := n.run(ctx, state.Clone())
		done <- stepResult{out: out, label: label, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.label, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, "", types.NewErrorf(types.ErrNodeTimeout,
				"node %q exceeded the %s timeout", n.id, e.nodeTimeout).WithNode(n.id)
		}
		return nil, "", types.NewError(types.ErrCancelled, "thread cancelled during node execution").WithNode(n.id).WithCause(ctx.Err())
	}
}

// fail builds the Failed result. Failures never persist a checkpoint: the
// last successful snapshot stays the resume point.
func (e *Executor) fail(logger *zap.Logger, span trace.Span, threadID string, state types.State, steps int, err error) *Result {
	terr := asTyped(err, threadID)
	span.SetStatus(codes.Error, terr.Message)
	e.metrics.RunFinished(string(types.StatusFailed))
	logger.Error("thread failed",
		zap.String("code", string(terr.Code)),
		zap.String("node_id", terr.NodeID),
		zap.Error(terr),
	)
	return &Result{
		ThreadID: threadID,
		Status:   types.StatusFailed,
		State:    state,
		Err:      terr,
		Steps:    steps,
	}
}

func asTyped(err error, threadID string) *types.Error {
	var terr *types.Error
	if !errors.As(err, &terr) {
		terr = types.NewError(types.ErrNodeExecution, "unexpected execution failure").WithCause(err)
	}
	if terr.ThreadID == "" {
		terr.ThreadID = threadID
	}
	return terr
}
