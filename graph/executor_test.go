package graph

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stategraph/stategraph/checkpoint"
	"github.com/stategraph/stategraph/types"
)

func newTestManager() *checkpoint.Manager {
	return checkpoint.NewManager(checkpoint.NewMemoryStore(), zap.NewNop())
}

func increment(key string) NodeFunc {
	return func(ctx context.Context, state types.State) (types.State, error) {
		return types.State{key: state.GetInt(key) + 1}, nil
	}
}

// linearGraph is the canonical 3-node pipeline: each node increments count.
func linearGraph(t *testing.T) *CompiledGraph {
	t.Helper()
	g := New()
	require.NoError(t, g.AddNode("start", increment("count")))
	require.NoError(t, g.AddNode("middle", increment("count")))
	require.NoError(t, g.AddNode("finish", increment("count")))
	require.NoError(t, g.AddEdge("start", "middle"))
	require.NoError(t, g.AddEdge("middle", "finish"))
	require.NoError(t, g.AddEdge("finish", End))
	require.NoError(t, g.SetEntryPoint("start"))
	compiled, err := g.Compile()
	require.NoError(t, err)
	return compiled
}

func TestExecutor_LinearPipeline(t *testing.T) {
	t.Parallel()
	exec, err := NewExecutor(linearGraph(t))
	require.NoError(t, err)

	result, err := exec.Start(context.Background(), "t1", types.State{"count": 0})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, 3, result.State.GetInt("count"))
	assert.Equal(t, 3, result.Steps)
	assert.Nil(t, result.Err)
}

func TestExecutor_GeneratesThreadID(t *testing.T) {
	t.Parallel()
	exec, err := NewExecutor(linearGraph(t))
	require.NoError(t, err)

	result, err := exec.Start(context.Background(), "", types.State{})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ThreadID)
}

func TestExecutor_SelfLoopTerminatesBeforeGuard(t *testing.T) {
	t.Parallel()
	passes := 0
	g := New()
	require.NoError(t, g.AddNode("refine", func(ctx context.Context, state types.State) (types.State, error) {
		passes++
		return types.State{"score": state.GetFloat("score") + 0.5}, nil
	}))
	require.NoError(t, g.AddConditionalEdges("refine", func(state types.State) string {
		if state.GetFloat("score") < 0.8 {
			return "retry"
		}
		return "done"
	}, map[string]string{
		"retry": "refine",
		"done":  End,
	}))
	require.NoError(t, g.SetEntryPoint("refine"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(compiled, WithMaxIterations(3))
	require.NoError(t, err)

	result, err := exec.Start(context.Background(), "t1", types.State{"score": 0.0})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, 2, passes)
	assert.InDelta(t, 1.0, result.State.GetFloat("score"), 1e-9)
}

func TestExecutor_IterationGuardFailsRunawayLoop(t *testing.T) {
	t.Parallel()
	const max = 4
	var executions int32
	g := New()
	require.NoError(t, g.AddNode("loop", func(ctx context.Context, state types.State) (types.State, error) {
		atomic.AddInt32(&executions, 1)
		return nil, nil
	}))
	require.NoError(t, g.AddConditionalEdges("loop", func(types.State) string {
		return "again"
	}, map[string]string{"again": "loop", "done": End}))
	require.NoError(t, g.SetEntryPoint("loop"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(compiled, WithMaxIterations(max))
	require.NoError(t, err)

	result, err := exec.Start(context.Background(), "t1", types.State{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	require.NotNil(t, result.Err)
	assert.Equal(t, types.ErrMaxIterationsExceeded, result.Err.Code)
	// The guard trips on entry: the node is never run a max+1-th time.
	assert.Equal(t, int32(max), atomic.LoadInt32(&executions))
}

func TestExecutor_InterruptSuspendsBeforeNodeRuns(t *testing.T) {
	t.Parallel()
	var approveRuns, publishRuns int32
	g := New()
	require.NoError(t, g.AddNode("draft", increment("count")))
	require.NoError(t, g.AddNode("approve", func(ctx context.Context, state types.State) (types.State, error) {
		atomic.AddInt32(&approveRuns, 1)
		return types.State{"approved": true}, nil
	}))
	require.NoError(t, g.AddNode("publish", func(ctx context.Context, state types.State) (types.State, error) {
		atomic.AddInt32(&publishRuns, 1)
		return types.State{"published": true}, nil
	}))
	require.NoError(t, g.AddEdge("draft", "approve"))
	require.NoError(t, g.AddEdge("approve", "publish"))
	require.NoError(t, g.AddEdge("publish", End))
	require.NoError(t, g.SetEntryPoint("draft"))
	g.InterruptBefore("approve")
	compiled, err := g.Compile()
	require.NoError(t, err)

	mgr := newTestManager()
	exec, err := NewExecutor(compiled, WithCheckpoints(mgr))
	require.NoError(t, err)
	ctx := context.Background()

	result, err := exec.Start(ctx, "t1", types.State{"count": 0})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuspended, result.Status)
	assert.Equal(t, "approve", result.NextNode)
	assert.Equal(t, int32(0), atomic.LoadInt32(&approveRuns), "interrupted node must not have run")
	assert.Equal(t, int32(0), atomic.LoadInt32(&publishRuns))

	cp, err := exec.Checkpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "approve", cp.NodeID)
	assert.Equal(t, 1, cp.State.GetInt("count"))

	resumed, err := exec.Resume(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, resumed.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&approveRuns))
	assert.Equal(t, int32(1), atomic.LoadInt32(&publishRuns))
	assert.True(t, resumed.State.GetBool("published"))
}

func TestExecutor_SuspendResumeMatchesUninterruptedRun(t *testing.T) {
	t.Parallel()
	build := func(interrupt bool) *CompiledGraph {
		g := New()
		require.NoError(t, g.AddNode("start", increment("count")))
		require.NoError(t, g.AddNode("middle", increment("count")))
		require.NoError(t, g.AddNode("finish", increment("count")))
		require.NoError(t, g.AddEdge("start", "middle"))
		require.NoError(t, g.AddEdge("middle", "finish"))
		require.NoError(t, g.AddEdge("finish", End))
		require.NoError(t, g.SetEntryPoint("start"))
		if interrupt {
			g.InterruptBefore("middle")
		}
		compiled, err := g.Compile()
		require.NoError(t, err)
		return compiled
	}
	ctx := context.Background()
	initial := types.State{"count": 0}

	plainExec, err := NewExecutor(build(false))
	require.NoError(t, err)
	plain, err := plainExec.Start(ctx, "plain", initial.Clone())
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, plain.Status)

	exec, err := NewExecutor(build(true), WithCheckpoints(newTestManager()))
	require.NoError(t, err)
	suspended, err := exec.Start(ctx, "paused", initial.Clone())
	require.NoError(t, err)
	require.Equal(t, types.StatusSuspended, suspended.Status)

	resumed, err := exec.Resume(ctx, "paused", nil)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, resumed.Status)
	assert.Equal(t, plain.State, resumed.State)
}

func TestExecutor_ResumeEditsReachPendingNode(t *testing.T) {
	t.Parallel()
	g := New()
	require.NoError(t, g.AddNode("gate", passthrough))
	require.NoError(t, g.AddNode("ship", passthrough))
	require.NoError(t, g.AddNode("discard", passthrough))
	require.NoError(t, g.AddConditionalEdges("gate", RouteByField("decision"), map[string]string{
		"approve": "ship",
		"reject":  "discard",
	}))
	require.NoError(t, g.AddEdge("ship", End))
	require.NoError(t, g.AddEdge("discard", End))
	require.NoError(t, g.SetEntryPoint("gate"))
	g.InterruptBefore("gate")
	compiled, err := g.Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(compiled, WithCheckpoints(newTestManager()))
	require.NoError(t, err)
	ctx := context.Background()

	suspended, err := exec.Start(ctx, "t1", types.State{})
	require.NoError(t, err)
	require.Equal(t, types.StatusSuspended, suspended.Status)
	assert.Equal(t, "gate", suspended.NextNode)
	assert.Equal(t, 0, suspended.Steps, "interrupt at entry suspends before anything runs")

	// The human decision arrives as a resume-time state edit.
	resumed, err := exec.Resume(ctx, "t1", types.State{"decision": "approve"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, resumed.Status)
	assert.Equal(t, "approve", resumed.State.GetString("decision"))
}

func TestExecutor_InvalidRouteFailsAndKeepsCheckpoint(t *testing.T) {
	t.Parallel()
	g := New()
	require.NoError(t, g.AddNode("gate", passthrough))
	require.NoError(t, g.AddConditionalEdges("gate", func(types.State) string {
		return "bogus"
	}, map[string]string{"ok": End}))
	require.NoError(t, g.SetEntryPoint("gate"))
	g.InterruptBefore("gate")
	compiled, err := g.Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(compiled, WithCheckpoints(newTestManager()))
	require.NoError(t, err)
	ctx := context.Background()

	suspended, err := exec.Start(ctx, "t1", types.State{})
	require.NoError(t, err)
	require.Equal(t, types.StatusSuspended, suspended.Status)
	before, err := exec.Checkpoint(ctx, "t1")
	require.NoError(t, err)

	result, err := exec.Resume(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	require.NotNil(t, result.Err)
	assert.Equal(t, types.ErrInvalidRoute, result.Err.Code)
	assert.Equal(t, "gate", result.Err.NodeID)

	// A failed run never writes a checkpoint: the suspend snapshot stays
	// the resume point.
	after, err := exec.Checkpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.Seq, after.Seq)
}

func TestExecutor_NodeErrorWrapsCause(t *testing.T) {
	t.Parallel()
	boom := errors.New("downstream unavailable")
	g := New()
	require.NoError(t, g.AddNode("fragile", func(ctx context.Context, state types.State) (types.State, error) {
		return nil, boom
	}))
	require.NoError(t, g.AddEdge("fragile", End))
	require.NoError(t, g.SetEntryPoint("fragile"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(compiled)
	require.NoError(t, err)

	result, err := exec.Start(context.Background(), "t1", types.State{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	require.NotNil(t, result.Err)
	assert.Equal(t, types.ErrNodeExecution, result.Err.Code)
	assert.Equal(t, "fragile", result.Err.NodeID)
	assert.ErrorIs(t, result.Err, boom)
}

func TestExecutor_NodeTimeout(t *testing.T) {
	t.Parallel()
	g := New()
	require.NoError(t, g.AddNode("slow", func(ctx context.Context, state types.State) (types.State, error) {
		select {
		case <-time.After(2 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	require.NoError(t, g.AddEdge("slow", End))
	require.NoError(t, g.SetEntryPoint("slow"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(compiled, WithNodeTimeout(50*time.Millisecond))
	require.NoError(t, err)

	result, err := exec.Start(context.Background(), "t1", types.State{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	require.NotNil(t, result.Err)
	assert.Equal(t, types.ErrNodeTimeout, result.Err.Code)
}

func TestExecutor_CancellationBetweenNodes(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	var secondRan int32
	g := New()
	require.NoError(t, g.AddNode("first", func(ctx context.Context, state types.State) (types.State, error) {
		cancel()
		return nil, nil
	}))
	require.NoError(t, g.AddNode("second", func(ctx context.Context, state types.State) (types.State, error) {
		atomic.AddInt32(&secondRan, 1)
		return nil, nil
	}))
	require.NoError(t, g.AddEdge("first", "second"))
	require.NoError(t, g.AddEdge("second", End))
	require.NoError(t, g.SetEntryPoint("first"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(compiled)
	require.NoError(t, err)

	result, err := exec.Start(ctx, "t1", types.State{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	require.NotNil(t, result.Err)
	assert.Equal(t, types.ErrCancelled, result.Err.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(&secondRan))
}

func TestExecutor_ThreadBusy(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	g := New()
	require.NoError(t, g.AddNode("block", func(ctx context.Context, state types.State) (types.State, error) {
		if state.GetBool("block") {
			close(entered)
			<-release
		}
		return nil, nil
	}))
	require.NoError(t, g.AddEdge("block", End))
	require.NoError(t, g.SetEntryPoint("block"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(compiled)
	require.NoError(t, err)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := exec.Start(ctx, "t1", types.State{"block": true})
		assert.NoError(t, err)
	}()
	<-entered

	_, err = exec.Start(ctx, "t1", types.State{})
	assert.True(t, types.IsCode(err, types.ErrThreadBusy))

	// A different thread id is not affected.
	other, err := exec.Start(ctx, "t2", types.State{})
	if assert.NoError(t, err) {
		assert.Equal(t, types.StatusCompleted, other.Status)
	}

	close(release)
	<-done
}

func TestExecutor_ResumeUnknownThread(t *testing.T) {
	t.Parallel()
	exec, err := NewExecutor(linearGraph(t), WithCheckpoints(newTestManager()))
	require.NoError(t, err)

	_, err = exec.Resume(context.Background(), "never-ran", nil)
	assert.True(t, types.IsNotFound(err))
}

func TestExecutor_InterruptsRequireCheckpointManager(t *testing.T) {
	t.Parallel()
	g := New()
	require.NoError(t, g.AddNode("a", passthrough))
	require.NoError(t, g.AddEdge("a", End))
	require.NoError(t, g.SetEntryPoint("a"))
	g.InterruptBefore("a")
	compiled, err := g.Compile()
	require.NoError(t, err)

	_, err = NewExecutor(compiled)
	assert.True(t, types.IsCode(err, types.ErrGraphIntegrity))
}

func TestExecutor_CompletionPersistsFinalCheckpoint(t *testing.T) {
	t.Parallel()
	exec, err := NewExecutor(linearGraph(t), WithCheckpoints(newTestManager()))
	require.NoError(t, err)
	ctx := context.Background()

	result, err := exec.Start(ctx, "t1", types.State{"count": 0})
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, result.Status)
	require.NotNil(t, result.Checkpoint)

	cp, err := exec.Checkpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, End, cp.NodeID)
	assert.Equal(t, 3, cp.State.GetInt("count"))

	// Resuming a finished thread is a no-op.
	resumed, err := exec.Resume(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, resumed.Status)
	assert.Equal(t, 0, resumed.Steps)
}

func TestExecutor_ResumeFromTimeTravel(t *testing.T) {
	t.Parallel()
	g := New()
	require.NoError(t, g.AddNode("prepare", increment("count")))
	require.NoError(t, g.AddNode("commit", func(ctx context.Context, state types.State) (types.State, error) {
		return types.State{"mode": state.GetString("mode"), "count": state.GetInt("count") + 1}, nil
	}))
	require.NoError(t, g.AddEdge("prepare", "commit"))
	require.NoError(t, g.AddEdge("commit", End))
	require.NoError(t, g.SetEntryPoint("prepare"))
	g.InterruptBefore("commit")
	compiled, err := g.Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(compiled, WithCheckpoints(newTestManager()))
	require.NoError(t, err)
	ctx := context.Background()

	suspended, err := exec.Start(ctx, "t1", types.State{"count": 0, "mode": "dry"})
	require.NoError(t, err)
	require.Equal(t, types.StatusSuspended, suspended.Status)
	interruptSeq := suspended.Checkpoint.Seq

	first, err := exec.Resume(ctx, "t1", nil)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, first.Status)
	assert.Equal(t, "dry", first.State.GetString("mode"))

	// Re-run the pending node from the interrupt snapshot with an edit.
	second, err := exec.ResumeFrom(ctx, "t1", interruptSeq, types.State{"mode": "live"})
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, second.Status)
	assert.Equal(t, "live", second.State.GetString("mode"))
	assert.Equal(t, 2, second.State.GetInt("count"), "replay starts from the snapshot, not the final state")

	// Time travel appends to the history; it never rewrites it.
	history, err := exec.History(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Greater(t, history[0].Seq, first.Checkpoint.Seq)
}

func TestExecutor_RoutingNodeInlineLabel(t *testing.T) {
	t.Parallel()
	g := New()
	require.NoError(t, g.AddRoutingNode("triage", func(ctx context.Context, state types.State) (types.State, string, error) {
		if state.GetInt("severity") >= 8 {
			return types.State{"escalated": true}, "page", nil
		}
		return nil, "ticket", nil
	}))
	require.NoError(t, g.AddNode("page", passthrough))
	require.NoError(t, g.AddNode("ticket", passthrough))
	require.NoError(t, g.AddConditionalEdges("triage", nil, map[string]string{
		"page":   "page",
		"ticket": "ticket",
	}))
	require.NoError(t, g.AddEdge("page", End))
	require.NoError(t, g.AddEdge("ticket", End))
	require.NoError(t, g.SetEntryPoint("triage"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(compiled)
	require.NoError(t, err)
	ctx := context.Background()

	high, err := exec.Start(ctx, "high", types.State{"severity": 9})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, high.Status)
	assert.True(t, high.State.GetBool("escalated"))

	low, err := exec.Start(ctx, "low", types.State{"severity": 2})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, low.Status)
	assert.False(t, low.State.GetBool("escalated"))
}

func TestExecutor_SupervisorHandoff(t *testing.T) {
	t.Parallel()
	worker := func(name, next string) NodeFunc {
		return func(ctx context.Context, state types.State) (types.State, error) {
			log, _ := state["log"].([]string)
			return types.State{
				"log":        append(append([]string(nil), log...), name),
				"next_actor": next,
			}, nil
		}
	}
	g := New()
	require.NoError(t, g.AddNode("supervisor", passthrough))
	require.NoError(t, g.AddNode("researcher", worker("researcher", "writer")))
	require.NoError(t, g.AddNode("writer", worker("writer", "done")))
	require.NoError(t, g.AddConditionalEdges("supervisor", RouteByField("next_actor"), map[string]string{
		"researcher": "researcher",
		"writer":     "writer",
		"done":       End,
	}))
	require.NoError(t, g.AddEdge("researcher", "supervisor"))
	require.NoError(t, g.AddEdge("writer", "supervisor"))
	require.NoError(t, g.SetEntryPoint("supervisor"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(compiled)
	require.NoError(t, err)

	result, err := exec.Start(context.Background(), "t1", types.State{"next_actor": "researcher"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, []string{"researcher", "writer"}, result.State["log"])
}

func TestExecutor_StepLimiterDoesNotChangeOutcome(t *testing.T) {
	t.Parallel()
	exec, err := NewExecutor(linearGraph(t), WithStepLimiter(rate.NewLimiter(rate.Limit(1000), 1)))
	require.NoError(t, err)

	result, err := exec.Start(context.Background(), "t1", types.State{"count": 0})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, 3, result.State.GetInt("count"))
}

func TestExecutor_RunManyIsolatesThreads(t *testing.T) {
	t.Parallel()
	exec, err := NewExecutor(linearGraph(t), WithMaxConcurrentRuns(4))
	require.NoError(t, err)

	runs := make([]Run, 10)
	for i := range runs {
		runs[i] = Run{
			ThreadID: fmt.Sprintf("thread-%d", i),
			Initial:  types.State{"count": i},
		}
	}
	results, err := exec.RunMany(context.Background(), runs)
	require.NoError(t, err)
	require.Len(t, results, len(runs))
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("thread-%d", i), res.ThreadID)
		assert.Equal(t, types.StatusCompleted, res.Status)
		assert.Equal(t, i+3, res.State.GetInt("count"))
	}
}

func TestExecutor_InitialStateIsNotMutated(t *testing.T) {
	t.Parallel()
	exec, err := NewExecutor(linearGraph(t))
	require.NoError(t, err)

	initial := types.State{"count": 0}
	result, err := exec.Start(context.Background(), "t1", initial)
	require.NoError(t, err)
	assert.Equal(t, 3, result.State.GetInt("count"))
	assert.Equal(t, 0, initial.GetInt("count"))
}
