package stategraph

import (
	"context"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stategraph/stategraph/config"
	"github.com/stategraph/stategraph/types"
)

// Prometheus refuses duplicate registrations on the default registry, so
// every Runtime in this file gets its own metrics namespace.
var namespaceSeq uint64

func quietConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Engine.MetricsNamespace = "stategraph_test_" + strconv.FormatUint(atomic.AddUint64(&namespaceSeq, 1), 10)
	cfg.Log.Level = "error"
	return cfg
}

func TestOpen_MemoryBackendEndToEnd(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, quietConfig())
	require.NoError(t, err)
	defer rt.Close(ctx)

	g := NewGraph()
	require.NoError(t, g.AddNode("draft", func(ctx context.Context, state State) (State, error) {
		return State{"drafted": true}, nil
	}))
	require.NoError(t, g.AddNode("publish", func(ctx context.Context, state State) (State, error) {
		return State{"published": true}, nil
	}))
	require.NoError(t, g.AddEdge("draft", "publish"))
	require.NoError(t, g.AddEdge("publish", End))
	require.NoError(t, g.SetEntryPoint("draft"))
	g.InterruptBefore("publish")
	compiled, err := g.Compile()
	require.NoError(t, err)

	exec, err := rt.Executor(compiled)
	require.NoError(t, err)

	suspended, err := exec.Start(ctx, "t1", State{})
	require.NoError(t, err)
	require.Equal(t, types.StatusSuspended, suspended.Status)
	assert.Equal(t, "publish", suspended.NextNode)

	cp, err := rt.Checkpoints().Latest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "publish", cp.NodeID)

	resumed, err := exec.Resume(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, resumed.Status)
	assert.True(t, resumed.State.GetBool("published"))
}

func TestOpen_SQLiteBackend(t *testing.T) {
	ctx := context.Background()
	cfg := quietConfig()
	cfg.Checkpoint.Backend = config.BackendSQLite
	cfg.Checkpoint.Database.Path = filepath.Join(t.TempDir(), "cp.db")

	rt, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer rt.Close(ctx)

	g := NewGraph()
	require.NoError(t, g.AddNode("step", func(ctx context.Context, state State) (State, error) {
		return State{"done": true}, nil
	}))
	require.NoError(t, g.AddEdge("step", End))
	require.NoError(t, g.SetEntryPoint("step"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	exec, err := rt.Executor(compiled)
	require.NoError(t, err)
	result, err := exec.Start(ctx, "t1", State{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, result.Status)

	// The completion snapshot survives in the relational store.
	cp, err := rt.Checkpoints().Latest(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, cp.State.GetBool("done"))
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Checkpoint.Backend = "carrier-pigeon"

	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}

func TestLoadConfig_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.BackendMemory, cfg.Checkpoint.Backend)
}
