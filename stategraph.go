// Package stategraph provides a top-level convenience entry point for the
// workflow graph runtime.
//
// Usage:
//
//	import "github.com/stategraph/stategraph"
//
//	g := stategraph.NewGraph()
//	g.AddNode("draft", draftFn)
//	g.AddEdge("draft", stategraph.End)
//	g.SetEntryPoint("draft")
//	compiled, err := g.Compile()
//
//	rt, err := stategraph.Open(ctx, stategraph.DefaultConfig())
//	exec, err := rt.Executor(compiled)
//	result, err := exec.Start(ctx, "thread-1", stategraph.State{"topic": "go"})
//
// The graph, checkpoint and config packages remain importable directly;
// this package only wires them together.
package stategraph

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stategraph/stategraph/checkpoint"
	"github.com/stategraph/stategraph/config"
	"github.com/stategraph/stategraph/graph"
	"github.com/stategraph/stategraph/internal/metrics"
	"github.com/stategraph/stategraph/internal/telemetry"
	"github.com/stategraph/stategraph/types"
)

// End is the reserved terminal sentinel for edges.
const End = graph.End

// Core type aliases so simple callers need only this import.
type (
	State      = types.State
	NodeFunc   = graph.NodeFunc
	RouteFunc  = graph.RouteFunc
	Result     = graph.Result
	Checkpoint = checkpoint.Checkpoint
	Config     = config.Config
)

// NewGraph creates an empty graph builder.
var NewGraph = graph.New

// RouteByField returns a router reading the label from a state field.
var RouteByField = graph.RouteByField

// DefaultConfig returns the default runtime configuration.
var DefaultConfig = config.DefaultConfig

// LoadConfig loads configuration from a YAML file with env overrides.
func LoadConfig(path string) (*config.Config, error) {
	return config.NewLoader().WithConfigPath(path).Load()
}

// Runtime bundles the configured pieces of the system: logger, checkpoint
// store, metrics and telemetry. One Runtime serves any number of compiled
// graphs and executors.
type Runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	manager   *checkpoint.Manager
	collector *metrics.Collector
	providers *telemetry.Providers

	closers []func(context.Context) error
}

// Open builds a Runtime from configuration: the checkpoint backend, the
// logger and, when enabled, OpenTelemetry export.
func Open(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := cfg.Log.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	rt := &Runtime{cfg: cfg, logger: logger}

	store, err := rt.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rt.manager = checkpoint.NewManager(store, logger)
	rt.collector = metrics.NewCollector(cfg.Engine.MetricsNamespace, nil, logger)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	rt.providers = providers
	rt.closers = append(rt.closers, providers.Shutdown)

	logger.Info("runtime opened",
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
	)
	return rt, nil
}

// openStore builds the configured checkpoint backend.
func (r *Runtime) openStore(ctx context.Context) (checkpoint.Store, error) {
	cp := r.cfg.Checkpoint
	switch cp.Backend {
	case config.BackendMemory:
		return checkpoint.NewMemoryStore(), nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cp.Redis.Addr,
			Password: cp.Redis.Password,
			DB:       cp.Redis.DB,
			PoolSize: cp.Redis.PoolSize,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		r.closers = append(r.closers, func(context.Context) error { return client.Close() })
		return checkpoint.NewRedisStore(client, cp.Redis.Prefix, cp.Redis.TTL, r.logger), nil

	case config.BackendSQLite:
		db, err := checkpoint.OpenSQLite(cp.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return checkpoint.NewGormStore(db, r.logger, true)

	case config.BackendPostgres:
		db, err := checkpoint.OpenPostgres(cp.Database.PostgresDSN())
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return checkpoint.NewGormStore(db, r.logger, false)

	case config.BackendMySQL:
		db, err := checkpoint.OpenMySQL(cp.Database.MySQLDSN())
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		return checkpoint.NewGormStore(db, r.logger, false)

	case config.BackendMongo:
		coll, err := checkpoint.OpenMongo(ctx, cp.Mongo.URI, cp.Mongo.Database, cp.Mongo.Collection)
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		store := checkpoint.NewMongoStore(coll, r.logger)
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cp.Backend)
	}
}

// Logger returns the runtime logger.
func (r *Runtime) Logger() *zap.Logger { return r.logger }

// Checkpoints returns the checkpoint manager.
func (r *Runtime) Checkpoints() *checkpoint.Manager { return r.manager }

// Executor creates an executor for a compiled graph, pre-wired with the
// runtime's checkpoint manager, logger, metrics, tracer and the engine
// limits from configuration. Extra options override the wired defaults.
func (r *Runtime) Executor(g *graph.CompiledGraph, opts ...graph.Option) (*graph.Executor, error) {
	eng := r.cfg.Engine
	base := []graph.Option{
		graph.WithLogger(r.logger),
		graph.WithCheckpoints(r.manager),
		graph.WithMaxIterations(eng.MaxIterations),
		graph.WithNodeTimeout(eng.NodeTimeout),
		graph.WithMetrics(r.collector),
		graph.WithTracer(r.providers.Tracer()),
		graph.WithMaxConcurrentRuns(eng.MaxConcurrentRuns),
	}
	if eng.StepRate > 0 {
		burst := eng.StepBurst
		if burst < 1 {
			burst = 1
		}
		base = append(base, graph.WithStepLimiter(rate.NewLimiter(rate.Limit(eng.StepRate), burst)))
	}
	return graph.NewExecutor(g, append(base, opts...)...)
}

// Close flushes telemetry and releases backend connections.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	for _, closer := range r.closers {
		if err := closer(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
