package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records runtime metrics. All methods are safe on a nil
// receiver, so callers never have to guard the "metrics disabled" case.
type Collector struct {
	nodeExecutionsTotal   *prometheus.CounterVec
	nodeExecutionDuration *prometheus.HistogramVec
	runsTotal             *prometheus.CounterVec
	guardTripsTotal       *prometheus.CounterVec
	checkpointSavesTotal  prometheus.Counter
	checkpointLoadsTotal  prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the runtime metrics under the given namespace. A
// nil registerer uses the default Prometheus registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.nodeExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node executions",
		},
		[]string{"node", "outcome"},
	)

	c.nodeExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Node step function duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"node"},
	)

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of finished runs by status",
		},
		[]string{"status"},
	)

	c.guardTripsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iteration_guard_trips_total",
			Help:      "Total number of iteration guard trips",
		},
		[]string{"node"},
	)

	c.checkpointSavesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_saves_total",
			Help:      "Total number of checkpoints persisted",
		},
	)

	c.checkpointLoadsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_loads_total",
			Help:      "Total number of checkpoints loaded for resume",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// NodeExecuted records one step function invocation.
func (c *Collector) NodeExecuted(node, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.nodeExecutionsTotal.WithLabelValues(node, outcome).Inc()
	c.nodeExecutionDuration.WithLabelValues(node).Observe(duration.Seconds())
}

// RunFinished records the final status of one start or resume.
func (c *Collector) RunFinished(status string) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(status).Inc()
}

// GuardTripped records an iteration guard abort for a node.
func (c *Collector) GuardTripped(node string) {
	if c == nil {
		return
	}
	c.guardTripsTotal.WithLabelValues(node).Inc()
}

// CheckpointSaved records one persisted checkpoint.
func (c *Collector) CheckpointSaved() {
	if c == nil {
		return
	}
	c.checkpointSavesTotal.Inc()
}

// CheckpointLoaded records one checkpoint load.
func (c *Collector) CheckpointLoaded() {
	if c == nil {
		return
	}
	c.checkpointLoadsTotal.Inc()
}
