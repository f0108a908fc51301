// Package metrics provides Prometheus metrics for the workflow runtime:
// node executions and durations, run outcomes, iteration-guard trips and
// checkpoint traffic. This package is internal and should not be imported
// by external projects.
package metrics
