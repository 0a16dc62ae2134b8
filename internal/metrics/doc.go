// Package metrics defines the Prometheus instruments exported by the
// aggregator at /metrics.
package metrics
