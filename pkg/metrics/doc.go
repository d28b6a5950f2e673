// Package metrics implements a small in-process metrics registry with
// Prometheus text exposition.
//
// relayd keeps its metric surface deliberately narrow: monotonically
// increasing counters and settable gauges, exposed at /metrics. There are no
// external collector dependencies; the registry renders the standard text
// format directly.
package metrics
