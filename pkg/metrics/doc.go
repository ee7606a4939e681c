/*
Package metrics exports Prometheus metrics for reconciliation passes,
policy validation, secret generation, and volume migrations.

Metrics are registered at init time. A process that wants to expose them
serves Handler() on an HTTP endpoint; the CLI does not serve metrics by
default since a pass is a point-in-time run, but the counters still feed
the per-pass summary output.

The Timer helper measures step and pass durations:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PassDuration)
*/
package metrics
