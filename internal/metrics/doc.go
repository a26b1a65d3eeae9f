/*
Package metrics records storage operations for scraping and for rolling-window
diagnostics.

Every operation produces a types.OperationRecord. The Collector feeds it to
Prometheus counters and histograms and also keeps it in a fixed-size ring.
Snapshot aggregates the ring over a trailing window:

	m := collector.Snapshot(time.Second, "")
	fmt.Println(m.P99, m.HitRate, m.OpsPerSec)

Subsystems without per-key records (the sync engine, the benchmark harness)
report through RecordMetric, the generic category/operation timing sink.

Handler exposes the registry in the Prometheus text format; the API server
mounts it at /metrics.
*/
package metrics
