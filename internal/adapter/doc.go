/*
Package adapter turns a configuration into a running storage manager.

It opens the four tiers (SQLite for local, an in-process map for session,
the LRU cache for memory and S3 or an in-process store for remote), derives
the codec from the encode policy, wires the metrics collector, health
tracker and memory monitor into the manager and installs the OTLP tracer
provider when tracing is enabled.

# Lifecycle

	adapter, err := adapter.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := adapter.Start(ctx); err != nil {
		return err
	}
	defer adapter.Stop(ctx)

Start hydrates the index from the local tier and launches the sync ticker,
the memory monitor and the tier health probes. When benchmark.run_on_startup
is set the benchmark suite runs in the background; its result is logged and
never delays startup.

Stop closes the manager, which stops every ticker and waits for queued
operations, then flushes pending spans.

# Remote URIs

ApplyRemoteURI accepts s3://bucket/prefix or memory:// and rewrites the
remote section of a configuration accordingly, so command line flags can
override the file.
*/
package adapter
