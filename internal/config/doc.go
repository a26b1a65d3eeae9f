/*
Package config provides configuration management for the tiered store.

Configuration is resolved from three sources, later sources overriding earlier ones:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (TIERSTORE_*)                     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File (YAML)           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	└─────────────────────────────────────────────┘

Environment names are built from the section prefix and the field name, for example
TIERSTORE_SYNC_INTERVAL=1m or TIERSTORE_REMOTE_S3_BUCKET=my-bucket.

# Sections

  - global: log level and format, default tier, caller-side operation timeout
  - storage: path of the SQLite file backing the durable-local tier
  - codec: default encrypt/compress policy, compression algorithm, passphrase
  - cache: entry and byte capacity of the in-memory tier, default TTL
  - remote: transport selection (memory or s3), retry and circuit breaker
  - chunking: threshold and chunk size for large payloads
  - sync: change queue flush interval and retry budget
  - memory: heap sampling, leak threshold, high-usage ceilings, cleanup target
  - metrics: rolling window and operation log size
  - benchmark: optional startup benchmark
  - api: HTTP listener
  - tracing: OTLP span export

# Usage

	cfg, err := config.Load("/etc/tierstore/config.yaml")
	if err != nil {
		log.Fatal(err)
	}

Sizes are human readable strings ("64MB", "1.5GB") and are parsed with utils.ParseBytes.
*/
package config
