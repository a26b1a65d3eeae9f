/*
Package types provides the core interfaces and data structures shared by the tiered store.

Every other package depends on the contracts defined here; nothing in this package
depends on them.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│        CLI / HTTP API (cmd, pkg/api)        │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              internal/manager               │
	│   serializer → codec → chunk → backend      │
	└─────────────────────────────────────────────┘
	     │           │            │           │
	┌────┴───┐  ┌────┴────┐  ┌────┴───┐  ┌────┴────┐
	│ syncer │  │ memmon  │  │metrics │  │  bench  │
	└────────┘  └─────────┘  └────────┘  └─────────┘

# Data Model

StorageItem is the envelope persisted under each key. Its Checksum always covers the
post-compression, pre-encryption payload and is verified on every read.

ChangeRecord, SyncState and Conflict describe the sync protocol. MemorySnapshot and
OperationRecord feed the memory monitor and the metrics harness.

# Interfaces

Backend is implemented by the four tiers (local, session, memory, remote). RemoteStore
is the transport behind the remote tier; the S3 store in internal/storage/s3 and the
in-process store in internal/backend both satisfy it.
*/
package types
