/*
Package log provides structured logging for the time-series core using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("ingest")                  │          │
	│  │  - WithShard(3)                             │          │
	│  │  - WithPartition("2024-05-01")              │          │
	│  │  - WithTable("telemetry", "cpu")            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │  {"level":"info","component":"lifecycle",   │          │
	│  │   "shard":3,"time":"...","message":"..."}   │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	ingestLog := log.WithComponent("ingest")
	ingestLog.Info().Uint32("shard", shard).Msg("buffer opened")

	log.Logger.Error().Err(err).Str("partition_id", partitionID).Msg("persist failed")

Context loggers chain with WithComponent for cross-cutting fields:

	compactLog := log.WithComponent("compact").
		With().Str("partition_id", partitionID).Logger()
	compactLog.Info().Msg("plan computed")

# Integration Points

This package integrates with every long-running component:

  - pkg/ingest: logs buffer apply/persist decisions
  - pkg/lifecycle: logs persist-selection evaluations
  - pkg/compact: logs compaction/split plans and commits
  - pkg/query: logs reconciliation outcomes
  - pkg/catalog, pkg/objectstore, pkg/wal: do not log; their errors are returned to the caller
*/
package log
