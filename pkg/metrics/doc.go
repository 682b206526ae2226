/*
Package metrics provides Prometheus metrics collection and exposition for the
time-series core.

The metrics package defines and registers metrics using the Prometheus client
library, providing observability into the ingest buffer, the lifecycle
manager's persist decisions, compactor output, and querier reconciliation.
Metrics are exposed via an HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Ingest: buffered bytes/rows, applied writes │          │
	│  │  Lifecycle: persist duration, files, pause   │          │
	│  │  Compact: plan duration, files, tombstones   │          │
	│  │  Query: reconciliation duration, exclusions  │          │
	│  │  Collaborators: catalog/objectstore/RPC call │          │
	│  │    duration                                  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Handler: promhttp.Handler() via Handler()│          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/healthz", metrics.HealthHandler())
	http.HandleFunc("/readyz", metrics.ReadyHandler())

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDuration(metrics.ReconciliationDuration)

The Collector polls an ingest buffer's per-shard stats on a ticker and keeps
BufferedBytes/BufferedRows current without the buffer needing to push updates
itself; it depends only on the small BufferStatsSource interface so pkg/ingest
does not need to import pkg/metrics's collector.
*/
package metrics
