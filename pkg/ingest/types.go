// Package ingest implements the ingester buffer (§4.1): per-shard,
// per-table, per-partition in-memory state that accepts ordered DML
// operations and makes their contents queryable with bounded memory,
// persisting to L0 files under the lifecycle manager's direction.
package ingest

import (
	"github.com/cuemby/tsdbcore/pkg/catalog"
	"github.com/cuemby/tsdbcore/pkg/row"
)

// WriteOp is one DML write resolved to a single (shard, table,
// partition). A line-protocol batch spanning several partitions is
// expected to be split into one WriteOp per partition before reaching
// the buffer; the buffer itself never reorders or re-buckets rows.
type WriteOp struct {
	ShardID      uint32
	Sequence     uint64
	Table        *catalog.Table
	PartitionKey string
	Values       map[string]interface{}
}

// DeleteOp is a tombstone accepted for a table on one shard. The buffer
// routes it to every partition of that table whose observed time range
// overlaps [MinTime, MaxTime].
type DeleteOp struct {
	ShardID   uint32
	Sequence  uint64
	Table     *catalog.Table
	MinTime   int64
	MaxTime   int64
	Predicate []catalog.ColumnEquality
}

// PartitionStatus is the observational contract (§4.1 "Query RPC") that
// tells a querier which persisted files are already represented live in
// this envelope. A nil field means the ingester has no opinion yet
// (never persisted, or never saw a tombstone) and the querier must treat
// any corresponding catalog file or tombstone conservatively.
type PartitionStatus struct {
	ParquetMaxSeq   *uint64
	TombstoneMaxSeq *uint64
}

// PartitionEnvelope is one partition's worth of live ingester state
// returned by Query: a status snapshot plus the row batches contributing
// to it, all captured under the same lock (§4.1, §5).
type PartitionEnvelope struct {
	PartitionID  string
	TableID      string
	PartitionKey string
	ShardID      uint32
	Status       PartitionStatus
	Batches      []*row.Batch
	SeqMax       uint64
}

// LifecycleHandle is the hot-path contract the lifecycle manager offers
// the buffer (§4.2 "Ingest reporting contract"): log_write and the
// corresponding byte release when a persist frees memory. Declared here,
// not imported from pkg/lifecycle, so pkg/lifecycle can depend on
// pkg/ingest without a cycle; *lifecycle.Manager satisfies this
// interface structurally.
type LifecycleHandle interface {
	LogWrite(partitionID string, shardID uint32, tableID, partitionKey string, seq uint64, bytes int64) (shouldPause bool)
	ReleaseBytes(partitionID string, bytes int64)
}
