package catalog

import (
	"github.com/cuemby/tsdbcore/pkg/schema"
)

// CompactionLevel distinguishes freshly-persisted files from
// compactor-produced ones (GLOSSARY: L0/L1).
type CompactionLevel int

const (
	LevelL0 CompactionLevel = 0
	LevelL1 CompactionLevel = 1
)

// Namespace is a tenant boundary that owns tables.
type Namespace struct {
	ID   string
	Name string
}

// Table is a named collection of rows with a declared schema.
type Table struct {
	ID          string
	NamespaceID string
	Name        string
	Schema      *schema.Schema
}

// Shard is a numbered partition of the input stream and the unit of
// write ordering. MinUnpersistedSequenceNumber is the watermark the
// ingester advances as it persists buffered writes (invariant 1).
type Shard struct {
	ID                           uint32
	MinUnpersistedSequenceNumber uint64
}

// Partition is a (table, partition-key) pair. Version is bumped on every
// sort-key update and used for optimistic concurrency (§6).
type Partition struct {
	ID           string
	TableID      string
	PartitionKey string
	SortKey      schema.SortKey
	Version      uint64
}

// File is an immutable columnar artifact holding rows from exactly one
// (shard, table, partition) (§3).
type File struct {
	ID               string // object-store identifier
	PartitionID      string
	ShardID          uint32
	MinTime          int64
	MaxTime          int64
	MinSeq           uint64
	MaxSeq           uint64
	RowCount         int64
	ByteSize         int64
	Columns          []string
	SortKeyAtPersist schema.SortKey
	Level            CompactionLevel
	Deleted          bool
	Suspicious       bool // quarantined: InvalidData decode failure, not deleted
}

// ChunkOrder is the per-row precedence used at read-time dedup and
// compaction merge ordering (§4.3, GLOSSARY "Chunk order").
func (f *File) ChunkOrder() int64 {
	if f.Level == LevelL1 {
		return 0
	}
	return int64(f.MaxSeq)
}

// ColumnEquality is one predicate term of a tombstone: column = value.
type ColumnEquality struct {
	Column string
	Value  string
}

// Tombstone is a predicate-based logical delete scoped to a shard and
// sequence number (§3).
type Tombstone struct {
	ID        string
	TableID   string
	ShardID   uint32
	Sequence  uint64
	MinTime   int64
	MaxTime   int64
	Predicate []ColumnEquality
}

// ProcessedTombstone links a tombstone to a file it has been materialized
// against, so the querier never reapplies it to that file (invariant 4).
type ProcessedTombstone struct {
	TombstoneID string
	FileID      string
}
