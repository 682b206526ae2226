package catalog

import (
	"errors"

	"github.com/cuemby/tsdbcore/pkg/schema"
)

// ErrNotFound is returned by Get-style lookups when the entity does not exist.
var ErrNotFound = errors.New("catalog: not found")

// ErrSortKeyConflict is returned by UpdateSortKey when the caller's prior
// version does not match the stored one (optimistic concurrency, §6).
var ErrSortKeyConflict = errors.New("catalog: sort key update conflict")

// Transaction groups the mutating catalog calls that must commit
// atomically: the ingester's persist() commits a file insert, processed
// tombstones, and a watermark advance together (§4.1); the compactor's
// Commit inserts new files, flags old ones for deletion, and records
// processed tombstones together (§4.3).
type Transaction interface {
	CreateFile(f *File) error
	FlagFileForDelete(fileID string) error
	CreateProcessedTombstone(tombstoneID, fileID string) error
	UpdateShardWatermark(shardID uint32, minUnpersistedSeq uint64) error
	UpdateSortKey(partitionID string, newSortKey schema.SortKey, priorVersion uint64) error
}

// Store is the catalog's full typed repository surface (§6). All
// multi-step state changes that must appear atomically go through
// RunTransaction.
type Store interface {
	CreateNamespace(ns *Namespace) error
	GetNamespace(id string) (*Namespace, error)
	GetNamespaceByName(name string) (*Namespace, error)
	ListNamespaces() ([]*Namespace, error)

	CreateTable(t *Table) error
	GetTable(id string) (*Table, error)
	GetTableByName(namespaceID, name string) (*Table, error)
	ListTables(namespaceID string) ([]*Table, error)

	CreateShard(shard *Shard) error
	GetShard(id uint32) (*Shard, error)

	CreatePartition(p *Partition) error
	GetPartition(id string) (*Partition, error)
	GetPartitionByKey(tableID, partitionKey string) (*Partition, error)
	ListPartitionsByTable(tableID string) ([]*Partition, error)

	// ListFilesByPartitionNotDeleted returns every non-deleted file for a
	// partition, used by the querier's reconciliation.
	ListFilesByPartitionNotDeleted(partitionID string) ([]*File, error)
	// ListFilesByShardLevel0 returns every non-deleted L0 file for a
	// shard, used by the compactor planner's candidate scan.
	ListFilesByShardLevel0(shardID uint32) ([]*File, error)
	GetFile(id string) (*File, error)

	CreateTombstone(t *Tombstone) error
	ListTombstonesByTable(tableID string) ([]*Tombstone, error)
	RemoveTombstone(id string) error

	IsProcessed(tombstoneID, fileID string) (bool, error)
	CountProcessed(tombstoneID string) (int, error)

	// RunTransaction executes fn against a Transaction that commits
	// atomically if fn returns nil, or is discarded if fn returns an error.
	RunTransaction(fn func(Transaction) error) error

	Close() error
}
