package ingest

import (
	"sync"

	"github.com/cuemby/tsdbcore/pkg/catalog"
	"github.com/cuemby/tsdbcore/pkg/row"
	"github.com/cuemby/tsdbcore/pkg/schema"
)

type partitionIdent struct {
	tableID      string
	partitionKey string
}

// partitionState is the per-(shard,table,partition) state §4.1 describes:
// an active mutable batch, closed-but-unpersisted snapshots, a batch
// currently being persisted, the observed sequence and time range, and
// the tombstones accepted against this partition.
type partitionState struct {
	mu sync.Mutex

	shardID      uint32
	tableID      string
	partitionKey string
	schema       *schema.Schema

	catalogID  string
	ensureOnce sync.Once
	ensureErr  error

	active     *row.Batch
	snapshots  []*row.Batch
	persisting *row.Batch

	hasSeq         bool
	minSeq, maxSeq uint64

	hasTime          bool
	minTime, maxTime int64

	tombstones []catalog.Tombstone

	parquetMaxSeq   *uint64
	tombstoneMaxSeq *uint64
}

// ensureCatalogPartition resolves (and, on first use, creates) the
// catalog Partition row backing this in-memory state. Runs at most once
// per partitionState via sync.Once; concurrent callers block on that
// first resolution rather than racing duplicate creates.
func (ps *partitionState) ensureCatalogPartition(store catalog.Store) error {
	ps.ensureOnce.Do(func() {
		p, err := store.GetPartitionByKey(ps.tableID, ps.partitionKey)
		if err == catalog.ErrNotFound {
			p = &catalog.Partition{TableID: ps.tableID, PartitionKey: ps.partitionKey}
			err = store.CreatePartition(p)
		}
		if err != nil {
			ps.ensureErr = err
			return
		}
		ps.catalogID = p.ID
	})
	return ps.ensureErr
}

func (ps *partitionState) recordTime(t int64) {
	if !ps.hasTime || t < ps.minTime {
		ps.minTime = t
	}
	if !ps.hasTime || t > ps.maxTime {
		ps.maxTime = t
	}
	ps.hasTime = true
}

func (ps *partitionState) recordSeq(seq uint64) {
	if !ps.hasSeq || seq < ps.minSeq {
		ps.minSeq = seq
	}
	if !ps.hasSeq || seq > ps.maxSeq {
		ps.maxSeq = seq
	}
	ps.hasSeq = true
}

// hasBufferedData reports whether this partition still holds any
// in-memory rows not yet committed to a file.
func (ps *partitionState) hasBufferedData() bool {
	return (ps.active != nil && ps.active.Len() > 0) || len(ps.snapshots) > 0 || ps.persisting != nil
}

func (ps *partitionState) bufferedBytes() int64 {
	var total int64
	if ps.active != nil {
		total += estimateBatchBytes(ps.active)
	}
	for _, s := range ps.snapshots {
		total += estimateBatchBytes(s)
	}
	if ps.persisting != nil {
		total += estimateBatchBytes(ps.persisting)
	}
	return total
}

func (ps *partitionState) bufferedRows() int64 {
	var total int64
	if ps.active != nil {
		total += int64(ps.active.Len())
	}
	for _, s := range ps.snapshots {
		total += int64(s.Len())
	}
	if ps.persisting != nil {
		total += int64(ps.persisting.Len())
	}
	return total
}
