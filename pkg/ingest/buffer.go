package ingest

import (
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/tsdbcore/pkg/catalog"
	"github.com/cuemby/tsdbcore/pkg/columnarfile"
	"github.com/cuemby/tsdbcore/pkg/errs"
	"github.com/cuemby/tsdbcore/pkg/log"
	"github.com/cuemby/tsdbcore/pkg/metrics"
	"github.com/cuemby/tsdbcore/pkg/objectstore"
	"github.com/cuemby/tsdbcore/pkg/row"
	"github.com/cuemby/tsdbcore/pkg/schema"
	"github.com/cuemby/tsdbcore/pkg/tombstone"
)

// Buffer is the ingester's in-memory state across every shard it owns:
// a three-level map shard -> (table, partition key) -> partitionState,
// per §4.1.
type Buffer struct {
	shardMu sync.RWMutex
	shards  map[uint32]map[partitionIdent]*partitionState

	store     catalog.Store
	objects   objectstore.Store
	lifecycle LifecycleHandle
}

func NewBuffer(store catalog.Store, objects objectstore.Store, lifecycle LifecycleHandle) *Buffer {
	return &Buffer{
		shards:    make(map[uint32]map[partitionIdent]*partitionState),
		store:     store,
		objects:   objects,
		lifecycle: lifecycle,
	}
}

func (b *Buffer) partitionFor(shardID uint32, tableID, key string, sch *schema.Schema) *partitionState {
	b.shardMu.Lock()
	defer b.shardMu.Unlock()

	tbl, ok := b.shards[shardID]
	if !ok {
		tbl = make(map[partitionIdent]*partitionState)
		b.shards[shardID] = tbl
	}
	id := partitionIdent{tableID: tableID, partitionKey: key}
	ps, ok := tbl[id]
	if !ok {
		ps = &partitionState{shardID: shardID, tableID: tableID, partitionKey: key, schema: sch}
		tbl[id] = ps
	}
	return ps
}

// ApplyWrite appends one row to its (shard, table, partition). Operations
// within a shard must be applied in sequence-number order by the caller;
// the buffer does not reorder (§4.1, §5). It takes a short exclusive
// lock on the partition and never awaits while holding it; the only I/O
// is the partition's lazy catalog registration, which runs once per
// partition behind a sync.Once rather than the hot-path lock.
func (b *Buffer) ApplyWrite(op WriteOp) (shouldPause bool, err error) {
	ps := b.partitionFor(op.ShardID, op.Table.ID, op.PartitionKey, op.Table.Schema)
	if err := ps.ensureCatalogPartition(b.store); err != nil {
		return false, errs.New(errs.TransientIO, "ingest.ApplyWrite", err)
	}

	ps.mu.Lock()
	if ps.active == nil {
		ps.active = row.NewBatch(op.Table.Schema)
	}
	if err := ps.active.AppendRow(op.Values, int64(op.Sequence)); err != nil {
		ps.mu.Unlock()
		metrics.IngestAppliedTotal.WithLabelValues(shardLabel(op.ShardID), "rejected").Inc()
		return false, errs.New(errs.InvalidInput, "ingest.ApplyWrite", err)
	}
	ps.recordSeq(op.Sequence)
	if tsCol, ok := op.Table.Schema.TimestampColumn(); ok {
		if t, ok := op.Values[tsCol.Name].(int64); ok {
			ps.recordTime(t)
		}
	}
	partitionID := ps.catalogID
	ps.mu.Unlock()

	bytes := estimateRowBytes(op.Table.Schema, op.Values)
	shouldPause = b.lifecycle.LogWrite(partitionID, op.ShardID, op.Table.ID, op.PartitionKey, op.Sequence, bytes)
	metrics.IngestAppliedTotal.WithLabelValues(shardLabel(op.ShardID), "applied").Inc()
	return shouldPause, nil
}

// ApplyDelete records a tombstone against every partition of op.Table on
// op.ShardID whose observed time range overlaps [op.MinTime, op.MaxTime]
// (§4.1). Deletes do not consume buffered bytes.
func (b *Buffer) ApplyDelete(op DeleteOp) error {
	t := catalog.Tombstone{
		ID:        uuid.NewString(),
		TableID:   op.Table.ID,
		ShardID:   op.ShardID,
		Sequence:  op.Sequence,
		MinTime:   op.MinTime,
		MaxTime:   op.MaxTime,
		Predicate: op.Predicate,
	}
	if err := b.store.CreateTombstone(&t); err != nil {
		return errs.New(errs.TransientIO, "ingest.ApplyDelete", err)
	}

	b.shardMu.RLock()
	partitions := b.shards[op.ShardID]
	b.shardMu.RUnlock()

	for id, ps := range partitions {
		if id.tableID != op.Table.ID {
			continue
		}
		ps.mu.Lock()
		if !ps.hasTime || timeOverlaps(ps.minTime, ps.maxTime, op.MinTime, op.MaxTime) {
			ps.tombstones = append(ps.tombstones, t)
			seq := op.Sequence
			ps.tombstoneMaxSeq = &seq
		}
		ps.mu.Unlock()
	}
	return nil
}

// Snapshot closes the active mutable batch of a partition into an
// immutable snapshot. Idempotent if the active batch is empty or absent.
func (b *Buffer) Snapshot(shardID uint32, tableID, partitionKey string) {
	b.shardMu.RLock()
	ps := b.shards[shardID][partitionIdent{tableID: tableID, partitionKey: partitionKey}]
	b.shardMu.RUnlock()
	if ps == nil {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.active != nil && ps.active.Len() > 0 {
		ps.snapshots = append(ps.snapshots, ps.active)
		ps.active = nil
	}
}

// Persist combines a partition's snapshots and active batch into one
// persisting batch, materializes applicable tombstones, sorts and
// dedups by the partition's (possibly extended) sort key, writes the
// result as an L0 file, and commits the file, processed tombstones, and
// advanced shard watermark in one catalog transaction (§4.1). Returns
// the persisted max sequence number, or ok=false if there was nothing to
// persist.
func (b *Buffer) Persist(shardID uint32, tableID, partitionKey string) (persistedMaxSeq uint64, ok bool, err error) {
	b.shardMu.RLock()
	ps := b.shards[shardID][partitionIdent{tableID: tableID, partitionKey: partitionKey}]
	b.shardMu.RUnlock()
	if ps == nil {
		return 0, false, nil
	}
	if err := ps.ensureCatalogPartition(b.store); err != nil {
		return 0, false, errs.New(errs.TransientIO, "ingest.Persist", err)
	}

	timer := metrics.NewTimer()

	ps.mu.Lock()
	if ps.active != nil && ps.active.Len() > 0 {
		ps.snapshots = append(ps.snapshots, ps.active)
		ps.active = nil
	}
	if len(ps.snapshots) == 0 {
		ps.mu.Unlock()
		return 0, false, nil
	}
	toWrite := ps.snapshots
	ps.snapshots = nil
	minSeq, maxSeq := ps.minSeq, ps.maxSeq
	tombstones := append([]catalog.Tombstone(nil), ps.tombstones...)
	ps.mu.Unlock()

	merged, err := row.Concat(toWrite...)
	if err != nil {
		return 0, false, errs.New(errs.Fatal, "ingest.Persist", err)
	}

	ps.mu.Lock()
	ps.persisting = merged
	ps.mu.Unlock()

	partition, err := b.store.GetPartition(ps.catalogID)
	if err != nil {
		return 0, false, errs.New(errs.TransientIO, "ingest.Persist", err)
	}

	sortKey := nextSortKey(partition.SortKey, merged.Schema)

	applicable := tombstone.Applicable(tombstones, minSeq)
	merged = tombstone.ApplyAll(merged, func(i int) uint64 { return uint64(merged.ChunkOrder[i]) }, applicable)

	merged.SortBy(sortKey)
	merged.Dedup()

	data, err := columnarfile.Write(merged)
	if err != nil {
		return 0, false, errs.New(errs.Fatal, "ingest.Persist", err)
	}

	objectID := uuid.NewString()
	if err := b.objects.PutIfAbsent(objectID, data); err != nil {
		return 0, false, errs.New(errs.TransientIO, "ingest.Persist", err)
	}

	file := &catalog.File{
		ID:               objectID,
		PartitionID:      ps.catalogID,
		ShardID:          shardID,
		MinSeq:           minSeq,
		MaxSeq:           maxSeq,
		RowCount:         int64(merged.Len()),
		ByteSize:         int64(len(data)),
		Columns:          columnNames(merged.Schema),
		SortKeyAtPersist: sortKey,
		Level:            catalog.LevelL0,
	}
	file.MinTime, file.MaxTime = timeRange(merged)

	newWatermark := b.computeShardWatermark(shardID, maxSeq+1, ps)

	err = b.store.RunTransaction(func(tx catalog.Transaction) error {
		if err := tx.CreateFile(file); err != nil {
			return err
		}
		for _, t := range applicable {
			if err := tx.CreateProcessedTombstone(t.ID, file.ID); err != nil {
				return err
			}
		}
		if !sortKey.Equal(partition.SortKey) {
			if err := tx.UpdateSortKey(ps.catalogID, sortKey, partition.Version); err != nil {
				return err
			}
		}
		return tx.UpdateShardWatermark(shardID, newWatermark)
	})
	if err != nil {
		return 0, false, errs.New(errs.TransientIO, "ingest.Persist", err)
	}

	ps.mu.Lock()
	freed := estimateBatchBytes(ps.persisting)
	ps.persisting = nil
	ps.tombstones = remainingTombstones(ps.tombstones, applicable)
	seq := maxSeq
	ps.parquetMaxSeq = &seq
	// Re-derive the observed sequence range from the rows still buffered
	// (those written while this persist ran), dropping the persisted ones.
	ps.hasSeq = false
	for _, rb := range append([]*row.Batch{ps.active}, ps.snapshots...) {
		if rb != nil {
			for _, co := range rb.ChunkOrder {
				ps.recordSeq(uint64(co))
			}
		}
	}
	ps.mu.Unlock()

	b.lifecycle.ReleaseBytes(ps.catalogID, freed)
	log.WithPartition(ps.catalogID).Debug().
		Int("rows", merged.Len()).
		Uint64("max_seq", maxSeq).
		Dur("took", timer.Duration()).
		Msg("persisted partition")
	return maxSeq, true, nil
}

func remainingTombstones(all, processed []catalog.Tombstone) []catalog.Tombstone {
	if len(processed) == 0 {
		return all
	}
	done := make(map[string]bool, len(processed))
	for _, t := range processed {
		done[t.ID] = true
	}
	var out []catalog.Tombstone
	for _, t := range all {
		if !done[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

func nextSortKey(current schema.SortKey, sch *schema.Schema) schema.SortKey {
	tsName := ""
	if c, ok := sch.TimestampColumn(); ok {
		tsName = c.Name
	}
	if len(current.Columns) == 0 {
		return schema.NewSortKey(sch.TagNames(), tsName)
	}
	return current.Extend(sch.TagNames()...)
}

// computeShardWatermark finds the minimum observed first-sequence-number
// across every partition of shardID that still holds buffered data,
// skipping exclude (the partition whose persist is being committed, or
// nil); if none remain buffered, it returns fallback (§4.1, §4.2 step 6).
func (b *Buffer) computeShardWatermark(shardID uint32, fallback uint64, exclude *partitionState) uint64 {
	b.shardMu.RLock()
	defer b.shardMu.RUnlock()

	var min uint64
	has := false
	for _, ps := range b.shards[shardID] {
		if ps == exclude {
			continue
		}
		ps.mu.Lock()
		if ps.hasSeq && ps.hasBufferedData() {
			if !has || ps.minSeq < min {
				min = ps.minSeq
				has = true
			}
		}
		ps.mu.Unlock()
	}
	if has {
		return min
	}
	return fallback
}

// SyncShardWatermark recomputes and commits the shard's
// min_unpersisted_sequence_number from current buffer state. The
// lifecycle manager calls this once after a batch of concurrent persists
// for the shard settles (§4.2 step 6). The value is committed only when
// it is above the shard's stored watermark, so a call made after
// Persist's own per-call update has already moved the watermark as far
// is a no-op rather than a rejected decrease (invariant 1).
func (b *Buffer) SyncShardWatermark(shardID uint32, fallback uint64) error {
	newWatermark := b.computeShardWatermark(shardID, fallback, nil)
	if shard, err := b.store.GetShard(shardID); err == nil && newWatermark <= shard.MinUnpersistedSequenceNumber {
		return nil
	}
	err := b.store.RunTransaction(func(tx catalog.Transaction) error {
		return tx.UpdateShardWatermark(shardID, newWatermark)
	})
	if err != nil {
		return errs.New(errs.TransientIO, "ingest.SyncShardWatermark", err)
	}
	return nil
}

// Query returns one envelope per partition of tableID known to this
// buffer, including partitions whose data has all been persisted (their
// envelope has no batches), capturing the status snapshot and batch
// references under the same lock per partition (§4.1, §5).
func (b *Buffer) Query(tableID string) []PartitionEnvelope {
	b.shardMu.RLock()
	type found struct {
		shardID uint32
		ps      *partitionState
	}
	var matches []found
	for shardID, tbl := range b.shards {
		for id, ps := range tbl {
			if id.tableID == tableID {
				matches = append(matches, found{shardID: shardID, ps: ps})
			}
		}
	}
	b.shardMu.RUnlock()

	envelopes := make([]PartitionEnvelope, 0, len(matches))
	for _, m := range matches {
		ps := m.ps
		ps.mu.Lock()
		env := PartitionEnvelope{
			PartitionID:  ps.catalogID,
			TableID:      ps.tableID,
			PartitionKey: ps.partitionKey,
			ShardID:      m.shardID,
			Status: PartitionStatus{
				ParquetMaxSeq:   copyUint64(ps.parquetMaxSeq),
				TombstoneMaxSeq: copyUint64(ps.tombstoneMaxSeq),
			},
			SeqMax: ps.maxSeq,
		}
		if ps.active != nil && ps.active.Len() > 0 {
			env.Batches = append(env.Batches, ps.active)
		}
		env.Batches = append(env.Batches, ps.snapshots...)
		if ps.persisting != nil {
			env.Batches = append(env.Batches, ps.persisting)
		}
		ps.mu.Unlock()
		envelopes = append(envelopes, env)
	}
	return envelopes
}

func copyUint64(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

// ShardStats implements metrics.BufferStatsSource, polled periodically
// by metrics.Collector.
func (b *Buffer) ShardStats() map[uint32]metrics.ShardBufferStats {
	b.shardMu.RLock()
	defer b.shardMu.RUnlock()

	out := make(map[uint32]metrics.ShardBufferStats, len(b.shards))
	for shardID, tbl := range b.shards {
		var stats metrics.ShardBufferStats
		for _, ps := range tbl {
			ps.mu.Lock()
			stats.BufferedBytes += ps.bufferedBytes()
			stats.BufferedRows += ps.bufferedRows()
			ps.mu.Unlock()
		}
		out[shardID] = stats
	}
	return out
}

func shardLabel(shardID uint32) string {
	return strconv.FormatUint(uint64(shardID), 10)
}
