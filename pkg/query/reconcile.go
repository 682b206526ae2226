// Package query implements querier reconciliation (§4.4): given a table,
// it assembles the set of catalog files and ingester-buffered batches
// that together represent every row that should be visible, filtered by
// what each ingester has already persisted, and returns them as ordered
// per-partition chunks ready for a query planner to dedup and scan.
package query

import (
	"context"
	"fmt"

	"github.com/cuemby/tsdbcore/pkg/catalog"
	"github.com/cuemby/tsdbcore/pkg/columnarfile"
	"github.com/cuemby/tsdbcore/pkg/errs"
	"github.com/cuemby/tsdbcore/pkg/ingest"
	"github.com/cuemby/tsdbcore/pkg/ingestrpc"
	"github.com/cuemby/tsdbcore/pkg/log"
	"github.com/cuemby/tsdbcore/pkg/metrics"
	"github.com/cuemby/tsdbcore/pkg/objectstore"
	"github.com/cuemby/tsdbcore/pkg/row"
	"github.com/cuemby/tsdbcore/pkg/schema"
	"github.com/cuemby/tsdbcore/pkg/tombstone"
)

// Chunk is one partition's worth of rows surviving reconciliation,
// tagged with the chunk_order a query planner dedups by (§4.3
// "chunk_order", §4.4 "Merging").
type Chunk struct {
	PartitionID string
	SortKey     schema.SortKey
	ChunkOrder  int64
	Rows        *row.Batch
}

// Request names the table to reconcile and the ingesters to consult, one
// QueryClient per shard that may hold unpersisted data for it.
type Request struct {
	TableID         string
	Shards          map[uint32]ingestrpc.QueryClient
	AllowStaleReads bool
}

// Result is the reconciled chunk set, one or more chunks per partition.
type Result struct {
	Chunks []Chunk
}

// Reconciler implements Reconcile against a catalog and an object store.
type Reconciler struct {
	store   catalog.Store
	objects objectstore.Store
}

func NewReconciler(store catalog.Store, objects objectstore.Store) *Reconciler {
	return &Reconciler{store: store, objects: objects}
}

type envelopeKey struct {
	partitionID string
	shardID     uint32
}

// Reconcile runs the ordered algorithm of §4.4: catalog first (files,
// tombstones), then per-shard ingester envelopes read from the same
// snapshot as their status, then the file and tombstone filtering rules,
// then chunk assembly with a final sort-key sync pass.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) (*Result, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	partitions, err := r.store.ListPartitionsByTable(req.TableID)
	if err != nil {
		return nil, errs.New(errs.TransientIO, "query.Reconcile", err)
	}

	filesByPartition := make(map[string][]*catalog.File, len(partitions))
	for _, p := range partitions {
		files, err := r.store.ListFilesByPartitionNotDeleted(p.ID)
		if err != nil {
			return nil, errs.New(errs.TransientIO, "query.Reconcile", err)
		}
		filesByPartition[p.ID] = files
	}

	tombstones, err := r.store.ListTombstonesByTable(req.TableID)
	if err != nil {
		return nil, errs.New(errs.TransientIO, "query.Reconcile", err)
	}

	envelopes, err := r.gatherEnvelopes(ctx, req)
	if err != nil {
		return nil, err
	}
	envByKey := make(map[envelopeKey]ingest.PartitionEnvelope, len(envelopes))
	for _, e := range envelopes {
		envByKey[envelopeKey{partitionID: e.PartitionID, shardID: e.ShardID}] = e
	}

	excludedTombstones := excludedTombstoneSet(tombstones, partitions, envByKey)

	var chunks []Chunk
	for _, p := range partitions {
		pc, err := r.reconcilePartition(p, filesByPartition[p.ID], tombstones, envByKey, excludedTombstones)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, pc...)
	}

	r.syncSortKeys(chunks)

	return &Result{Chunks: chunks}, nil
}

func (r *Reconciler) gatherEnvelopes(ctx context.Context, req Request) ([]ingest.PartitionEnvelope, error) {
	var out []ingest.PartitionEnvelope
	for shardID, client := range req.Shards {
		envs, err := client.Query(ctx, req.TableID)
		if err != nil {
			if !req.AllowStaleReads {
				return nil, errs.New(errs.TransientIO, "query.gatherEnvelopes", err)
			}
			log.WithComponent("query").Warn().Err(err).Uint32("shard", shardID).
				Msg("ingester RPC failed, treating shard as having no unpersisted data")
			continue
		}
		out = append(out, envs...)
	}
	return out, nil
}

// excludedTombstoneSet builds the (partition_id, tombstone_id) pairs a
// tombstone must NOT be applied to, per §4.4's tombstone filtering rule:
// newer than what the owning ingester has materialized, or the ingester
// reported no tombstone watermark at all.
func excludedTombstoneSet(tombstones []*catalog.Tombstone, partitions []*catalog.Partition, envByKey map[envelopeKey]ingest.PartitionEnvelope) map[[2]string]bool {
	excluded := make(map[[2]string]bool)
	for _, t := range tombstones {
		for _, p := range partitions {
			env, ok := envByKey[envelopeKey{partitionID: p.ID, shardID: t.ShardID}]
			if !ok {
				continue
			}
			T := env.Status.TombstoneMaxSeq
			if T == nil || t.Sequence > *T {
				excluded[[2]string{p.ID, t.ID}] = true
			}
		}
	}
	return excluded
}

func (r *Reconciler) reconcilePartition(
	p *catalog.Partition,
	files []*catalog.File,
	tombstones []*catalog.Tombstone,
	envByKey map[envelopeKey]ingest.PartitionEnvelope,
	excluded map[[2]string]bool,
) ([]Chunk, error) {
	var chunks []Chunk

	for _, f := range files {
		env, hasEnv := envByKey[envelopeKey{partitionID: p.ID, shardID: f.ShardID}]
		if hasEnv {
			M := env.Status.ParquetMaxSeq
			switch {
			case M == nil:
				metrics.FilesExcludedTotal.WithLabelValues("no_parquet_watermark").Inc()
				continue
			case f.MaxSeq <= *M:
				// include
			case f.Level == catalog.LevelL0:
				metrics.FilesExcludedTotal.WithLabelValues("l0_ahead_of_ingester").Inc()
				continue
			default:
				metrics.CompactorConflictsTotal.Inc()
				return nil, errs.New(errs.CompactorConflict, "query.reconcilePartition",
					fmt.Errorf("file %s max_seq=%d exceeds ingester parquet_max_seq=%d for partition %s", f.ID, f.MaxSeq, *M, p.ID))
			}
		}

		applicable := r.applicableTombstones(f, p, tombstones, excluded)
		rows, err := r.readFile(f)
		if err != nil {
			return nil, err
		}
		tagged := retagChunkOrder(rows, f.ChunkOrder())
		if len(applicable) > 0 {
			// ApplyAll is given the file's own ChunkOrder (max_seq for L0,
			// 0 for L1) as every row's seq rather than each row's actual
			// write-time sequence: applicableTombstones already dropped
			// any tombstone below the file's MinSeq, so the remaining
			// ones are exactly the tombstones this file hasn't had a
			// chance to apply yet, and treating the file as one unit is
			// no more permissive than row-level seqAt would be.
			tagged = tombstone.ApplyAll(tagged, func(i int) uint64 { return uint64(f.ChunkOrder()) }, applicable)
		}
		chunks = append(chunks, Chunk{PartitionID: p.ID, SortKey: p.SortKey, ChunkOrder: f.ChunkOrder(), Rows: tagged})
	}

	for key, env := range envByKey {
		if key.partitionID != p.ID {
			continue
		}
		ingesterTombstones := r.tombstonesForIngester(p, key.shardID, tombstones, excluded)
		chunkOrder := int64(env.SeqMax) + 1
		for _, b := range env.Batches {
			tagged := b
			if len(ingesterTombstones) > 0 {
				tagged = tombstone.ApplyAll(tagged, func(i int) uint64 { return uint64(tagged.ChunkOrder[i]) }, ingesterTombstones)
			}
			chunks = append(chunks, Chunk{PartitionID: p.ID, SortKey: p.SortKey, ChunkOrder: chunkOrder, Rows: tagged})
		}
	}

	return chunks, nil
}

func (r *Reconciler) applicableTombstones(f *catalog.File, p *catalog.Partition, tombstones []*catalog.Tombstone, excluded map[[2]string]bool) []catalog.Tombstone {
	var out []catalog.Tombstone
	for _, t := range tombstones {
		if excluded[[2]string{p.ID, t.ID}] {
			continue
		}
		if t.Sequence < f.MinSeq {
			continue
		}
		processed, err := r.store.IsProcessed(t.ID, f.ID)
		if err != nil || processed {
			continue
		}
		out = append(out, *t)
	}
	return out
}

func (r *Reconciler) tombstonesForIngester(p *catalog.Partition, shardID uint32, tombstones []*catalog.Tombstone, excluded map[[2]string]bool) []catalog.Tombstone {
	var out []catalog.Tombstone
	for _, t := range tombstones {
		if t.ShardID != shardID {
			continue
		}
		if excluded[[2]string{p.ID, t.ID}] {
			continue
		}
		out = append(out, *t)
	}
	return out
}

func (r *Reconciler) readFile(f *catalog.File) (*row.Batch, error) {
	data, err := r.objects.Get(f.ID)
	if err != nil {
		return nil, errs.New(errs.TransientIO, "query.readFile", err)
	}
	rows, err := columnarfile.Read(data)
	if err != nil {
		return nil, errs.New(errs.InvalidData, "query.readFile", err)
	}
	return rows, nil
}

// syncSortKeys re-reads each partition's current sort key from the
// catalog and stamps it onto every chunk belonging to that partition,
// the final pass of §4.4's "Merging" section: a sort key change that
// landed after chunk assembly must still be honored by the planner.
func (r *Reconciler) syncSortKeys(chunks []Chunk) {
	latest := make(map[string]schema.SortKey)
	for i := range chunks {
		id := chunks[i].PartitionID
		key, ok := latest[id]
		if !ok {
			p, err := r.store.GetPartition(id)
			if err != nil {
				continue
			}
			key = p.SortKey
			latest[id] = key
		}
		chunks[i].SortKey = key
	}
}

func retagChunkOrder(b *row.Batch, chunkOrder int64) *row.Batch {
	idx := make([]int, b.Len())
	for i := range idx {
		idx[i] = i
	}
	out := b.Select(idx)
	for i := range out.ChunkOrder {
		out.ChunkOrder[i] = chunkOrder
	}
	return out
}

// SortAndDedup merges every chunk belonging to one partition into a
// single deduplicated batch, the step a query planner performs once it
// has a Result (§4.4 "Chunks within one partition are deduplicated... by
// the query planner using the partition's current sort key").
func SortAndDedup(chunks []Chunk) (map[string]*row.Batch, error) {
	byPartition := make(map[string][]*row.Batch)
	sortKeys := make(map[string]schema.SortKey)
	order := make([]string, 0)
	for _, c := range chunks {
		if _, ok := byPartition[c.PartitionID]; !ok {
			order = append(order, c.PartitionID)
		}
		byPartition[c.PartitionID] = append(byPartition[c.PartitionID], c.Rows)
		sortKeys[c.PartitionID] = c.SortKey
	}

	out := make(map[string]*row.Batch, len(byPartition))
	for _, id := range order {
		merged, err := row.Concat(byPartition[id]...)
		if err != nil {
			return nil, errs.New(errs.Fatal, "query.SortAndDedup", err)
		}
		merged.SortBy(sortKeys[id])
		merged.Dedup()
		out[id] = merged
	}
	return out, nil
}
