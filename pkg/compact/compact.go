// Package compact implements the compactor (§4.3): it reduces the number
// of L0 files per partition, resolves in-partition duplicates once so
// the querier can skip dedup on L1, and materializes tombstones so they
// can eventually be garbage-collected.
package compact

import (
	"fmt"
	"sort"

	"github.com/cuemby/tsdbcore/pkg/catalog"
	"github.com/cuemby/tsdbcore/pkg/errs"
	"github.com/cuemby/tsdbcore/pkg/row"
	"github.com/cuemby/tsdbcore/pkg/schema"
	"github.com/cuemby/tsdbcore/pkg/tombstone"
)

// QueryableFile wraps an immutable file with everything the compactor
// needs to plan around it (§4.3 "Input contract"): its partition id, its
// sort key at persist time, the partition's current sort key, its time
// range, its max_seq, its compaction level, and the tombstones
// applicable to it by (shard, seq).
type QueryableFile struct {
	File             catalog.File
	PartitionSortKey schema.SortKey
	Tombstones       []catalog.Tombstone
	Rows             *row.Batch
}

// ChunkOrder is the merge-tie-break precedence for this file: max_seq for
// L0, 0 for L1 (§4.3 "Ordering").
func (q QueryableFile) ChunkOrder() int64 {
	return q.File.ChunkOrder()
}

// order sorts queryable files for dedup-merge by (chunk_order, id), the
// deterministic tiebreaker named in §4.3.
func order(files []QueryableFile) []QueryableFile {
	out := append([]QueryableFile(nil), files...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChunkOrder() != out[j].ChunkOrder() {
			return out[i].ChunkOrder() < out[j].ChunkOrder()
		}
		return out[i].File.ID < out[j].File.ID
	})
	return out
}

// CompactResult is the output of a compact or split plan: one or more
// merged, deduplicated batches, each destined to become one new L1 file,
// plus the set of tombstones that were materialized (applied and thus
// eligible to be recorded as processed) during this run.
type CompactResult struct {
	Outputs      []*row.Batch
	Materialized []catalog.Tombstone
}

// Plan builds a merged schema across all input files, tags every row
// with its file-level chunk_order, applies unmaterialized tombstones as
// a row filter, and merges the sorted streams breaking primary-key ties
// by chunk_order descending (§4.3 "Compact plan" steps 1-3). It does not
// split; callers that need a size-bounded output call SplitPlan instead.
func Plan(files []QueryableFile, targetSortKey schema.SortKey) (*CompactResult, error) {
	return buildMergedStream(files, targetSortKey)
}

// SplitPlan runs the same merge as Plan, then partitions the sorted
// stream into len(splitTimes)+1 output streams by ascending split times
// (§4.3 "Split plan"): stream 0 gets time <= splitTimes[0], stream i (0 <
// i < N) gets splitTimes[i-1] < time <= splitTimes[i], and the final
// stream gets time > splitTimes[N-1]. splitTimes must be strictly
// ascending and non-empty.
func SplitPlan(files []QueryableFile, targetSortKey schema.SortKey, splitTimes []int64) (*CompactResult, error) {
	if len(splitTimes) == 0 {
		return nil, fmt.Errorf("compact: SplitPlan requires at least one split time")
	}
	for i := 1; i < len(splitTimes); i++ {
		if splitTimes[i] <= splitTimes[i-1] {
			return nil, fmt.Errorf("compact: split_times must be strictly ascending")
		}
	}

	merged, err := buildMergedStream(files, targetSortKey)
	if err != nil {
		return nil, err
	}
	if len(merged.Outputs) != 1 {
		return nil, fmt.Errorf("compact: SplitPlan expects exactly one merged input stream")
	}
	whole := merged.Outputs[0]

	tsCol, ok := whole.Schema.TimestampColumn()
	if !ok {
		return nil, fmt.Errorf("compact: SplitPlan requires a timestamp column")
	}
	times := whole.Column(tsCol.Name)

	n := len(splitTimes) + 1
	buckets := make([][]int, n)
	for i := 0; i < whole.Len(); i++ {
		t := times.Times[i]
		b := bucketFor(t, splitTimes)
		buckets[b] = append(buckets[b], i)
	}

	outputs := make([]*row.Batch, 0, n)
	for _, idx := range buckets {
		outputs = append(outputs, whole.Select(idx))
	}

	return &CompactResult{Outputs: outputs, Materialized: merged.Materialized}, nil
}

func bucketFor(t int64, splitTimes []int64) int {
	for i, st := range splitTimes {
		if t <= st {
			return i
		}
	}
	return len(splitTimes)
}

// buildMergedStream implements §4.3 steps 1-3 shared by Plan and
// SplitPlan: merge schema, tag rows with file-level chunk_order, filter
// by unmaterialized tombstones, sort, and dedup last-write-wins.
func buildMergedStream(files []QueryableFile, targetSortKey schema.SortKey) (*CompactResult, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("compact: no input files")
	}
	// Cross-partition compaction is a programmer error, not a runtime one.
	for _, f := range files[1:] {
		if f.File.PartitionID != files[0].File.PartitionID {
			panic(errs.New(errs.Fatal, "compact.Plan", fmt.Errorf("mixed partitions %s and %s", files[0].File.PartitionID, f.File.PartitionID)))
		}
	}
	ordered := order(files)

	schemas := make([]*schema.Schema, len(ordered))
	for i, f := range ordered {
		schemas[i] = f.Rows.Schema
	}
	if _, err := schema.Merge(schemas...); err != nil {
		return nil, err
	}

	materializedSet := make(map[string]catalog.Tombstone)
	var batches []*row.Batch

	for _, f := range ordered {
		b := f.Rows
		chunkOrder := f.ChunkOrder()
		tagged := retagChunkOrder(b, chunkOrder)

		applicable := tombstone.Applicable(f.Tombstones, f.File.MinSeq)
		if len(applicable) > 0 {
			// chunkOrder (max_seq for L0, 0 for L1) stands in for every
			// row's seq here, same as the querier's reconciler: Applicable
			// already dropped tombstones below the file's MinSeq, so this
			// file-level seq is exactly as permissive as a per-row one for
			// the tombstones that remain.
			tagged = tombstone.ApplyAll(tagged, func(i int) uint64 { return uint64(chunkOrder) }, applicable)
			for _, t := range applicable {
				materializedSet[t.ID] = t
			}
		}
		batches = append(batches, tagged)
	}

	merged, err := row.Concat(batches...)
	if err != nil {
		return nil, err
	}
	merged.SortBy(targetSortKey)
	merged.Dedup()

	materialized := make([]catalog.Tombstone, 0, len(materializedSet))
	for _, t := range materializedSet {
		materialized = append(materialized, t)
	}
	sort.Slice(materialized, func(i, j int) bool { return materialized[i].ID < materialized[j].ID })

	return &CompactResult{Outputs: []*row.Batch{merged}, Materialized: materialized}, nil
}

// retagChunkOrder returns a copy of b with every row's ChunkOrder
// overwritten to the file-level value, the two-phase reuse §4.3
// requires: at ingest time ChunkOrder carries each row's own write
// sequence (needed for accurate per-row tombstone matching, invariant
// 4); once a file's rows are read back for compaction, intra-file ties
// can no longer occur (the file is already internally deduplicated) so
// only file-level chunk_order matters for cross-file merge.
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

// Commit applies a CompactResult to the catalog in one transaction
// (§4.3 "Commit"): insert the new L1 file rows, flag every input file
// for delete, and record a processed-tombstone row against every new
// file for every tombstone materialized during this run.
func Commit(store catalog.Store, inputs []QueryableFile, newFiles []*catalog.File, materialized []catalog.Tombstone) error {
	return store.RunTransaction(func(tx catalog.Transaction) error {
		for _, f := range newFiles {
			f.Level = catalog.LevelL1
			if err := tx.CreateFile(f); err != nil {
				return err
			}
			for _, t := range materialized {
				if err := tx.CreateProcessedTombstone(t.ID, f.ID); err != nil {
					return err
				}
			}
		}
		for _, in := range inputs {
			if err := tx.FlagFileForDelete(in.File.ID); err != nil {
				return err
			}
		}
		return nil
	})
}
