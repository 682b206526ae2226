// Package tombstone implements the row-level filter a catalog.Tombstone
// describes, shared by the ingester (which materializes tombstones while
// persisting an L0 file, §4.1) and the compactor (which materializes
// them while merging L0/L1 files, §4.3), so the predicate/time/sequence
// matching rule exists in exactly one place.
package tombstone

import (
	"github.com/cuemby/tsdbcore/pkg/catalog"
	"github.com/cuemby/tsdbcore/pkg/row"
)

// Matches reports whether row i of b is deleted by t: its timestamp
// falls within t's time range and every column-equality predicate holds.
// Sequence-number scoping (invariant 4: ts applies to rows with
// sequence ≤ ts) is the caller's responsibility via seq, since only the
// caller knows whether seq means a row's original write sequence or a
// file-level chunk order.
func Matches(b *row.Batch, i int, t catalog.Tombstone) bool {
	tsCol, ok := b.Schema.TimestampColumn()
	if !ok {
		return false
	}
	col := b.Column(tsCol.Name)
	if col == nil {
		return false
	}
	ts, ok := col.At(i).(int64)
	if !ok || ts < t.MinTime || ts > t.MaxTime {
		return false
	}
	for _, pred := range t.Predicate {
		pc := b.Column(pred.Column)
		if pc == nil {
			return false
		}
		sv, ok := pc.At(i).(string)
		if !ok || sv != pred.Value {
			return false
		}
	}
	return true
}

// ApplyAll removes from b every row matched and sequence-covered by any
// tombstone in ts. seqAt(i) returns the sequence number to compare
// against each tombstone's Sequence for row i.
func ApplyAll(b *row.Batch, seqAt func(i int) uint64, ts []catalog.Tombstone) *row.Batch {
	if len(ts) == 0 {
		return b
	}
	return b.Filter(func(i int) bool {
		seq := seqAt(i)
		for _, t := range ts {
			if seq > t.Sequence {
				continue
			}
			if Matches(b, i, t) {
				return false
			}
		}
		return true
	})
}

// Applicable filters ts down to tombstones that could possibly affect a
// file spanning [minSeq, maxSeq]: a tombstone whose sequence is below
// the file's earliest row cannot affect anything in it (invariant 4).
func Applicable(ts []catalog.Tombstone, minSeq uint64) []catalog.Tombstone {
	out := make([]catalog.Tombstone, 0, len(ts))
	for _, t := range ts {
		if t.Sequence >= minSeq {
			out = append(out, t)
		}
	}
	return out
}
