// Package row implements RowBatch, a struct-of-arrays in-memory
// representation of a set of rows sharing one schema, plus the sort and
// last-write-wins dedup operations the ingester and compactor both need.
package row

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/tsdbcore/pkg/schema"
)

// Columns holds one column's values across all rows of a Batch. Exactly one
// of the typed slices is populated per column, selected by the column's
// schema.DataType; all populated slices have the same length as the batch.
type Columns struct {
	Floats  []float64 `yaml:",omitempty"`
	Ints    []int64   `yaml:",omitempty"`
	Uints   []uint64  `yaml:",omitempty"`
	Strings []string  `yaml:",omitempty"`
	Bools   []bool    `yaml:",omitempty"`
	Times   []int64   `yaml:",omitempty"` // unix nanoseconds
}

func newColumns(dt schema.DataType, n int) *Columns {
	c := &Columns{}
	switch dt {
	case schema.TypeFloat64:
		c.Floats = make([]float64, 0, n)
	case schema.TypeInt64:
		c.Ints = make([]int64, 0, n)
	case schema.TypeUint64:
		c.Uints = make([]uint64, 0, n)
	case schema.TypeString:
		c.Strings = make([]string, 0, n)
	case schema.TypeBool:
		c.Bools = make([]bool, 0, n)
	case schema.TypeTimestamp:
		c.Times = make([]int64, 0, n)
	}
	return c
}

func (c *Columns) len() int {
	switch {
	case c.Floats != nil:
		return len(c.Floats)
	case c.Ints != nil:
		return len(c.Ints)
	case c.Uints != nil:
		return len(c.Uints)
	case c.Strings != nil:
		return len(c.Strings)
	case c.Bools != nil:
		return len(c.Bools)
	default:
		return len(c.Times)
	}
}

// At returns the value at row i as an interface{}, for callers outside
// this package that need to inspect arbitrary column values (tombstone
// predicate matching, primary-key rendering elsewhere).
func (c *Columns) At(i int) interface{} {
	return c.valueAt(i)
}

func (c *Columns) valueAt(i int) interface{} {
	switch {
	case c.Floats != nil:
		return c.Floats[i]
	case c.Ints != nil:
		return c.Ints[i]
	case c.Uints != nil:
		return c.Uints[i]
	case c.Strings != nil:
		return c.Strings[i]
	case c.Bools != nil:
		return c.Bools[i]
	default:
		return c.Times[i]
	}
}

func (c *Columns) appendFrom(src *Columns, i int) {
	switch {
	case src.Floats != nil:
		c.Floats = append(c.Floats, src.Floats[i])
	case src.Ints != nil:
		c.Ints = append(c.Ints, src.Ints[i])
	case src.Uints != nil:
		c.Uints = append(c.Uints, src.Uints[i])
	case src.Strings != nil:
		c.Strings = append(c.Strings, src.Strings[i])
	case src.Bools != nil:
		c.Bools = append(c.Bools, src.Bools[i])
	default:
		c.Times = append(c.Times, src.Times[i])
	}
}

// Batch is a struct-of-arrays set of rows sharing one schema. ChunkOrder
// carries per-row provenance precedence: for rows freshly appended by the
// ingester it equals the row's own sequence number; for rows merged by the
// compactor from an existing file it equals that file's chunk_order
// (§4.3). Dedup breaks primary-key ties using ChunkOrder, matching both
// uses with one implementation.
type Batch struct {
	Schema     *schema.Schema
	ChunkOrder []int64
	columns    map[string]*Columns
}

// NewBatch creates an empty batch for the given schema.
func NewBatch(s *schema.Schema) *Batch {
	cols := make(map[string]*Columns, len(s.Columns))
	for _, c := range s.Columns {
		cols[c.Name] = newColumns(c.Type, 0)
	}
	return &Batch{Schema: s, columns: cols}
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int {
	return len(b.ChunkOrder)
}

// Column returns the raw column storage for name, or nil if absent. A file
// persisted under an older sort key may lack columns a newer schema added;
// callers must handle a nil result instead of treating it as an error.
func (b *Batch) Column(name string) *Columns {
	return b.columns[name]
}

// Columns exposes the batch's backing column map, for serialization by
// pkg/columnarfile. Callers must not mutate the returned map or slices.
func (b *Batch) Columns() map[string]*Columns {
	return b.columns
}

// FromColumns reconstructs a Batch from its schema, per-row chunk order,
// and column storage, as decoded by pkg/columnarfile.
func FromColumns(s *schema.Schema, chunkOrder []int64, columns map[string]*Columns) *Batch {
	return &Batch{Schema: s, ChunkOrder: chunkOrder, columns: columns}
}

// AppendRow appends one row. values must supply every column in the
// schema; chunkOrder is this row's dedup precedence (see Batch doc).
func (b *Batch) AppendRow(values map[string]interface{}, chunkOrder int64) error {
	for _, c := range b.Schema.Columns {
		v, ok := values[c.Name]
		if !ok {
			return fmt.Errorf("row: missing value for column %q", c.Name)
		}
		col := b.columns[c.Name]
		if err := appendValue(col, c.Type, v); err != nil {
			return fmt.Errorf("row: column %q: %w", c.Name, err)
		}
	}
	b.ChunkOrder = append(b.ChunkOrder, chunkOrder)
	return nil
}

func appendValue(col *Columns, dt schema.DataType, v interface{}) error {
	switch dt {
	case schema.TypeFloat64:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("expected float64, got %T", v)
		}
		col.Floats = append(col.Floats, f)
	case schema.TypeInt64:
		i, ok := v.(int64)
		if !ok {
			return fmt.Errorf("expected int64, got %T", v)
		}
		col.Ints = append(col.Ints, i)
	case schema.TypeUint64:
		u, ok := v.(uint64)
		if !ok {
			return fmt.Errorf("expected uint64, got %T", v)
		}
		col.Uints = append(col.Uints, u)
	case schema.TypeString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		col.Strings = append(col.Strings, s)
	case schema.TypeBool:
		bo, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		col.Bools = append(col.Bools, bo)
	case schema.TypeTimestamp:
		ts, ok := v.(int64)
		if !ok {
			return fmt.Errorf("expected int64 timestamp, got %T", v)
		}
		col.Times = append(col.Times, ts)
	default:
		return fmt.Errorf("unknown data type %q", dt)
	}
	return nil
}

// Select returns a new batch holding exactly the rows named by idx, in
// the given order.
func (b *Batch) Select(idx []int) *Batch {
	out := &Batch{
		Schema:     b.Schema,
		ChunkOrder: make([]int64, len(idx)),
		columns:    make(map[string]*Columns, len(b.columns)),
	}
	for i, j := range idx {
		out.ChunkOrder[i] = b.ChunkOrder[j]
	}
	for name, col := range b.columns {
		nc := newColumns(colType(b.Schema, name), len(idx))
		for _, j := range idx {
			nc.appendFrom(col, j)
		}
		out.columns[name] = nc
	}
	return out
}

// Slice returns a new batch holding rows [lo, hi).
func (b *Batch) Slice(lo, hi int) *Batch {
	idx := make([]int, hi-lo)
	for i := range idx {
		idx[i] = lo + i
	}
	return b.Select(idx)
}

// Filter returns a new batch holding only the rows for which keep
// returns true.
func (b *Batch) Filter(keep func(i int) bool) *Batch {
	idx := make([]int, 0, b.Len())
	for i := 0; i < b.Len(); i++ {
		if keep(i) {
			idx = append(idx, i)
		}
	}
	return b.Select(idx)
}

func colType(s *schema.Schema, name string) schema.DataType {
	c, _ := s.ColumnByName(name)
	return c.Type
}

// Concat merges batches that share a schema into one batch, preserving
// row order (the batch order given, then row order within each batch).
func Concat(batches ...*Batch) (*Batch, error) {
	live := batches[:0:0]
	for _, b := range batches {
		if b != nil && b.Len() > 0 {
			live = append(live, b)
		}
	}
	if len(live) == 0 {
		if len(batches) > 0 && batches[0] != nil {
			return NewBatch(batches[0].Schema), nil
		}
		return nil, fmt.Errorf("row: Concat requires at least one batch")
	}

	merged, err := schema.Merge(schemasOf(live)...)
	if err != nil {
		return nil, err
	}
	out := NewBatch(merged)
	for _, b := range live {
		for i := 0; i < b.Len(); i++ {
			values := make(map[string]interface{}, len(merged.Columns))
			for _, c := range merged.Columns {
				col := b.columns[c.Name]
				if col == nil {
					return nil, fmt.Errorf("row: Concat: batch missing column %q", c.Name)
				}
				values[c.Name] = col.valueAt(i)
			}
			if err := out.AppendRow(values, b.ChunkOrder[i]); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func schemasOf(batches []*Batch) []*schema.Schema {
	out := make([]*schema.Schema, len(batches))
	for i, b := range batches {
		out[i] = b.Schema
	}
	return out
}

// PrimaryKey renders the primary-key value (tag columns + timestamp) of row
// i as a comparable string, the key used for last-write-wins dedup.
func (b *Batch) PrimaryKey(i int) string {
	var sb strings.Builder
	for _, name := range b.Schema.PrimaryKeyColumns() {
		col := b.columns[name]
		sb.WriteString(fmt.Sprint(col.valueAt(i)))
		sb.WriteByte('\x1f')
	}
	return sb.String()
}

// SortBy reorders the batch in place by the given sort key's effective
// columns (ignoring any column the batch does not have), ties broken by
// ChunkOrder descending so the highest-precedence row sorts first within a
// primary-key group — the order Dedup relies on.
func (b *Batch) SortBy(key schema.SortKey) {
	available := make(map[string]bool, len(b.columns))
	for name := range b.columns {
		available[name] = true
	}
	effective := key.EffectiveColumns(available)

	n := b.Len()
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		a, c := idx[i], idx[j]
		for _, name := range effective {
			col := b.columns[name]
			cmp := compareAt(col, a, c)
			if cmp != 0 {
				return cmp < 0
			}
		}
		return b.ChunkOrder[a] > b.ChunkOrder[c]
	})
	b.reorder(idx)
}

func compareAt(col *Columns, a, b int) int {
	switch {
	case col.Floats != nil:
		return compareFloat(col.Floats[a], col.Floats[b])
	case col.Ints != nil:
		return compareInt(col.Ints[a], col.Ints[b])
	case col.Uints != nil:
		return compareUint(col.Uints[a], col.Uints[b])
	case col.Strings != nil:
		return strings.Compare(col.Strings[a], col.Strings[b])
	case col.Bools != nil:
		return compareBool(col.Bools[a], col.Bools[b])
	default:
		return compareInt(col.Times[a], col.Times[b])
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

// reorder permutes every column slice (and ChunkOrder) according to idx.
func (b *Batch) reorder(idx []int) {
	n := len(idx)
	newChunkOrder := make([]int64, n)
	for i, j := range idx {
		newChunkOrder[i] = b.ChunkOrder[j]
	}
	b.ChunkOrder = newChunkOrder

	for name, col := range b.columns {
		nc := newColumns(colType(b.Schema, name), n)
		for _, j := range idx {
			nc.appendFrom(col, j)
		}
		b.columns[name] = nc
	}
}

// Dedup resolves last-write-wins duplicates on the primary key, keeping,
// for each distinct key, the row with the highest ChunkOrder. The batch
// MUST already be sorted by SortBy so that rows sharing a primary key are
// adjacent and the highest-ChunkOrder row of each group comes first
// (invariant 3, compactor §4.3 step 3).
func (b *Batch) Dedup() *Batch {
	n := b.Len()
	if n == 0 {
		return b
	}
	keep := make([]int, 0, n)
	var lastKey string
	haveLast := false
	for i := 0; i < n; i++ {
		key := b.PrimaryKey(i)
		if haveLast && key == lastKey {
			continue // a later (lower-ChunkOrder) duplicate of the same key
		}
		keep = append(keep, i)
		lastKey = key
		haveLast = true
	}
	if len(keep) == n {
		return b
	}
	b.reorder(keep)
	return b
}
