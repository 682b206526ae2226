package row

import (
	"testing"

	"github.com/cuemby/tsdbcore/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cpuSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New(
		schema.Column{Name: "host", Kind: schema.Tag, Type: schema.TypeString},
		schema.Column{Name: "value", Kind: schema.Field, Type: schema.TypeFloat64},
		schema.Column{Name: "time", Kind: schema.Timestamp, Type: schema.TypeTimestamp},
	)
	require.NoError(t, err)
	return s
}

func appendCPURow(t *testing.T, b *Batch, host string, value float64, ts int64, chunkOrder int64) {
	t.Helper()
	require.NoError(t, b.AppendRow(map[string]interface{}{
		"host":  host,
		"value": value,
		"time":  ts,
	}, chunkOrder))
}

func TestAppendRowAndLen(t *testing.T) {
	b := NewBatch(cpuSchema(t))
	appendCPURow(t, b, "a", 1, 100, 1)
	appendCPURow(t, b, "a", 2, 200, 2)

	assert.Equal(t, 2, b.Len())
	assert.Equal(t, []int64{1, 2}, b.ChunkOrder)
}

func TestAppendRowRejectsMissingColumn(t *testing.T) {
	b := NewBatch(cpuSchema(t))
	err := b.AppendRow(map[string]interface{}{"host": "a", "time": int64(1)}, 1)
	assert.Error(t, err)
}

func TestSliceReturnsSubrange(t *testing.T) {
	b := NewBatch(cpuSchema(t))
	appendCPURow(t, b, "a", 1, 100, 1)
	appendCPURow(t, b, "b", 2, 200, 2)
	appendCPURow(t, b, "c", 3, 300, 3)

	sliced := b.Slice(1, 3)
	require.Equal(t, 2, sliced.Len())
	assert.Equal(t, []int64{2, 3}, sliced.ChunkOrder)
	assert.Equal(t, []string{"b", "c"}, sliced.Column("host").Strings)
}

func TestConcatMergesRowsInOrder(t *testing.T) {
	s := cpuSchema(t)
	a := NewBatch(s)
	appendCPURow(t, a, "a", 1, 100, 1)
	b := NewBatch(s)
	appendCPURow(t, b, "b", 2, 200, 2)

	merged, err := Concat(a, b)
	require.NoError(t, err)
	require.Equal(t, 2, merged.Len())
	assert.Equal(t, []string{"a", "b"}, merged.Column("host").Strings)
}

func TestSortByOrdersByTagThenTimestamp(t *testing.T) {
	b := NewBatch(cpuSchema(t))
	appendCPURow(t, b, "b", 1, 300, 1)
	appendCPURow(t, b, "a", 2, 200, 2)
	appendCPURow(t, b, "a", 3, 100, 3)

	key := schema.NewSortKey([]string{"host"}, "time")
	b.SortBy(key)

	assert.Equal(t, []string{"a", "a", "b"}, b.Column("host").Strings)
	assert.Equal(t, []int64{100, 200, 300}, b.Column("time").Times)
}

func TestDedupKeepsHighestChunkOrderPerPrimaryKey(t *testing.T) {
	b := NewBatch(cpuSchema(t))
	appendCPURow(t, b, "a", 1, 100, 1) // superseded
	appendCPURow(t, b, "a", 2, 100, 5) // winner: same (host,time), higher chunk order
	appendCPURow(t, b, "a", 3, 200, 2)

	key := schema.NewSortKey([]string{"host"}, "time")
	b.SortBy(key)
	b.Dedup()

	require.Equal(t, 2, b.Len())
	assert.Equal(t, []float64{2, 3}, b.Column("value").Floats)
	assert.Equal(t, []int64{5, 2}, b.ChunkOrder)
}

func TestFilterKeepsOnlyMatchingRows(t *testing.T) {
	b := NewBatch(cpuSchema(t))
	appendCPURow(t, b, "a", 1, 100, 1)
	appendCPURow(t, b, "b", 2, 200, 2)
	appendCPURow(t, b, "a", 3, 300, 3)

	filtered := b.Filter(func(i int) bool {
		return b.Column("host").Strings[i] == "a"
	})

	require.Equal(t, 2, filtered.Len())
	assert.Equal(t, []float64{1, 3}, filtered.Column("value").Floats)
}

func TestPrimaryKeyDistinguishesRows(t *testing.T) {
	b := NewBatch(cpuSchema(t))
	appendCPURow(t, b, "a", 1, 100, 1)
	appendCPURow(t, b, "a", 2, 200, 2)
	appendCPURow(t, b, "b", 3, 100, 3)

	assert.NotEqual(t, b.PrimaryKey(0), b.PrimaryKey(1))
	assert.NotEqual(t, b.PrimaryKey(0), b.PrimaryKey(2))
}
