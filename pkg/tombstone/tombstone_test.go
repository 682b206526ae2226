package tombstone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsdbcore/pkg/catalog"
	"github.com/cuemby/tsdbcore/pkg/row"
	"github.com/cuemby/tsdbcore/pkg/schema"
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

func TestApplyAllRemovesMatchingRowsWithinTimeAndSeq(t *testing.T) {
	b := row.NewBatch(cpuSchema(t))
	require.NoError(t, b.AppendRow(map[string]interface{}{"host": "a", "value": 1.0, "time": int64(100)}, 1))
	require.NoError(t, b.AppendRow(map[string]interface{}{"host": "a", "value": 2.0, "time": int64(200)}, 2))
	require.NoError(t, b.AppendRow(map[string]interface{}{"host": "b", "value": 3.0, "time": int64(100)}, 3))

	ts := catalog.Tombstone{
		Sequence:  3,
		MinTime:   0,
		MaxTime:   150,
		Predicate: []catalog.ColumnEquality{{Column: "host", Value: "a"}},
	}

	out := ApplyAll(b, func(i int) uint64 { return uint64(b.ChunkOrder[i]) }, []catalog.Tombstone{ts})
	require.Equal(t, 2, out.Len())
	assert.Equal(t, []float64{2.0, 3.0}, out.Column("value").Floats)
}

func TestApplyAllSkipsRowsWithHigherSequenceThanTombstone(t *testing.T) {
	b := row.NewBatch(cpuSchema(t))
	require.NoError(t, b.AppendRow(map[string]interface{}{"host": "a", "value": 1.0, "time": int64(100)}, 5))

	ts := catalog.Tombstone{
		Sequence:  2, // older than this row's seq 5
		MinTime:   0,
		MaxTime:   150,
		Predicate: []catalog.ColumnEquality{{Column: "host", Value: "a"}},
	}

	out := ApplyAll(b, func(i int) uint64 { return uint64(b.ChunkOrder[i]) }, []catalog.Tombstone{ts})
	assert.Equal(t, 1, out.Len(), "row written after the tombstone's sequence must survive")
}

func TestApplicableDropsTombstonesOlderThanFileMinSeq(t *testing.T) {
	ts := []catalog.Tombstone{
		{Sequence: 1},
		{Sequence: 10},
	}
	out := Applicable(ts, 5)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(10), out[0].Sequence)
}
