package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsdbcore/pkg/catalog"
	"github.com/cuemby/tsdbcore/pkg/ingest"
	"github.com/cuemby/tsdbcore/pkg/ingestrpc"
	"github.com/cuemby/tsdbcore/pkg/objectstore"
	"github.com/cuemby/tsdbcore/pkg/schema"
)

type fakeLifecycle struct{}

func (fakeLifecycle) LogWrite(string, uint32, string, string, uint64, int64) bool { return false }
func (fakeLifecycle) ReleaseBytes(string, int64)                                  {}

func cpuTable(t *testing.T, store catalog.Store) *catalog.Table {
	t.Helper()
	sch, err := schema.New(
		schema.Column{Name: "host", Kind: schema.Tag, Type: schema.TypeString},
		schema.Column{Name: "v", Kind: schema.Field, Type: schema.TypeFloat64},
		schema.Column{Name: "time", Kind: schema.Timestamp, Type: schema.TypeTimestamp},
	)
	require.NoError(t, err)
	tbl := &catalog.Table{NamespaceID: "ns", Name: "cpu", Schema: sch}
	require.NoError(t, store.CreateTable(tbl))
	return tbl
}

// S1 — ingester round-trip: two unpersisted writes are both visible.
func TestReconcileIngesterRoundTrip(t *testing.T) {
	store := catalog.NewMemStore()
	objects := objectstore.NewMemStore()
	tbl := cpuTable(t, store)
	buf := ingest.NewBuffer(store, objects, fakeLifecycle{})

	_, err := buf.ApplyWrite(ingest.WriteOp{ShardID: 0, Sequence: 1, Table: tbl, PartitionKey: "p", Values: map[string]interface{}{
		"host": "a", "v": 1.0, "time": int64(100),
	}})
	require.NoError(t, err)
	_, err = buf.ApplyWrite(ingest.WriteOp{ShardID: 0, Sequence: 2, Table: tbl, PartitionKey: "p", Values: map[string]interface{}{
		"host": "a", "v": 2.0, "time": int64(200),
	}})
	require.NoError(t, err)

	r := NewReconciler(store, objects)
	res, err := r.Reconcile(context.Background(), Request{
		TableID: tbl.ID,
		Shards:  map[uint32]ingestrpc.QueryClient{0: ingestrpc.NewInProcessClient(buf)},
	})
	require.NoError(t, err)

	merged, err := SortAndDedup(res.Chunks)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	for _, b := range merged {
		assert.Equal(t, 2, b.Len())
		assert.Equal(t, []int64{100, 200}, b.Column("time").Times)
	}
}

// S2 — persist crossover: after persisting, the same two rows are served
// from the L0 file instead of the ingester buffer.
func TestReconcilePersistCrossover(t *testing.T) {
	store := catalog.NewMemStore()
	objects := objectstore.NewMemStore()
	tbl := cpuTable(t, store)
	buf := ingest.NewBuffer(store, objects, fakeLifecycle{})

	for i, tm := range []int64{100, 200} {
		_, err := buf.ApplyWrite(ingest.WriteOp{ShardID: 0, Sequence: uint64(i + 1), Table: tbl, PartitionKey: "p", Values: map[string]interface{}{
			"host": "a", "v": float64(i + 1), "time": tm,
		}})
		require.NoError(t, err)
	}
	_, ok, err := buf.Persist(0, tbl.ID, "p")
	require.NoError(t, err)
	require.True(t, ok)

	r := NewReconciler(store, objects)
	res, err := r.Reconcile(context.Background(), Request{
		TableID: tbl.ID,
		Shards:  map[uint32]ingestrpc.QueryClient{0: ingestrpc.NewInProcessClient(buf)},
	})
	require.NoError(t, err)

	merged, err := SortAndDedup(res.Chunks)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	for _, b := range merged {
		assert.Equal(t, 2, b.Len())
		assert.Equal(t, []int64{100, 200}, b.Column("time").Times)
	}
}

// S3 — tombstone: a delete covering [0,150] removes the row at time 100
// but leaves the row at time 200.
func TestReconcileAppliesTombstone(t *testing.T) {
	store := catalog.NewMemStore()
	objects := objectstore.NewMemStore()
	tbl := cpuTable(t, store)
	buf := ingest.NewBuffer(store, objects, fakeLifecycle{})

	for i, tm := range []int64{100, 200} {
		_, err := buf.ApplyWrite(ingest.WriteOp{ShardID: 0, Sequence: uint64(i + 1), Table: tbl, PartitionKey: "p", Values: map[string]interface{}{
			"host": "a", "v": float64(i + 1), "time": tm,
		}})
		require.NoError(t, err)
	}
	_, ok, err := buf.Persist(0, tbl.ID, "p")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, buf.ApplyDelete(ingest.DeleteOp{
		ShardID: 0, Sequence: 3, Table: tbl, MinTime: 0, MaxTime: 150,
	}))

	r := NewReconciler(store, objects)
	res, err := r.Reconcile(context.Background(), Request{
		TableID: tbl.ID,
		Shards:  map[uint32]ingestrpc.QueryClient{0: ingestrpc.NewInProcessClient(buf)},
	})
	require.NoError(t, err)

	merged, err := SortAndDedup(res.Chunks)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	for _, b := range merged {
		require.Equal(t, 1, b.Len())
		assert.Equal(t, []int64{200}, b.Column("time").Times)
	}
}

// S4 — compactor conflict: an L1 file with max_seq ahead of what the
// ingester reports must fail the query.
func TestReconcileCompactorConflict(t *testing.T) {
	store := catalog.NewMemStore()
	objects := objectstore.NewMemStore()
	tbl := cpuTable(t, store)
	buf := ingest.NewBuffer(store, objects, fakeLifecycle{})

	_, err := buf.ApplyWrite(ingest.WriteOp{ShardID: 0, Sequence: 1, Table: tbl, PartitionKey: "p", Values: map[string]interface{}{
		"host": "a", "v": 1.0, "time": int64(100),
	}})
	require.NoError(t, err)
	_, ok, err := buf.Persist(0, tbl.ID, "p")
	require.NoError(t, err)
	require.True(t, ok)

	partition, err := store.GetPartitionByKey(tbl.ID, "p")
	require.NoError(t, err)

	require.NoError(t, store.RunTransaction(func(tx catalog.Transaction) error {
		return tx.CreateFile(&catalog.File{
			ID:          "raced-l1",
			PartitionID: partition.ID,
			ShardID:     0,
			MinSeq:      1,
			MaxSeq:      2,
			Level:       catalog.LevelL1,
			Columns:     []string{"host", "v", "time"},
		})
	}))

	r := NewReconciler(store, objects)
	_, err = r.Reconcile(context.Background(), Request{
		TableID: tbl.ID,
		Shards:  map[uint32]ingestrpc.QueryClient{0: ingestrpc.NewInProcessClient(buf)},
	})
	require.Error(t, err)
}
