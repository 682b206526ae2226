package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsdbcore/pkg/catalog"
	"github.com/cuemby/tsdbcore/pkg/columnarfile"
	"github.com/cuemby/tsdbcore/pkg/objectstore"
	"github.com/cuemby/tsdbcore/pkg/schema"
)

type stubLifecycle struct {
	pauseAt int64
	total   int64
}

func (s *stubLifecycle) LogWrite(partitionID string, shardID uint32, tableID, partitionKey string, seq uint64, bytes int64) bool {
	s.total += bytes
	return s.pauseAt > 0 && s.total > s.pauseAt
}

func (s *stubLifecycle) ReleaseBytes(partitionID string, bytes int64) {
	s.total -= bytes
}

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

func TestApplyWriteAndQueryRoundTrip(t *testing.T) {
	store := catalog.NewMemStore()
	objects := objectstore.NewMemStore()
	lc := &stubLifecycle{}
	buf := NewBuffer(store, objects, lc)
	tbl := cpuTable(t, store)

	_, err := buf.ApplyWrite(WriteOp{ShardID: 0, Sequence: 1, Table: tbl, PartitionKey: "p", Values: map[string]interface{}{
		"host": "a", "v": 1.0, "time": int64(100),
	}})
	require.NoError(t, err)
	_, err = buf.ApplyWrite(WriteOp{ShardID: 0, Sequence: 2, Table: tbl, PartitionKey: "p", Values: map[string]interface{}{
		"host": "a", "v": 2.0, "time": int64(200),
	}})
	require.NoError(t, err)

	envs := buf.Query(tbl.ID)
	require.Len(t, envs, 1)
	require.Len(t, envs[0].Batches, 1)
	assert.Nil(t, envs[0].Status.ParquetMaxSeq, "no persist has happened yet")
	assert.Equal(t, []int64{100, 200}, envs[0].Batches[0].Column("time").Times)
}

func TestPersistCrossoverProducesFileAndEmptyEnvelope(t *testing.T) {
	store := catalog.NewMemStore()
	objects := objectstore.NewMemStore()
	lc := &stubLifecycle{}
	buf := NewBuffer(store, objects, lc)
	tbl := cpuTable(t, store)
	require.NoError(t, store.CreateShard(&catalog.Shard{ID: 0}))

	for seq, v := range []float64{1.0, 2.0} {
		_, err := buf.ApplyWrite(WriteOp{ShardID: 0, Sequence: uint64(seq + 1), Table: tbl, PartitionKey: "p", Values: map[string]interface{}{
			"host": "a", "v": v, "time": int64((seq + 1) * 100),
		}})
		require.NoError(t, err)
	}

	maxSeq, ok, err := buf.Persist(0, tbl.ID, "p")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), maxSeq)

	envs := buf.Query(tbl.ID)
	require.Len(t, envs, 1)
	assert.Empty(t, envs[0].Batches)
	require.NotNil(t, envs[0].Status.ParquetMaxSeq)
	assert.Equal(t, uint64(2), *envs[0].Status.ParquetMaxSeq)

	files, err := store.ListFilesByPartitionNotDeleted(envs[0].PartitionID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, uint64(2), files[0].MaxSeq)

	data, err := objects.Get(files[0].ID)
	require.NoError(t, err)
	decoded, err := columnarfile.Read(data)
	require.NoError(t, err)
	assert.Equal(t, 2, decoded.Len())

	shard, err := store.GetShard(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), shard.MinUnpersistedSequenceNumber)
}

func TestApplyDeleteFiltersAtPersistTime(t *testing.T) {
	store := catalog.NewMemStore()
	objects := objectstore.NewMemStore()
	lc := &stubLifecycle{}
	buf := NewBuffer(store, objects, lc)
	tbl := cpuTable(t, store)
	require.NoError(t, store.CreateShard(&catalog.Shard{ID: 0}))

	_, err := buf.ApplyWrite(WriteOp{ShardID: 0, Sequence: 1, Table: tbl, PartitionKey: "p", Values: map[string]interface{}{
		"host": "a", "v": 1.0, "time": int64(100),
	}})
	require.NoError(t, err)
	_, err = buf.ApplyWrite(WriteOp{ShardID: 0, Sequence: 2, Table: tbl, PartitionKey: "p", Values: map[string]interface{}{
		"host": "a", "v": 2.0, "time": int64(200),
	}})
	require.NoError(t, err)

	require.NoError(t, buf.ApplyDelete(DeleteOp{
		ShardID: 0, Sequence: 3, Table: tbl, MinTime: 0, MaxTime: 150,
		Predicate: []catalog.ColumnEquality{{Column: "host", Value: "a"}},
	}))

	_, ok, err := buf.Persist(0, tbl.ID, "p")
	require.NoError(t, err)
	require.True(t, ok)

	envs := buf.Query(tbl.ID)
	require.Len(t, envs, 1)
	files, err := store.ListFilesByPartitionNotDeleted(envs[0].PartitionID)
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := objects.Get(files[0].ID)
	require.NoError(t, err)
	decoded, err := columnarfile.Read(data)
	require.NoError(t, err)
	require.Equal(t, 1, decoded.Len(), "tombstoned row must not survive persist")
	assert.Equal(t, int64(200), decoded.Column("time").Times[0])
}

func TestApplyWriteReturnsShouldPauseWhenOverThreshold(t *testing.T) {
	store := catalog.NewMemStore()
	objects := objectstore.NewMemStore()
	lc := &stubLifecycle{pauseAt: 10}
	buf := NewBuffer(store, objects, lc)
	tbl := cpuTable(t, store)

	shouldPause, err := buf.ApplyWrite(WriteOp{ShardID: 0, Sequence: 1, Table: tbl, PartitionKey: "p", Values: map[string]interface{}{
		"host": "aaaaaaaaaaaaaaaaaaaa", "v": 1.0, "time": int64(1),
	}})
	require.NoError(t, err)
	assert.True(t, shouldPause)
}

func TestShardStatsReflectsBufferedRows(t *testing.T) {
	store := catalog.NewMemStore()
	objects := objectstore.NewMemStore()
	buf := NewBuffer(store, objects, &stubLifecycle{})
	tbl := cpuTable(t, store)

	_, err := buf.ApplyWrite(WriteOp{ShardID: 5, Sequence: 1, Table: tbl, PartitionKey: "p", Values: map[string]interface{}{
		"host": "a", "v": 1.0, "time": int64(1),
	}})
	require.NoError(t, err)

	stats := buf.ShardStats()
	require.Contains(t, stats, uint32(5))
	assert.Equal(t, int64(1), stats[5].BufferedRows)
	assert.Greater(t, stats[5].BufferedBytes, int64(0))
}
