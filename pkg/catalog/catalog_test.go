package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsdbcore/pkg/schema"
)

// stores returns one Store of each implementation, so every case below runs
// against both the in-memory and bbolt-backed catalogs.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]Store{
		"mem":  NewMemStore(),
		"bolt": bolt,
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range stores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			fn(t, s)
		})
	}
}

func TestNamespaceCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ns := &Namespace{Name: "acme"}
		require.NoError(t, s.CreateNamespace(ns))
		assert.NotEmpty(t, ns.ID)

		got, err := s.GetNamespace(ns.ID)
		require.NoError(t, err)
		assert.Equal(t, "acme", got.Name)

		byName, err := s.GetNamespaceByName("acme")
		require.NoError(t, err)
		assert.Equal(t, ns.ID, byName.ID)

		_, err = s.GetNamespaceByName("missing")
		assert.ErrorIs(t, err, ErrNotFound)

		all, err := s.ListNamespaces()
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestTableCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		sch, err := schema.New(
			schema.Column{Name: "host", Kind: schema.Tag, Type: schema.TypeString},
			schema.Column{Name: "time", Kind: schema.Timestamp, Type: schema.TypeTimestamp},
		)
		require.NoError(t, err)

		tbl := &Table{NamespaceID: "ns1", Name: "cpu", Schema: sch}
		require.NoError(t, s.CreateTable(tbl))

		got, err := s.GetTable(tbl.ID)
		require.NoError(t, err)
		assert.Equal(t, "cpu", got.Name)
		require.NotNil(t, got.Schema)
		assert.Len(t, got.Schema.Columns, 2)

		byName, err := s.GetTableByName("ns1", "cpu")
		require.NoError(t, err)
		assert.Equal(t, tbl.ID, byName.ID)

		list, err := s.ListTables("ns1")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestShardWatermarkRejectsDecrease(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateShard(&Shard{ID: 1, MinUnpersistedSequenceNumber: 10}))

		err := s.RunTransaction(func(tx Transaction) error {
			return tx.UpdateShardWatermark(1, 20)
		})
		require.NoError(t, err)

		shard, err := s.GetShard(1)
		require.NoError(t, err)
		assert.Equal(t, uint64(20), shard.MinUnpersistedSequenceNumber)

		err = s.RunTransaction(func(tx Transaction) error {
			return tx.UpdateShardWatermark(1, 5)
		})
		assert.Error(t, err)

		shard, err = s.GetShard(1)
		require.NoError(t, err)
		assert.Equal(t, uint64(20), shard.MinUnpersistedSequenceNumber, "watermark must not move backwards")
	})
}

func TestUpdateSortKeyOptimisticConcurrency(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		p := &Partition{
			TableID:      "t1",
			PartitionKey: "2026-07-31",
			SortKey:      schema.NewSortKey([]string{"host"}, "time"),
		}
		require.NoError(t, s.CreatePartition(p))

		newKey := schema.NewSortKey([]string{"host", "region"}, "time")
		err := s.RunTransaction(func(tx Transaction) error {
			return tx.UpdateSortKey(p.ID, newKey, 0)
		})
		require.NoError(t, err)

		got, err := s.GetPartition(p.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.Version)
		assert.True(t, got.SortKey.Equal(newKey))

		// stale prior version is rejected
		err = s.RunTransaction(func(tx Transaction) error {
			return tx.UpdateSortKey(p.ID, newKey, 0)
		})
		assert.ErrorIs(t, err, ErrSortKeyConflict)

		// non-monotonic change (dropping a column) is rejected even with the
		// correct version
		badKey := schema.NewSortKey([]string{"region"}, "time")
		err = s.RunTransaction(func(tx Transaction) error {
			return tx.UpdateSortKey(p.ID, badKey, 1)
		})
		assert.Error(t, err)
	})
}

func TestFileLifecycleAndTombstoneProcessing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateShard(&Shard{ID: 7}))
		p := &Partition{TableID: "t1", PartitionKey: "k"}
		require.NoError(t, s.CreatePartition(p))

		f := &File{ID: "obj-1", PartitionID: p.ID, ShardID: 7, MinSeq: 1, MaxSeq: 10, Level: LevelL0}
		ts := &Tombstone{TableID: "t1", ShardID: 7, Sequence: 5}
		require.NoError(t, s.CreateTombstone(ts))

		err := s.RunTransaction(func(tx Transaction) error {
			if err := tx.CreateFile(f); err != nil {
				return err
			}
			return tx.CreateProcessedTombstone(ts.ID, f.ID)
		})
		require.NoError(t, err)

		files, err := s.ListFilesByPartitionNotDeleted(p.ID)
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, int64(10), files[0].ChunkOrder())

		processed, err := s.IsProcessed(ts.ID, f.ID)
		require.NoError(t, err)
		assert.True(t, processed)

		count, err := s.CountProcessed(ts.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		require.NoError(t, s.RunTransaction(func(tx Transaction) error {
			return tx.FlagFileForDelete(f.ID)
		}))

		files, err = s.ListFilesByPartitionNotDeleted(p.ID)
		require.NoError(t, err)
		assert.Empty(t, files)

		got, err := s.GetFile(f.ID)
		require.NoError(t, err)
		assert.True(t, got.Deleted)
	})
}

func TestRunTransactionRollsBackOnLaterFailure(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateShard(&Shard{ID: 9}))
		p := &Partition{TableID: "t1", PartitionKey: "k", SortKey: schema.NewSortKey([]string{"host"}, "time")}
		require.NoError(t, s.CreatePartition(p))

		f := &File{ID: "obj-race", PartitionID: p.ID, ShardID: 9, MinSeq: 1, MaxSeq: 5, Level: LevelL0}

		// CreateFile succeeds, then UpdateSortKey fails on a stale version:
		// the whole transaction must leave no trace of the file.
		err := s.RunTransaction(func(tx Transaction) error {
			if err := tx.CreateFile(f); err != nil {
				return err
			}
			return tx.UpdateSortKey(p.ID, schema.NewSortKey([]string{"host", "region"}, "time"), 99)
		})
		require.ErrorIs(t, err, ErrSortKeyConflict)

		_, err = s.GetFile(f.ID)
		assert.ErrorIs(t, err, ErrNotFound, "file created before the failing step must not be committed")

		got, err := s.GetPartition(p.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), got.Version, "sort key must not be partially applied")
		assert.True(t, got.SortKey.Equal(p.SortKey))
	})
}

func TestListFilesByShardLevel0ExcludesL1AndDeleted(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateShard(&Shard{ID: 3}))
		p := &Partition{TableID: "t1", PartitionKey: "k"}
		require.NoError(t, s.CreatePartition(p))

		l0 := &File{ID: "l0", PartitionID: p.ID, ShardID: 3, Level: LevelL0}
		l1 := &File{ID: "l1", PartitionID: p.ID, ShardID: 3, Level: LevelL1}
		deletedL0 := &File{ID: "l0-del", PartitionID: p.ID, ShardID: 3, Level: LevelL0, Deleted: true}

		require.NoError(t, s.RunTransaction(func(tx Transaction) error {
			for _, f := range []*File{l0, l1, deletedL0} {
				if err := tx.CreateFile(f); err != nil {
					return err
				}
			}
			return nil
		}))

		files, err := s.ListFilesByShardLevel0(3)
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, "l0", files[0].ID)
	})
}

func TestRemoveTombstone(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ts := &Tombstone{TableID: "t1", ShardID: 1, Sequence: 1}
		require.NoError(t, s.CreateTombstone(ts))

		list, err := s.ListTombstonesByTable("t1")
		require.NoError(t, err)
		assert.Len(t, list, 1)

		require.NoError(t, s.RemoveTombstone(ts.ID))

		list, err = s.ListTombstonesByTable("t1")
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}
