package catalog

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/tsdbcore/pkg/schema"
)

var (
	bucketNamespaces = []byte("namespaces")
	bucketTables     = []byte("tables")
	bucketShards     = []byte("shards")
	bucketPartitions = []byte("partitions")
	bucketFiles      = []byte("files")
	bucketTombstones = []byte("tombstones")
	bucketProcessed  = []byte("processed_tombstones")
)

// BoltStore implements Store using a bbolt database, one bucket per entity
// with JSON-encoded values — the catalog's durable, single-writer mode.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt-backed catalog under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "catalog.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNamespaces, bucketTables, bucketShards, bucketPartitions,
			bucketFiles, bucketTombstones, bucketProcessed,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("catalog: failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateNamespace(ns *Namespace) error {
	if ns.ID == "" {
		ns.ID = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketNamespaces), ns.ID, ns)
	})
}

func (s *BoltStore) GetNamespace(id string) (*Namespace, error) {
	var ns Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketNamespaces), id, &ns)
	})
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

func (s *BoltStore) GetNamespaceByName(name string) (*Namespace, error) {
	var found *Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).ForEach(func(k, v []byte) error {
			var ns Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			if ns.Name == name {
				found = &ns
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) ListNamespaces() ([]*Namespace, error) {
	var out []*Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).ForEach(func(k, v []byte) error {
			var ns Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			out = append(out, &ns)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) CreateTable(t *Table) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketTables), t.ID, t)
	})
}

func (s *BoltStore) GetTable(id string) (*Table, error) {
	var t Table
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketTables), id, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) GetTableByName(namespaceID, name string) (*Table, error) {
	var found *Table
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTables).ForEach(func(k, v []byte) error {
			var t Table
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.NamespaceID == namespaceID && t.Name == name {
				found = &t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) ListTables(namespaceID string) ([]*Table, error) {
	var out []*Table
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTables).ForEach(func(k, v []byte) error {
			var t Table
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.NamespaceID == namespaceID {
				out = append(out, &t)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) CreateShard(shard *Shard) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketShards), shardKey(shard.ID), shard)
	})
}

func (s *BoltStore) GetShard(id uint32) (*Shard, error) {
	var shard Shard
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketShards), shardKey(id), &shard)
	})
	if err != nil {
		return nil, err
	}
	return &shard, nil
}

func (s *BoltStore) CreatePartition(p *Partition) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketPartitions), p.ID, p)
	})
}

func (s *BoltStore) GetPartition(id string) (*Partition, error) {
	var p Partition
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketPartitions), id, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) GetPartitionByKey(tableID, partitionKey string) (*Partition, error) {
	var found *Partition
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPartitions).ForEach(func(k, v []byte) error {
			var p Partition
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.TableID == tableID && p.PartitionKey == partitionKey {
				found = &p
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) ListPartitionsByTable(tableID string) ([]*Partition, error) {
	var out []*Partition
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPartitions).ForEach(func(k, v []byte) error {
			var p Partition
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.TableID == tableID {
				out = append(out, &p)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListFilesByPartitionNotDeleted(partitionID string) ([]*File, error) {
	var out []*File
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			var f File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if f.PartitionID == partitionID && !f.Deleted {
				out = append(out, &f)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListFilesByShardLevel0(shardID uint32) ([]*File, error) {
	var out []*File
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			var f File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if f.ShardID == shardID && f.Level == LevelL0 && !f.Deleted {
				out = append(out, &f)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) GetFile(id string) (*File, error) {
	var f File
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketFiles), id, &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *BoltStore) CreateTombstone(t *Tombstone) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketTombstones), t.ID, t)
	})
}

func (s *BoltStore) ListTombstonesByTable(tableID string) ([]*Tombstone, error) {
	var out []*Tombstone
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTombstones).ForEach(func(k, v []byte) error {
			var t Tombstone
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.TableID == tableID {
				out = append(out, &t)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) RemoveTombstone(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTombstones).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketProcessed).Delete([]byte(id))
	})
}

func (s *BoltStore) IsProcessed(tombstoneID, fileID string) (bool, error) {
	var set map[string]bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProcessed).Get([]byte(tombstoneID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &set)
	})
	if err != nil {
		return false, err
	}
	return set[fileID], nil
}

func (s *BoltStore) CountProcessed(tombstoneID string) (int, error) {
	var set map[string]bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProcessed).Get([]byte(tombstoneID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &set)
	})
	if err != nil {
		return 0, err
	}
	return len(set), nil
}

// RunTransaction runs fn inside a single bbolt read-write transaction, so
// every call fn makes on the given Transaction commits together or not at
// all.
func (s *BoltStore) RunTransaction(fn func(Transaction) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) CreateFile(f *File) error {
	if f.ID == "" {
		return fmt.Errorf("catalog: file requires an object-store id")
	}
	return putJSON(t.tx.Bucket(bucketFiles), f.ID, f)
}

func (t *boltTx) FlagFileForDelete(fileID string) error {
	b := t.tx.Bucket(bucketFiles)
	var f File
	if err := getJSON(b, fileID, &f); err != nil {
		return err
	}
	f.Deleted = true
	return putJSON(b, fileID, &f)
}

func (t *boltTx) CreateProcessedTombstone(tombstoneID, fileID string) error {
	b := t.tx.Bucket(bucketProcessed)
	var set map[string]bool
	data := b.Get([]byte(tombstoneID))
	if data != nil {
		if err := json.Unmarshal(data, &set); err != nil {
			return err
		}
	} else {
		set = make(map[string]bool)
	}
	set[fileID] = true
	return putJSON(b, tombstoneID, set)
}

func (t *boltTx) UpdateShardWatermark(shardID uint32, minUnpersistedSeq uint64) error {
	b := t.tx.Bucket(bucketShards)
	var shard Shard
	if err := getJSON(b, shardKey(shardID), &shard); err != nil {
		return err
	}
	if minUnpersistedSeq < shard.MinUnpersistedSequenceNumber {
		return fmt.Errorf("catalog: watermark would decrease for shard %d (invariant 1)", shardID)
	}
	shard.MinUnpersistedSequenceNumber = minUnpersistedSeq
	return putJSON(b, shardKey(shardID), &shard)
}

func (t *boltTx) UpdateSortKey(partitionID string, newSortKey schema.SortKey, priorVersion uint64) error {
	b := t.tx.Bucket(bucketPartitions)
	var p Partition
	if err := getJSON(b, partitionID, &p); err != nil {
		return err
	}
	if p.Version != priorVersion {
		return ErrSortKeyConflict
	}
	if !newSortKey.ExtendsFrom(p.SortKey) {
		return fmt.Errorf("catalog: sort key for partition %s is not a monotonic extension (invariant 5)", partitionID)
	}
	p.SortKey = newSortKey
	p.Version++
	return putJSON(b, partitionID, &p)
}

func shardKey(id uint32) string {
	return fmt.Sprintf("%d", id)
}

func putJSON(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v interface{}) error {
	data := b.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}
