package catalog

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/tsdbcore/pkg/schema"
)

// MemStore is an in-memory Store, used by unit tests and by single-process
// deployments that don't need durability across restarts.
type MemStore struct {
	mu sync.RWMutex

	namespaces map[string]*Namespace
	tables     map[string]*Table
	shards     map[uint32]*Shard
	partitions map[string]*Partition
	files      map[string]*File
	tombstones map[string]*Tombstone
	processed  map[string]map[string]bool // tombstoneID -> fileID -> true
}

// NewMemStore creates an empty in-memory catalog.
func NewMemStore() *MemStore {
	return &MemStore{
		namespaces: make(map[string]*Namespace),
		tables:     make(map[string]*Table),
		shards:     make(map[uint32]*Shard),
		partitions: make(map[string]*Partition),
		files:      make(map[string]*File),
		tombstones: make(map[string]*Tombstone),
		processed:  make(map[string]map[string]bool),
	}
}

func (m *MemStore) Close() error { return nil }

func (m *MemStore) CreateNamespace(ns *Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns.ID == "" {
		ns.ID = uuid.NewString()
	}
	cp := *ns
	m.namespaces[ns.ID] = &cp
	return nil
}

func (m *MemStore) GetNamespace(id string) (*Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.namespaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ns
	return &cp, nil
}

func (m *MemStore) GetNamespaceByName(name string) (*Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ns := range m.namespaces {
		if ns.Name == name {
			cp := *ns
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) ListNamespaces() ([]*Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Namespace, 0, len(m.namespaces))
	for _, ns := range m.namespaces {
		cp := *ns
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemStore) CreateTable(t *Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	cp := *t
	m.tables[t.ID] = &cp
	return nil
}

func (m *MemStore) GetTable(id string) (*Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) GetTableByName(namespaceID, name string) (*Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tables {
		if t.NamespaceID == namespaceID && t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) ListTables(namespaceID string) ([]*Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Table
	for _, t := range m.tables {
		if t.NamespaceID == namespaceID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) CreateShard(shard *Shard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *shard
	m.shards[shard.ID] = &cp
	return nil
}

func (m *MemStore) GetShard(id uint32) (*Shard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shards[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) CreatePartition(p *Partition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	cp := *p
	m.partitions[p.ID] = &cp
	return nil
}

func (m *MemStore) GetPartition(id string) (*Partition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.partitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemStore) GetPartitionByKey(tableID, partitionKey string) (*Partition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.partitions {
		if p.TableID == tableID && p.PartitionKey == partitionKey {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) ListPartitionsByTable(tableID string) ([]*Partition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Partition
	for _, p := range m.partitions {
		if p.TableID == tableID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) ListFilesByPartitionNotDeleted(partitionID string) ([]*File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*File
	for _, f := range m.files {
		if f.PartitionID == partitionID && !f.Deleted {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) ListFilesByShardLevel0(shardID uint32) ([]*File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*File
	for _, f := range m.files {
		if f.ShardID == shardID && f.Level == LevelL0 && !f.Deleted {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) GetFile(id string) (*File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *MemStore) CreateTombstone(t *Tombstone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	cp := *t
	m.tombstones[t.ID] = &cp
	return nil
}

func (m *MemStore) ListTombstonesByTable(tableID string) ([]*Tombstone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Tombstone
	for _, t := range m.tombstones {
		if t.TableID == tableID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) RemoveTombstone(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tombstones, id)
	delete(m.processed, id)
	return nil
}

func (m *MemStore) IsProcessed(tombstoneID, fileID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.processed[tombstoneID][fileID], nil
}

func (m *MemStore) CountProcessed(tombstoneID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.processed[tombstoneID]), nil
}

// RunTransaction takes the store's single write lock for the duration of
// fn. Every call made through the *memTx it receives stages its change
// against the transaction rather than the store's maps directly; only
// once fn returns nil are the staged changes applied, so a failure
// partway through (e.g. CreateFile succeeding then UpdateSortKey
// returning ErrSortKeyConflict) leaves the catalog exactly as it was
// before RunTransaction was called, matching the BoltStore path's
// db.Update atomicity.
func (m *MemStore) RunTransaction(fn func(Transaction) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := newMemTx(m)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type sortKeyStage struct {
	sortKey schema.SortKey
	version uint64
}

type processedKey struct {
	tombstoneID string
	fileID      string
}

type memTx struct {
	store *MemStore

	stagedFiles     map[string]*File
	stagedProcessed map[processedKey]bool
	stagedWatermark map[uint32]uint64
	stagedSortKeys  map[string]sortKeyStage
}

func newMemTx(store *MemStore) *memTx {
	return &memTx{
		store:           store,
		stagedFiles:     make(map[string]*File),
		stagedProcessed: make(map[processedKey]bool),
		stagedWatermark: make(map[uint32]uint64),
		stagedSortKeys:  make(map[string]sortKeyStage),
	}
}

// commit applies every staged change to the store's maps. Called only
// after fn has returned nil, so it cannot itself fail.
func (tx *memTx) commit() {
	for id, f := range tx.stagedFiles {
		tx.store.files[id] = f
	}
	for key := range tx.stagedProcessed {
		if tx.store.processed[key.tombstoneID] == nil {
			tx.store.processed[key.tombstoneID] = make(map[string]bool)
		}
		tx.store.processed[key.tombstoneID][key.fileID] = true
	}
	for shardID, wm := range tx.stagedWatermark {
		tx.store.shards[shardID].MinUnpersistedSequenceNumber = wm
	}
	for partitionID, stage := range tx.stagedSortKeys {
		p := tx.store.partitions[partitionID]
		p.SortKey = stage.sortKey
		p.Version = stage.version
	}
}

// lookupFile reads a file reflecting this transaction's own staged
// writes first, falling back to the committed store.
func (tx *memTx) lookupFile(id string) (*File, bool) {
	if f, ok := tx.stagedFiles[id]; ok {
		return f, true
	}
	f, ok := tx.store.files[id]
	return f, ok
}

func (tx *memTx) CreateFile(f *File) error {
	if f.ID == "" {
		return fmt.Errorf("catalog: file requires an object-store id")
	}
	cp := *f
	tx.stagedFiles[f.ID] = &cp
	return nil
}

func (tx *memTx) FlagFileForDelete(fileID string) error {
	f, ok := tx.lookupFile(fileID)
	if !ok {
		return ErrNotFound
	}
	cp := *f
	cp.Deleted = true
	tx.stagedFiles[fileID] = &cp
	return nil
}

func (tx *memTx) CreateProcessedTombstone(tombstoneID, fileID string) error {
	tx.stagedProcessed[processedKey{tombstoneID: tombstoneID, fileID: fileID}] = true
	return nil
}

func (tx *memTx) UpdateShardWatermark(shardID uint32, minUnpersistedSeq uint64) error {
	current, ok := tx.stagedWatermark[shardID]
	if !ok {
		s, exists := tx.store.shards[shardID]
		if !exists {
			return ErrNotFound
		}
		current = s.MinUnpersistedSequenceNumber
	}
	if minUnpersistedSeq < current {
		return fmt.Errorf("catalog: watermark would decrease for shard %d (invariant 1)", shardID)
	}
	tx.stagedWatermark[shardID] = minUnpersistedSeq
	return nil
}

func (tx *memTx) UpdateSortKey(partitionID string, newSortKey schema.SortKey, priorVersion uint64) error {
	var curSortKey schema.SortKey
	var curVersion uint64
	if stage, ok := tx.stagedSortKeys[partitionID]; ok {
		curSortKey, curVersion = stage.sortKey, stage.version
	} else {
		p, ok := tx.store.partitions[partitionID]
		if !ok {
			return ErrNotFound
		}
		curSortKey, curVersion = p.SortKey, p.Version
	}
	if curVersion != priorVersion {
		return ErrSortKeyConflict
	}
	if !newSortKey.ExtendsFrom(curSortKey) {
		return fmt.Errorf("catalog: sort key for partition %s is not a monotonic extension (invariant 5)", partitionID)
	}
	tx.stagedSortKeys[partitionID] = sortKeyStage{sortKey: newSortKey, version: curVersion + 1}
	return nil
}
