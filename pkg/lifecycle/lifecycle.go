// Package lifecycle implements the lifecycle manager (§4.2): it keeps
// total buffered memory under a threshold and bounds how old unpersisted
// data gets, without blocking the ingester's hot path.
package lifecycle

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/tsdbcore/pkg/ingest"
	"github.com/cuemby/tsdbcore/pkg/log"
	"github.com/cuemby/tsdbcore/pkg/metrics"
)

// Config holds the lifecycle manager's policy thresholds. All values are
// policy, not invariants. PauseIngestSize must exceed
// PersistMemoryThreshold.
type Config struct {
	PauseIngestSize        int64
	PersistMemoryThreshold int64
	PartitionSizeThreshold int64
	PartitionAgeThreshold  time.Duration
	PartitionColdThreshold time.Duration
	EvaluationInterval     time.Duration
}

// DefaultConfig returns policy defaults suitable for local testing.
func DefaultConfig() Config {
	return Config{
		PauseIngestSize:        512 << 20,
		PersistMemoryThreshold: 384 << 20,
		PartitionSizeThreshold: 64 << 20,
		PartitionAgeThreshold:  10 * time.Minute,
		PartitionColdThreshold: 2 * time.Minute,
		EvaluationInterval:     time.Second,
	}
}

type partitionKey struct {
	shardID      uint32
	tableID      string
	partitionKey string
}

// partitionStats is the tracked state per partition (§4.2 "Tracked state
// per partition").
type partitionStats struct {
	shardID      uint32
	tableID      string
	partitionKey string
	firstWrite   time.Time
	lastWrite    time.Time
	bytesWritten int64
	firstSeq     uint64
	hasFirstSeq  bool
}

// Persister is the subset of *ingest.Buffer the manager drives. Declared
// here, not as a concrete type, so the manager can be exercised against a
// fake in tests without a real buffer.
type Persister interface {
	Persist(shardID uint32, tableID, partitionKey string) (persistedMaxSeq uint64, ok bool, err error)
	SyncShardWatermark(shardID uint32, fallback uint64) error
}

// Manager tracks per-partition write activity reported by the ingester
// and periodically decides which partitions to persist (§4.2). It
// implements ingest.LifecycleHandle so *Manager can be handed directly to
// ingest.NewBuffer.
type Manager struct {
	cfg       Config
	persister Persister

	mu         sync.Mutex
	stats      map[partitionKey]*partitionStats
	totalBytes int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ ingest.LifecycleHandle = (*Manager)(nil)

// NewManager creates a lifecycle manager bound to the given persister
// (in production, an *ingest.Buffer).
func NewManager(cfg Config, persister Persister) *Manager {
	return &Manager{
		cfg:       cfg,
		persister: persister,
		stats:     make(map[partitionKey]*partitionStats),
		stopCh:    make(chan struct{}),
	}
}

// LogWrite is the ingest reporting contract (§4.2): called for every
// accepted write, it updates per-partition stats and the global byte
// total under a short lock and never blocks on I/O.
func (m *Manager) LogWrite(partitionID string, shardID uint32, tableID, partKey string, seq uint64, bytes int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := partitionKey{shardID: shardID, tableID: tableID, partitionKey: partKey}
	st, ok := m.stats[key]
	if !ok {
		st = &partitionStats{shardID: shardID, tableID: tableID, partitionKey: partKey}
		m.stats[key] = st
	}
	now := time.Now()
	if st.firstWrite.IsZero() {
		st.firstWrite = now
	}
	st.lastWrite = now
	st.bytesWritten += bytes
	if !st.hasFirstSeq || seq < st.firstSeq {
		st.firstSeq = seq
		st.hasFirstSeq = true
	}
	m.totalBytes += bytes

	metrics.BufferedBytes.WithLabelValues(shardLabel(shardID)).Add(float64(bytes))

	paused := m.totalBytes > m.cfg.PauseIngestSize
	if paused {
		metrics.IngestPaused.Set(1)
	}
	return paused
}

// CanResumeIngest reports whether total buffered bytes have fallen back
// below the pause threshold (§4.2).
func (m *Manager) CanResumeIngest() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	resume := m.totalBytes < m.cfg.PauseIngestSize
	if resume {
		metrics.IngestPaused.Set(0)
	}
	return resume
}

// ReleaseBytes is called by the buffer once a persist commits, freeing
// the bytes that were counted against total_bytes for this partition
// (§4.2 step 5b). This is the only place total_bytes is decremented for
// a completed persist; forget only drops the tracked stats entry.
func (m *Manager) ReleaseBytes(partitionID string, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalBytes -= bytes
	if m.totalBytes < 0 {
		m.totalBytes = 0
	}
}

// Run drives periodic evaluation on a ticker, the ticker-and-stopCh shape
// used for every background loop in the pack.
func (m *Manager) Run(interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.EvaluationInterval
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Evaluate()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop ends the periodic evaluation loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

type candidate struct {
	key    partitionKey
	stats  partitionStats
	reason string
}

// Evaluate runs one periodic evaluation cycle (§4.2 steps 1-6): select
// partitions to persist by age/cold/size/memory-pressure predicates, in
// that order, spawn a detached persist task per selection, wait for all
// to settle, then recompute each touched shard's watermark.
func (m *Manager) Evaluate() {
	now := time.Now()

	m.mu.Lock()
	snapshot := make(map[partitionKey]partitionStats, len(m.stats))
	for k, v := range m.stats {
		snapshot[k] = *v
	}
	totalAfterPersist := m.totalBytes
	m.mu.Unlock()

	var toPersist, rest []candidate

	for key, st := range snapshot {
		switch {
		case now.Sub(st.firstWrite) > m.cfg.PartitionAgeThreshold:
			toPersist = append(toPersist, candidate{key: key, stats: st, reason: "age"})
		case now.Sub(st.lastWrite) > m.cfg.PartitionColdThreshold:
			toPersist = append(toPersist, candidate{key: key, stats: st, reason: "cold"})
		case st.bytesWritten > m.cfg.PartitionSizeThreshold:
			toPersist = append(toPersist, candidate{key: key, stats: st, reason: "size"})
		default:
			rest = append(rest, candidate{key: key, stats: st})
		}
	}

	for _, c := range toPersist {
		totalAfterPersist -= c.stats.bytesWritten
	}

	if totalAfterPersist > m.cfg.PersistMemoryThreshold {
		sort.Slice(rest, func(i, j int) bool {
			return rest[i].stats.bytesWritten > rest[j].stats.bytesWritten
		})
		for _, c := range rest {
			if totalAfterPersist <= m.cfg.PersistMemoryThreshold {
				break
			}
			c.reason = "memory"
			toPersist = append(toPersist, c)
			totalAfterPersist -= c.stats.bytesWritten
		}
	}

	if len(toPersist) == 0 {
		return
	}

	// results[i] is filled in by its own goroutine only, so no lock is
	// needed to read it back after wg.Wait().
	results := make([]uint64, len(toPersist))
	persistedOK := make([]bool, len(toPersist))

	var wg sync.WaitGroup
	for i, c := range toPersist {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			maxSeq, ok := m.persistOne(c)
			results[i] = maxSeq
			persistedOK[i] = ok
		}()
	}
	wg.Wait()

	touchedShards := make(map[uint32]bool)
	for i, c := range toPersist {
		if persistedOK[i] {
			touchedShards[c.stats.shardID] = true
		}
	}

	for shardID := range touchedShards {
		var fallback uint64
		has := false
		for i, c := range toPersist {
			if !persistedOK[i] || c.stats.shardID != shardID {
				continue
			}
			if !has || results[i] > fallback {
				fallback = results[i]
				has = true
			}
		}
		if err := m.persister.SyncShardWatermark(shardID, fallback); err != nil {
			log.WithComponent("lifecycle").Error().Err(err).Uint32("shard", shardID).Msg("failed to sync shard watermark")
		}
	}
}

// persistOne runs one partition's detached persist task (§4.2 step 5):
// calls the ingester's persist and, on success, records the persist
// metrics and forgets the partition's tracked stats. The persisted bytes
// leave total_bytes through the persister's own ReleaseBytes call, not
// here.
func (m *Manager) persistOne(c candidate) (maxSeq uint64, ok bool) {
	timer := metrics.NewTimer()
	maxSeq, ok, err := m.persister.Persist(c.stats.shardID, c.stats.tableID, c.stats.partitionKey)
	if err != nil {
		log.WithComponent("lifecycle").Error().
			Err(err).
			Str("partition", c.stats.partitionKey).
			Str("reason", c.reason).
			Msg("persist failed")
		return 0, false
	}
	if !ok {
		m.forget(c.key)
		return 0, false
	}

	reason := c.reason
	if reason == "" {
		reason = "memory"
	}
	metrics.PersistedFilesTotal.WithLabelValues(reason).Inc()
	timer.ObserveDurationVec(metrics.PersistDuration, reason)
	m.forget(c.key)
	return maxSeq, true
}

// forget drops a partition's tracked stats once it has been persisted or
// found to have nothing to persist. Byte accounting for a successful
// persist is handled separately by ReleaseBytes (§4.2 step 5b), called by
// the ingester after its commit; forget must not double-subtract.
func (m *Manager) forget(key partitionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stats, key)
}

func shardLabel(shardID uint32) string {
	return strconv.FormatUint(uint64(shardID), 10)
}
