package compact

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/tsdbcore/pkg/catalog"
	"github.com/cuemby/tsdbcore/pkg/columnarfile"
	"github.com/cuemby/tsdbcore/pkg/errs"
	"github.com/cuemby/tsdbcore/pkg/log"
	"github.com/cuemby/tsdbcore/pkg/metrics"
	"github.com/cuemby/tsdbcore/pkg/objectstore"
	"github.com/cuemby/tsdbcore/pkg/row"
	"github.com/cuemby/tsdbcore/pkg/schema"
)

// Config tunes when a partition's L0 files are worth compacting. Unlike
// the lifecycle manager's thresholds, these are a simple trigger
// (§4.3 does not mandate a specific policy, only the plan/commit
// mechanics): compact once a partition accumulates at least
// L0CompactionTrigger non-deleted L0 files.
type Config struct {
	L0CompactionTrigger int
	EvaluationInterval  time.Duration
	MaxOutputFileRows   int
}

// DefaultConfig returns policy defaults suitable for local testing.
func DefaultConfig() Config {
	return Config{
		L0CompactionTrigger: 4,
		EvaluationInterval:  30 * time.Second,
		MaxOutputFileRows:   0, // unbounded
	}
}

// Planner periodically scans the catalog for partitions with too many L0
// files and compacts them, grounded on the lifecycle manager's
// ticker-driven evaluation loop and the pack's CompactionPicker shape
// (candidate selection separate from plan execution).
type Planner struct {
	cfg     Config
	store   catalog.Store
	objects objectstore.Store
	shards  func() []uint32

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPlanner creates a compaction planner. shards is called at the start
// of every evaluation cycle to discover which shard IDs currently exist,
// since the compactor does not own shard lifecycle the way the ingester
// does.
func NewPlanner(cfg Config, store catalog.Store, objects objectstore.Store, shards func() []uint32) *Planner {
	return &Planner{cfg: cfg, store: store, objects: objects, shards: shards, stopCh: make(chan struct{})}
}

// Run drives periodic compaction on a ticker, the same ticker-and-stopCh
// shape used by every background loop in this module.
func (p *Planner) Run(interval time.Duration) {
	if interval <= 0 {
		interval = p.cfg.EvaluationInterval
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.EvaluateAll()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// EvaluateAll runs EvaluateShard over every shard the planner was
// configured to watch.
func (p *Planner) EvaluateAll() {
	for _, shardID := range p.shards() {
		if err := p.EvaluateShard(shardID); err != nil {
			log.WithComponent("compact").Error().Err(err).Uint32("shard", shardID).Msg("evaluation failed")
		}
	}
}

// Stop ends the periodic evaluation loop and waits for it to exit.
func (p *Planner) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// EvaluateShard lists shardID's non-deleted L0 files, groups them by
// partition, and compacts every partition whose L0 file count meets the
// trigger.
func (p *Planner) EvaluateShard(shardID uint32) error {
	files, err := p.store.ListFilesByShardLevel0(shardID)
	if err != nil {
		return errs.New(errs.TransientIO, "compact.EvaluateShard", err)
	}

	byPartition := make(map[string][]*catalog.File)
	for _, f := range files {
		if f.Deleted {
			continue
		}
		byPartition[f.PartitionID] = append(byPartition[f.PartitionID], f)
	}

	for partitionID, pfiles := range byPartition {
		if len(pfiles) < p.cfg.L0CompactionTrigger {
			continue
		}
		if err := p.CompactPartition(partitionID, pfiles); err != nil {
			log.WithComponent("compact").Error().Err(err).Str("partition", partitionID).Msg("compaction failed")
		}
	}
	return nil
}

// CompactPartition loads the given files' rows, runs the merge-dedup
// plan, writes the resulting L1 file(s) to object storage, and commits
// the result to the catalog in one transaction (§4.3).
func (p *Planner) CompactPartition(partitionID string, files []*catalog.File) error {
	timer := metrics.NewTimer()

	partition, err := p.store.GetPartition(partitionID)
	if err != nil {
		return errs.New(errs.TransientIO, "compact.CompactPartition", err)
	}

	tombstones, err := p.loadTombstones(files)
	if err != nil {
		return err
	}

	inputs := make([]QueryableFile, 0, len(files))
	for _, f := range files {
		data, err := p.objects.Get(f.ID)
		if err != nil {
			return errs.New(errs.TransientIO, "compact.CompactPartition", err)
		}
		rows, err := columnarfile.Read(data)
		if err != nil {
			return errs.New(errs.InvalidData, "compact.CompactPartition", err)
		}
		inputs = append(inputs, QueryableFile{
			File:             *f,
			PartitionSortKey: partition.SortKey,
			Tombstones:       tombstones[f.ID],
			Rows:             rows,
		})
	}

	result, err := Plan(inputs, partition.SortKey)
	if err != nil {
		return errs.New(errs.Fatal, "compact.CompactPartition", err)
	}

	minSeq, maxSeq := seqRangeOf(files)
	newFiles, err := p.writeOutputs(files[0], result.Outputs, partition.SortKey, minSeq, maxSeq)
	if err != nil {
		return err
	}

	if err := Commit(p.store, inputs, newFiles, result.Materialized); err != nil {
		return errs.New(errs.TransientIO, "compact.CompactPartition", err)
	}

	metrics.CompactionFilesProduced.WithLabelValues("l1").Add(float64(len(newFiles)))
	metrics.TombstonesMaterialized.Add(float64(len(result.Materialized)))
	timer.ObserveDurationVec(metrics.CompactionDuration, "compact")
	log.WithPartition(partitionID).Info().
		Int("inputs", len(files)).
		Int("outputs", len(newFiles)).
		Dur("took", timer.Duration()).
		Msg("compacted partition")
	return nil
}

// loadTombstones fetches every tombstone for the table owning files and
// groups the ones applicable to each file by file ID.
func (p *Planner) loadTombstones(files []*catalog.File) (map[string][]catalog.Tombstone, error) {
	out := make(map[string][]catalog.Tombstone, len(files))
	if len(files) == 0 {
		return out, nil
	}
	partition, err := p.store.GetPartition(files[0].PartitionID)
	if err != nil {
		return nil, errs.New(errs.TransientIO, "compact.loadTombstones", err)
	}
	all, err := p.store.ListTombstonesByTable(partition.TableID)
	if err != nil {
		return nil, errs.New(errs.TransientIO, "compact.loadTombstones", err)
	}
	for _, f := range files {
		for _, t := range all {
			if t.ShardID != f.ShardID {
				continue
			}
			processed, err := p.store.IsProcessed(t.ID, f.ID)
			if err != nil {
				return nil, errs.New(errs.TransientIO, "compact.loadTombstones", err)
			}
			if !processed {
				out[f.ID] = append(out[f.ID], t)
			}
		}
	}
	return out, nil
}

// writeOutputs encodes each merged batch and writes it to object
// storage, returning the catalog.File rows Commit will insert. Every
// output shares template's partition and shard (all inputs to one
// compaction come from the same partition, invariant 2).
func (p *Planner) writeOutputs(template *catalog.File, outputs []*row.Batch, sortKey schema.SortKey, minSeq, maxSeq uint64) ([]*catalog.File, error) {
	newFiles := make([]*catalog.File, 0, len(outputs))
	for _, b := range outputs {
		if b.Len() == 0 {
			continue
		}
		data, err := columnarfile.Write(b)
		if err != nil {
			return nil, errs.New(errs.Fatal, "compact.writeOutputs", err)
		}
		objectID := uuid.NewString()
		if err := p.objects.PutIfAbsent(objectID, data); err != nil {
			return nil, errs.New(errs.TransientIO, "compact.writeOutputs", err)
		}
		minTime, maxTime := timeRangeOf(b)
		newFiles = append(newFiles, &catalog.File{
			ID:               objectID,
			PartitionID:      template.PartitionID,
			ShardID:          template.ShardID,
			MinTime:          minTime,
			MaxTime:          maxTime,
			MinSeq:           minSeq,
			MaxSeq:           maxSeq,
			RowCount:         int64(b.Len()),
			ByteSize:         int64(len(data)),
			Columns:          columnNames(b.Schema),
			SortKeyAtPersist: sortKey,
			Level:            catalog.LevelL1,
		})
	}
	return newFiles, nil
}

// seqRangeOf returns the min/max sequence range spanned by a set of
// input files, preserved across compaction so a subsequent compaction's
// tombstone-applicability check (pkg/tombstone.Applicable) still has an
// accurate lower bound for the merged file.
func seqRangeOf(files []*catalog.File) (minSeq, maxSeq uint64) {
	minSeq = files[0].MinSeq
	maxSeq = files[0].MaxSeq
	for _, f := range files[1:] {
		if f.MinSeq < minSeq {
			minSeq = f.MinSeq
		}
		if f.MaxSeq > maxSeq {
			maxSeq = f.MaxSeq
		}
	}
	return minSeq, maxSeq
}

func columnNames(s *schema.Schema) []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

func timeRangeOf(b *row.Batch) (min, max int64) {
	tsCol, ok := b.Schema.TimestampColumn()
	if !ok {
		return 0, 0
	}
	times := b.Column(tsCol.Name)
	if times == nil || len(times.Times) == 0 {
		return 0, 0
	}
	min, max = times.Times[0], times.Times[0]
	for _, t := range times.Times {
		if t < min {
			min = t
		}
		if t > max {
			max = t
		}
	}
	return min, max
}

