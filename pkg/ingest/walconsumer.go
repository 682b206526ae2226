package ingest

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/tsdbcore/pkg/catalog"
	"github.com/cuemby/tsdbcore/pkg/log"
	"github.com/cuemby/tsdbcore/pkg/wal"
)

func init() {
	gob.Register(float64(0))
	gob.Register(int64(0))
	gob.Register(uint64(0))
	gob.Register("")
	gob.Register(false)
}

// opEnvelope is the WAL record payload shape: a DML operation resolved
// to a single table, gob-encoded so the ingester's own Append/Subscribe
// producer and consumer agree on a wire format without pulling in a
// message-bus client the pack does not supply.
type opEnvelope struct {
	Kind         string
	TableID      string
	PartitionKey string
	Values       map[string]interface{}
	MinTime      int64
	MaxTime      int64
	Predicate    []catalog.ColumnEquality
}

const (
	opKindWrite  = "write"
	opKindDelete = "delete"
)

// EncodeWrite builds a WAL payload for a single-partition write, for use
// by whatever upstream router appends to the log this ingester consumes.
func EncodeWrite(tableID, partitionKey string, values map[string]interface{}) ([]byte, error) {
	return encodeOp(opEnvelope{Kind: opKindWrite, TableID: tableID, PartitionKey: partitionKey, Values: values})
}

// EncodeDelete builds a WAL payload for a tombstone.
func EncodeDelete(tableID string, minTime, maxTime int64, predicate []catalog.ColumnEquality) ([]byte, error) {
	return encodeOp(opEnvelope{Kind: opKindDelete, TableID: tableID, MinTime: minTime, MaxTime: maxTime, Predicate: predicate})
}

func encodeOp(env opEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("ingest: encode wal payload: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeOp(payload []byte) (opEnvelope, error) {
	var env opEnvelope
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&env); err != nil {
		return opEnvelope{}, fmt.Errorf("ingest: decode wal payload: %w", err)
	}
	return env, nil
}

// Consumer drives a Buffer from a WAL (§6): on Start it replays each
// shard's log from the catalog's recorded min_unpersisted_sequence_number
// watermark to rebuild buffer state after a restart, then subscribes to
// new records and applies them as they arrive, pausing consumption while
// the lifecycle manager reports the buffer over its backpressure
// threshold (§4.2).
type Consumer struct {
	buf       *Buffer
	store     catalog.Store
	log       wal.Log
	canResume func() bool

	stopCh  chan struct{}
	cancels []func()
	wg      sync.WaitGroup
}

// NewConsumer wires buf to log. canResume should be a lifecycle
// manager's CanResumeIngest; the consumer polls it while paused rather
// than holding any lock the lifecycle manager itself needs.
func NewConsumer(buf *Buffer, store catalog.Store, l wal.Log, canResume func() bool) *Consumer {
	return &Consumer{
		buf:       buf,
		store:     store,
		log:       l,
		canResume: canResume,
		stopCh:    make(chan struct{}),
	}
}

// Start replays and subscribes to every shard in shards. A shard with no
// catalog record yet (never persisted) starts from sequence 0.
func (c *Consumer) Start(shards []uint32) error {
	for _, shardID := range shards {
		fromSeq, err := c.watermark(shardID)
		if err != nil {
			return err
		}
		next, err := c.replay(shardID, fromSeq)
		if err != nil {
			return err
		}
		c.subscribe(shardID, next)
	}
	return nil
}

// Stop cancels every shard subscription and waits for their goroutines
// to exit.
func (c *Consumer) Stop() {
	close(c.stopCh)
	for _, cancel := range c.cancels {
		cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) watermark(shardID uint32) (uint64, error) {
	shard, err := c.store.GetShard(shardID)
	if errors.Is(err, catalog.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ingest: load shard %d watermark: %w", shardID, err)
	}
	return shard.MinUnpersistedSequenceNumber, nil
}

// replay applies every stored record from fromSeq on and returns the
// sequence number the live subscription starts from, so that no replayed
// record is delivered and applied a second time.
func (c *Consumer) replay(shardID uint32, fromSeq uint64) (uint64, error) {
	records, err := c.log.Replay(shardID, fromSeq)
	if err != nil {
		return 0, fmt.Errorf("ingest: replay shard %d from %d: %w", shardID, fromSeq, err)
	}
	next := fromSeq
	for _, rec := range records {
		c.apply(rec)
		next = rec.Sequence + 1
	}
	return next, nil
}

func (c *Consumer) subscribe(shardID uint32, fromSeq uint64) {
	ch, cancel := c.log.Subscribe(shardID, fromSeq)
	c.cancels = append(c.cancels, cancel)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case rec, ok := <-ch:
				if !ok {
					return
				}
				c.apply(rec)
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Consumer) apply(rec wal.Record) {
	shardLog := log.WithShard(rec.ShardID)

	env, err := decodeOp(rec.Payload)
	if err != nil {
		shardLog.Error().Err(err).Msg("dropping unreadable wal record")
		return
	}
	table, err := c.store.GetTable(env.TableID)
	if err != nil {
		shardLog.Error().Err(err).Str("table_id", env.TableID).Msg("dropping wal record for unknown table")
		return
	}
	tableLog := log.WithTable(table.NamespaceID, table.Name)

	switch env.Kind {
	case opKindWrite:
		shouldPause, err := c.buf.ApplyWrite(WriteOp{
			ShardID:      rec.ShardID,
			Sequence:     rec.Sequence,
			Table:        table,
			PartitionKey: env.PartitionKey,
			Values:       env.Values,
		})
		if err != nil {
			tableLog.Error().Err(err).Uint32("shard", rec.ShardID).Msg("apply write from wal failed")
			return
		}
		if shouldPause {
			c.waitForResume()
		}
	case opKindDelete:
		if err := c.buf.ApplyDelete(DeleteOp{
			ShardID:   rec.ShardID,
			Sequence:  rec.Sequence,
			Table:     table,
			MinTime:   env.MinTime,
			MaxTime:   env.MaxTime,
			Predicate: env.Predicate,
		}); err != nil {
			tableLog.Error().Err(err).Uint32("shard", rec.ShardID).Msg("apply delete from wal failed")
		}
	default:
		shardLog.Error().Str("kind", env.Kind).Msg("dropping wal record of unknown kind")
	}
}

// waitForResume blocks the calling shard's consumption loop until the
// lifecycle manager reports the buffer has drained back under its
// pause threshold, or Stop is called.
func (c *Consumer) waitForResume() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !c.canResume() {
		select {
		case <-ticker.C:
		case <-c.stopCh:
			return
		}
	}
}
