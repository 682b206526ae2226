// Package wal is the write-ahead-log collaborator (§6): an ordered,
// replayable, per-shard record stream the ingester appends to before
// acknowledging a write, and can replay from a sequence number after a
// restart to rebuild its in-memory buffer.
package wal

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// Record is one appended entry: an opaque payload (an encoded row.Batch,
// in practice) stamped with the shard-relative sequence number that
// ordered it.
type Record struct {
	ShardID  uint32
	Sequence uint64
	Payload  []byte
}

// Log is the WAL collaborator interface, small enough to fake in tests
// per spec.md §9.
type Log interface {
	// Append stores payload under (shardID, seq). Sequence numbers within
	// a shard must be strictly increasing; Append returns an error
	// otherwise, matching invariant 1's per-shard monotonic ordering.
	Append(shardID uint32, seq uint64, payload []byte) error

	// Replay returns every record for shardID with Sequence >= fromSeq,
	// in sequence order, for rebuilding buffer state after a restart.
	Replay(shardID uint32, fromSeq uint64) ([]Record, error)

	// Subscribe streams records for shardID with Sequence >= fromSeq as
	// they are appended, starting with a replay of anything already
	// stored. The returned cancel func must be called to release the
	// subscription.
	Subscribe(shardID uint32, fromSeq uint64) (<-chan Record, func())

	// TruncateBefore drops records with Sequence < seq, called once the
	// lifecycle manager has persisted past that point.
	TruncateBefore(shardID uint32, seq uint64) error

	Close() error
}

type subscriber struct {
	fromSeq uint64
	ch      chan Record
}

// MemLog is an in-memory Log. Payloads are lz4-compressed before being
// held in the per-shard ring, since a WAL's buffered bytes are pure
// overhead until a restart actually needs them.
type MemLog struct {
	mu          sync.Mutex
	records     map[uint32][]Record // compressed payloads, sequence-ordered
	lastSeq     map[uint32]uint64
	subscribers map[uint32][]*subscriber
}

func NewMemLog() *MemLog {
	return &MemLog{
		records:     make(map[uint32][]Record),
		lastSeq:     make(map[uint32]uint64),
		subscribers: make(map[uint32][]*subscriber),
	}
}

func (l *MemLog) Close() error { return nil }

func (l *MemLog) Append(shardID uint32, seq uint64, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.lastSeq[shardID]; ok && seq <= last {
		return fmt.Errorf("wal: sequence %d does not advance shard %d (last %d)", seq, shardID, last)
	}

	compressed, err := compress(payload)
	if err != nil {
		return err
	}
	rec := Record{ShardID: shardID, Sequence: seq, Payload: compressed}
	l.records[shardID] = append(l.records[shardID], rec)
	l.lastSeq[shardID] = seq

	for _, sub := range l.subscribers[shardID] {
		if seq < sub.fromSeq {
			continue
		}
		decoded, err := decompress(compressed)
		if err != nil {
			continue
		}
		out := Record{ShardID: shardID, Sequence: seq, Payload: decoded}
		select {
		case sub.ch <- out:
		default:
		}
	}
	return nil
}

func (l *MemLog) Replay(shardID uint32, fromSeq uint64) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Record
	for _, rec := range l.records[shardID] {
		if rec.Sequence < fromSeq {
			continue
		}
		decoded, err := decompress(rec.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, Record{ShardID: rec.ShardID, Sequence: rec.Sequence, Payload: decoded})
	}
	return out, nil
}

func (l *MemLog) Subscribe(shardID uint32, fromSeq uint64) (<-chan Record, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub := &subscriber{fromSeq: fromSeq, ch: make(chan Record, 256)}
	l.subscribers[shardID] = append(l.subscribers[shardID], sub)

	for _, rec := range l.records[shardID] {
		if rec.Sequence < fromSeq {
			continue
		}
		decoded, err := decompress(rec.Payload)
		if err != nil {
			continue
		}
		select {
		case sub.ch <- Record{ShardID: rec.ShardID, Sequence: rec.Sequence, Payload: decoded}:
		default:
		}
	}

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		subs := l.subscribers[shardID]
		for i, s := range subs {
			if s == sub {
				l.subscribers[shardID] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
	}
	return sub.ch, cancel
}

func (l *MemLog) TruncateBefore(shardID uint32, seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := l.records[shardID]
	kept := recs[:0]
	for _, rec := range recs {
		if rec.Sequence >= seq {
			kept = append(kept, rec)
		}
	}
	l.records[shardID] = kept
	return nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}
