package ingestrpc

import (
	"github.com/cuemby/tsdbcore/pkg/ingest"
	"github.com/cuemby/tsdbcore/pkg/row"
	"github.com/cuemby/tsdbcore/pkg/schema"
)

// QueryRequest is the wire shape of a Query call.
type QueryRequest struct {
	TableID string `yaml:"table_id"`
}

// QueryResponse is the wire shape of a Query call's result: every
// exported field so the yaml+snappy codec can round-trip it without a
// generated type.
type QueryResponse struct {
	Envelopes []EnvelopeWire `yaml:"envelopes"`
}

// BatchWire is the wire shape of a row.Batch, mirroring
// pkg/columnarfile's wireBatch convention for the same reason: every
// field exported, no interfaces, safe under a reflection-based codec.
type BatchWire struct {
	Schema     *schema.Schema          `yaml:"schema"`
	ChunkOrder []int64                 `yaml:"chunk_order"`
	Columns    map[string]*row.Columns `yaml:"columns"`
}

// EnvelopeWire is the wire shape of ingest.PartitionEnvelope.
type EnvelopeWire struct {
	PartitionID     string      `yaml:"partition_id"`
	TableID         string      `yaml:"table_id"`
	PartitionKey    string      `yaml:"partition_key"`
	ShardID         uint32      `yaml:"shard_id"`
	ParquetMaxSeq   *uint64     `yaml:"parquet_max_seq"`
	TombstoneMaxSeq *uint64     `yaml:"tombstone_max_seq"`
	SeqMax          uint64      `yaml:"seq_max"`
	Batches         []BatchWire `yaml:"batches"`
}

func toWireEnvelope(e ingest.PartitionEnvelope) EnvelopeWire {
	batches := make([]BatchWire, len(e.Batches))
	for i, b := range e.Batches {
		batches[i] = BatchWire{Schema: b.Schema, ChunkOrder: b.ChunkOrder, Columns: b.Columns()}
	}
	return EnvelopeWire{
		PartitionID:     e.PartitionID,
		TableID:         e.TableID,
		PartitionKey:    e.PartitionKey,
		ShardID:         e.ShardID,
		ParquetMaxSeq:   e.Status.ParquetMaxSeq,
		TombstoneMaxSeq: e.Status.TombstoneMaxSeq,
		SeqMax:          e.SeqMax,
		Batches:         batches,
	}
}

func fromWireEnvelope(w EnvelopeWire) ingest.PartitionEnvelope {
	batches := make([]*row.Batch, len(w.Batches))
	for i, b := range w.Batches {
		batches[i] = row.FromColumns(b.Schema, b.ChunkOrder, b.Columns)
	}
	return ingest.PartitionEnvelope{
		PartitionID:  w.PartitionID,
		TableID:      w.TableID,
		PartitionKey: w.PartitionKey,
		ShardID:      w.ShardID,
		Status: ingest.PartitionStatus{
			ParquetMaxSeq:   w.ParquetMaxSeq,
			TombstoneMaxSeq: w.TombstoneMaxSeq,
		},
		SeqMax:  w.SeqMax,
		Batches: batches,
	}
}

func toWireAll(envs []ingest.PartitionEnvelope) []EnvelopeWire {
	out := make([]EnvelopeWire, len(envs))
	for i, e := range envs {
		out[i] = toWireEnvelope(e)
	}
	return out
}

func fromWireAll(envs []EnvelopeWire) []ingest.PartitionEnvelope {
	out := make([]ingest.PartitionEnvelope, len(envs))
	for i, e := range envs {
		out[i] = fromWireEnvelope(e)
	}
	return out
}
