package ingestrpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsdbcore/pkg/catalog"
	"github.com/cuemby/tsdbcore/pkg/ingest"
	"github.com/cuemby/tsdbcore/pkg/objectstore"
	"github.com/cuemby/tsdbcore/pkg/schema"
)

type noopLifecycle struct{}

func (noopLifecycle) LogWrite(string, uint32, string, string, uint64, int64) bool { return false }
func (noopLifecycle) ReleaseBytes(string, int64)                                  {}

func TestInProcessClientQueryRoundTrip(t *testing.T) {
	store := catalog.NewMemStore()
	sch, err := schema.New(
		schema.Column{Name: "host", Kind: schema.Tag, Type: schema.TypeString},
		schema.Column{Name: "v", Kind: schema.Field, Type: schema.TypeFloat64},
		schema.Column{Name: "time", Kind: schema.Timestamp, Type: schema.TypeTimestamp},
	)
	require.NoError(t, err)
	tbl := &catalog.Table{NamespaceID: "ns", Name: "cpu", Schema: sch}
	require.NoError(t, store.CreateTable(tbl))

	buf := ingest.NewBuffer(store, objectstore.NewMemStore(), noopLifecycle{})
	_, err = buf.ApplyWrite(ingest.WriteOp{ShardID: 0, Sequence: 1, Table: tbl, PartitionKey: "p", Values: map[string]interface{}{
		"host": "a", "v": 1.0, "time": int64(100),
	}})
	require.NoError(t, err)

	client := NewInProcessClient(buf)
	envs, err := client.Query(context.Background(), tbl.ID)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "p", envs[0].PartitionKey)
}

func TestWireRoundTripPreservesEnvelopeShape(t *testing.T) {
	seq := uint64(7)
	env := ingest.PartitionEnvelope{
		PartitionID:  "p1",
		TableID:      "t1",
		PartitionKey: "key",
		ShardID:      3,
		Status:       ingest.PartitionStatus{ParquetMaxSeq: &seq},
		SeqMax:       42,
	}

	wire := toWireEnvelope(env)
	back := fromWireEnvelope(wire)

	assert.Equal(t, env.PartitionID, back.PartitionID)
	assert.Equal(t, env.TableID, back.TableID)
	assert.Equal(t, env.PartitionKey, back.PartitionKey)
	assert.Equal(t, env.ShardID, back.ShardID)
	require.NotNil(t, back.Status.ParquetMaxSeq)
	assert.Equal(t, seq, *back.Status.ParquetMaxSeq)
	assert.Equal(t, env.SeqMax, back.SeqMax)
}

func TestCodecMarshalUnmarshalRoundTrip(t *testing.T) {
	c := yamlSnappyCodec{}
	req := &QueryRequest{TableID: "cpu"}
	data, err := c.Marshal(req)
	require.NoError(t, err)

	got := new(QueryRequest)
	require.NoError(t, c.Unmarshal(data, got))
	assert.Equal(t, req.TableID, got.TableID)
}
