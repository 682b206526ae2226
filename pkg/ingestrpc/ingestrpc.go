// Package ingestrpc is the ingester query RPC boundary (§4.1 "Query
// RPC", §6): the interface by which a querier asks an ingester for a
// table's unpersisted data. QueryClient/QueryServer are satisfied both
// by an in-process adapter (tests, single-process demo binaries) and by
// a gRPC transport (production, multiple ingester processes).
package ingestrpc

import (
	"context"

	"github.com/cuemby/tsdbcore/pkg/ingest"
)

// QueryClient is what the querier calls: fetch every partition envelope
// an ingester currently holds for a table.
type QueryClient interface {
	Query(ctx context.Context, tableID string) ([]ingest.PartitionEnvelope, error)
}

// QueryServer is what an ingester process implements. Declared
// separately from QueryClient (even though the signature is identical)
// because the two sides of the boundary evolve independently: a gRPC
// client only ever calls Query, while a server additionally needs
// lifecycle hooks a future revision might add.
type QueryServer interface {
	Query(ctx context.Context, tableID string) ([]ingest.PartitionEnvelope, error)
}

// InProcessClient adapts a local *ingest.Buffer directly to QueryClient,
// skipping the network entirely — used by tests and by single-process
// deployments that run ingester and querier in one binary.
type InProcessClient struct {
	Buffer *ingest.Buffer
}

func NewInProcessClient(buf *ingest.Buffer) *InProcessClient {
	return &InProcessClient{Buffer: buf}
}

// Query implements QueryClient by calling the buffer directly; ctx is
// accepted for interface conformance but the buffer's Query never blocks
// on I/O so there is nothing to cancel.
func (c *InProcessClient) Query(ctx context.Context, tableID string) ([]ingest.PartitionEnvelope, error) {
	return c.Buffer.Query(tableID), nil
}

var _ QueryClient = (*InProcessClient)(nil)
var _ QueryServer = (*InProcessClient)(nil)
