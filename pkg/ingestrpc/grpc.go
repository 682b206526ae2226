package ingestrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/cuemby/tsdbcore/pkg/ingest"
)

const (
	serviceName   = "tsdbcore.ingestrpc.IngesterQuery"
	queryFullName = "/" + serviceName + "/Query"
)

// ServiceDesc is a hand-written grpc.ServiceDesc standing in for
// generated protobuf service code (the example pack carries no
// .proto/generated sources for this API; see DESIGN.md). It is
// registered exactly like a generated service descriptor would be.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: queryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ingestrpc",
}

func queryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(QueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	server := srv.(QueryServer)
	if interceptor == nil {
		return handleQuery(ctx, server, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: queryFullName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return handleQuery(ctx, server, req.(*QueryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handleQuery(ctx context.Context, server QueryServer, req *QueryRequest) (*QueryResponse, error) {
	envs, err := server.Query(ctx, req.TableID)
	if err != nil {
		return nil, err
	}
	return &QueryResponse{Envelopes: toWireAll(envs)}, nil
}

// RegisterQueryServer registers srv's Query RPC on a *grpc.Server using
// the hand-written ServiceDesc above.
func RegisterQueryServer(s *grpc.Server, srv QueryServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// GRPCClient is the gRPC-transported QueryClient implementation: one
// ingester process reached over the network, using the yaml+snappy wire
// codec registered by this package instead of protobuf's default.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// Dial connects to an ingester's gRPC query endpoint.
func Dial(addr string, opts ...grpc.DialOption) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &GRPCClient{conn: conn}, nil
}

// Query implements QueryClient over the wire, using the yaml+snappy
// content subtype so the codec registered by codec.go is selected
// without forcing it globally onto every call this connection makes.
func (c *GRPCClient) Query(ctx context.Context, tableID string) ([]ingest.PartitionEnvelope, error) {
	req := &QueryRequest{TableID: tableID}
	resp := new(QueryResponse)
	if err := c.conn.Invoke(ctx, queryFullName, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return fromWireAll(resp.Envelopes), nil
}

func (c *GRPCClient) Close() error { return c.conn.Close() }

var _ QueryClient = (*GRPCClient)(nil)
