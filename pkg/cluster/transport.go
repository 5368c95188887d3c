package cluster

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
)

// PeerCallMethod is the full gRPC method name of the peer call endpoint.
const PeerCallMethod = "/batata.cluster.v1.Peer/Call"

// Transport is an address-addressable request/response channel. The manager
// only drives its lifecycle (dial, invoke, close); the wire protocol behind
// it is opaque.
type Transport interface {
	Dial(ctx context.Context, target string) (Conn, error)
}

// Conn is one live channel to a peer.
type Conn interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// jsonCodec is a grpc encoding.Codec for the cluster envelope. The message
// set is closed and versioned by RequestType, so no generated stubs are
// needed on this path.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCTransport dials peers over gRPC with client-side keepalives.
type GRPCTransport struct{}

// NewGRPCTransport creates the default transport.
func NewGRPCTransport() *GRPCTransport {
	return &GRPCTransport{}
}

// Dial establishes a channel to target (host:port) and blocks until the
// connection is ready or ctx expires.
func (t *GRPCTransport) Dial(ctx context.Context, target string) (Conn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}
	cc, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	return &grpcConn{cc: cc}, nil
}

type grpcConn struct {
	cc *grpc.ClientConn
}

func (c *grpcConn) Invoke(ctx context.Context, req *Request) (*Response, error) {
	resp := new(Response)
	if err := c.cc.Invoke(ctx, PeerCallMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcConn) Close() error { return c.cc.Close() }

// PeerHandler is the server-side counterpart of Conn.Invoke.
type PeerHandler interface {
	Call(ctx context.Context, req *Request) (*Response, error)
}

func peerCallHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerHandler).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: PeerCallMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerHandler).Call(ctx, req.(*Request))
	}
	return interceptor(ctx, in, info, handler)
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: "batata.cluster.v1.Peer",
	HandlerType: (*PeerHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: peerCallHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cluster/peer",
}

// RegisterPeerServer registers h as the peer call endpoint on s.
func RegisterPeerServer(s *grpc.Server, h PeerHandler) {
	s.RegisterService(&peerServiceDesc, h)
}
