package grpcbuf

import (
	"context"
	"net"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
)

const bufSize = 1024 * 1024

// FetchMethod is the full method name of the in-memory resource service.
const FetchMethod = "/x402test.Resource/Fetch"

// MetaCapture captures incoming metadata on the server side for later inspection in tests.
type MetaCapture struct {
	last  atomic.Value // stores metadata.MD
	calls atomic.Int32
}

// Interceptor records incoming metadata and forwards the request to the next handler.
func (m *MetaCapture) Interceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	m.calls.Add(1)
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		md = metadata.MD{}
	}
	m.last.Store(md)
	return handler(ctx, req)
}

// Last returns the most recently captured metadata or nil if none.
func (m *MetaCapture) Last() metadata.MD {
	if v := m.last.Load(); v != nil {
		return v.(metadata.MD)
	}
	return nil
}

// Calls returns how many requests reached the server.
func (m *MetaCapture) Calls() int {
	return int(m.calls.Load())
}

// ResourceServer is a minimal paid resource used in tests.
type ResourceServer interface {
	Fetch(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

type resourceServer struct{}

func (s *resourceServer) Fetch(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

func _Resource_Fetch_Handler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ResourceServer).Fetch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: FetchMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ResourceServer).Fetch(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ResourceServiceDesc describes the in-memory resource service used by grpcbuf helpers.
var ResourceServiceDesc = grpc.ServiceDesc{
	ServiceName: "x402test.Resource",
	HandlerType: (*ResourceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Fetch", Handler: _Resource_Fetch_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "resource_test",
}

// StartServer spins up a bufconn-backed gRPC server with metadata capture
// enabled. Extra interceptors run after the capture.
func StartServer(extra ...grpc.UnaryServerInterceptor) (*grpc.Server, *bufconn.Listener, *MetaCapture) {
	lis := bufconn.Listen(bufSize)
	cap := &MetaCapture{}
	chain := append([]grpc.UnaryServerInterceptor{cap.Interceptor}, extra...)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(chain...))
	srv.RegisterService(&ResourceServiceDesc, &resourceServer{})
	go func() { _ = srv.Serve(lis) }()
	return srv, lis, cap
}

// Dial connects to the provided bufconn listener using the standard gRPC client stack.
func Dial(_ context.Context, lis *bufconn.Listener, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	// bufconn does not provide TLS. The passthrough target keeps the custom dialer.
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
	}
	base = append(base, opts...)
	return grpc.NewClient("passthrough://bufnet", base...)
}

// Fetch invokes the resource method on conn.
func Fetch(ctx context.Context, conn *grpc.ClientConn, opts ...grpc.CallOption) error {
	return conn.Invoke(ctx, FetchMethod, &emptypb.Empty{}, &emptypb.Empty{}, opts...)
}
