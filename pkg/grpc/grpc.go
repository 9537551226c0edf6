package grpc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Client holds a connected gRPC ClientConn whose unary calls pay when asked to.
type Client struct {
	// GRPC is the underlying client connection.
	GRPC *grpc.ClientConn `json:"-"`
}

// NewClient creates a client for endpoint. The endpoint scheme determines
// transport security:
//   - "https://": TLS (system defaults)
//   - "http://":  insecure
//   - no scheme:  insecure
//
// When provider is non-nil, every unary call goes through PaymentInterceptor.
// The returned client proactively starts connecting.
func NewClient(endpoint string, provider PayloadProvider, opts ...grpc.DialOption) (*Client, error) {
	addr, creds := grpcCredsFromEndpoint(endpoint)
	all := []grpc.DialOption{creds}
	if provider != nil {
		all = append(all, grpc.WithChainUnaryInterceptor(PaymentInterceptor(provider)))
	}
	all = append(all, opts...)
	conn, err := grpc.NewClient(addr, all...)
	if err != nil {
		zap.L().Error("grpc client", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, err
	}
	conn.Connect()
	return &Client{GRPC: conn}, nil
}

// DialEndpoint connects to endpoint and waits until the connection is ready or
// timeout elapses.
func DialEndpoint(ctx context.Context, endpoint string, timeout time.Duration, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	addr, creds := grpcCredsFromEndpoint(endpoint)
	conn, err := grpc.NewClient(addr, append([]grpc.DialOption{creds}, opts...)...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn.Connect()
	for {
		s := conn.GetState()
		if s == connectivity.Ready {
			return conn, nil
		}
		if !conn.WaitForStateChange(ctx, s) {
			_ = conn.Close()
			return nil, fmt.Errorf("dial %s: %w (last state %s)", endpoint, ctx.Err(), s)
		}
	}
}

// Close shuts down the underlying gRPC connection.
// It is safe to call on a nil receiver or when GRPC is nil.
func (c *Client) Close() error {
	if c == nil || c.GRPC == nil {
		return nil
	}
	return c.GRPC.Close()
}

// Invoke performs a unary call and returns the server's response header,
// which carries the settlement when the call was paid.
func (c *Client) Invoke(ctx context.Context, method string, req, reply any, opts ...grpc.CallOption) (metadata.MD, error) {
	var header metadata.MD
	opts = append(opts, grpc.Header(&header))
	if err := c.GRPC.Invoke(ctx, method, req, reply, opts...); err != nil {
		return header, err
	}
	return header, nil
}

// grpcCredsFromEndpoint derives a dial address and dial option from an endpoint URL.
// "https://" enables TLS; "http://" and bare addresses use insecure credentials.
func grpcCredsFromEndpoint(endpoint string) (string, grpc.DialOption) {
	if strings.HasPrefix(endpoint, "https://") {
		return strings.TrimPrefix(endpoint, "https://"), grpc.WithTransportCredentials(credentials.NewTLS(nil))
	}
	if strings.HasPrefix(endpoint, "http://") {
		return strings.TrimPrefix(endpoint, "http://"), grpc.WithTransportCredentials(insecure.NewCredentials())
	}
	return endpoint, grpc.WithTransportCredentials(insecure.NewCredentials())
}
