package sdk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// NetworkHealth is the result of probing one network's RPC endpoint.
type NetworkHealth struct {
	Network string
	ChainID int64
	Block   uint64
	Latency time.Duration
	Err     error
}

// Healthy reports whether the check succeeded.
func (h NetworkHealth) Healthy() bool { return h.Err == nil }

// Health checks the RPC endpoint of each network (the configured network when
// none are given): the chain id must match the registry and the head block
// must be readable. Checks run concurrently under Timeouts.ChainRead.
func (c *Core) Health(ctx context.Context, networks ...string) []NetworkHealth {
	if len(networks) == 0 {
		networks = []string{c.Network}
	}
	out := make([]NetworkHealth, len(networks))

	g, gctx := errgroup.WithContext(ctx)
	for i, network := range networks {
		g.Go(func() error {
			out[i] = c.checkNetwork(gctx, network)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (c *Core) checkNetwork(ctx context.Context, network string) (h NetworkHealth) {
	h.Network = network
	started := time.Now()
	defer func() {
		h.Latency = time.Since(started)
	}()

	ctx, cancel := context.WithTimeout(ctx, c.Timeouts.ChainRead)
	defer cancel()

	n, err := c.reg.NetworkConfig(network)
	if err != nil {
		h.Err = err
		return h
	}
	client, err := c.reg.Client(ctx, network)
	if err != nil {
		h.Err = err
		return h
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		h.Err = fmt.Errorf("chain id: %w", err)
		return h
	}
	h.ChainID = id.Int64()
	if id.Cmp(n.ChainIDBig()) != 0 {
		h.Err = fmt.Errorf("rpc reports chain %s, registry expects %d", id, n.ChainID)
		return h
	}
	if h.Block, err = client.BlockNumber(ctx); err != nil {
		h.Err = fmt.Errorf("block number: %w", err)
		return h
	}
	zap.L().Debug("network healthy",
		zap.String("network", network),
		zap.Uint64("block", h.Block),
		zap.Duration("latency", time.Since(started)))
	return h
}

// GRPCHealth performs a standard gRPC health check against a merchant
// endpoint. An empty service checks the server as a whole.
func GRPCHealth(ctx context.Context, conn *grpc.ClientConn, service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	client := grpc_health_v1.NewHealthClient(conn)
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, fmt.Errorf("grpc heartbeat failed: %w", err)
	}
	return resp.GetStatus(), nil
}
