package sdk

import (
	"context"

	"github.com/jpyc-labs/x402-go/pkg/grpc"
	"github.com/jpyc-labs/x402-go/pkg/model"
	"github.com/jpyc-labs/x402-go/pkg/request"
)

var _ grpc.PayloadProvider = (*Core)(nil)

// PayloadFor signs an authorization for the requirements a gRPC server sent
// when it refused method. Only requirements on the configured network are
// considered.
func (c *Core) PayloadFor(ctx context.Context, method string, body model.PaymentRequired) (*model.PaymentPayload, error) {
	req, err := request.FromPaymentRequired(body, c.Network)
	if err != nil {
		return nil, err
	}
	if req.Resource == "" {
		req.Resource = method
	}
	return c.Authorize(ctx, req)
}

// NewGRPCClient dials endpoint with a client that pays refused calls.
func (c *Core) NewGRPCClient(endpoint string) (*grpc.Client, error) {
	return grpc.NewClient(endpoint, c)
}

// Gate returns a gRPC payment gate charging the requirements in prices,
// keyed by full method name. Methods not listed are free. Payments are
// settled with Settle.
func (c *Core) Gate(prices map[string]model.PaymentRequirements) grpc.Gate {
	return &gate{core: c, prices: prices}
}

type gate struct {
	core   *Core
	prices map[string]model.PaymentRequirements
}

func (g *gate) Requirements(_ context.Context, method string) (model.PaymentRequired, bool) {
	req, ok := g.prices[method]
	if !ok {
		return model.PaymentRequired{}, false
	}
	return model.PaymentRequired{
		X402Version: model.X402Version,
		Accepts:     []model.PaymentRequirements{req},
	}, true
}

func (g *gate) Settle(ctx context.Context, req model.PaymentRequirements, payload *model.PaymentPayload) (model.SettlementResponse, error) {
	return g.core.Settle(ctx, req, payload)
}
