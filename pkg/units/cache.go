package units

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jpyc-labs/x402-go/pkg/model"
	"go.uber.org/zap"
)

// DecimalsSource reads the decimal count of a token contract.
type DecimalsSource interface {
	Decimals(ctx context.Context, asset common.Address) (uint8, error)
}

// DecimalsResolver resolves decimals for a token on a given network.
type DecimalsResolver interface {
	Resolve(ctx context.Context, network string, asset common.Address) (uint8, error)
}

// SourceFunc maps a network key to the DecimalsSource serving it.
type SourceFunc func(ctx context.Context, network string) (DecimalsSource, error)

type cacheKey struct {
	network string
	asset   common.Address
}

// DecimalsCache memoizes decimals per (network, asset). Create one per payment
// flow so every conversion inside the flow uses the same value; decimals are
// always read from the live contract at least once per flow. Failed reads are
// not cached. Safe for concurrent use.
type DecimalsCache struct {
	sources SourceFunc

	mu     sync.Mutex
	values map[cacheKey]uint8
}

// NewDecimalsCache returns an empty cache reading through sources.
func NewDecimalsCache(sources SourceFunc) *DecimalsCache {
	return &DecimalsCache{sources: sources, values: make(map[cacheKey]uint8)}
}

// StaticSource serves a single DecimalsSource for every network.
func StaticSource(src DecimalsSource) SourceFunc {
	return func(context.Context, string) (DecimalsSource, error) { return src, nil }
}

// Resolve returns the cached decimals or reads them from the chain. Read
// failures are reported as DecimalsUnavailable.
func (c *DecimalsCache) Resolve(ctx context.Context, network string, asset common.Address) (uint8, error) {
	const op = "units.Resolve"
	key := cacheKey{network: strings.ToLower(network), asset: asset}

	c.mu.Lock()
	d, ok := c.values[key]
	c.mu.Unlock()
	if ok {
		return d, nil
	}

	src, err := c.sources(ctx, network)
	if err != nil {
		return 0, model.NewError(model.KindDecimalsUnavailable, op, err).
			WithNetwork(network).WithAddress(asset.Hex())
	}
	d, err = src.Decimals(ctx, asset)
	if err != nil {
		zap.L().Warn("failed to read token decimals",
			zap.String("network", network), zap.String("asset", asset.Hex()), zap.Error(err))
		return 0, model.NewError(model.KindDecimalsUnavailable, op, err).
			WithNetwork(network).WithAddress(asset.Hex())
	}

	c.mu.Lock()
	// Keep the first value stored so concurrent readers agree.
	if prev, ok := c.values[key]; ok {
		d = prev
	} else {
		c.values[key] = d
	}
	c.mu.Unlock()
	return d, nil
}
