// Package registry maps network keys to chain ids and RPC endpoints and asset
// keys to token contracts. The registry is populated once at startup and is
// read-only afterwards; chain clients are dialed lazily, once per network.
package registry

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/jpyc-labs/x402-go/pkg/blockchain"
	"github.com/jpyc-labs/x402-go/pkg/model"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// NetworkConfig describes one EVM network.
type NetworkConfig struct {
	Key         string `yaml:"-" json:"key"`
	ChainID     int64  `yaml:"chain_id" json:"chain_id" validate:"required,gt=0"`
	RPCURL      string `yaml:"rpc_url" json:"rpc_url" validate:"required,url"`
	Name        string `yaml:"name" json:"name"`
	IsTestnet   bool   `yaml:"testnet" json:"testnet"`
	ExplorerURL string `yaml:"explorer_url" json:"explorer_url" validate:"omitempty,url"`
}

// ChainIDBig returns the chain id as *big.Int for EIP-155 and EIP-712.
func (n NetworkConfig) ChainIDBig() *big.Int { return big.NewInt(n.ChainID) }

// TxURL returns an explorer link for txHash, or "" when no explorer is configured.
func (n NetworkConfig) TxURL(txHash string) string {
	if n.ExplorerURL == "" {
		return ""
	}
	return strings.TrimRight(n.ExplorerURL, "/") + "/tx/" + txHash
}

// AssetConfig describes a token deployment. Name and Version are the token's
// EIP-712 domain name and version.
type AssetConfig struct {
	Key       string `yaml:"-" json:"key"`
	Network   string `yaml:"network" json:"network" validate:"required"`
	Address   string `yaml:"address" json:"address" validate:"required,eth_addr"`
	Name      string `yaml:"name" json:"name" validate:"required"`
	Version   string `yaml:"version" json:"version" validate:"required"`
	Symbol    string `yaml:"symbol" json:"symbol"`
	IsTestnet bool   `yaml:"testnet" json:"testnet"`
}

// Dialer opens a chain client for a network.
type Dialer func(ctx context.Context, network NetworkConfig) (blockchain.ChainClient, error)

// DialEVM is the default Dialer, connecting through go-ethereum's ethclient.
func DialEVM(ctx context.Context, network NetworkConfig) (blockchain.ChainClient, error) {
	return blockchain.Dial(ctx, network.RPCURL)
}

// Registry is the network/asset lookup table.
type Registry struct {
	networks map[string]NetworkConfig
	assets   map[string]AssetConfig
	dial     Dialer

	mu      sync.Mutex
	clients map[string]blockchain.ChainClient
}

// Option customizes a Registry.
type Option func(*Registry)

// WithDialer replaces the dialer used by Client.
func WithDialer(d Dialer) Option {
	return func(r *Registry) { r.dial = d }
}

var validate = validator.New()

// New builds a registry from the given entries. Map keys become the network
// and asset keys. Every asset must reference a registered network.
func New(networks map[string]NetworkConfig, assets map[string]AssetConfig, opts ...Option) (*Registry, error) {
	r := &Registry{
		networks: make(map[string]NetworkConfig, len(networks)),
		assets:   make(map[string]AssetConfig, len(assets)),
		dial:     DialEVM,
		clients:  make(map[string]blockchain.ChainClient),
	}
	for key, n := range networks {
		n.Key = key
		if err := validate.Struct(n); err != nil {
			return nil, fmt.Errorf("network %q: %w", key, err)
		}
		r.networks[key] = n
	}
	for key, a := range assets {
		a.Key = key
		if err := validate.Struct(a); err != nil {
			return nil, fmt.Errorf("asset %q: %w", key, err)
		}
		if _, ok := r.networks[a.Network]; !ok {
			return nil, fmt.Errorf("asset %q: unknown network %q", key, a.Network)
		}
		a.Address = common.HexToAddress(a.Address).Hex()
		r.assets[key] = a
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// File is the YAML form of a registry.
type File struct {
	Networks map[string]NetworkConfig `yaml:"networks"`
	Assets   map[string]AssetConfig   `yaml:"assets"`
}

// Load reads a registry from YAML.
func Load(rd io.Reader, opts ...Option) (*Registry, error) {
	var f File
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	return New(f.Networks, f.Assets, opts...)
}

// Merge returns a new registry with other's entries layered over r's. The
// dialer of r is kept; open clients are not shared.
func (r *Registry) Merge(other *Registry) (*Registry, error) {
	networks := make(map[string]NetworkConfig, len(r.networks)+len(other.networks))
	assets := make(map[string]AssetConfig, len(r.assets)+len(other.assets))
	for k, v := range r.networks {
		networks[k] = v
	}
	for k, v := range other.networks {
		networks[k] = v
	}
	for k, v := range r.assets {
		assets[k] = v
	}
	for k, v := range other.assets {
		assets[k] = v
	}
	return New(networks, assets, WithDialer(r.dial))
}

// WithRPCOverride returns a copy of r where network key uses rpcURL.
func (r *Registry) WithRPCOverride(key, rpcURL string) (*Registry, error) {
	n, err := r.NetworkConfig(key)
	if err != nil {
		return nil, err
	}
	n.RPCURL = rpcURL
	override, err := New(map[string]NetworkConfig{key: n}, nil)
	if err != nil {
		return nil, err
	}
	return r.Merge(override)
}

// NetworkConfig returns the network registered under key.
func (r *Registry) NetworkConfig(key string) (NetworkConfig, error) {
	n, ok := r.networks[key]
	if !ok {
		return NetworkConfig{}, model.Errorf(model.KindUnknownNetwork, "registry.NetworkConfig", "network %q is not registered", key).WithNetwork(key)
	}
	return n, nil
}

// AssetConfig returns the asset registered under key.
func (r *Registry) AssetConfig(key string) (AssetConfig, error) {
	a, ok := r.assets[key]
	if !ok {
		return AssetConfig{}, model.Errorf(model.KindUnknownAsset, "registry.AssetConfig", "asset %q is not registered", key)
	}
	return a, nil
}

// AssetByAddress finds the asset deployed at address on network.
func (r *Registry) AssetByAddress(network, address string) (AssetConfig, error) {
	if _, err := r.NetworkConfig(network); err != nil {
		return AssetConfig{}, err
	}
	want := common.HexToAddress(address)
	for _, key := range r.AssetsForNetwork(network) {
		a := r.assets[key]
		if common.HexToAddress(a.Address) == want {
			return a, nil
		}
	}
	return AssetConfig{}, model.Errorf(model.KindUnknownAsset, "registry.AssetByAddress", "no asset at %s", address).
		WithNetwork(network).WithAddress(address)
}

// AssetsForNetwork returns the sorted asset keys deployed on networkKey.
// An unregistered network yields an empty list.
func (r *Registry) AssetsForNetwork(networkKey string) []string {
	var keys []string
	for k, a := range r.assets {
		if a.Network == networkKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Networks returns the sorted network keys.
func (r *Registry) Networks() []string {
	keys := make([]string, 0, len(r.networks))
	for k := range r.networks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Client returns the chain client for networkKey, dialing it on first use.
func (r *Registry) Client(ctx context.Context, networkKey string) (blockchain.ChainClient, error) {
	n, err := r.NetworkConfig(networkKey)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[networkKey]; ok {
		return c, nil
	}
	c, err := r.dial(ctx, n)
	if err != nil {
		return nil, model.NewError(model.KindChainUnavailable, "registry.Client", err).WithNetwork(networkKey)
	}
	zap.L().Debug("chain client connected", zap.String("network", networkKey), zap.Int64("chainID", n.ChainID))
	r.clients[networkKey] = c
	return c, nil
}

// Close releases every dialed client.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, c := range r.clients {
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(r.clients, key)
	}
}
