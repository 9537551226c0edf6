package sdk

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jpyc-labs/x402-go/pkg/authorization"
	"github.com/jpyc-labs/x402-go/pkg/blockchain"
	"github.com/jpyc-labs/x402-go/pkg/config"
	"github.com/jpyc-labs/x402-go/pkg/metrics"
	"github.com/jpyc-labs/x402-go/pkg/model"
	"github.com/jpyc-labs/x402-go/pkg/payment"
	"github.com/jpyc-labs/x402-go/pkg/registry"
	"github.com/jpyc-labs/x402-go/pkg/request"
	"github.com/jpyc-labs/x402-go/pkg/signer"
	"github.com/jpyc-labs/x402-go/pkg/storage"
	"github.com/jpyc-labs/x402-go/pkg/units"
	"github.com/jpyc-labs/x402-go/pkg/watcher"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// X402SDK is the public interface of the payment engine.
type X402SDK interface {
	// NewRequest builds merchant requirements and returns them with their pay URL.
	NewRequest(input request.MerchantInput) (*model.PaymentRequirements, string, error)
	// DecodeRequest accepts a pay URL or an encoded request blob.
	DecodeRequest(s string) (*model.PaymentRequirements, error)
	// Authorize signs an EIP-3009 authorization answering req.
	Authorize(ctx context.Context, req model.PaymentRequirements) (*model.PaymentPayload, error)
	// Execute submits payload on req's network and waits for one confirmation.
	// The configured key relays when it is not the authorizer.
	Execute(ctx context.Context, req model.PaymentRequirements, payload *model.PaymentPayload) (*payment.Receipt, error)
	// Pay authorizes and executes in one step.
	Pay(ctx context.Context, req model.PaymentRequirements) (*payment.Receipt, error)
	// Watch waits for an out-of-band transfer satisfying req.
	Watch(ctx context.Context, req model.PaymentRequirements, opts WatchOptions) (*watcher.Subscription, error)
	// Address is the configured signer address, zero without a key.
	Address() common.Address
	// Registry returns the network/asset registry in use.
	Registry() *registry.Registry
	// Close releases chain connections.
	Close()
}

// logLevel backs the global logger so Config.Debug can raise it.
var logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)

// init configures a default global zap logger for the SDK. Applications may
// replace it with zap.ReplaceGlobals(...) if they need custom logging.
func init() {
	c := zap.Config{
		Level:            logLevel,
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := c.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

// Option customizes NewSDK.
type Option func(*options)

type options struct {
	dialer     registry.Dialer
	registerer prometheus.Registerer
	clock      func() time.Time
}

// WithDialer replaces how chain clients are dialed.
func WithDialer(d registry.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithRegisterer registers Prometheus metrics on r instead of the default registerer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithClock replaces time.Now for signing and expiry checks.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// Core is the concrete SDK implementation.
type Core struct {
	*config.Config
	reg     *registry.Registry
	codec   *request.Codec
	exec    *payment.Executor
	watcher *watcher.Watcher
	metrics metrics.Recorder
	clock   func() time.Time

	key    *ecdsa.PrivateKey
	wallet *signer.Wallet

	// payerFor returns the signer that submits transactions on a network.
	payerFor func(ctx context.Context, network string) (signer.Signer, error)

	mu      sync.Mutex
	wallets map[string]*signer.Wallet
}

var _ X402SDK = (*Core)(nil)

// NewSDK validates cfg, loads the registry and prepares the signer. Chain
// clients are dialed lazily on first use. A missing private key is allowed
// for merchant-only and watch-only use.
func NewSDK(cfg *config.Config, opts ...Option) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Debug {
		logLevel.SetLevel(zap.DebugLevel)
	}

	o := options{registerer: prometheus.DefaultRegisterer, clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		dial := cfg.Timeouts.Dial
		o.dialer = func(ctx context.Context, n registry.NetworkConfig) (blockchain.ChainClient, error) {
			ctx, cancel := context.WithTimeout(ctx, dial)
			defer cancel()
			return registry.DialEVM(ctx, n)
		}
	}

	reg, err := loadRegistry(cfg, o.dialer)
	if err != nil {
		return nil, err
	}
	if _, err := reg.NetworkConfig(cfg.Network); err != nil {
		return nil, err
	}

	c := &Core{
		Config:  cfg,
		reg:     reg,
		codec:   request.NewCodec(reg),
		clock:   o.clock,
		metrics: metrics.NoopRecorder{},
		wallets: make(map[string]*signer.Wallet),
	}
	if cfg.Metrics.Enabled {
		rec, err := metrics.NewPrometheusRecorder(cfg.Metrics.Namespace, o.registerer)
		if err != nil {
			return nil, err
		}
		c.metrics = rec
	}

	if cfg.PrivateKey != "" {
		_, key, err := blockchain.ParsePrivateKeyECDSA(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("private key: %w", err)
		}
		c.key = key
		c.wallet = signer.NewWalletFromKey(key)
		zap.L().Debug("signer address", zap.String("addr", c.wallet.Address().Hex()))
	} else {
		zap.L().Warn("some methods disabled: no private key configured")
	}
	c.payerFor = c.connectedWallet

	c.exec = &payment.Executor{
		Registry:    reg,
		Clock:       c.clock,
		Metrics:     c.metrics,
		MaxAttempts: cfg.Executor.MaxAttempts,
		Backoff:     cfg.Executor.Backoff,
		MaxBackoff:  cfg.Executor.MaxBackoff,
		ReceiptWait: cfg.Timeouts.ReceiptWait,
		ReadTimeout: cfg.Timeouts.ChainRead,
	}
	c.watcher = &watcher.Watcher{
		Interval: cfg.Watcher.PollInterval,
		Lookback: cfg.Watcher.LookbackBlocks,
		MaxRange: cfg.Watcher.MaxRange,
		Metrics:  c.metrics,
	}
	return c, nil
}

func loadRegistry(cfg *config.Config, dialer registry.Dialer) (*registry.Registry, error) {
	reg, err := registry.Default(registry.WithDialer(dialer))
	if err != nil {
		return nil, err
	}
	if cfg.RegistryFile != "" {
		rd, err := openRegistryFile(cfg)
		if err != nil {
			return nil, fmt.Errorf("registry file: %w", err)
		}
		defer rd.Close()
		extra, err := registry.Load(rd, registry.WithDialer(dialer))
		if err != nil {
			return nil, fmt.Errorf("registry file %s: %w", cfg.RegistryFile, err)
		}
		if reg, err = reg.Merge(extra); err != nil {
			return nil, err
		}
	}
	if cfg.RPCAddr != "" {
		if reg, err = reg.WithRPCOverride(cfg.Network, cfg.RPCAddr); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// openRegistryFile opens a local registry file, or fetches an ipfs:// or
// filecoin:// one through the configured storage endpoints.
func openRegistryFile(cfg *config.Config) (io.ReadCloser, error) {
	if !storage.IsRemote(cfg.RegistryFile) {
		return os.Open(cfg.RegistryFile)
	}
	client, err := storage.NewClient(cfg.Storage.IPFSURL, cfg.Storage.LighthouseURL,
		storage.WithTimeout(cfg.Storage.Timeout))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Storage.Timeout)
	defer cancel()
	data, err := client.ReadFile(ctx, cfg.RegistryFile)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("registry fetched", zap.String("uri", cfg.RegistryFile), zap.Int("bytes", len(data)))
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Address returns the configured signer address, or the zero address.
func (c *Core) Address() common.Address {
	if c.wallet == nil {
		return common.Address{}
	}
	return c.wallet.Address()
}

// Registry returns the registry in use.
func (c *Core) Registry() *registry.Registry {
	return c.reg
}

// NewRequest builds requirements from input and returns them with their pay URL.
func (c *Core) NewRequest(input request.MerchantInput) (*model.PaymentRequirements, string, error) {
	if input.Network == "" {
		input.Network = c.Network
	}
	req, err := c.codec.Build(input)
	if err != nil {
		return nil, "", err
	}
	url, err := request.PayURL(c.PayHost, req)
	if err != nil {
		return nil, "", err
	}
	return &req, url, nil
}

// DecodeRequest decodes a pay URL or an encoded request blob.
func (c *Core) DecodeRequest(s string) (*model.PaymentRequirements, error) {
	req, err := request.DecodeAny(s)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// decimals returns a cache scoped to one payment flow.
func (c *Core) decimals() *units.DecimalsCache {
	return units.NewDecimalsCache(func(ctx context.Context, network string) (units.DecimalsSource, error) {
		client, err := c.reg.Client(ctx, network)
		if err != nil {
			return nil, err
		}
		return client, nil
	})
}

// Authorize signs an authorization answering req with the configured key.
func (c *Core) Authorize(ctx context.Context, req model.PaymentRequirements) (*model.PaymentPayload, error) {
	if c.wallet == nil {
		return nil, model.Errorf(model.KindSignerUnavailable, "sdk.Authorize", "no private key configured").
			WithResource(req.Resource).WithNetwork(req.Network)
	}
	b := &authorization.Builder{
		Registry:      c.reg,
		Decimals:      c.decimals(),
		Clock:         c.clock,
		Skew:          c.Authorization.ClockSkew,
		AllowFallback: !c.Authorization.DisableFallback,
		Metrics:       c.metrics,
	}
	return b.Build(ctx, req, c.wallet)
}

// Execute submits payload and waits for one confirmation.
func (c *Core) Execute(ctx context.Context, req model.PaymentRequirements, payload *model.PaymentPayload) (*payment.Receipt, error) {
	payer, err := c.payerFor(ctx, req.Network)
	if err != nil {
		return nil, err
	}
	return c.exec.Execute(ctx, req, payload, payer)
}

// Pay authorizes req and executes the result with the same key.
func (c *Core) Pay(ctx context.Context, req model.PaymentRequirements) (*payment.Receipt, error) {
	payload, err := c.Authorize(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, req, payload)
}

// WatchOptions override the configured watcher settings for one watch.
type WatchOptions struct {
	Tolerance   string
	MaxDuration time.Duration
	MaxFailures int
}

// Watch starts a watch for a transfer of req's amount to req.PayTo.
func (c *Core) Watch(ctx context.Context, req model.PaymentRequirements, opts WatchOptions) (*watcher.Subscription, error) {
	const op = "sdk.Watch"
	if !common.IsHexAddress(req.PayTo) || !common.IsHexAddress(req.Asset) {
		return nil, model.Errorf(model.KindMalformedRequest, op, "payTo and asset must be addresses").
			WithResource(req.Resource).WithNetwork(req.Network)
	}
	client, err := c.reg.Client(ctx, req.Network)
	if err != nil {
		return nil, err
	}
	p := watcher.Params{
		Network:     req.Network,
		Recipient:   common.HexToAddress(req.PayTo),
		Asset:       common.HexToAddress(req.Asset),
		Expected:    req.MaxAmountRequired,
		Tolerance:   c.Config.Watcher.Tolerance,
		Decimals:    c.decimals(),
		MaxDuration: c.Config.Watcher.MaxDuration,
		MaxFailures: c.Config.Watcher.MaxFailures,
	}
	if opts.Tolerance != "" {
		p.Tolerance = opts.Tolerance
	}
	if opts.MaxDuration > 0 {
		p.MaxDuration = opts.MaxDuration
	}
	if opts.MaxFailures > 0 {
		p.MaxFailures = opts.MaxFailures
	}
	return c.watcher.Watch(ctx, client, p)
}

// connectedWallet returns the wallet for network, connecting it to the
// network's chain client on first use.
func (c *Core) connectedWallet(ctx context.Context, network string) (signer.Signer, error) {
	const op = "sdk.connectedWallet"
	if c.key == nil {
		return nil, model.Errorf(model.KindSignerUnavailable, op, "no private key configured").WithNetwork(network)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.wallets[network]; ok {
		return submitTimeout{Signer: w, d: c.Timeouts.ChainSubmit}, nil
	}
	client, err := c.reg.Client(ctx, network)
	if err != nil {
		return nil, err
	}
	tx, ok := client.(interface{ TxBackend() blockchain.TxBackend })
	if !ok {
		return nil, model.Errorf(model.KindSignerUnavailable, op, "chain client cannot send transactions").WithNetwork(network)
	}
	w := signer.NewWalletFromKey(c.key)
	dctx, cancel := context.WithTimeout(ctx, c.Timeouts.Dial)
	defer cancel()
	if err := w.Connect(dctx, tx.TxBackend()); err != nil {
		return nil, model.NewError(model.KindChainUnavailable, op, err).WithNetwork(network)
	}
	n, _ := c.reg.NetworkConfig(network)
	if w.ChainID().Cmp(n.ChainIDBig()) != 0 {
		return nil, model.Errorf(model.KindChainUnavailable, op, "rpc reports chain %s, registry expects %d", w.ChainID(), n.ChainID).
			WithNetwork(network)
	}
	c.wallets[network] = w
	return submitTimeout{Signer: w, d: c.Timeouts.ChainSubmit}, nil
}

// submitTimeout bounds each signing and broadcast call by Timeouts.ChainSubmit.
type submitTimeout struct {
	signer.Signer
	d time.Duration
}

func (s submitTimeout) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.d > 0 {
		return context.WithTimeout(ctx, s.d)
	}
	return ctx, func() {}
}

func (s submitTimeout) SignTransaction(ctx context.Context, req signer.TxRequest) (*types.Transaction, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.Signer.SignTransaction(ctx, req)
}

func (s submitTimeout) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.Signer.SendTransaction(ctx, tx)
}

// Close disconnects wallets and shuts down chain clients.
func (c *Core) Close() {
	c.mu.Lock()
	for key, w := range c.wallets {
		w.Disconnect()
		delete(c.wallets, key)
	}
	c.mu.Unlock()
	c.reg.Close()
}
