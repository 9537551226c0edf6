// Package config defines the runtime configuration for the SDK: the selected
// network, RPC override, signing key, registry file, debug mode, operation
// timeouts and the executor/watcher tuning knobs. It also provides validation,
// defaulting and YAML/environment loading helpers.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultNetwork is used when Config.Network is empty.
const DefaultNetwork = "polygon-amoy"

// DefaultPayHost is the host that pay URLs point at.
const DefaultPayHost = "https://x402.jpyc.jp"

// Config holds all SDK settings. Use Validate to fill implicit defaults and to
// check the values.
type Config struct {
	// Network is the registry key of the network payments are made on.
	// Default: polygon-amoy.
	Network string `json:"network" yaml:"network"`
	// RPCAddr overrides the registry RPC endpoint of Network (optional).
	RPCAddr string `json:"rpc_addr" yaml:"rpc_addr" validate:"omitempty,url"`
	// PrivateKey is the hex-encoded ECDSA key of the payer or relayer
	// (optional for merchant-only and watch-only use).
	PrivateKey string `json:"private_key" yaml:"private_key"`
	// RegistryFile is an optional YAML registry layered over the built-in one:
	// a local path, or an ipfs:// or filecoin:// URI read through Storage.
	RegistryFile string `json:"registry_file" yaml:"registry_file"`
	// Storage configures where remote registry files are read from.
	Storage Storage `json:"storage" yaml:"storage"`
	// PayHost is the base of generated pay URLs. Default: https://x402.jpyc.jp
	PayHost string `json:"pay_host" yaml:"pay_host" validate:"omitempty,url"`
	// Debug enables verbose logging.
	Debug bool `json:"debug" yaml:"debug"`
	// Timeouts configures per-operation timeouts. See Timeouts.WithDefaults for defaults.
	Timeouts Timeouts `json:"timeouts" yaml:"timeouts"`
	// Executor tunes on-chain submission retries.
	Executor Executor `json:"executor" yaml:"executor"`
	// Watcher tunes out-of-band payment detection.
	Watcher Watcher `json:"watcher" yaml:"watcher"`
	// Authorization tunes EIP-3009 authorization building.
	Authorization Authorization `json:"authorization" yaml:"authorization"`
	// Metrics enables Prometheus instrumentation.
	Metrics Metrics `json:"metrics" yaml:"metrics"`
}

// Timeouts controls SDK operation deadlines.
// Zero values will be replaced by sane defaults in WithDefaults.
type Timeouts struct {
	Dial        time.Duration `json:"dial" yaml:"dial"`                 // RPC dial/connect
	ChainRead   time.Duration `json:"chain_read" yaml:"chain_read"`     // eth_call, balance, logs
	ChainSubmit time.Duration `json:"chain_submit" yaml:"chain_submit"` // send tx
	ReceiptWait time.Duration `json:"receipt_wait" yaml:"receipt_wait"` // upper bound on receipt wait; 0 = maxTimeoutSeconds
}

// Executor tunes retry of transient chain failures.
type Executor struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" validate:"gte=0,lte=10"`
	Backoff     time.Duration `json:"backoff" yaml:"backoff"`
	MaxBackoff  time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// Watcher tunes the payment watcher.
type Watcher struct {
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`
	LookbackBlocks uint64        `json:"lookback_blocks" yaml:"lookback_blocks"`
	MaxRange       uint64        `json:"max_range" yaml:"max_range"`
	// Tolerance is the absolute difference in token units under which a
	// transfer matches the expected amount.
	Tolerance string `json:"tolerance" yaml:"tolerance"`
	// MaxDuration self-cancels a watch; 0 means no limit.
	MaxDuration time.Duration `json:"max_duration" yaml:"max_duration"`
	// MaxFailures surfaces ChainUnavailable after this many consecutive failed
	// polls; 0 keeps polling forever.
	MaxFailures int `json:"max_failures" yaml:"max_failures" validate:"gte=0"`
}

// Authorization tunes how transfer authorizations are built.
type Authorization struct {
	// ClockSkew is subtracted from the signing time for validAfter. Default 60s.
	ClockSkew time.Duration `json:"clock_skew" yaml:"clock_skew"`
	// DisableFallback turns off the personal_sign fallback.
	DisableFallback bool `json:"disable_fallback" yaml:"disable_fallback"`
}

// Storage configures decentralized storage backends.
type Storage struct {
	// IPFSURL is a Kubo HTTP API endpoint. Default: http://127.0.0.1:5001
	IPFSURL string `json:"ipfs_url" yaml:"ipfs_url" validate:"omitempty,url"`
	// LighthouseURL is a Lighthouse gateway base URL.
	// Default: https://gateway.lighthouse.storage/ipfs/
	LighthouseURL string        `json:"lighthouse_url" yaml:"lighthouse_url" validate:"omitempty,url"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
}

// WithDefaults returns a copy of s with the local Kubo node, the public
// Lighthouse gateway and a 30s timeout where unset.
func (s Storage) WithDefaults() Storage {
	ss := s
	if ss.IPFSURL == "" {
		ss.IPFSURL = "http://127.0.0.1:5001"
	}
	if ss.LighthouseURL == "" {
		ss.LighthouseURL = "https://gateway.lighthouse.storage/ipfs/"
	}
	if ss.Timeout == 0 {
		ss.Timeout = 30 * time.Second
	}
	return ss
}

// Metrics configures Prometheus instrumentation.
type Metrics struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

var validate = validator.New()

// Validate normalizes the configuration by applying implicit defaults for
// Network, PayHost, Timeouts, Executor, Watcher and Authorization, and checks
// the remaining values.
func (c *Config) Validate() error {
	if c.Network == "" {
		c.Network = DefaultNetwork
	}
	if c.PayHost == "" {
		c.PayHost = DefaultPayHost
	}
	c.Timeouts = c.Timeouts.WithDefaults()
	c.Executor = c.Executor.WithDefaults()
	c.Watcher = c.Watcher.WithDefaults()
	c.Storage = c.Storage.WithDefaults()
	if c.Authorization.ClockSkew == 0 {
		c.Authorization.ClockSkew = 60 * time.Second
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "x402"
	}

	if err := validate.Struct(c); err != nil {
		return err
	}
	tol, err := decimal.NewFromString(c.Watcher.Tolerance)
	if err != nil || tol.IsNegative() {
		return fmt.Errorf("watcher tolerance %q is not a non-negative decimal", c.Watcher.Tolerance)
	}
	if c.Authorization.ClockSkew < 0 {
		return errors.New("authorization clock skew must not be negative")
	}
	return nil
}

// WithDefaults returns a copy of t with zero values replaced by defaults:
//
//	Dial:        5s
//	ChainRead:   12s
//	ChainSubmit: 25s
//
// ReceiptWait stays zero, which bounds the wait by the requirements' maxTimeoutSeconds.
func (t Timeouts) WithDefaults() Timeouts {
	tt := t
	if tt.Dial == 0 {
		tt.Dial = 5 * time.Second
	}
	if tt.ChainRead == 0 {
		tt.ChainRead = 12 * time.Second
	}
	if tt.ChainSubmit == 0 {
		tt.ChainSubmit = 25 * time.Second
	}
	return tt
}

// WithDefaults returns a copy of e with MaxAttempts 3, Backoff 1s and MaxBackoff 8s
// where unset.
func (e Executor) WithDefaults() Executor {
	ee := e
	if ee.MaxAttempts == 0 {
		ee.MaxAttempts = 3
	}
	if ee.Backoff == 0 {
		ee.Backoff = time.Second
	}
	if ee.MaxBackoff == 0 {
		ee.MaxBackoff = 8 * time.Second
	}
	return ee
}

// WithDefaults returns a copy of w with PollInterval 3s, LookbackBlocks 100,
// MaxRange 2000 and Tolerance "0.01" where unset.
func (w Watcher) WithDefaults() Watcher {
	ww := w
	if ww.PollInterval == 0 {
		ww.PollInterval = 3 * time.Second
	}
	if ww.LookbackBlocks == 0 {
		ww.LookbackBlocks = 100
	}
	if ww.MaxRange == 0 {
		ww.MaxRange = 2000
	}
	if ww.Tolerance == "" {
		ww.Tolerance = "0.01"
	}
	return ww
}

// Load reads a YAML configuration. Durations use Go syntax ("3s", "2m").
func Load(r io.Reader) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Environment variables read by ApplyEnv.
const (
	EnvNetwork      = "X402_NETWORK"
	EnvRPCURL       = "X402_RPC_URL"
	EnvPrivateKey   = "X402_PRIVATE_KEY"
	EnvRegistryFile = "X402_REGISTRY_FILE"
	EnvPayHost      = "X402_PAY_HOST"
	EnvIPFSURL      = "X402_IPFS_URL"
	EnvDebug        = "X402_DEBUG"
)

// ApplyEnv overlays non-empty X402_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Network, EnvNetwork)
	set(&c.RPCAddr, EnvRPCURL)
	set(&c.PrivateKey, EnvPrivateKey)
	set(&c.RegistryFile, EnvRegistryFile)
	set(&c.PayHost, EnvPayHost)
	set(&c.Storage.IPFSURL, EnvIPFSURL)
	if v := os.Getenv(EnvDebug); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDebug, err)
		}
		c.Debug = debug
	}
	return nil
}
