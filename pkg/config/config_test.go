package config

import (
	"strings"
	"testing"
	"time"
)

// TestConfigValidate_AppliesDefaults verifies that Validate applies default values
// for Network, PayHost and the tuning sections when they are not explicitly set.
func TestConfigValidate_AppliesDefaults(t *testing.T) {
	cfg := &Config{}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}

	if cfg.Network != DefaultNetwork {
		t.Fatalf("unexpected Network: %s", cfg.Network)
	}
	if cfg.PayHost != DefaultPayHost {
		t.Fatalf("unexpected PayHost: %s", cfg.PayHost)
	}
	if cfg.Timeouts.ChainRead != 12*time.Second {
		t.Fatalf("unexpected ChainRead: %s", cfg.Timeouts.ChainRead)
	}
	if cfg.Timeouts.ReceiptWait != 0 {
		t.Fatalf("ReceiptWait should stay zero, got %s", cfg.Timeouts.ReceiptWait)
	}
	if cfg.Executor.MaxAttempts != 3 || cfg.Executor.Backoff != time.Second {
		t.Fatalf("unexpected executor defaults: %+v", cfg.Executor)
	}
	if cfg.Watcher.PollInterval != 3*time.Second || cfg.Watcher.LookbackBlocks != 100 || cfg.Watcher.Tolerance != "0.01" {
		t.Fatalf("unexpected watcher defaults: %+v", cfg.Watcher)
	}
	if cfg.Authorization.ClockSkew != 60*time.Second {
		t.Fatalf("unexpected clock skew: %s", cfg.Authorization.ClockSkew)
	}
	if cfg.Storage.LighthouseURL != "https://gateway.lighthouse.storage/ipfs/" || cfg.Storage.Timeout != 30*time.Second {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Metrics.Namespace != "x402" {
		t.Fatalf("unexpected metrics namespace: %s", cfg.Metrics.Namespace)
	}
}

// TestConfigValidate_KeepsExplicitValues verifies that explicit values survive Validate.
func TestConfigValidate_KeepsExplicitValues(t *testing.T) {
	cfg := &Config{
		Network:  "polygon",
		RPCAddr:  "https://polygon-rpc.example",
		Timeouts: Timeouts{ReceiptWait: 45 * time.Second},
		Watcher:  Watcher{PollInterval: time.Second, Tolerance: "0.5"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if cfg.Network != "polygon" || cfg.Timeouts.ReceiptWait != 45*time.Second {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
	if cfg.Watcher.PollInterval != time.Second || cfg.Watcher.Tolerance != "0.5" {
		t.Fatalf("explicit watcher values overwritten: %+v", cfg.Watcher)
	}
}

// TestConfigValidate_Rejects verifies invalid values are reported.
func TestConfigValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "rpc not a url", cfg: Config{RPCAddr: "not a url"}},
		{name: "negative tolerance", cfg: Config{Watcher: Watcher{Tolerance: "-1"}}},
		{name: "tolerance not a number", cfg: Config{Watcher: Watcher{Tolerance: "lots"}}},
		{name: "too many attempts", cfg: Config{Executor: Executor{MaxAttempts: 50}}},
		{name: "ipfs not a url", cfg: Config{Storage: Storage{IPFSURL: "localhost 5001"}}},
		{name: "negative skew", cfg: Config{Authorization: Authorization{ClockSkew: -time.Second}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yml := `
network: polygon
debug: true
timeouts:
  receipt_wait: 2m
watcher:
  poll_interval: 5s
  tolerance: "0.001"
  max_duration: 10m
executor:
  max_attempts: 5
`
	cfg, err := Load(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network != "polygon" || !cfg.Debug {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Timeouts.ReceiptWait != 2*time.Minute {
		t.Fatalf("unexpected receipt wait: %s", cfg.Timeouts.ReceiptWait)
	}
	if cfg.Watcher.PollInterval != 5*time.Second || cfg.Watcher.MaxDuration != 10*time.Minute || cfg.Watcher.Tolerance != "0.001" {
		t.Fatalf("unexpected watcher: %+v", cfg.Watcher)
	}
	if cfg.Executor.MaxAttempts != 5 {
		t.Fatalf("unexpected executor: %+v", cfg.Executor)
	}

	if _, err := Load(strings.NewReader("netwrok: polygon\n")); err == nil {
		t.Fatal("expected error for unknown field")
	}
	empty, err := Load(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Load empty: %v", err)
	}
	if empty.Network != "" {
		t.Fatalf("unexpected network for empty config: %s", empty.Network)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvNetwork, "sepolia")
	t.Setenv(EnvRPCURL, "https://sepolia.example")
	t.Setenv(EnvPrivateKey, "abc123")
	t.Setenv(EnvDebug, "true")
	t.Setenv(EnvIPFSURL, "http://ipfs.internal:5001")

	cfg := &Config{Network: "polygon", PayHost: "https://shop.example"}
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Network != "sepolia" || cfg.RPCAddr != "https://sepolia.example" || cfg.PrivateKey != "abc123" || !cfg.Debug {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Storage.IPFSURL != "http://ipfs.internal:5001" {
		t.Fatalf("unexpected ipfs url: %s", cfg.Storage.IPFSURL)
	}
	if cfg.PayHost != "https://shop.example" {
		t.Fatalf("unset env overwrote PayHost: %s", cfg.PayHost)
	}

	t.Setenv(EnvDebug, "maybe")
	if err := cfg.ApplyEnv(); err == nil {
		t.Fatal("expected error for invalid X402_DEBUG")
	}
}
