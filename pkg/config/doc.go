// Package config provides configuration management for the x402 SDK.
//
// # Basic Configuration
//
// A payer needs a network and a private key; everything else has defaults:
//
//	cfg := &config.Config{
//		Network:    "polygon",
//		PrivateKey: "YOUR_PRIVATE_KEY",
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// A merchant that only builds requests and watches for payments can omit the key.
//
// # Networks
//
// Network is a registry key. The built-in registry knows the JPYC deployments:
//
//	ethereum, polygon, avalanche              mainnets
//	sepolia, polygon-amoy, avalanche-fuji     testnets
//
// RPCAddr overrides the registry endpoint for the selected network, and
// RegistryFile layers additional networks and assets from YAML (see the
// registry package for the format).
//
// # Timeouts
//
//	cfg.Timeouts = config.Timeouts{
//		Dial:        10 * time.Second, // RPC connect
//		ChainRead:   15 * time.Second, // balanceOf, decimals, logs
//		ChainSubmit: 60 * time.Second, // broadcast
//		ReceiptWait: 2 * time.Minute,  // confirmation upper bound
//	}
//
// When ReceiptWait is zero the receipt wait is bounded by the
// maxTimeoutSeconds of the payment requirements.
//
// # Watcher
//
//	cfg.Watcher = config.Watcher{
//		PollInterval:   3 * time.Second,
//		LookbackBlocks: 100,
//		Tolerance:      "0.01",
//		MaxDuration:    10 * time.Minute,
//	}
//
// # Files and Environment
//
// Load/LoadFile read YAML with Go duration syntax:
//
//	network: polygon
//	debug: true
//	timeouts:
//	  receipt_wait: 2m
//	watcher:
//	  poll_interval: 5s
//
// ApplyEnv overlays X402_NETWORK, X402_RPC_URL, X402_PRIVATE_KEY,
// X402_REGISTRY_FILE, X402_PAY_HOST, X402_IPFS_URL and X402_DEBUG.
//
// # Remote Registry Files
//
// RegistryFile may be an ipfs://<cid> or filecoin://<cid> URI. Those are read
// through the Kubo node and Lighthouse gateway configured in Storage.
//
// # Thread Safety
//
// Config instances should be created once and not modified after passing to sdk.NewSDK.
package config
