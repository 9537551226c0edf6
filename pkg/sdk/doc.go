// Package sdk provides the high-level entry point for x402 payments in JPYC.
//
// The SDK hides the moving parts of a payment: the network registry, the
// requirements codec, EIP-3009 authorization signing, on-chain execution and
// out-of-band payment detection. One configured Core serves payers,
// merchants and relayers alike.
//
// # Quick Start
//
// Create an SDK instance with configuration, then publish or pay requests:
//
//	import (
//		"github.com/jpyc-labs/x402-go/pkg/config"
//		"github.com/jpyc-labs/x402-go/pkg/request"
//		"github.com/jpyc-labs/x402-go/pkg/sdk"
//	)
//
//	func main() {
//		cfg := &config.Config{
//			Network:    "polygon-amoy",
//			PrivateKey: "YOUR_PRIVATE_KEY",
//			Debug:      true,
//		}
//
//		x402, err := sdk.NewSDK(cfg)
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer x402.Close()
//
//		req, payURL, err := x402.NewRequest(request.MerchantInput{
//			PayTo:  "0xYourAddress",
//			Amount: "100",
//		})
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Println(payURL)
//
//		receipt, err := x402.Pay(context.Background(), *req)
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Println(receipt.TxHash.Hex())
//	}
//
// # Payers and Relayers
//
// Authorize signs an EIP-3009 TransferWithAuthorization as EIP-712 typed data
// and returns the x402 payment payload. Execute submits a payload: when the
// configured key signed it the SDK calls transfer directly, otherwise it
// relays transferWithAuthorization and pays the gas. Pay does both with one
// key.
//
// # Merchants
//
// NewRequest builds payment requirements from a merchant's input and returns
// a shareable pay URL. Watch detects a matching transfer to the merchant's
// address that was paid outside x402, for example from a wallet app:
//
//	sub, err := x402.Watch(ctx, *req, sdk.WatchOptions{MaxDuration: 10 * time.Minute})
//	if err != nil {
//		log.Fatal(err)
//	}
//	match, err := sub.Wait(ctx)
//
// # HTTP and gRPC
//
// Transport wraps an http.RoundTripper so 402 responses are paid and replayed.
// Middleware charges for an HTTP handler. Over gRPC, Core is a
// grpc.PayloadProvider for the client interceptor, and Gate builds the
// server-side grpc.Gate.
//
// # Errors
//
// Every failure is a *model.Error carrying a Kind. Use errors.Is with the
// model.Err* sentinels or model.KindOf to decide how to present it, and
// model.Retryable to decide whether to offer a retry.
//
// # Thread Safety
//
// Core is safe for concurrent use. Chain clients and per-network wallets are
// created lazily and shared.
package sdk
