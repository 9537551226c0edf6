// Package grpc carries x402 payments between gRPC clients and servers.
//
// The HTTP flow (402 response, X-PAYMENT request header, X-PAYMENT-RESPONSE
// response header) maps onto gRPC metadata:
//
//	x402-payment-requirements  trailer of a refused call, base64 JSON PaymentRequired
//	x402-payment               request metadata, base64 JSON PaymentPayload
//	x402-payment-response      response header, base64 JSON SettlementResponse
//
// A refused call fails with PaymentRequiredCode (FailedPrecondition).
//
// # Client
//
// Attach a PayloadProvider and every unary call that is refused for payment
// is retried once with a signed payload:
//
//	client, err := grpc.NewClient("https://api.example.com:443", provider)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	header, err := client.Invoke(ctx, "/pkg.Service/Method", req, reply)
//	settlement, _ := grpc.SettlementFromHeader(header)
//
// sdk.Core implements PayloadProvider by authorizing the accepted requirements
// for its configured network.
//
// Payments can also be attached by hand:
//
//	ctx, err := grpc.AppendPayment(ctx, payload)
//
// # Server
//
// PaymentGate enforces a Gate as a unary server interceptor:
//
//	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(x402grpc.PaymentGate(gate)))
//
// Handlers of paid methods run only after Gate.Settle succeeds. Settlement
// errors map to status codes: retryable chain failures to Unavailable,
// insufficient funds to ResourceExhausted, everything else to PermissionDenied.
//
// # Transport Security
//
// Transport is determined by endpoint scheme:
//
//	"https://host:443"  → TLS with system certificates
//	"http://host:8080"  → Insecure plaintext
//	"host:8080"         → Insecure plaintext (no scheme)
//
// # Thread Safety
//
// Client instances are safe for concurrent use. The interceptors hold no state
// of their own.
package grpc
