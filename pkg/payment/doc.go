// Package payment executes signed x402 payment payloads on-chain and carries
// them over HTTP.
//
// The package implements two submission strategies behind one Executor:
//
//   - Direct Strategy: the payer submits for themself with an ERC-20 transfer
//   - Relayed Strategy: a third party submits transferWithAuthorization with
//     the payer's EIP-3009 signature
//
// # Strategy Interface
//
// All strategies implement the Strategy interface:
//
//	type Strategy interface {
//		Name() string
//		Transaction(in StrategyInput) (signer.TxRequest, error)
//	}
//
// The Executor picks Direct when the submitting signer is authorization.from
// and Relayed otherwise.
//
// # Execution
//
//	exec := &payment.Executor{Registry: reg}
//	receipt, err := exec.Execute(ctx, requirements, payload, wallet)
//
// Execute runs these checks in order and stops at the first failure:
//  1. Payload and requirements agree on network, scheme, recipient and value
//  2. now is inside [validAfter, validBefore]; nothing touches the chain otherwise
//  3. The EIP-712 signature recovers authorization.from; personal_sign payloads are rejected
//  4. Pre-flight reads: balance and decimals (and nonce state when relaying)
//  5. Submission: the transaction is signed once and the same signed
//     transaction is rebroadcast on transient RPC failures
//  6. Receipt wait, bounded by maxTimeoutSeconds
//
// # Error Handling
//
// Every error is a *model.Error, except a submission abandoned because ctx
// was cancelled, which wraps ctx.Err(). Branch on the kind:
//
//	_, err := exec.Execute(ctx, req, payload, wallet)
//	switch {
//	case errors.Is(err, model.ErrInsufficientFunds):
//		// offer a funding path
//	case errors.Is(err, model.ErrUserRejected):
//		// no retry prompt
//	case model.Retryable(err):
//		// offer retry
//	}
//
// # HTTP Headers
//
// X-PAYMENT carries base64 JSON of a PaymentPayload; X-PAYMENT-RESPONSE
// carries base64 JSON of a SettlementResponse. See SetPaymentHeader,
// ParsePaymentRequired and EncodeSettlementHeader.
//
// # Thread Safety
//
// An Executor holds no per-payment state and is safe for concurrent use.
// Submissions through one signer are serialized by the signer.
package payment
