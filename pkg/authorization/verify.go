package authorization

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jpyc-labs/x402-go/pkg/model"
	"github.com/jpyc-labs/x402-go/pkg/signer"
)

// Verify checks that the payload signature is an EIP-712 signature by
// authorization.from under d and returns the signer. Fallback-signed payloads
// always fail: they cannot satisfy transferWithAuthorization.
func Verify(p *model.PaymentPayload, d Domain) (common.Address, error) {
	const op = "authorization.Verify"
	auth := p.Payload.Authorization
	if p.IsFallback() {
		return common.Address{}, model.Errorf(model.KindInvalidPayload, op, "personal_sign payload cannot be executed").
			WithNetwork(p.Network).WithAddress(auth.From)
	}
	td, err := TypedData(d, auth)
	if err != nil {
		return common.Address{}, model.NewError(model.KindInvalidPayload, op, err).WithNetwork(p.Network)
	}
	sig, err := hexutil.Decode(p.Payload.Signature)
	if err != nil {
		return common.Address{}, model.NewError(model.KindInvalidPayload, op, fmt.Errorf("signature: %w", err)).WithNetwork(p.Network)
	}
	got, err := signer.RecoverTypedData(td, sig)
	if err != nil {
		return common.Address{}, model.NewError(model.KindInvalidPayload, op, err).WithNetwork(p.Network)
	}
	if got != common.HexToAddress(auth.From) {
		return common.Address{}, model.Errorf(model.KindInvalidPayload, op, "signature does not match authorization.from").
			WithNetwork(p.Network).WithAddress(auth.From)
	}
	return got, nil
}

// VerifyFallback checks a personal_sign payload against the canonical JSON of
// its authorization. Use it for logging only; the payload stays unexecutable.
func VerifyFallback(p *model.PaymentPayload) (common.Address, error) {
	const op = "authorization.VerifyFallback"
	auth := p.Payload.Authorization
	if !p.IsFallback() {
		return common.Address{}, model.Errorf(model.KindInvalidPayload, op, "payload is not personal_sign")
	}
	msg, err := auth.CanonicalJSON()
	if err != nil {
		return common.Address{}, model.NewError(model.KindInvalidPayload, op, err)
	}
	sig, err := hexutil.Decode(p.Payload.Signature)
	if err != nil {
		return common.Address{}, model.NewError(model.KindInvalidPayload, op, fmt.Errorf("signature: %w", err))
	}
	got, err := signer.RecoverMessage(msg, sig)
	if err != nil {
		return common.Address{}, model.NewError(model.KindInvalidPayload, op, err)
	}
	if got != common.HexToAddress(auth.From) {
		return common.Address{}, model.Errorf(model.KindInvalidPayload, op, "signature does not match authorization.from").
			WithAddress(auth.From)
	}
	return got, nil
}
