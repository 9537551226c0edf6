// Package signer defines the signing identity used to authorize and submit
// payments, and a private-key Wallet implementing it.
package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	// ErrRejected is returned when the holder of the key declines a request.
	ErrRejected = errors.New("signing request rejected")
	// ErrUnsupported is returned when a signer cannot perform an operation,
	// e.g. a wallet without typed-data support.
	ErrUnsupported = errors.New("operation not supported by signer")
	// ErrNotConnected is returned by SignTransaction and SendTransaction before Connect.
	ErrNotConnected = errors.New("signer not connected")
)

// TxRequest is a contract call to broadcast. Gas 0 means estimate.
type TxRequest struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	Gas   uint64
}

// Signer is a signing identity. Signatures are 65 bytes R||S||V with V in {27, 28}.
//
// Transactions are signed once with SignTransaction and broadcast with
// SendTransaction, which may be repeated with the same transaction.
// Rebroadcasting a transaction the node already knows is not an error.
type Signer interface {
	Address() common.Address
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
	SignTransaction(ctx context.Context, req TxRequest) (*types.Transaction, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// HashTypedData returns the EIP-712 digest keccak256(0x19 0x01 || domainSeparator || hashStruct(message)).
func HashTypedData(data apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := data.HashStruct("EIP712Domain", data.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	dataHash, err := data.HashStruct(data.PrimaryType, data.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}
	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, dataHash...)
	return crypto.Keccak256(raw), nil
}

// RecoverTypedData returns the address that produced sig over data.
func RecoverTypedData(data apitypes.TypedData, sig []byte) (common.Address, error) {
	digest, err := HashTypedData(data)
	if err != nil {
		return common.Address{}, err
	}
	return recoverAddress(digest, sig)
}

// RecoverMessage returns the address that personal_sign-ed msg.
func RecoverMessage(msg, sig []byte) (common.Address, error) {
	return recoverAddress(accounts.TextHash(msg), sig)
}

func recoverAddress(digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, s)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
