package blockchain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TokenABIJSON is the subset of ERC-20 and EIP-3009 used by the SDK.
const TokenABIJSON = `[
  {"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"version","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"authorizationState","stateMutability":"view","inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transferWithAuthorization","stateMutability":"nonpayable","inputs":[
    {"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},
    {"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},
    {"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]},
  {"type":"event","name":"AuthorizationUsed","anonymous":false,"inputs":[
    {"name":"authorizer","type":"address","indexed":true},{"name":"nonce","type":"bytes32","indexed":true}]}
]`

// TokenABI is the parsed TokenABIJSON.
var TokenABI = mustParseABI(TokenABIJSON)

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse token ABI: %v", err))
	}
	return parsed
}

// TransferWithAuthorizationArgs are the call arguments of transferWithAuthorization.
type TransferWithAuthorizationArgs struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	Signature   []byte
}

// PackTransfer encodes ERC-20 transfer(to, value) calldata.
func PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	return TokenABI.Pack("transfer", to, value)
}

// PackTransferWithAuthorization encodes transferWithAuthorization calldata,
// splitting the 65-byte signature into v, r and s.
func PackTransferWithAuthorization(args TransferWithAuthorizationArgs) ([]byte, error) {
	v, r, s, err := SplitSignature(args.Signature)
	if err != nil {
		return nil, err
	}
	return TokenABI.Pack("transferWithAuthorization",
		args.From, args.To, args.Value, args.ValidAfter, args.ValidBefore, args.Nonce, v, r, s)
}

// SplitSignature splits a 65-byte R||S||V signature. V is normalized to 27/28.
func SplitSignature(sig []byte) (v uint8, r, s [32]byte, err error) {
	if len(sig) != crypto.SignatureLength {
		return 0, r, s, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return 0, r, s, errors.New("invalid signature recovery id")
	}
	return v, r, s, nil
}
