package authorization

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/jpyc-labs/x402-go/pkg/blockchain"
	"github.com/jpyc-labs/x402-go/pkg/model"
	"github.com/jpyc-labs/x402-go/pkg/registry"
	"github.com/jpyc-labs/x402-go/pkg/signer"
)

// PrimaryType is the EIP-3009 typed-data primary type.
const PrimaryType = "TransferWithAuthorization"

// NonceSize is the EIP-3009 nonce length in bytes.
const NonceSize = 32

var typedDataTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	PrimaryType: {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// Domain is the EIP-712 domain of a token: its declared name and version,
// the chain id and the token address as verifying contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// ResolveDomain derives the signing domain for req. Name and version come
// from req.Extra and fall back to the registered asset.
func ResolveDomain(reg *registry.Registry, req model.PaymentRequirements) (Domain, error) {
	const op = "authorization.ResolveDomain"
	network, err := reg.NetworkConfig(req.Network)
	if err != nil {
		return Domain{}, err
	}
	asset, err := blockchain.NormalizeAddress(req.Asset)
	if err != nil {
		return Domain{}, model.NewError(model.KindMalformedRequest, op, err).
			WithResource(req.Resource).WithNetwork(req.Network)
	}

	d := Domain{
		Name:              req.Extra.Name,
		Version:           req.Extra.Version,
		ChainID:           network.ChainIDBig(),
		VerifyingContract: common.HexToAddress(asset),
	}
	if d.Name == "" || d.Version == "" {
		if a, err := reg.AssetByAddress(req.Network, asset); err == nil {
			if d.Name == "" {
				d.Name = a.Name
			}
			if d.Version == "" {
				d.Version = a.Version
			}
		}
	}
	if d.Name == "" || d.Version == "" {
		return Domain{}, model.Errorf(model.KindMalformedRequest, op, "token name and version are required for %s", asset).
			WithResource(req.Resource).WithNetwork(req.Network)
	}
	return d, nil
}

// TypedData builds the TransferWithAuthorization typed data for auth under d.
func TypedData(d Domain, auth model.TransferAuthorization) (apitypes.TypedData, error) {
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return apitypes.TypedData{}, fmt.Errorf("invalid authorization addresses %q -> %q", auth.From, auth.To)
	}
	value, err := blockchain.ParseUint256(auth.Value)
	if err != nil {
		return apitypes.TypedData{}, fmt.Errorf("value: %w", err)
	}
	validAfter, err := blockchain.ParseUint256(auth.ValidAfter)
	if err != nil {
		return apitypes.TypedData{}, fmt.Errorf("validAfter: %w", err)
	}
	validBefore, err := blockchain.ParseUint256(auth.ValidBefore)
	if err != nil {
		return apitypes.TypedData{}, fmt.Errorf("validBefore: %w", err)
	}
	nonce, err := blockchain.ParseBytes32(auth.Nonce)
	if err != nil {
		return apitypes.TypedData{}, fmt.Errorf("nonce: %w", err)
	}

	return apitypes.TypedData{
		Types:       typedDataTypes,
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       value,
			"validAfter":  validAfter,
			"validBefore": validBefore,
			"nonce":       nonce[:],
		},
	}, nil
}

// HashTypedData returns the EIP-712 digest that is signed.
func HashTypedData(td apitypes.TypedData) ([]byte, error) {
	return signer.HashTypedData(td)
}

// GenerateNonce returns a fresh 32-byte random nonce as 0x-prefixed hex.
func GenerateNonce() (string, error) {
	var b [NonceSize]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random nonce: %w", err)
	}
	return hexutil.Encode(b[:]), nil
}
