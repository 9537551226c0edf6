package payment

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jpyc-labs/x402-go/pkg/blockchain"
	"github.com/jpyc-labs/x402-go/pkg/signer"
)

// Strategy names.
const (
	StrategyDirect  = "direct"
	StrategyRelayed = "relayed"
)

// StrategyInput is a verified authorization ready for submission.
type StrategyInput struct {
	Asset       common.Address
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	Signature   []byte
}

// Strategy abstracts how a verified authorization reaches the token contract.
// Transaction returns the single contract call that settles in; the executor
// signs it once and broadcasts it.
type Strategy interface {
	Name() string
	Transaction(in StrategyInput) (signer.TxRequest, error)
}

// DirectStrategy is used when the payer submits for themself: a plain ERC-20
// transfer(to, value) from the payer's account.
type DirectStrategy struct{}

func (DirectStrategy) Name() string { return StrategyDirect }

func (DirectStrategy) Transaction(in StrategyInput) (signer.TxRequest, error) {
	data, err := blockchain.PackTransfer(in.To, in.Value)
	if err != nil {
		return signer.TxRequest{}, err
	}
	return signer.TxRequest{To: in.Asset, Data: data}, nil
}

// RelayedStrategy submits transferWithAuthorization on behalf of
// authorization.from; the relayer pays gas.
type RelayedStrategy struct{}

func (RelayedStrategy) Name() string { return StrategyRelayed }

func (RelayedStrategy) Transaction(in StrategyInput) (signer.TxRequest, error) {
	data, err := blockchain.PackTransferWithAuthorization(blockchain.TransferWithAuthorizationArgs{
		From:        in.From,
		To:          in.To,
		Value:       in.Value,
		ValidAfter:  in.ValidAfter,
		ValidBefore: in.ValidBefore,
		Nonce:       in.Nonce,
		Signature:   in.Signature,
	})
	if err != nil {
		return signer.TxRequest{}, err
	}
	return signer.TxRequest{To: in.Asset, Data: data}, nil
}
