// Package blockchain is the chain client used by the payment engine. It wraps
// a go-ethereum ethclient with the ERC-20 / EIP-3009 reads the engine needs
// (balances, decimals, authorization state, Transfer logs) and receipt waiting.
package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// TransferEvent is a decoded ERC-20 Transfer log.
type TransferEvent struct {
	Asset       common.Address
	From        common.Address
	To          common.Address
	Value       *big.Int
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// TransferFilter selects Transfer logs of one token over an inclusive block range.
// Empty From/To match any address.
type TransferFilter struct {
	Asset     common.Address
	From      []common.Address
	To        []common.Address
	FromBlock uint64
	ToBlock   uint64
}

// Receipt is the subset of a transaction receipt the engine reports.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Status      uint64
}

// ChainClient is the read path consumed by the payment engine. Implementations
// must be safe for concurrent readers.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceOf(ctx context.Context, asset, owner common.Address) (*big.Int, error)
	Decimals(ctx context.Context, asset common.Address) (uint8, error)
	AuthorizationState(ctx context.Context, asset, authorizer common.Address, nonce [32]byte) (bool, error)
	TransferLogs(ctx context.Context, filter TransferFilter) ([]TransferEvent, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash, maxBackoff time.Duration) (*Receipt, error)
}

// Backend is the part of *ethclient.Client the EVMClient reads through.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxBackend is what a signer needs to build and broadcast transactions.
type TxBackend interface {
	bind.ContractTransactor
	ChainID(ctx context.Context) (*big.Int, error)
}

// EVMClient implements ChainClient over an Ethereum JSON-RPC endpoint.
type EVMClient struct {
	// Client is set when the EVMClient was created by Dial.
	Client  *ethclient.Client
	backend Backend
}

// Dial connects to an Ethereum RPC/WS endpoint.
func Dial(ctx context.Context, endpoint string) (*EVMClient, error) {
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		zap.L().Error("Failed to ethdial", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, err
	}
	return &EVMClient{Client: client, backend: client}, nil
}

// NewEVMClient wraps an existing backend, e.g. a simulated chain in tests.
func NewEVMClient(backend Backend) *EVMClient {
	evm := &EVMClient{backend: backend}
	if c, ok := backend.(*ethclient.Client); ok {
		evm.Client = c
	}
	return evm
}

// TxBackend returns the transaction path of the client, or nil when the
// backend cannot send transactions.
func (evm *EVMClient) TxBackend() TxBackend {
	if tb, ok := evm.backend.(TxBackend); ok {
		return tb
	}
	return nil
}

// ChainID returns the chain id reported by the node.
func (evm *EVMClient) ChainID(ctx context.Context) (*big.Int, error) {
	return evm.backend.ChainID(ctx)
}

// BlockNumber returns the latest block number.
func (evm *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := evm.backend.BlockNumber(ctx)
	if err != nil {
		zap.L().Error("failed to get last block number", zap.Error(err))
		return 0, err
	}
	return n, nil
}

// BalanceOf returns the token balance of owner in base units.
func (evm *EVMClient) BalanceOf(ctx context.Context, asset, owner common.Address) (*big.Int, error) {
	var balance *big.Int
	if err := evm.call(ctx, asset, &balance, "balanceOf", owner); err != nil {
		return nil, err
	}
	return balance, nil
}

// Decimals returns the token's decimal count as reported by the contract.
func (evm *EVMClient) Decimals(ctx context.Context, asset common.Address) (uint8, error) {
	var decimals uint8
	if err := evm.call(ctx, asset, &decimals, "decimals"); err != nil {
		return 0, err
	}
	return decimals, nil
}

// AuthorizationState reports whether an EIP-3009 nonce was already used by authorizer.
func (evm *EVMClient) AuthorizationState(ctx context.Context, asset, authorizer common.Address, nonce [32]byte) (bool, error) {
	var used bool
	if err := evm.call(ctx, asset, &used, "authorizationState", authorizer, nonce); err != nil {
		return false, err
	}
	return used, nil
}

// TokenName returns the token's name(). Signing domains take the name from
// the requirements or the registry; this lets callers check a registry entry
// against the deployed contract.
func (evm *EVMClient) TokenName(ctx context.Context, asset common.Address) (string, error) {
	var name string
	if err := evm.call(ctx, asset, &name, "name"); err != nil {
		return "", err
	}
	return name, nil
}

// call performs an eth_call of a token view method and unpacks the single result into out.
func (evm *EVMClient) call(ctx context.Context, asset common.Address, out any, method string, args ...any) error {
	data, err := TokenABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := evm.backend.CallContract(ctx, ethereum.CallMsg{To: &asset, Data: data}, nil)
	if err != nil {
		return err
	}
	if err := TokenABI.UnpackIntoInterface(out, method, raw); err != nil {
		return fmt.Errorf("unpack %s: %w", method, err)
	}
	return nil
}

// TransferLogs returns decoded Transfer events matching filter, ordered by
// block number and log index. Removed (reorged) logs are skipped.
func (evm *EVMClient) TransferLogs(ctx context.Context, filter TransferFilter) ([]TransferEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(filter.FromBlock),
		ToBlock:   new(big.Int).SetUint64(filter.ToBlock),
		Addresses: []common.Address{filter.Asset},
		Topics:    [][]common.Hash{{TransferTopic}, addressTopics(filter.From), addressTopics(filter.To)},
	}
	logs, err := evm.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}

	events := make([]TransferEvent, 0, len(logs))
	for _, l := range logs {
		ev, err := decodeTransfer(l)
		if err != nil {
			zap.L().Debug("skipping undecodable transfer log", zap.String("tx", l.TxHash.Hex()), zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events, nil
}

func addressTopics(addrs []common.Address) []common.Hash {
	if len(addrs) == 0 {
		return nil
	}
	topics := make([]common.Hash, len(addrs))
	for i, a := range addrs {
		topics[i] = common.BytesToHash(a.Bytes())
	}
	return topics
}

func decodeTransfer(l types.Log) (TransferEvent, error) {
	if l.Removed {
		return TransferEvent{}, errors.New("log removed by reorg")
	}
	if len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
		return TransferEvent{}, errors.New("not an ERC-20 Transfer log")
	}
	values, err := TokenABI.Unpack("Transfer", l.Data)
	if err != nil {
		return TransferEvent{}, err
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return TransferEvent{}, errors.New("unexpected Transfer value type")
	}
	return TransferEvent{
		Asset:       l.Address,
		From:        common.BytesToAddress(l.Topics[1].Bytes()),
		To:          common.BytesToAddress(l.Topics[2].Bytes()),
		Value:       value,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
	}, nil
}

// Close shuts down the underlying RPC connection when it was opened by Dial.
func (evm *EVMClient) Close() {
	if evm != nil && evm.Client != nil {
		evm.Client.Close()
	}
}
