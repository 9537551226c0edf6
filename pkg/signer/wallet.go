package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/jpyc-labs/x402-go/pkg/blockchain"
	"go.uber.org/zap"
)

// Wallet is a Signer backed by an in-memory ECDSA key. Signing messages works
// offline; transactions require Connect. Nonce assignment is serialized per
// wallet so account nonces are never raced.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address

	mu        sync.Mutex
	backend   blockchain.TxBackend
	chainID   *big.Int
	nextNonce uint64
}

var _ Signer = (*Wallet)(nil)

// NewWallet parses a hex private key, with or without the 0x prefix.
func NewWallet(hexKey string) (*Wallet, error) {
	address, key, err := blockchain.ParsePrivateKeyECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Wallet{key: key, address: address}, nil
}

// NewWalletFromKey wraps an already parsed key.
func NewWalletFromKey(key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the wallet address.
func (w *Wallet) Address() common.Address { return w.address }

// Connect binds the wallet to a transaction backend and caches its chain id.
func (w *Wallet) Connect(ctx context.Context, backend blockchain.TxBackend) error {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		zap.L().Error("failed to get chain ID", zap.Error(err))
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.backend = backend
	w.chainID = chainID
	return nil
}

// Disconnect drops the backend. Signing keeps working.
func (w *Wallet) Disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.backend = nil
	w.chainID = nil
}

// Connected reports whether transactions can be signed and sent.
func (w *Wallet) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backend != nil
}

// ChainID returns the chain id of the connected backend, or nil.
func (w *Wallet) ChainID() *big.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.chainID == nil {
		return nil
	}
	return new(big.Int).Set(w.chainID)
}

// SignTypedData signs the EIP-712 digest of data.
func (w *Wallet) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest, err := HashTypedData(data)
	if err != nil {
		return nil, err
	}
	return w.sign(digest)
}

// SignMessage signs msg with the personal_sign ("\x19Ethereum Signed Message:\n") prefix.
func (w *Wallet) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return w.sign(accounts.TextHash(msg))
}

func (w *Wallet) sign(digest []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sig, err := crypto.Sign(digest, w.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignTransaction signs req without broadcasting it. Nonce, gas price and gas
// limit are filled from the backend. Nonces handed out by earlier calls are
// skipped until a broadcast fails, so concurrent payments never share one.
func (w *Wallet) SignTransaction(ctx context.Context, req TxRequest) (*types.Transaction, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.backend == nil {
		return nil, ErrNotConnected
	}

	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	if w.nextNonce > nonce {
		nonce = w.nextNonce
	}

	opts, err := blockchain.GetTransactOpts(w.chainID, w.key)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.Value = req.Value
	opts.GasLimit = req.Gas
	opts.NoSend = true

	contract := bind.NewBoundContract(req.To, abi.ABI{}, nil, w.backend, nil)
	tx, err := contract.RawTransact(opts, req.Data)
	if err != nil {
		return nil, err
	}
	w.nextNonce = nonce + 1
	zap.L().Debug("transaction signed",
		zap.String("from", w.address.Hex()),
		zap.String("to", req.To.Hex()),
		zap.Uint64("nonce", nonce),
		zap.String("tx", tx.Hash().Hex()))
	return tx, nil
}

// SendTransaction broadcasts a transaction from SignTransaction. It may be
// called again with the same transaction after a transport failure; a node
// that already has it answers without error.
func (w *Wallet) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	w.mu.Lock()
	backend := w.backend
	w.mu.Unlock()
	if backend == nil {
		return ErrNotConnected
	}

	err := backend.SendTransaction(ctx, tx)
	switch {
	case err == nil:
	case blockchain.IsKnownTransaction(err):
		zap.L().Debug("transaction already known", zap.String("tx", tx.Hash().Hex()))
		return nil
	case blockchain.IsUnavailable(err):
		return err
	default:
		// The node refused the transaction; release the reserved nonces.
		w.mu.Lock()
		w.nextNonce = 0
		w.mu.Unlock()
		return err
	}
	zap.L().Debug("transaction sent",
		zap.String("from", w.address.Hex()),
		zap.String("tx", tx.Hash().Hex()))
	return nil
}

// Transact signs and broadcasts req once.
func (w *Wallet) Transact(ctx context.Context, req TxRequest) (common.Hash, error) {
	tx, err := w.SignTransaction(ctx, req)
	if err != nil {
		return common.Hash{}, err
	}
	if err := w.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}
