package blockchain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// ErrReverted is returned by WaitForReceipt when the transaction was mined with
// a failed status.
var ErrReverted = errors.New("tx reverted")

// WaitForReceipt polls for a transaction receipt with exponential backoff,
// until the receipt is available or ctx is done. If maxBackoff is non-zero,
// backoff will not exceed it. Transient RPC failures are logged and polled
// again; a reverted receipt is returned together with ErrReverted.
func (evm *EVMClient) WaitForReceipt(ctx context.Context, txHash common.Hash, maxBackoff time.Duration) (*Receipt, error) {
	backoff := 500 * time.Millisecond
	for {
		receipt, err := evm.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			r := &Receipt{
				TxHash:  txHash,
				GasUsed: receipt.GasUsed,
				Status:  receipt.Status,
			}
			if receipt.BlockNumber != nil {
				r.BlockNumber = receipt.BlockNumber.Uint64()
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return r, fmt.Errorf("%w: %s", ErrReverted, txHash)
			}
			return r, nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		case errors.Is(err, ethereum.NotFound):
		case IsUnavailable(err):
			zap.L().Warn("receipt poll failed, retrying", zap.String("tx", txHash.Hex()), zap.Error(err))
		default:
			return nil, fmt.Errorf("receipt error: %w", err)
		}

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
		if maxBackoff == 0 || backoff < maxBackoff {
			backoff *= 2
		}
		if maxBackoff > 0 && backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
