// Package blockchain provides low-level access to JPYC deployments on EVM chains.
//
// The package contains the read path used by the payment engine and the
// calldata helpers used to submit payments:
//   - ERC-20 reads (balanceOf, decimals, name)
//   - EIP-3009 authorizationState
//   - Transfer event queries over block ranges
//   - receipt polling
//   - transfer and transferWithAuthorization calldata
//
// # Architecture
//
// ChainClient is the interface the rest of the SDK consumes. EVMClient
// implements it on top of a go-ethereum JSON-RPC client:
//
//	evm, err := blockchain.Dial(ctx, "https://polygon-rpc.com")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer evm.Close()
//
//	balance, err := evm.BalanceOf(ctx, jpyc, owner)
//
// NewEVMClient wraps any Backend, which makes the client usable against a
// simulated chain in tests. TxBackend exposes the transaction side to
// signers.
//
// # Token Contract
//
// TokenABI holds the subset of the token interface the SDK calls:
//
//  1. ERC-20: name, version, decimals, balanceOf, transfer and the Transfer event.
//  2. EIP-3009: authorizationState, transferWithAuthorization and the
//     AuthorizationUsed event.
//
// Calldata is packed with PackTransfer and PackTransferWithAuthorization. The
// latter splits a 65-byte R||S||V signature with SplitSignature.
//
// # Transfer Logs
//
// TransferLogs filters by token, optional sender and recipient sets and an
// inclusive block range. Results are ordered by block and log index:
//
//	events, err := evm.TransferLogs(ctx, blockchain.TransferFilter{
//		Asset:     jpyc,
//		To:        []common.Address{merchant},
//		FromBlock: 1000,
//		ToBlock:   1100,
//	})
//
// Callers scanning long ranges should chunk them; many RPC providers cap the
// span of eth_getLogs.
//
// # Receipts
//
// WaitForReceipt polls with exponential backoff until the receipt is
// available or the context ends. A reverted receipt is returned together
// with ErrReverted.
//
// # Error Handling
//
// IsUnavailable classifies transient node and transport failures (HTTP 429
// and 5xx, connection resets, internal JSON-RPC errors) that are worth
// retrying. Context cancellation is never treated as transient.
//
// # Private Key Management
//
// ParsePrivateKeyECDSA accepts a hex key with or without the 0x prefix:
//
//	address, key, err := blockchain.ParsePrivateKeyECDSA(hexKey)
//
// GetTransactOpts builds an EIP-155 transactor for a chain id.
//
// # Thread Safety
//
// EVMClient is safe for concurrent use.
package blockchain
