package payment

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/jpyc-labs/x402-go/pkg/authorization"
	"github.com/jpyc-labs/x402-go/pkg/blockchain"
	"github.com/jpyc-labs/x402-go/pkg/model"
	"github.com/jpyc-labs/x402-go/pkg/registry"
	"github.com/jpyc-labs/x402-go/pkg/signer"
	"github.com/jpyc-labs/x402-go/pkg/units"
)

const merchant = "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"

var (
	signingTime = time.Unix(1_700_000_000, 0)
	sentHash    = common.HexToHash("0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060")
)

// mustKey generates a secp256k1 private key via go-ethereum helpers.
func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

// jpyc returns n whole tokens at 18 decimals.
func jpyc(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// fakeChain is an in-memory ChainClient that counts calls.
type fakeChain struct {
	mu          sync.Mutex
	balance     *big.Int
	decimals    uint8
	used        bool
	failReads   int
	receiptErr  error
	hangReceipt bool
	calls       map[string]int
}

func newFakeChain() *fakeChain {
	return &fakeChain{balance: jpyc(1000), decimals: 18, calls: map[string]int{}}
}

func (f *fakeChain) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeChain) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeChain) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = map[string]int{}
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(137), nil }

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.record("BlockNumber")
	return 41, nil
}

func (f *fakeChain) BalanceOf(context.Context, common.Address, common.Address) (*big.Int, error) {
	f.record("BalanceOf")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads > 0 {
		f.failReads--
		return nil, fmt.Errorf("balanceOf: %w", blockchain.ErrUnavailable)
	}
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeChain) Decimals(context.Context, common.Address) (uint8, error) {
	f.record("Decimals")
	return f.decimals, nil
}

func (f *fakeChain) AuthorizationState(context.Context, common.Address, common.Address, [32]byte) (bool, error) {
	f.record("AuthorizationState")
	return f.used, nil
}

func (f *fakeChain) TransferLogs(context.Context, blockchain.TransferFilter) ([]blockchain.TransferEvent, error) {
	f.record("TransferLogs")
	return nil, nil
}

func (f *fakeChain) WaitForReceipt(ctx context.Context, txHash common.Hash, _ time.Duration) (*blockchain.Receipt, error) {
	f.record("WaitForReceipt")
	if f.hangReceipt {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.receiptErr != nil {
		return &blockchain.Receipt{TxHash: txHash, BlockNumber: 42}, f.receiptErr
	}
	return &blockchain.Receipt{TxHash: txHash, BlockNumber: 42, GasUsed: 52000, Status: 1}, nil
}

// recordingSigner signs with a wallet and records broadcasts instead of
// sending them.
type recordingSigner struct {
	*signer.Wallet
	mu         sync.Mutex
	nonce      uint64
	signed     int
	attempts   int
	failures   int
	err        error
	broadcasts []common.Hash
	sent       []signer.TxRequest
}

func (s *recordingSigner) SignTransaction(_ context.Context, req signer.TxRequest) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signed++
	if s.err != nil {
		return nil, s.err
	}
	to := req.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    s.nonce,
		To:       &to,
		Value:    req.Value,
		Gas:      100_000,
		GasPrice: big.NewInt(1),
		Data:     req.Data,
	})
	s.nonce++
	return tx, nil
}

func (s *recordingSigner) SendTransaction(_ context.Context, tx *types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	s.broadcasts = append(s.broadcasts, tx.Hash())
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("send: %w", blockchain.ErrUnavailable)
	}
	s.sent = append(s.sent, signer.TxRequest{To: *tx.To(), Data: tx.Data(), Value: tx.Value()})
	return nil
}

// cancellingSigner cancels the caller's context when a broadcast fails.
type cancellingSigner struct {
	*recordingSigner
	cancel context.CancelFunc
}

func (s *cancellingSigner) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	err := s.recordingSigner.SendTransaction(ctx, tx)
	if err != nil {
		s.cancel()
	}
	return err
}

// typedRejector refuses typed data so the builder falls back to personal_sign.
type typedRejector struct {
	*signer.Wallet
}

func (typedRejector) SignTypedData(context.Context, apitypes.TypedData) ([]byte, error) {
	return nil, signer.ErrUnsupported
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) IncCounter(name string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[name]++
}

func (r *countingRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

func (r *countingRecorder) get(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

type fixture struct {
	chain   *fakeChain
	dials   *atomic.Int32
	reg     *registry.Registry
	exec    *Executor
	payer   *recordingSigner
	req     model.PaymentRequirements
	payload *model.PaymentPayload
}

func requirements() model.PaymentRequirements {
	return model.PaymentRequirements{
		Scheme:            model.SchemeExact,
		Network:           "polygon",
		MaxAmountRequired: "100",
		Resource:          "order-1",
		MimeType:          model.DefaultMimeType,
		PayTo:             merchant,
		MaxTimeoutSeconds: 300,
		Asset:             registry.JPYCAddress,
		Extra:             model.Extra{Name: "JPY Coin", Version: "1"},
	}
}

// newFixture signs a payload for 100 JPYC at signingTime and returns an
// executor whose clock reads signingTime.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	chain := newFakeChain()
	dials := new(atomic.Int32)
	reg, err := registry.Default(registry.WithDialer(func(context.Context, registry.NetworkConfig) (blockchain.ChainClient, error) {
		dials.Add(1)
		return chain, nil
	}))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	wallet := signer.NewWalletFromKey(mustKey(t))
	clock := func() time.Time { return signingTime }
	b := &authorization.Builder{
		Registry: reg,
		Decimals: units.NewDecimalsCache(units.StaticSource(chain)),
		Clock:    clock,
	}
	req := requirements()
	payload, err := b.Build(context.Background(), req, wallet)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	chain.reset()

	return &fixture{
		chain: chain,
		dials: dials,
		reg:   reg,
		exec: &Executor{
			Registry:   reg,
			Clock:      clock,
			Backoff:    time.Millisecond,
			MaxBackoff: 2 * time.Millisecond,
		},
		payer:   &recordingSigner{Wallet: wallet},
		req:     req,
		payload: payload,
	}
}
