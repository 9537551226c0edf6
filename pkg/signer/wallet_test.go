package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
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

func mailTypedData() apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Mail": {
				{Name: "to", Type: "address"},
				{Name: "amount", Type: "uint256"},
			},
		},
		PrimaryType: "Mail",
		Domain: apitypes.TypedDataDomain{
			Name:              "Test",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(1),
			VerifyingContract: "0xCcCCccccCCCCcCCCCCCcCcCccCcCCCcCcccccccC",
		},
		Message: apitypes.TypedDataMessage{
			"to":     "0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB",
			"amount": big.NewInt(42),
		},
	}
}

func TestNewWallet(t *testing.T) {
	k := mustKey(t)
	hexKey := common.Bytes2Hex(gethcrypto.FromECDSA(k))
	want := gethcrypto.PubkeyToAddress(k.PublicKey)

	for _, in := range []string{hexKey, "0x" + hexKey} {
		w, err := NewWallet(in)
		if err != nil {
			t.Fatalf("NewWallet: %v", err)
		}
		if w.Address() != want {
			t.Fatalf("unexpected address: got %s want %s", w.Address().Hex(), want.Hex())
		}
	}
	if _, err := NewWallet("not-a-key"); err == nil {
		t.Fatal("expected error for invalid key")
	}
}

func TestWallet_SignTypedData(t *testing.T) {
	w := NewWalletFromKey(mustKey(t))
	td := mailTypedData()

	sig, err := w.SignTypedData(context.Background(), td)
	if err != nil {
		t.Fatalf("SignTypedData: %v", err)
	}
	if len(sig) != 65 || (sig[64] != 27 && sig[64] != 28) {
		t.Fatalf("unexpected signature shape: len=%d v=%d", len(sig), sig[64])
	}
	got, err := RecoverTypedData(td, sig)
	if err != nil {
		t.Fatalf("RecoverTypedData: %v", err)
	}
	if got != w.Address() {
		t.Fatalf("recovered %s, want %s", got.Hex(), w.Address().Hex())
	}

	td.Message["amount"] = big.NewInt(43)
	other, err := RecoverTypedData(td, sig)
	if err == nil && other == w.Address() {
		t.Fatal("tampered message recovered the signer")
	}
}

func TestHashTypedData_MatchesGeth(t *testing.T) {
	td := mailTypedData()
	got, err := HashTypedData(td)
	if err != nil {
		t.Fatalf("HashTypedData: %v", err)
	}
	want, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		t.Fatalf("TypedDataAndHash: %v", err)
	}
	if common.BytesToHash(got) != common.BytesToHash(want) {
		t.Fatalf("digest mismatch: got %x want %x", got, want)
	}
}

func TestWallet_SignMessage(t *testing.T) {
	w := NewWalletFromKey(mustKey(t))
	msg := []byte(`{"from":"0x01"}`)
	sig, err := w.SignMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	got, err := RecoverMessage(msg, sig)
	if err != nil {
		t.Fatalf("RecoverMessage: %v", err)
	}
	if got != w.Address() {
		t.Fatalf("recovered %s, want %s", got.Hex(), w.Address().Hex())
	}
	if _, err := RecoverMessage(msg, sig[:64]); err == nil {
		t.Fatal("expected error for short signature")
	}
}

func TestWallet_SignCancelled(t *testing.T) {
	w := NewWalletFromKey(mustKey(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.SignMessage(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWallet_Transact(t *testing.T) {
	key := mustKey(t)
	w := NewWalletFromKey(key)
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")

	if _, err := w.Transact(context.Background(), TxRequest{To: recipient}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	sim := simulated.NewBackend(types.GenesisAlloc{
		w.Address(): {Balance: new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether))},
	})
	defer sim.Close()
	client := sim.Client()

	ctx := context.Background()
	if err := w.Connect(ctx, client); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !w.Connected() || w.ChainID() == nil {
		t.Fatal("expected connected wallet with chain id")
	}

	// Concurrent sends must get distinct nonces.
	const n = 3
	hashes := make([]common.Hash, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := w.Transact(ctx, TxRequest{To: recipient, Value: big.NewInt(1000), Gas: 21000})
			if err != nil {
				t.Errorf("Transact: %v", err)
				return
			}
			hashes[i] = h
		}(i)
	}
	wg.Wait()
	sim.Commit()

	for _, h := range hashes {
		receipt, err := client.TransactionReceipt(ctx, h)
		if err != nil {
			t.Fatalf("TransactionReceipt: %v", err)
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			t.Fatalf("unexpected status: %d", receipt.Status)
		}
	}
	bal, err := client.BalanceAt(ctx, recipient, nil)
	if err != nil {
		t.Fatalf("BalanceAt: %v", err)
	}
	if bal.Int64() != n*1000 {
		t.Fatalf("unexpected recipient balance: %s", bal)
	}

	w.Disconnect()
	if w.Connected() {
		t.Fatal("expected disconnected wallet")
	}
}

func TestWallet_SignThenSend(t *testing.T) {
	w := NewWalletFromKey(mustKey(t))
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")
	ctx := context.Background()

	sim := simulated.NewBackend(types.GenesisAlloc{
		w.Address(): {Balance: big.NewInt(params.Ether)},
	})
	defer sim.Close()
	client := sim.Client()
	if err := w.Connect(ctx, client); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// A refused broadcast releases its nonce.
	bad, err := w.SignTransaction(ctx, TxRequest{To: recipient, Value: big.NewInt(1), Gas: 1000})
	if err != nil {
		t.Fatalf("SignTransaction: %v", err)
	}
	if err := w.SendTransaction(ctx, bad); err == nil {
		t.Fatal("expected intrinsic gas error")
	}

	first, err := w.SignTransaction(ctx, TxRequest{To: recipient, Value: big.NewInt(1), Gas: 21000})
	if err != nil {
		t.Fatalf("SignTransaction: %v", err)
	}
	second, err := w.SignTransaction(ctx, TxRequest{To: recipient, Value: big.NewInt(2), Gas: 21000})
	if err != nil {
		t.Fatalf("SignTransaction: %v", err)
	}
	if first.Nonce() != 0 || second.Nonce() != 1 {
		t.Fatalf("unexpected nonces %d, %d", first.Nonce(), second.Nonce())
	}

	for i := 0; i < 2; i++ {
		if err := w.SendTransaction(ctx, first); err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
	}
	if err := w.SendTransaction(ctx, second); err != nil {
		t.Fatalf("SendTransaction: %v", err)
	}
	sim.Commit()

	nonce, err := client.NonceAt(ctx, w.Address(), nil)
	if err != nil {
		t.Fatalf("NonceAt: %v", err)
	}
	if nonce != 2 {
		t.Fatalf("expected 2 mined transactions, got %d", nonce)
	}
	bal, err := client.BalanceAt(ctx, recipient, nil)
	if err != nil {
		t.Fatalf("BalanceAt: %v", err)
	}
	if bal.Int64() != 3 {
		t.Fatalf("unexpected recipient balance: %s", bal)
	}
}
