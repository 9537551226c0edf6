package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jpyc-labs/x402-go/pkg/blockchain"
	"github.com/jpyc-labs/x402-go/pkg/model"
)

var (
	asset     = common.HexToAddress("0xE7C3D8C9a439feDe00D2600032D5dB0Be71C3c29")
	recipient = common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
	payer     = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
)

// wei returns a decimal JPYC amount at 18 decimals, e.g. wei("1.005").
func wei(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Rat).SetString(s)
	if !ok {
		t.Fatalf("bad amount %q", s)
	}
	v.Mul(v, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)))
	if !v.IsInt() {
		t.Fatalf("amount %q not representable", s)
	}
	return new(big.Int).Set(v.Num())
}

type blockRange struct{ from, to uint64 }

// fakeChain serves Transfer logs from an in-memory event list.
type fakeChain struct {
	mu        sync.Mutex
	head      uint64
	events    []blockchain.TransferEvent
	failLogs  int
	alwaysErr bool
	advance   bool
	ranges    []blockRange
	getLogs   int
	heads     int
	decErr    error
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads++
	if f.advance && f.heads > 1 {
		f.head++
	}
	return f.head, nil
}

func (f *fakeChain) Decimals(context.Context, common.Address) (uint8, error) {
	if f.decErr != nil {
		return 0, f.decErr
	}
	return 18, nil
}

func (f *fakeChain) TransferLogs(_ context.Context, filter blockchain.TransferFilter) ([]blockchain.TransferEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getLogs++
	if f.alwaysErr || f.failLogs > 0 {
		if f.failLogs > 0 {
			f.failLogs--
		}
		return nil, fmt.Errorf("eth_getLogs: %w", blockchain.ErrUnavailable)
	}
	f.ranges = append(f.ranges, blockRange{filter.FromBlock, filter.ToBlock})
	var out []blockchain.TransferEvent
	for _, ev := range f.events {
		if ev.Asset != filter.Asset || ev.BlockNumber < filter.FromBlock || ev.BlockNumber > filter.ToBlock {
			continue
		}
		if len(filter.To) > 0 && ev.To != filter.To[0] {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (f *fakeChain) add(block uint64, value *big.Int, tx string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addLocked(block, value, tx)
}

func (f *fakeChain) addLocked(block uint64, value *big.Int, tx string) {
	f.events = append(f.events, blockchain.TransferEvent{
		Asset:       asset,
		From:        payer,
		To:          recipient,
		Value:       value,
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
	})
}

// addNext places a transfer in the block after the current head.
func (f *fakeChain) addNext(value *big.Int, tx string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addLocked(f.head+1, value, tx)
}

func (f *fakeChain) headCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heads
}

func (f *fakeChain) setHead(h uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = h
}

func (f *fakeChain) logCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getLogs
}

func (f *fakeChain) scanned() []blockRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]blockRange(nil), f.ranges...)
}

func params() Params {
	return Params{Network: "polygon", Recipient: recipient, Asset: asset, Expected: "1"}
}

func newWatcher() *Watcher {
	return &Watcher{Interval: 5 * time.Millisecond}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func wait(t *testing.T, s *Subscription) (Match, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.Wait(ctx)
}

func TestWatch_MatchWithinTolerance(t *testing.T) {
	chain := &fakeChain{head: 100}
	chain.add(100, wei(t, "1.005"), "0x01")

	s, err := newWatcher().Watch(context.Background(), chain, params())
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	m, err := wait(t, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.TxHash != common.HexToHash("0x01") || m.BlockNumber != 100 || m.From != payer {
		t.Fatalf("unexpected match: %+v", m)
	}
	if m.Amount.String() != "1.005" {
		t.Fatalf("unexpected amount: got %s want 1.005", m.Amount)
	}
}

func TestWatch_MatchArrivesLater(t *testing.T) {
	chain := &fakeChain{head: 100}
	s, err := newWatcher().Watch(context.Background(), chain, params())
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	waitFor(t, func() bool { return chain.headCalls() >= 3 })

	chain.add(103, wei(t, "0.995"), "0x03")
	chain.setHead(105)
	m, err := wait(t, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.TxHash != common.HexToHash("0x03") {
		t.Fatalf("unexpected match: %+v", m)
	}
}

func TestWatch_MismatchKeepsPolling(t *testing.T) {
	chain := &fakeChain{head: 100, advance: true}
	chain.add(100, wei(t, "1.05"), "0x01")

	s, err := newWatcher().Watch(context.Background(), chain, params())
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	waitFor(t, func() bool { return chain.logCalls() >= 3 })
	select {
	case <-s.Done():
		r, err := s.Result()
		t.Fatalf("watch settled on a 5%% difference: %+v %v", r, err)
	default:
	}

	// The first matching event wins even when a mismatch precedes it.
	chain.addNext(wei(t, "1.05"), "0x02")
	chain.addNext(wei(t, "1"), "0x03")
	m, err := wait(t, s)
	if err != nil || m.TxHash != common.HexToHash("0x03") {
		t.Fatalf("unexpected result: %+v %v", m, err)
	}
}

func TestWatch_CursorAdvances(t *testing.T) {
	chain := &fakeChain{head: 100}
	s, err := newWatcher().Watch(context.Background(), chain, params())
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer s.Cancel()

	chain.setHead(102)
	waitFor(t, func() bool { return len(chain.scanned()) >= 2 })
	got := chain.scanned()
	if got[0] != (blockRange{0, 100}) || got[1] != (blockRange{101, 102}) {
		t.Fatalf("unexpected scanned ranges: %v", got)
	}
}

func TestWatch_LookbackChunked(t *testing.T) {
	chain := &fakeChain{head: 100}
	w := &Watcher{Interval: time.Hour, Lookback: 10, MaxRange: 4}
	s, err := w.Watch(context.Background(), chain, params())
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer s.Cancel()

	waitFor(t, func() bool { return len(chain.scanned()) >= 3 })
	want := []blockRange{{90, 93}, {94, 97}, {98, 100}}
	got := chain.scanned()
	if len(got) != len(want) {
		t.Fatalf("unexpected chunks: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected chunks: got %v want %v", got, want)
		}
	}
}

func TestWatch_Cancel(t *testing.T) {
	chain := &fakeChain{head: 100, advance: true}
	s, err := newWatcher().Watch(context.Background(), chain, params())
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	waitFor(t, func() bool { return chain.logCalls() >= 2 })

	s.Cancel()
	calls := chain.logCalls()
	time.Sleep(30 * time.Millisecond)
	if got := chain.logCalls(); got != calls {
		t.Fatalf("polling continued after cancel: %d -> %d", calls, got)
	}
	_, err = s.Result()
	if !errors.Is(err, model.ErrWatchCancelled) {
		t.Fatalf("expected WatchCancelled, got %v", err)
	}
	s.Cancel()
}

func TestWatch_CallerContextCancels(t *testing.T) {
	chain := &fakeChain{head: 100}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := newWatcher().Watch(ctx, chain, params())
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	cancel()
	if _, err := wait(t, s); !errors.Is(err, model.ErrWatchCancelled) {
		t.Fatalf("expected WatchCancelled, got %v", err)
	}
}

func TestWatch_MaxDuration(t *testing.T) {
	chain := &fakeChain{head: 100}
	p := params()
	p.MaxDuration = 30 * time.Millisecond
	s, err := newWatcher().Watch(context.Background(), chain, p)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	_, err = wait(t, s)
	if !errors.Is(err, model.ErrWatchTimedOut) {
		t.Fatalf("expected WatchTimedOut, got %v", err)
	}
}

func TestWatch_PollFailures(t *testing.T) {
	t.Run("retried on next tick", func(t *testing.T) {
		chain := &fakeChain{head: 100, failLogs: 2}
		chain.add(99, wei(t, "1"), "0x09")
		s, err := newWatcher().Watch(context.Background(), chain, params())
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		m, err := wait(t, s)
		if err != nil || m.TxHash != common.HexToHash("0x09") {
			t.Fatalf("unexpected result: %+v %v", m, err)
		}
		if chain.logCalls() != 3 {
			t.Fatalf("expected 3 getLogs calls, got %d", chain.logCalls())
		}
	})

	t.Run("consecutive failure limit", func(t *testing.T) {
		chain := &fakeChain{head: 100, alwaysErr: true}
		p := params()
		p.MaxFailures = 3
		s, err := newWatcher().Watch(context.Background(), chain, p)
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		_, err = wait(t, s)
		if !errors.Is(err, model.ErrChainUnavailable) {
			t.Fatalf("expected ChainUnavailable, got %v", err)
		}
		if chain.logCalls() != 3 {
			t.Fatalf("expected 3 getLogs calls, got %d", chain.logCalls())
		}
	})
}

func TestWatch_Dedup(t *testing.T) {
	chain := &fakeChain{head: 100}
	w := newWatcher()
	first, err := w.Watch(context.Background(), chain, params())
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	p := params()
	p.Expected = "1.000"
	second, err := w.Watch(context.Background(), chain, p)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if first != second {
		t.Fatal("duplicate watch started a second subscription")
	}

	other := params()
	other.Expected = "2"
	third, err := w.Watch(context.Background(), chain, other)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer third.Cancel()
	if third == first {
		t.Fatal("different amount shared a subscription")
	}

	first.Cancel()
	again, err := w.Watch(context.Background(), chain, params())
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer again.Cancel()
	if again == first {
		t.Fatal("settled subscription was reused")
	}
}

func TestWatch_InvalidParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
		chain  *fakeChain
		kind   error
	}{
		{name: "zero amount", mutate: func(p *Params) { p.Expected = "0" }, kind: model.ErrInvalidAmount},
		{name: "bad amount", mutate: func(p *Params) { p.Expected = "one" }, kind: model.ErrInvalidAmount},
		{name: "negative tolerance", mutate: func(p *Params) { p.Tolerance = "-1" }, kind: model.ErrInvalidAmount},
		{name: "no recipient", mutate: func(p *Params) { p.Recipient = common.Address{} }, kind: model.ErrMalformedRequest},
		{name: "too precise", mutate: func(p *Params) { p.Expected = "0.0000000000000000001" }, kind: model.ErrPrecisionLoss},
		{name: "decimals unavailable", chain: &fakeChain{decErr: errors.New("execution reverted")}, kind: model.ErrDecimalsUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := params()
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			chain := tt.chain
			if chain == nil {
				chain = &fakeChain{head: 100}
			}
			s, err := newWatcher().Watch(context.Background(), chain, p)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("unexpected error: got %v want %v", err, tt.kind)
			}
			if s != nil || chain.logCalls() != 0 {
				t.Fatal("invalid watch started polling")
			}
		})
	}
}
