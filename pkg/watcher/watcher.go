// Package watcher detects out-of-band payments by polling ERC-20 Transfer logs
// for a transfer of the expected amount to a recipient.
package watcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jpyc-labs/x402-go/pkg/blockchain"
	"github.com/jpyc-labs/x402-go/pkg/metrics"
	"github.com/jpyc-labs/x402-go/pkg/model"
	"github.com/jpyc-labs/x402-go/pkg/units"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Defaults applied to zero Watcher and Params fields.
const (
	DefaultInterval  = 3 * time.Second
	DefaultLookback  = 100
	DefaultMaxRange  = 2000
	DefaultTolerance = "0.01"
)

var (
	errCancelled = errors.New("watch cancelled")
	errTimedOut  = errors.New("watch timed out")
	errPending   = errors.New("watch still running")
)

// Chain is the read path a watch polls.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	Decimals(ctx context.Context, asset common.Address) (uint8, error)
	TransferLogs(ctx context.Context, filter blockchain.TransferFilter) ([]blockchain.TransferEvent, error)
}

// Params select the transfer a watch waits for.
type Params struct {
	Network   string
	Recipient common.Address
	Asset     common.Address
	// Expected is the decimal amount in token units.
	Expected string
	// Tolerance is the absolute difference in token units under which a
	// transfer matches. Defaults to DefaultTolerance.
	Tolerance string
	// Decimals resolves the token decimals. Defaults to a cache reading the
	// watched chain.
	Decimals units.DecimalsResolver
	// MaxDuration self-cancels the watch with WatchTimedOut. Zero means no limit.
	MaxDuration time.Duration
	// MaxFailures ends the watch with ChainUnavailable after this many
	// consecutive failed polls. Zero retries forever.
	MaxFailures int
}

// Match is the transfer that satisfied a watch.
type Match struct {
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	From        common.Address
	Amount      units.Amount
}

type watchKey struct {
	network   string
	asset     common.Address
	recipient common.Address
	expected  string
}

// Watcher starts watches and keeps at most one live subscription per
// (network, asset, recipient, expected amount). The zero value is ready to use.
type Watcher struct {
	Interval time.Duration
	Lookback uint64
	MaxRange uint64
	Metrics  metrics.Recorder

	mu     sync.Mutex
	active map[watchKey]*Subscription
}

// target is the task-local description of what a running watch matches.
type target struct {
	params    Params
	decimals  uint8
	expected  units.Amount
	tolerance decimal.Decimal
}

// Watch validates p, captures the current block and starts polling in a new
// goroutine. When a live subscription for the same tuple exists it is returned
// and ctx is ignored. Cancelling ctx cancels the new subscription.
func (w *Watcher) Watch(ctx context.Context, client Chain, p Params) (*Subscription, error) {
	const op = "watcher.Watch"
	fail := func(err *model.Error) (*Subscription, error) {
		return nil, err.WithNetwork(p.Network).WithAddress(p.Recipient.Hex())
	}
	if client == nil {
		return fail(model.Errorf(model.KindChainUnavailable, op, "no chain client"))
	}
	if p.Recipient == (common.Address{}) || p.Asset == (common.Address{}) {
		return fail(model.Errorf(model.KindMalformedRequest, op, "recipient and asset are required"))
	}
	expected, err := decimal.NewFromString(strings.TrimSpace(p.Expected))
	if err != nil || !expected.IsPositive() {
		return fail(model.Errorf(model.KindInvalidAmount, op, "expected amount %q must be a positive decimal", p.Expected))
	}
	if p.Tolerance == "" {
		p.Tolerance = DefaultTolerance
	}
	tolerance, err := decimal.NewFromString(p.Tolerance)
	if err != nil || tolerance.IsNegative() {
		return fail(model.Errorf(model.KindInvalidAmount, op, "tolerance %q must be a non-negative decimal", p.Tolerance))
	}

	key := watchKey{
		network:   strings.ToLower(p.Network),
		asset:     p.Asset,
		recipient: p.Recipient,
		expected:  expected.String(),
	}
	w.mu.Lock()
	if s, ok := w.active[key]; ok {
		w.mu.Unlock()
		zap.L().Debug("joining live watch",
			zap.String("network", p.Network), zap.String("recipient", p.Recipient.Hex()))
		return s, nil
	}
	w.mu.Unlock()

	resolver := p.Decimals
	if resolver == nil {
		resolver = units.NewDecimalsCache(units.StaticSource(client))
	}
	dec, err := resolver.Resolve(ctx, p.Network, p.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := units.ParseDecimal(expected.String(), dec)
	if err != nil {
		return nil, err
	}
	start, err := client.BlockNumber(ctx)
	if err != nil {
		return fail(model.NewError(model.KindChainUnavailable, op, err))
	}

	t := target{params: p, decimals: dec, expected: amount, tolerance: tolerance}

	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.active[key]; ok {
		return s, nil
	}
	if w.active == nil {
		w.active = make(map[watchKey]*Subscription)
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	s := &Subscription{cancel: cancel, done: make(chan struct{})}
	w.active[key] = s

	go w.run(runCtx, client, t, start, s, key)
	zap.L().Info("watching for payment",
		zap.String("network", p.Network),
		zap.String("asset", p.Asset.Hex()),
		zap.String("recipient", p.Recipient.Hex()),
		zap.String("expected", amount.String()),
		zap.Uint64("startBlock", start))
	return s, nil
}

func (w *Watcher) release(key watchKey, s *Subscription) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active[key] == s {
		delete(w.active, key)
	}
}

func (w *Watcher) interval() time.Duration {
	if w.Interval <= 0 {
		return DefaultInterval
	}
	return w.Interval
}

func (w *Watcher) lookback() uint64 {
	if w.Lookback == 0 {
		return DefaultLookback
	}
	return w.Lookback
}

func (w *Watcher) maxRange() uint64 {
	if w.MaxRange == 0 {
		return DefaultMaxRange
	}
	return w.MaxRange
}

// run owns the cursor and the ticker of one subscription.
func (w *Watcher) run(ctx context.Context, client Chain, t target, start uint64, s *Subscription, key watchKey) {
	defer close(s.done)
	defer w.release(key, s)

	p := t.params
	started := time.Now()
	rec := metrics.OrNoop(w.Metrics)
	labels := metrics.Network(p.Network)

	if p.MaxDuration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, p.MaxDuration, errTimedOut)
		defer stop()
	}
	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()

	var next uint64
	if lb := w.lookback(); start > lb {
		next = start - lb
	}
	failures := 0
	head := start
	var headErr error

	for {
		var (
			m     Match
			found bool
			err   = headErr
		)
		if headErr == nil {
			m, found, err = w.scan(ctx, client, t, &next, head)
		}
		switch {
		case found:
			rec.IncCounter(metrics.EventWatchMatched, labels)
			rec.ObserveLatency(metrics.OpWatch, time.Since(started), labels)
			zap.L().Info("payment detected",
				zap.String("network", p.Network),
				zap.String("recipient", p.Recipient.Hex()),
				zap.String("tx", m.TxHash.Hex()),
				zap.Uint64("block", m.BlockNumber))
			s.finish(m, nil)
			return
		case ctx.Err() != nil:
			s.finish(Match{}, stopError(ctx, p))
			return
		case err != nil:
			failures++
			rec.IncCounter(metrics.EventWatchPollFailed, labels)
			zap.L().Warn("watch poll failed",
				zap.String("network", p.Network),
				zap.Uint64("cursor", next),
				zap.Int("failures", failures),
				zap.Error(err))
			if p.MaxFailures > 0 && failures >= p.MaxFailures {
				s.finish(Match{}, model.NewError(model.KindChainUnavailable, "watcher.Watch", err).
					WithNetwork(p.Network).WithAddress(p.Recipient.Hex()))
				return
			}
		default:
			failures = 0
		}

		select {
		case <-ctx.Done():
			s.finish(Match{}, stopError(ctx, p))
			return
		case <-ticker.C:
		}
		head, headErr = client.BlockNumber(ctx)
	}
}

// scan checks blocks [*next, head] in MaxRange chunks, advancing *next past
// every chunk that was read without a match.
func (w *Watcher) scan(ctx context.Context, client Chain, t target, next *uint64, head uint64) (Match, bool, error) {
	span := w.maxRange()
	for *next <= head {
		if err := ctx.Err(); err != nil {
			return Match{}, false, err
		}
		to := head
		if head-*next >= span {
			to = *next + span - 1
		}
		events, err := client.TransferLogs(ctx, blockchain.TransferFilter{
			Asset:     t.params.Asset,
			To:        []common.Address{t.params.Recipient},
			FromBlock: *next,
			ToBlock:   to,
		})
		if err != nil {
			return Match{}, false, err
		}
		for _, ev := range events {
			if ev.To != t.params.Recipient || ev.Value == nil {
				continue
			}
			actual := units.FromBaseUnits(ev.Value, t.decimals)
			if actual.WithinTolerance(t.expected, t.tolerance) {
				return Match{
					TxHash:      ev.TxHash,
					BlockNumber: ev.BlockNumber,
					LogIndex:    ev.LogIndex,
					From:        ev.From,
					Amount:      actual,
				}, true, nil
			}
		}
		*next = to + 1
	}
	return Match{}, false, nil
}

func stopError(ctx context.Context, p Params) error {
	const op = "watcher.Watch"
	var err *model.Error
	if errors.Is(context.Cause(ctx), errTimedOut) {
		err = model.Errorf(model.KindWatchTimedOut, op, "no matching transfer within %s", p.MaxDuration)
	} else {
		err = model.Errorf(model.KindWatchCancelled, op, "watch cancelled")
	}
	return err.WithNetwork(p.Network).WithAddress(p.Recipient.Hex())
}

// Subscription is a running watch. It settles exactly once: with a Match, or
// with WatchCancelled, WatchTimedOut or ChainUnavailable.
type Subscription struct {
	cancel context.CancelCauseFunc
	done   chan struct{}

	match Match
	err   error
}

func (s *Subscription) finish(m Match, err error) {
	s.match, s.err = m, err
}

// Done is closed once the watch has settled and its goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Result returns the outcome. Before Done is closed it reports an error.
func (s *Subscription) Result() (Match, error) {
	select {
	case <-s.done:
		return s.match, s.err
	default:
		return Match{}, errPending
	}
}

// Wait blocks until the watch settles or ctx ends. Ending ctx does not cancel
// the watch.
func (s *Subscription) Wait(ctx context.Context) (Match, error) {
	select {
	case <-s.done:
		return s.match, s.err
	case <-ctx.Done():
		return Match{}, ctx.Err()
	}
}

// Cancel stops the watch and returns once its ticker is stopped and its
// goroutine has exited. Cancelling a settled watch is a no-op.
func (s *Subscription) Cancel() {
	s.cancel(errCancelled)
	<-s.done
}
