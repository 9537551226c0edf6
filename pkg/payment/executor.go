package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jpyc-labs/x402-go/pkg/authorization"
	"github.com/jpyc-labs/x402-go/pkg/blockchain"
	"github.com/jpyc-labs/x402-go/pkg/metrics"
	"github.com/jpyc-labs/x402-go/pkg/model"
	"github.com/jpyc-labs/x402-go/pkg/registry"
	"github.com/jpyc-labs/x402-go/pkg/signer"
	"github.com/jpyc-labs/x402-go/pkg/units"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Receipt is the result of a confirmed payment.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Strategy    string
	Network     string
	Payer       common.Address
}

// Executor submits verified payloads and waits for one confirmation. Zero
// values of the tuning fields are replaced by defaults.
type Executor struct {
	Registry *registry.Registry
	// Clock defaults to time.Now.
	Clock   func() time.Time
	Metrics metrics.Recorder

	// MaxAttempts bounds tries of a chain read or submission failing with a
	// transient RPC error. Default 3.
	MaxAttempts int
	// Backoff is the first retry delay, doubled per attempt up to MaxBackoff.
	// Defaults 1s and 8s.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// ReceiptWait caps the receipt wait below maxTimeoutSeconds when set.
	ReceiptWait time.Duration
	// ReadTimeout bounds each pre-flight read. Zero means no extra bound.
	ReadTimeout time.Duration

	Direct  Strategy
	Relayed Strategy
}

func (e *Executor) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

func (e *Executor) maxAttempts() int {
	if e.MaxAttempts <= 0 {
		return 3
	}
	return e.MaxAttempts
}

func (e *Executor) backoff() (time.Duration, time.Duration) {
	b, m := e.Backoff, e.MaxBackoff
	if b <= 0 {
		b = time.Second
	}
	if m <= 0 {
		m = 8 * time.Second
	}
	if m < b {
		m = b
	}
	return b, m
}

func (e *Executor) strategy(relayed bool) Strategy {
	if relayed {
		if e.Relayed != nil {
			return e.Relayed
		}
		return RelayedStrategy{}
	}
	if e.Direct != nil {
		return e.Direct
	}
	return DirectStrategy{}
}

// ReceiptBound returns how long Execute waits for a receipt for req.
func (e *Executor) ReceiptBound(req model.PaymentRequirements) time.Duration {
	bound := time.Duration(req.MaxTimeoutSeconds) * time.Second
	if e.ReceiptWait > 0 && (bound <= 0 || e.ReceiptWait < bound) {
		bound = e.ReceiptWait
	}
	return bound
}

// verified is a payload that passed the local checks.
type verified struct {
	asset       common.Address
	from        common.Address
	to          common.Address
	value       *big.Int
	validAfter  *big.Int
	validBefore *big.Int
	nonce       [32]byte
	signature   []byte
}

// Execute verifies payload against req and submits it with payer. Direct
// submission is used when payer is authorization.from, relayed submission
// otherwise. It returns once the transaction has one confirmation.
func (e *Executor) Execute(ctx context.Context, req model.PaymentRequirements, payload *model.PaymentPayload, payer signer.Signer) (*Receipt, error) {
	const op = "payment.Execute"
	started := time.Now()
	rec := metrics.OrNoop(e.Metrics)

	receipt, err := e.execute(ctx, req, payload, payer)
	if err != nil {
		var me *model.Error
		if errors.As(err, &me) {
			if me.Op == "" {
				me.Op = op
			}
			if me.Resource == "" {
				me.Resource = req.Resource
			}
			if me.Network == "" {
				me.Network = req.Network
			}
		}
		rec.IncCounter(metrics.EventPaymentFailed, metrics.Network(req.Network))
		zap.L().Warn("payment failed",
			zap.String("resource", req.Resource),
			zap.String("network", req.Network),
			zap.String("kind", string(model.KindOf(err))),
			zap.Error(err))
		return nil, err
	}

	rec.IncCounter(metrics.EventPaymentExecuted, metrics.Network(req.Network))
	rec.ObserveLatency(metrics.OpExecute, time.Since(started), metrics.Network(req.Network))
	zap.L().Info("payment confirmed",
		zap.String("resource", req.Resource),
		zap.String("network", req.Network),
		zap.String("strategy", receipt.Strategy),
		zap.String("tx", receipt.TxHash.Hex()),
		zap.Uint64("block", receipt.BlockNumber))
	return receipt, nil
}

func (e *Executor) execute(ctx context.Context, req model.PaymentRequirements, payload *model.PaymentPayload, payer signer.Signer) (*Receipt, error) {
	const op = "payment.Execute"
	if payload == nil {
		return nil, model.Errorf(model.KindInvalidPayload, op, "payload is required")
	}
	if payer == nil {
		return nil, model.Errorf(model.KindSignerUnavailable, op, "no signer")
	}

	v, err := e.check(req, payload)
	if err != nil {
		return nil, err
	}

	client, err := e.Registry.Client(ctx, req.Network)
	if err != nil {
		return nil, err
	}

	relayed := payer.Address() != v.from
	strategy := e.strategy(relayed)

	decimals, err := e.preflight(ctx, client, v, relayed)
	if err != nil {
		return nil, err
	}

	required, err := units.ParseDecimal(req.MaxAmountRequired, decimals)
	if err != nil {
		return nil, err
	}
	if required.BaseUnits().Cmp(v.value) != 0 {
		return nil, model.Errorf(model.KindInvalidPayload, op, "authorized value %s does not match required %s",
			units.FromBaseUnits(v.value, decimals), required).WithAddress(v.from.Hex())
	}

	txReq, err := strategy.Transaction(StrategyInput{
		Asset:       v.asset,
		From:        v.from,
		To:          v.to,
		Value:       v.value,
		ValidAfter:  v.validAfter,
		ValidBefore: v.validBefore,
		Nonce:       v.nonce,
		Signature:   v.signature,
	})
	if err != nil {
		return nil, model.NewError(model.KindInvalidPayload, op, err)
	}
	txHash, err := e.submit(ctx, payer, txReq)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by the caller; not a chain failure and not retryable.
			return nil, fmt.Errorf("submit: %w", ctx.Err())
		}
		return nil, classifySubmit(err).WithAddress(payer.Address().Hex())
	}
	zap.L().Info("payment submitted",
		zap.String("resource", req.Resource),
		zap.String("network", req.Network),
		zap.String("strategy", strategy.Name()),
		zap.String("tx", txHash.Hex()))

	r, err := e.waitReceipt(ctx, client, req, txHash)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		TxHash:      r.TxHash,
		BlockNumber: r.BlockNumber,
		GasUsed:     r.GasUsed,
		Strategy:    strategy.Name(),
		Network:     req.Network,
		Payer:       v.from,
	}, nil
}

// check runs every local validation. It never touches the chain.
func (e *Executor) check(req model.PaymentRequirements, p *model.PaymentPayload) (verified, error) {
	const op = "payment.check"
	auth := p.Payload.Authorization
	invalid := func(format string, args ...any) (verified, error) {
		return verified{}, model.Errorf(model.KindInvalidPayload, op, format, args...).WithAddress(auth.From)
	}

	if p.X402Version != model.X402Version {
		return invalid("unsupported x402Version %d", p.X402Version)
	}
	if p.Scheme != model.SchemeExact || req.Scheme != model.SchemeExact {
		return invalid("unsupported scheme %q", p.Scheme)
	}
	if req.MaxTimeoutSeconds <= 0 {
		return verified{}, model.Errorf(model.KindMalformedRequest, op, "maxTimeoutSeconds must be positive")
	}
	if p.Network != req.Network {
		return invalid("payload network %q does not match requirements network %q", p.Network, req.Network)
	}
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) || !common.IsHexAddress(req.PayTo) {
		return invalid("malformed authorization addresses")
	}
	if common.HexToAddress(auth.To) != common.HexToAddress(req.PayTo) {
		return invalid("authorization recipient %s is not payTo %s", auth.To, req.PayTo)
	}

	after, before, err := auth.ValidityWindow()
	if err != nil {
		return invalid("validity window: %v", err)
	}
	now := e.now().Unix()
	if now < after || now > before {
		return verified{}, model.Errorf(model.KindAuthorizationExpired, op,
			"now %d outside validity window [%d, %d]", now, after, before).WithAddress(auth.From)
	}

	domain, err := authorization.ResolveDomain(e.Registry, req)
	if err != nil {
		return verified{}, err
	}
	if _, err := authorization.Verify(p, domain); err != nil {
		return verified{}, err
	}

	value, err := blockchain.ParseUint256(auth.Value)
	if err != nil {
		return invalid("value: %v", err)
	}
	nonce, err := blockchain.ParseBytes32(auth.Nonce)
	if err != nil {
		return invalid("nonce: %v", err)
	}
	sig, err := hexutil.Decode(p.Payload.Signature)
	if err != nil {
		return invalid("signature: %v", err)
	}
	return verified{
		asset:       domain.VerifyingContract,
		from:        common.HexToAddress(auth.From),
		to:          common.HexToAddress(auth.To),
		value:       value,
		validAfter:  big.NewInt(after),
		validBefore: big.NewInt(before),
		nonce:       nonce,
		signature:   sig,
	}, nil
}

// preflight reads balance and decimals concurrently and, when relaying, the
// authorization nonce state. It returns the token decimals.
func (e *Executor) preflight(ctx context.Context, client blockchain.ChainClient, v verified, relayed bool) (uint8, error) {
	const op = "payment.preflight"
	var (
		balance  *big.Int
		decimals uint8
		used     bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.read(gctx, "balanceOf", func(ctx context.Context) (err error) {
			balance, err = client.BalanceOf(ctx, v.asset, v.from)
			return err
		})
	})
	g.Go(func() error {
		return e.read(gctx, "decimals", func(ctx context.Context) (err error) {
			decimals, err = client.Decimals(ctx, v.asset)
			return err
		})
	})
	if relayed {
		g.Go(func() error {
			return e.read(gctx, "authorizationState", func(ctx context.Context) (err error) {
				used, err = client.AuthorizationState(ctx, v.asset, v.from, v.nonce)
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, model.NewError(model.KindChainUnavailable, op, err).WithAddress(v.asset.Hex())
	}

	if used {
		return 0, model.Errorf(model.KindInvalidPayload, op, "authorization nonce already used").WithAddress(v.from.Hex())
	}
	if balance == nil || balance.Cmp(v.value) < 0 {
		have := units.FromBaseUnits(balance, decimals)
		want := units.FromBaseUnits(v.value, decimals)
		return 0, model.Errorf(model.KindInsufficientFunds, op, "balance %s is below required %s", have, want).
			WithAddress(v.from.Hex())
	}
	return decimals, nil
}

// read runs one pre-flight call under ReadTimeout with retries.
func (e *Executor) read(ctx context.Context, name string, fn func(context.Context) error) error {
	return e.retry(ctx, name, func(ctx context.Context) error {
		if e.ReadTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.ReadTimeout)
			defer cancel()
		}
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

// retry calls fn until it succeeds, fails with a non-transient error or
// MaxAttempts is reached. Delays double from Backoff up to MaxBackoff.
func (e *Executor) retry(ctx context.Context, name string, fn func(context.Context) error) error {
	backoff, maxBackoff := e.backoff()
	attempts := e.maxAttempts()
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !blockchain.IsUnavailable(err) || attempt >= attempts {
			return err
		}
		zap.L().Warn("transient chain error, retrying",
			zap.String("call", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
		if err := ctx.Err(); err != nil {
			return err
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// submit signs txReq once and broadcasts that transaction, retrying the
// broadcast on transient failures. A retry never signs a second transaction,
// so a broadcast whose response was lost cannot turn into two payments.
func (e *Executor) submit(ctx context.Context, payer signer.Signer, txReq signer.TxRequest) (common.Hash, error) {
	var tx *types.Transaction
	err := e.retry(ctx, "sign", func(ctx context.Context) error {
		signed, err := payer.SignTransaction(ctx, txReq)
		if err != nil {
			return err
		}
		tx = signed
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}

	var broadcasts int
	err = e.retry(ctx, "broadcast", func(ctx context.Context) error {
		broadcasts++
		err := payer.SendTransaction(ctx, tx)
		if err != nil && broadcasts > 1 && blockchain.IsNonceTooLow(err) {
			// An earlier broadcast landed; the receipt wait confirms it.
			zap.L().Info("transaction already mined", zap.String("tx", tx.Hash().Hex()))
			return nil
		}
		return err
	})
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func classifySubmit(err error) *model.Error {
	const op = "payment.submit"
	switch {
	case errors.Is(err, signer.ErrRejected):
		return model.NewError(model.KindUserRejected, op, err)
	case errors.Is(err, signer.ErrNotConnected):
		return model.NewError(model.KindSignerUnavailable, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		// Timeouts.ChainSubmit expired while the caller is still waiting.
		return model.NewError(model.KindChainUnavailable, op, err)
	case blockchain.IsUnavailable(err):
		return model.NewError(model.KindChainUnavailable, op, err)
	case isInsufficientGas(err):
		return model.NewError(model.KindInsufficientFunds, op, err)
	default:
		return model.NewError(model.KindTransactionFailed, op, err)
	}
}

// isInsufficientGas matches the node error for a sender that cannot pay gas.
func isInsufficientGas(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "insufficient funds for gas")
}

func (e *Executor) waitReceipt(ctx context.Context, client blockchain.ChainClient, req model.PaymentRequirements, txHash common.Hash) (*blockchain.Receipt, error) {
	const op = "payment.waitReceipt"
	bound := e.ReceiptBound(req)
	wctx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	_, maxBackoff := e.backoff()
	r, err := client.WaitForReceipt(wctx, txHash, maxBackoff)
	switch {
	case err == nil:
		return r, nil
	case errors.Is(err, blockchain.ErrReverted):
		return nil, model.Errorf(model.KindTransactionFailed, op, "transaction %s reverted", txHash.Hex())
	case ctx.Err() != nil:
		return nil, model.NewError(model.KindConfirmationTimeout, op, ctx.Err()).
			WithResource(req.Resource).WithNetwork(req.Network)
	case wctx.Err() != nil:
		return nil, model.Errorf(model.KindConfirmationTimeout, op, "no receipt for %s within %s", txHash.Hex(), bound)
	default:
		return nil, model.NewError(model.KindChainUnavailable, op, err)
	}
}
