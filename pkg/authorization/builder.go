// Package authorization builds and verifies EIP-3009 TransferWithAuthorization
// payloads answering a set of PaymentRequirements.
package authorization

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jpyc-labs/x402-go/pkg/blockchain"
	"github.com/jpyc-labs/x402-go/pkg/metrics"
	"github.com/jpyc-labs/x402-go/pkg/model"
	"github.com/jpyc-labs/x402-go/pkg/registry"
	"github.com/jpyc-labs/x402-go/pkg/signer"
	"github.com/jpyc-labs/x402-go/pkg/units"
	"go.uber.org/zap"
)

// DefaultSkew is subtracted from the signing time to form validAfter.
const DefaultSkew = 60 * time.Second

// Builder turns requirements into a signed PaymentPayload. A Builder holds no
// per-payment state; Decimals should be a cache scoped to the current flow.
type Builder struct {
	Registry *registry.Registry
	Decimals units.DecimalsResolver
	// Clock defaults to time.Now.
	Clock func() time.Time
	// Nonce defaults to GenerateNonce.
	Nonce func() (string, error)
	// Skew defaults to DefaultSkew.
	Skew time.Duration
	// AllowFallback enables a single personal_sign attempt when typed-data
	// signing fails. Fallback payloads cannot be executed.
	AllowFallback bool
	Metrics       metrics.Recorder
}

func (b *Builder) now() time.Time {
	if b.Clock != nil {
		return b.Clock()
	}
	return time.Now()
}

func (b *Builder) nonce() (string, error) {
	if b.Nonce != nil {
		return b.Nonce()
	}
	return GenerateNonce()
}

// Build resolves decimals, converts the amount to base units, signs the
// authorization with s and returns the payload.
func (b *Builder) Build(ctx context.Context, req model.PaymentRequirements, s signer.Signer) (*model.PaymentPayload, error) {
	const op = "authorization.Build"
	started := time.Now()
	fail := func(err *model.Error) (*model.PaymentPayload, error) {
		if err.Resource == "" {
			err.Resource = req.Resource
		}
		if err.Network == "" {
			err.Network = req.Network
		}
		return nil, err
	}

	if req.Scheme != model.SchemeExact {
		return fail(model.Errorf(model.KindMalformedRequest, op, "unsupported scheme %q", req.Scheme))
	}
	payTo, err := blockchain.NormalizeAddress(req.PayTo)
	if err != nil {
		return fail(model.NewError(model.KindMalformedRequest, op, err).WithAddress(req.PayTo))
	}
	asset, err := blockchain.NormalizeAddress(req.Asset)
	if err != nil {
		return fail(model.NewError(model.KindMalformedRequest, op, err).WithAddress(req.Asset))
	}
	if req.MaxTimeoutSeconds <= 0 {
		return fail(model.Errorf(model.KindMalformedRequest, op, "maxTimeoutSeconds must be positive"))
	}
	pre, err := units.ParseDecimal(req.MaxAmountRequired, units.MaxDecimals)
	if err != nil {
		return fail(asModelError(err, model.KindInvalidAmount, op))
	}
	if !pre.IsPositive() {
		return fail(model.Errorf(model.KindInvalidAmount, op, "amount %q must be greater than zero", req.MaxAmountRequired))
	}

	domain, err := ResolveDomain(b.Registry, req)
	if err != nil {
		return fail(asModelError(err, model.KindMalformedRequest, op))
	}

	decimals, err := b.Decimals.Resolve(ctx, req.Network, common.HexToAddress(asset))
	if err != nil {
		return fail(asModelError(err, model.KindDecimalsUnavailable, op).WithAddress(asset))
	}
	amount, err := units.ParseDecimal(req.MaxAmountRequired, decimals)
	if err != nil {
		return fail(asModelError(err, model.KindInvalidAmount, op))
	}

	skew := b.Skew
	if skew == 0 {
		skew = DefaultSkew
	}
	now := b.now()
	nonce, err := b.nonce()
	if err != nil {
		return nil, err
	}
	auth := model.TransferAuthorization{
		From:        s.Address().Hex(),
		To:          payTo,
		Value:       amount.BaseString(),
		ValidAfter:  strconv.FormatInt(now.Add(-skew).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Unix()+req.MaxTimeoutSeconds, 10),
		Nonce:       nonce,
	}

	td, err := TypedData(domain, auth)
	if err != nil {
		return fail(model.NewError(model.KindMalformedRequest, op, err))
	}

	payload := &model.PaymentPayload{
		X402Version: model.X402Version,
		Scheme:      model.SchemeExact,
		Network:     req.Network,
		Payload:     model.ExactPayload{Authorization: auth},
	}

	sig, err := s.SignTypedData(ctx, td)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !b.AllowFallback {
			return fail(model.NewError(model.KindUserRejected, op, err).WithAddress(auth.From))
		}
		zap.L().Warn("typed-data signing failed, falling back to personal_sign",
			zap.String("resource", req.Resource), zap.String("from", auth.From), zap.Error(err))
		msg, merr := auth.CanonicalJSON()
		if merr != nil {
			return nil, merr
		}
		var ferr error
		sig, ferr = s.SignMessage(ctx, msg)
		if ferr != nil {
			return fail(model.NewError(model.KindUserRejected, op, errors.Join(err, ferr)).WithAddress(auth.From))
		}
		payload.SignatureScheme = model.SignaturePersonal
	}
	payload.Payload.Signature = hexutil.Encode(sig)

	if req.Extra.Variant() == model.ExtraSubscription && req.Extra.Subscription != nil {
		plan := req.Extra.Subscription
		payload.SubscriptionData = &model.SubscriptionData{
			PlanID:    plan.PlanID,
			Interval:  plan.Interval,
			StartTime: now.Unix(),
			EndTime:   now.Unix() + plan.Duration,
		}
	}

	rec := metrics.OrNoop(b.Metrics)
	rec.IncCounter(metrics.EventAuthorizationSigned, metrics.Network(req.Network))
	rec.ObserveLatency(metrics.OpAuthorize, time.Since(started), metrics.Network(req.Network))
	zap.L().Debug("authorization signed",
		zap.String("resource", req.Resource),
		zap.String("network", req.Network),
		zap.String("from", auth.From),
		zap.String("value", auth.Value),
		zap.Bool("fallback", payload.IsFallback()))
	return payload, nil
}

// asModelError returns err as an *model.Error, wrapping it with kind when it
// is not classified yet.
func asModelError(err error, kind model.Kind, op string) *model.Error {
	var e *model.Error
	if errors.As(err, &e) {
		return e
	}
	return model.NewError(kind, op, err)
}
