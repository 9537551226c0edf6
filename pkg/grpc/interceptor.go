package grpc

import (
	"context"
	"errors"

	"github.com/jpyc-labs/x402-go/pkg/model"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// PaymentRequiredCode is the status a gated server returns for an unpaid call.
// The requirements travel in the RequirementsKey trailer.
const PaymentRequiredCode = codes.FailedPrecondition

// PayloadProvider produces a signed payment for a refused call.
type PayloadProvider interface {
	PayloadFor(ctx context.Context, method string, required model.PaymentRequired) (*model.PaymentPayload, error)
}

// PayloadProviderFunc adapts a function to PayloadProvider.
type PayloadProviderFunc func(ctx context.Context, method string, required model.PaymentRequired) (*model.PaymentPayload, error)

// PayloadFor calls f.
func (f PayloadProviderFunc) PayloadFor(ctx context.Context, method string, required model.PaymentRequired) (*model.PaymentPayload, error) {
	return f(ctx, method, required)
}

// PaymentInterceptor returns a unary client interceptor that answers a
// payment-required refusal by asking p for a payload and retrying the call
// once with the payment attached. Other failures pass through unchanged.
func PaymentInterceptor(p PayloadProvider) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		var trailer metadata.MD
		first := append(opts[:len(opts):len(opts)], grpc.Trailer(&trailer))
		err := invoker(ctx, method, req, reply, cc, first...)
		if status.Code(err) != PaymentRequiredCode {
			return err
		}
		required, rerr := RequirementsFromTrailer(trailer)
		if rerr != nil {
			return err
		}

		payload, perr := p.PayloadFor(ctx, method, required)
		if perr != nil {
			return perr
		}
		paidCtx, perr := AppendPayment(ctx, payload)
		if perr != nil {
			return perr
		}
		zap.L().Debug("retrying call with payment",
			zap.String("method", method),
			zap.String("network", payload.Network),
			zap.String("from", payload.Payload.Authorization.From))
		return invoker(paidCtx, method, req, reply, cc, opts...)
	}
}

// Gate decides which calls need payment and settles presented payments.
type Gate interface {
	// Requirements returns the payment a method needs; ok is false for free methods.
	Requirements(ctx context.Context, method string) (body model.PaymentRequired, ok bool)
	// Settle executes payload against req and returns the settlement.
	Settle(ctx context.Context, req model.PaymentRequirements, payload *model.PaymentPayload) (model.SettlementResponse, error)
}

// PaymentGate returns a unary server interceptor enforcing g. Unpaid calls are
// refused with PaymentRequiredCode and the requirements in the trailer; paid
// calls are settled before the handler runs and the settlement is sent as the
// ResponseKey header.
func PaymentGate(g Gate) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		body, ok := g.Requirements(ctx, info.FullMethod)
		if !ok {
			return handler(ctx, req)
		}
		payload, err := PaymentFromIncoming(ctx)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if payload == nil {
			if err := setRequirementsTrailer(ctx, body); err != nil {
				return nil, status.Error(codes.Internal, err.Error())
			}
			return nil, status.Error(PaymentRequiredCode, "payment required")
		}

		matched, ok := selectRequirements(body, payload)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "no accepted payment for network %q", payload.Network)
		}
		s, err := g.Settle(ctx, matched, payload)
		if err != nil {
			zap.L().Warn("payment settlement failed",
				zap.String("method", info.FullMethod),
				zap.String("network", payload.Network),
				zap.Error(err))
			return nil, status.Error(settleCode(err), err.Error())
		}
		if err := setSettlementHeader(ctx, s); err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return handler(ctx, req)
	}
}

func selectRequirements(body model.PaymentRequired, p *model.PaymentPayload) (model.PaymentRequirements, bool) {
	for _, r := range body.Accepts {
		if r.Network == p.Network && r.Scheme == p.Scheme {
			return r, true
		}
	}
	return model.PaymentRequirements{}, false
}

func settleCode(err error) codes.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case model.Retryable(err):
		return codes.Unavailable
	case errors.Is(err, model.ErrInsufficientFunds):
		return codes.ResourceExhausted
	default:
		return codes.PermissionDenied
	}
}
