package grpc

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/jpyc-labs/x402-go/internal/testutil/grpcbuf"
	"github.com/jpyc-labs/x402-go/pkg/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const merchant = "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"

func required() model.PaymentRequired {
	return model.PaymentRequired{
		X402Version: model.X402Version,
		Accepts: []model.PaymentRequirements{{
			Scheme:            model.SchemeExact,
			Network:           "polygon",
			MaxAmountRequired: "100",
			Resource:          "grpc://x402test.Resource/Fetch",
			MimeType:          model.DefaultMimeType,
			PayTo:             merchant,
			MaxTimeoutSeconds: 300,
			Asset:             "0xE7C3D8C9a439feDe00D2600032D5dB0Be71C3c29",
		}},
	}
}

func signedPayload() *model.PaymentPayload {
	return &model.PaymentPayload{
		X402Version: model.X402Version,
		Scheme:      model.SchemeExact,
		Network:     "polygon",
		Payload: model.ExactPayload{
			Signature: "0x01",
			Authorization: model.TransferAuthorization{
				From:        "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
				To:          merchant,
				Value:       "100000000000000000000",
				ValidAfter:  "1699999940",
				ValidBefore: "1700000300",
				Nonce:       "0x" + "11111111111111111111111111111111" + "11111111111111111111111111111111",
			},
		},
	}
}

type fakeGate struct {
	paid    bool
	settled atomic.Int32
	err     error
	seen    atomic.Value // model.PaymentRequirements
}

func (g *fakeGate) Requirements(context.Context, string) (model.PaymentRequired, bool) {
	return required(), g.paid
}

func (g *fakeGate) Settle(_ context.Context, req model.PaymentRequirements, p *model.PaymentPayload) (model.SettlementResponse, error) {
	g.seen.Store(req)
	if g.err != nil {
		return model.SettlementResponse{}, g.err
	}
	g.settled.Add(1)
	return model.SettlementResponse{
		Success:     true,
		Transaction: "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060",
		Network:     p.Network,
		Payer:       p.Payload.Authorization.From,
	}, nil
}

type countingProvider struct {
	calls atomic.Int32
	err   error
}

func (p *countingProvider) PayloadFor(_ context.Context, method string, body model.PaymentRequired) (*model.PaymentPayload, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	if method != grpcbuf.FetchMethod || len(body.Accepts) != 1 {
		return nil, errors.New("unexpected refusal")
	}
	return signedPayload(), nil
}

func startGated(t *testing.T, g Gate, opts ...grpc.DialOption) (*grpc.ClientConn, *grpcbuf.MetaCapture) {
	t.Helper()
	srv, lis, cap := grpcbuf.StartServer(PaymentGate(g))
	t.Cleanup(srv.Stop)
	conn, err := grpcbuf.Dial(context.Background(), lis, opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, cap
}

func TestPaymentFlow(t *testing.T) {
	gate := &fakeGate{paid: true}
	provider := &countingProvider{}
	conn, cap := startGated(t, gate, grpc.WithChainUnaryInterceptor(PaymentInterceptor(provider)))

	var header metadata.MD
	if err := grpcbuf.Fetch(context.Background(), conn, grpc.Header(&header)); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if cap.Calls() != 2 || provider.calls.Load() != 1 || gate.settled.Load() != 1 {
		t.Fatalf("unexpected counts: server=%d provider=%d settled=%d", cap.Calls(), provider.calls.Load(), gate.settled.Load())
	}
	if vals := cap.Last().Get(PaymentKey); len(vals) != 1 {
		t.Fatalf("expected one payment in metadata, got %v", vals)
	}
	s, err := SettlementFromHeader(header)
	if err != nil {
		t.Fatalf("settlement: %v", err)
	}
	if !s.Success || s.Network != "polygon" {
		t.Fatalf("unexpected settlement: %+v", s)
	}
	if got := gate.seen.Load().(model.PaymentRequirements); got.PayTo != merchant {
		t.Fatalf("settled against unexpected requirements: %+v", got)
	}
}

func TestPaymentFlow_FreeMethod(t *testing.T) {
	provider := &countingProvider{}
	conn, cap := startGated(t, &fakeGate{}, grpc.WithChainUnaryInterceptor(PaymentInterceptor(provider)))
	if err := grpcbuf.Fetch(context.Background(), conn); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if cap.Calls() != 1 || provider.calls.Load() != 0 {
		t.Fatalf("free call should pass straight through")
	}
}

func TestPaymentFlow_Unpaid(t *testing.T) {
	conn, _ := startGated(t, &fakeGate{paid: true})

	var trailer metadata.MD
	err := grpcbuf.Fetch(context.Background(), conn, grpc.Trailer(&trailer))
	if status.Code(err) != PaymentRequiredCode {
		t.Fatalf("expected %s, got %v", PaymentRequiredCode, err)
	}
	body, err := RequirementsFromTrailer(trailer)
	if err != nil {
		t.Fatalf("requirements: %v", err)
	}
	if !reflect.DeepEqual(body, required()) {
		t.Fatalf("unexpected requirements: %+v", body)
	}
}

func TestPaymentFlow_Failures(t *testing.T) {
	t.Run("provider error", func(t *testing.T) {
		want := model.Errorf(model.KindUserRejected, "test", "declined")
		conn, cap := startGated(t, &fakeGate{paid: true}, grpc.WithChainUnaryInterceptor(PaymentInterceptor(&countingProvider{err: want})))
		err := grpcbuf.Fetch(context.Background(), conn)
		if !errors.Is(err, model.ErrUserRejected) {
			t.Fatalf("expected provider error, got %v", err)
		}
		if cap.Calls() != 1 {
			t.Fatalf("call retried without a payment")
		}
	})

	t.Run("settlement error", func(t *testing.T) {
		gate := &fakeGate{paid: true, err: model.Errorf(model.KindInsufficientFunds, "test", "balance 50 is below required 100")}
		conn, _ := startGated(t, gate, grpc.WithChainUnaryInterceptor(PaymentInterceptor(&countingProvider{})))
		err := grpcbuf.Fetch(context.Background(), conn)
		if status.Code(err) != codes.ResourceExhausted {
			t.Fatalf("expected ResourceExhausted, got %v", err)
		}
	})
}

func TestPaymentMetadata(t *testing.T) {
	ctx, err := AppendPayment(context.Background(), signedPayload())
	if err != nil {
		t.Fatalf("AppendPayment: %v", err)
	}
	md, _ := metadata.FromOutgoingContext(ctx)
	got, err := PaymentFromIncoming(metadata.NewIncomingContext(context.Background(), md))
	if err != nil {
		t.Fatalf("PaymentFromIncoming: %v", err)
	}
	if !reflect.DeepEqual(got, signedPayload()) {
		t.Fatalf("payload changed: %+v", got)
	}

	if p, err := PaymentFromIncoming(context.Background()); p != nil || err != nil {
		t.Fatalf("expected no payment, got %v %v", p, err)
	}
	bad := metadata.NewIncomingContext(context.Background(), metadata.Pairs(PaymentKey, "%%%"))
	if _, err := PaymentFromIncoming(bad); !errors.Is(err, model.ErrInvalidPayload) {
		t.Fatalf("expected InvalidPayload, got %v", err)
	}
}

func TestRequirementsFromTrailer_Invalid(t *testing.T) {
	empty, _ := EncodeRequirements(model.PaymentRequired{X402Version: 1})
	for name, md := range map[string]metadata.MD{
		"missing":   {},
		"not b64":   metadata.Pairs(RequirementsKey, "%%%"),
		"no accept": metadata.Pairs(RequirementsKey, empty),
	} {
		if _, err := RequirementsFromTrailer(md); !errors.Is(err, model.ErrMalformedRequest) {
			t.Fatalf("%s: expected MalformedRequest, got %v", name, err)
		}
	}
}
