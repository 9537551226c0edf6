package grpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/jpyc-labs/x402-go/pkg/model"
	"github.com/jpyc-labs/x402-go/pkg/payment"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Metadata keys. Values are base64 JSON, the same encoding as the HTTP headers.
const (
	PaymentKey      = "x402-payment"
	RequirementsKey = "x402-payment-requirements"
	ResponseKey     = "x402-payment-response"
)

// AppendPayment returns ctx with payload attached as outgoing metadata.
func AppendPayment(ctx context.Context, payload *model.PaymentPayload) (context.Context, error) {
	v, err := payment.EncodePaymentHeader(payload)
	if err != nil {
		return ctx, err
	}
	return metadata.AppendToOutgoingContext(ctx, PaymentKey, v), nil
}

// PaymentFromIncoming reads the payment attached to a server-side call. It
// returns (nil, nil) when the call carries no payment.
func PaymentFromIncoming(ctx context.Context) (*model.PaymentPayload, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, nil
	}
	vals := md.Get(PaymentKey)
	if len(vals) == 0 {
		return nil, nil
	}
	return payment.DecodePaymentHeader(vals[len(vals)-1])
}

// EncodeRequirements returns the metadata value for body.
func EncodeRequirements(body model.PaymentRequired) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// RequirementsFromTrailer reads the requirements a server attached when it
// refused an unpaid call.
func RequirementsFromTrailer(md metadata.MD) (model.PaymentRequired, error) {
	const op = "grpc.RequirementsFromTrailer"
	vals := md.Get(RequirementsKey)
	if len(vals) == 0 {
		return model.PaymentRequired{}, model.Errorf(model.KindMalformedRequest, op, "no %s in trailer", RequirementsKey)
	}
	data, err := base64.StdEncoding.DecodeString(vals[len(vals)-1])
	if err != nil {
		return model.PaymentRequired{}, model.NewError(model.KindMalformedRequest, op, err)
	}
	var body model.PaymentRequired
	if err := json.Unmarshal(data, &body); err != nil {
		return model.PaymentRequired{}, model.NewError(model.KindMalformedRequest, op, err)
	}
	if len(body.Accepts) == 0 {
		return model.PaymentRequired{}, model.Errorf(model.KindMalformedRequest, op, "trailer lists no accepted payments")
	}
	return body, nil
}

// SettlementFromHeader reads the settlement a server sent in its response header.
func SettlementFromHeader(md metadata.MD) (model.SettlementResponse, error) {
	vals := md.Get(ResponseKey)
	if len(vals) == 0 {
		return model.SettlementResponse{}, fmt.Errorf("no %s in header", ResponseKey)
	}
	return payment.DecodeSettlementHeader(vals[len(vals)-1])
}

func setRequirementsTrailer(ctx context.Context, body model.PaymentRequired) error {
	v, err := EncodeRequirements(body)
	if err != nil {
		return err
	}
	return grpc.SetTrailer(ctx, metadata.Pairs(RequirementsKey, v))
}

func setSettlementHeader(ctx context.Context, s model.SettlementResponse) error {
	v, err := payment.EncodeSettlementHeader(s)
	if err != nil {
		return err
	}
	return grpc.SetHeader(ctx, metadata.Pairs(ResponseKey, v))
}
