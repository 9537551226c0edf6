package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jpyc-labs/x402-go/pkg/model"
)

const (
	// PaymentHeader carries base64 JSON of a PaymentPayload on the retried request.
	PaymentHeader = "X-PAYMENT"
	// PaymentResponseHeader carries base64 JSON of a SettlementResponse.
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
	// maxPaymentRequiredBody bounds how much of a 402 body is read.
	maxPaymentRequiredBody = 1 << 20
)

// EncodePaymentHeader returns the X-PAYMENT value for p.
func EncodePaymentHeader(p *model.PaymentPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentHeader parses an X-PAYMENT value.
func DecodePaymentHeader(header string) (*model.PaymentPayload, error) {
	data, err := decodeHeader(header)
	if err != nil {
		return nil, model.NewError(model.KindInvalidPayload, "payment.DecodePaymentHeader", err)
	}
	var p model.PaymentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, model.NewError(model.KindInvalidPayload, "payment.DecodePaymentHeader", err)
	}
	return &p, nil
}

// SetPaymentHeader attaches p to r as X-PAYMENT.
func SetPaymentHeader(r *http.Request, p *model.PaymentPayload) error {
	v, err := EncodePaymentHeader(p)
	if err != nil {
		return err
	}
	r.Header.Set(PaymentHeader, v)
	return nil
}

// ParsePaymentRequired reads the body of a 402 response. The body is consumed
// but not closed.
func ParsePaymentRequired(resp *http.Response) (model.PaymentRequired, error) {
	const op = "payment.ParsePaymentRequired"
	if resp.StatusCode != http.StatusPaymentRequired {
		return model.PaymentRequired{}, model.Errorf(model.KindMalformedRequest, op, "expected status 402, got %d", resp.StatusCode)
	}
	var body model.PaymentRequired
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPaymentRequiredBody)).Decode(&body); err != nil {
		return model.PaymentRequired{}, model.NewError(model.KindMalformedRequest, op, err)
	}
	if len(body.Accepts) == 0 {
		return model.PaymentRequired{}, model.Errorf(model.KindMalformedRequest, op, "402 response lists no accepted payments")
	}
	return body, nil
}

// EncodeSettlementHeader returns the X-PAYMENT-RESPONSE value for s.
func EncodeSettlementHeader(s model.SettlementResponse) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlementHeader parses an X-PAYMENT-RESPONSE value.
func DecodeSettlementHeader(header string) (model.SettlementResponse, error) {
	var s model.SettlementResponse
	data, err := decodeHeader(header)
	if err != nil {
		return s, fmt.Errorf("decode %s: %w", PaymentResponseHeader, err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode %s: %w", PaymentResponseHeader, err)
	}
	return s, nil
}

// Settlement builds the settlement response for a confirmed receipt.
func Settlement(r *Receipt) model.SettlementResponse {
	return model.SettlementResponse{
		Success:     true,
		Transaction: r.TxHash.Hex(),
		Network:     r.Network,
		Payer:       r.Payer.Hex(),
	}
}

func decodeHeader(header string) ([]byte, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty header")
	}
	if data, err := base64.StdEncoding.DecodeString(header); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(header, "="))
}
