package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jpyc-labs/x402-go/pkg/model"
	"github.com/jpyc-labs/x402-go/pkg/payment"
	"github.com/jpyc-labs/x402-go/pkg/request"
	"go.uber.org/zap"
)

// Transport returns a RoundTripper that answers 402 responses. It picks the
// accepted requirements for the configured network, signs an authorization
// and replays the request once with the X-PAYMENT header. Requests with a
// body are replayed only when GetBody is set. base defaults to
// http.DefaultTransport.
func (c *Core) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &payingTransport{core: c, base: base}
}

type payingTransport struct {
	core *Core
	base http.RoundTripper
}

func (t *payingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(r)
	if err != nil || resp.StatusCode != http.StatusPaymentRequired {
		return resp, err
	}
	if r.Header.Get(payment.PaymentHeader) != "" {
		// Already paid once; hand the refusal to the caller.
		return resp, nil
	}

	body, err := payment.ParsePaymentRequired(resp)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	req, err := request.FromPaymentRequired(body, t.core.Network)
	if err != nil {
		return nil, err
	}
	payload, err := t.core.Authorize(r.Context(), req)
	if err != nil {
		return nil, err
	}

	retry := r.Clone(r.Context())
	if r.Body != nil && r.Body != http.NoBody {
		if r.GetBody == nil {
			return nil, errors.New("x402: cannot replay request body for payment")
		}
		if retry.Body, err = r.GetBody(); err != nil {
			return nil, err
		}
	}
	if err := payment.SetPaymentHeader(retry, payload); err != nil {
		return nil, err
	}
	zap.L().Debug("retrying request with payment",
		zap.String("url", r.URL.String()),
		zap.String("network", req.Network),
		zap.String("resource", req.Resource))
	return t.base.RoundTrip(retry)
}

// Middleware returns HTTP middleware that charges req for every request. An
// unpaid request gets a 402 with the requirements; a paid one is settled
// with Execute before next runs and carries the X-PAYMENT-RESPONSE header.
func (c *Core) Middleware(req model.PaymentRequirements) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(payment.PaymentHeader)
			if header == "" {
				writePaymentRequired(w, req, payment.PaymentHeader+" header is required")
				return
			}
			payload, err := payment.DecodePaymentHeader(header)
			if err != nil {
				writePaymentRequired(w, req, err.Error())
				return
			}
			s, err := c.Settle(r.Context(), req, payload)
			if err != nil {
				zap.L().Warn("payment settlement failed",
					zap.String("resource", req.Resource),
					zap.String("kind", string(model.KindOf(err))),
					zap.Error(err))
				writePaymentRequired(w, req, err.Error())
				return
			}
			v, err := payment.EncodeSettlementHeader(s)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set(payment.PaymentResponseHeader, v)
			next.ServeHTTP(w, r)
		})
	}
}

// Settle executes payload against req and returns the settlement response.
func (c *Core) Settle(ctx context.Context, req model.PaymentRequirements, payload *model.PaymentPayload) (model.SettlementResponse, error) {
	receipt, err := c.Execute(ctx, req, payload)
	if err != nil {
		return model.SettlementResponse{}, err
	}
	return payment.Settlement(receipt), nil
}

func writePaymentRequired(w http.ResponseWriter, req model.PaymentRequirements, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	err := json.NewEncoder(w).Encode(model.PaymentRequired{
		X402Version: model.X402Version,
		Accepts:     []model.PaymentRequirements{req},
		Error:       reason,
	})
	if err != nil {
		zap.L().Error("failed to write 402 body", zap.Error(err))
	}
}

// ReadSettlement decodes the X-PAYMENT-RESPONSE header of resp.
func ReadSettlement(resp *http.Response) (model.SettlementResponse, error) {
	v := resp.Header.Get(payment.PaymentResponseHeader)
	if v == "" {
		return model.SettlementResponse{}, fmt.Errorf("response has no %s header", payment.PaymentResponseHeader)
	}
	return payment.DecodeSettlementHeader(v)
}
