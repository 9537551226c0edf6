package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jpyc-labs/x402-go/pkg/model"
)

func TestPaymentHeader_RoundTrip(t *testing.T) {
	f := newFixture(t)

	v, err := EncodePaymentHeader(f.payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodePaymentHeader(v)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, f.payload) {
		t.Fatalf("payload changed in transit:\n got %+v\nwant %+v", got, f.payload)
	}

	raw, _ := json.Marshal(f.payload)
	if _, err := DecodePaymentHeader(base64.RawURLEncoding.EncodeToString(raw)); err != nil {
		t.Fatalf("url-safe header rejected: %v", err)
	}
}

func TestDecodePaymentHeader_Invalid(t *testing.T) {
	for _, h := range []string{"", "   ", "%%%", base64.StdEncoding.EncodeToString([]byte("not json"))} {
		if _, err := DecodePaymentHeader(h); !errors.Is(err, model.ErrInvalidPayload) {
			t.Fatalf("header %q: expected InvalidPayload, got %v", h, err)
		}
	}
}

func TestSetPaymentHeader(t *testing.T) {
	f := newFixture(t)
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(PaymentHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := SetPaymentHeader(r, f.payload); err != nil {
		t.Fatalf("SetPaymentHeader: %v", err)
	}
	resp, err := srv.Client().Do(r)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	p, err := DecodePaymentHeader(seen)
	if err != nil {
		t.Fatalf("server could not decode header: %v", err)
	}
	if p.Payload.Signature != f.payload.Payload.Signature {
		t.Fatalf("signature changed in transit")
	}
}

func TestParsePaymentRequired(t *testing.T) {
	accepts, _ := json.Marshal(model.PaymentRequired{X402Version: 1, Accepts: []model.PaymentRequirements{requirements()}})
	empty, _ := json.Marshal(model.PaymentRequired{X402Version: 1})

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{name: "402", status: http.StatusPaymentRequired, body: string(accepts)},
		{name: "wrong status", status: http.StatusOK, body: string(accepts), wantErr: true},
		{name: "no accepts", status: http.StatusPaymentRequired, body: string(empty), wantErr: true},
		{name: "not json", status: http.StatusPaymentRequired, body: "<html>", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Body: io.NopCloser(strings.NewReader(tt.body))}
			got, err := ParsePaymentRequired(resp)
			if tt.wantErr {
				if !errors.Is(err, model.ErrMalformedRequest) {
					t.Fatalf("expected MalformedRequest, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePaymentRequired: %v", err)
			}
			if len(got.Accepts) != 1 || got.Accepts[0].PayTo != merchant {
				t.Fatalf("unexpected body: %+v", got)
			}
		})
	}
}

func TestSettlementHeader(t *testing.T) {
	r := &Receipt{
		TxHash:  sentHash,
		Network: "polygon",
		Payer:   common.HexToAddress(merchant),
	}
	s := Settlement(r)
	if !s.Success || s.Transaction != sentHash.Hex() {
		t.Fatalf("unexpected settlement: %+v", s)
	}

	v, err := EncodeSettlementHeader(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeSettlementHeader(v)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != s {
		t.Fatalf("settlement changed: got %+v want %+v", got, s)
	}
	if _, err := DecodeSettlementHeader(""); err == nil {
		t.Fatal("expected error for empty header")
	}
}
