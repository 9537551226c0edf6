// Package model defines the x402 wire types exchanged between merchants and
// payers: payment requirements, signed payment payloads, the 402 response body
// and the settlement response. It also holds the error taxonomy used across
// the SDK.
package model

import (
	"encoding/json"
	"strconv"
)

// X402Version is the protocol version carried by every PaymentPayload.
const X402Version = 1

// SchemeExact is the only payment scheme supported: pay exactly the required amount.
const SchemeExact = "exact"

// DefaultMimeType is used when a merchant does not specify a response type.
const DefaultMimeType = "application/json"

// PaymentRequirements is the published "what must be paid" record.
// MaxAmountRequired is always a human-readable decimal amount, never base units.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int64  `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
	Extra             Extra  `json:"extra"`
}

// TransferAuthorization is the EIP-3009 TransferWithAuthorization message.
// Value is a base-unit integer; ValidAfter and ValidBefore are unix seconds.
type TransferAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ValidityWindow parses ValidAfter and ValidBefore.
func (a TransferAuthorization) ValidityWindow() (after, before int64, err error) {
	after, err = strconv.ParseInt(a.ValidAfter, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	before, err = strconv.ParseInt(a.ValidBefore, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return after, before, nil
}

// ExactPayload is the scheme-specific part of a PaymentPayload.
type ExactPayload struct {
	Signature     string                `json:"signature"`
	Authorization TransferAuthorization `json:"authorization"`
}

// SignatureScheme names how a payload signature was produced.
type SignatureScheme string

const (
	// SignatureEIP712 is a typed-data signature usable by transferWithAuthorization.
	SignatureEIP712 SignatureScheme = "eip712"
	// SignaturePersonal is a personal_sign signature over the canonical JSON of
	// the authorization. It is never valid for on-chain execution.
	SignaturePersonal SignatureScheme = "personal_sign"
)

// SubscriptionData is attached to a payload when the payment funds a recurring plan.
type SubscriptionData struct {
	PlanID    string `json:"planId"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

// PaymentPayload is the signed answer to PaymentRequirements, carried in the
// X-PAYMENT header.
type PaymentPayload struct {
	X402Version      int               `json:"x402Version"`
	Scheme           string            `json:"scheme"`
	Network          string            `json:"network"`
	Payload          ExactPayload      `json:"payload"`
	SubscriptionData *SubscriptionData `json:"subscriptionData,omitempty"`
	SignatureScheme  SignatureScheme   `json:"signatureScheme,omitempty"`
}

// IsFallback reports whether the payload was signed with personal_sign instead
// of EIP-712 typed data.
func (p *PaymentPayload) IsFallback() bool {
	return p.SignatureScheme == SignaturePersonal
}

// PaymentRequired is the JSON body of an HTTP 402 response.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error,omitempty"`
}

// SettlementResponse is the body of the X-PAYMENT-RESPONSE header.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// CanonicalJSON returns the JSON encoding used for fallback signatures.
// Field order follows the struct definition, so the output is stable.
func (a TransferAuthorization) CanonicalJSON() ([]byte, error) {
	return json.Marshal(a)
}
