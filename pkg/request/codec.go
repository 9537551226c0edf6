// Package request builds PaymentRequirements from merchant input and moves
// them through URLs: base64 of canonical JSON in the "request" query
// parameter of a pay URL. Nothing in this package performs network I/O.
package request

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jpyc-labs/x402-go/pkg/blockchain"
	"github.com/jpyc-labs/x402-go/pkg/model"
	"github.com/jpyc-labs/x402-go/pkg/registry"
	"github.com/shopspring/decimal"
)

// DefaultMaxTimeoutSeconds is the validity window used when the merchant does not set one.
const DefaultMaxTimeoutSeconds = 300

// QueryParam is the pay URL query parameter carrying the encoded requirements.
const QueryParam = "request"

// MerchantInput is what a merchant supplies to publish a payment request.
// Amount is a decimal in token units.
type MerchantInput struct {
	Network           string      `validate:"required"`
	Asset             string      `validate:"required,eth_addr"`
	PayTo             string      `validate:"required,eth_addr"`
	Amount            string      `validate:"required"`
	Resource          string      `validate:"omitempty,max=512"`
	Description       string      `validate:"max=1024"`
	MimeType          string      `validate:"omitempty,max=128"`
	MaxTimeoutSeconds int64       `validate:"gte=0,lte=86400"`
	Extra             model.Extra `validate:"-"`
}

var validate = validator.New()

// Build validates input and returns immutable requirements. Addresses are
// checksum-normalized, the amount must be a positive decimal, and an empty
// Resource gets a fresh urn:x402:<uuid> id.
func Build(input MerchantInput) (model.PaymentRequirements, error) {
	const op = "request.Build"
	if err := validate.Struct(input); err != nil {
		return model.PaymentRequirements{}, model.NewError(model.KindInvalidMerchantInput, op, err).WithNetwork(input.Network)
	}

	payTo, err := blockchain.NormalizeAddress(input.PayTo)
	if err != nil {
		return model.PaymentRequirements{}, model.NewError(model.KindInvalidMerchantInput, op, fmt.Errorf("payTo: %w", err))
	}
	asset, err := blockchain.NormalizeAddress(input.Asset)
	if err != nil {
		return model.PaymentRequirements{}, model.NewError(model.KindInvalidMerchantInput, op, fmt.Errorf("asset: %w", err))
	}
	amount, err := positiveDecimal(input.Amount)
	if err != nil {
		return model.PaymentRequirements{}, model.NewError(model.KindInvalidMerchantInput, op, err)
	}
	extra, err := input.Extra.Canonical()
	if err != nil {
		return model.PaymentRequirements{}, model.NewError(model.KindInvalidMerchantInput, op, err)
	}

	req := model.PaymentRequirements{
		Scheme:            model.SchemeExact,
		Network:           input.Network,
		MaxAmountRequired: amount,
		Resource:          input.Resource,
		Description:       input.Description,
		MimeType:          input.MimeType,
		PayTo:             payTo,
		MaxTimeoutSeconds: input.MaxTimeoutSeconds,
		Asset:             asset,
		Extra:             extra,
	}
	if req.Resource == "" {
		req.Resource = "urn:x402:" + uuid.NewString()
	}
	if req.MimeType == "" {
		req.MimeType = model.DefaultMimeType
	}
	if req.MaxTimeoutSeconds == 0 {
		req.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}
	return req, nil
}

// positiveDecimal checks s is a plain positive decimal and returns it trimmed.
func positiveDecimal(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "eE+-") {
		return "", fmt.Errorf("amount %q is not a positive decimal", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return "", fmt.Errorf("amount %q is not a positive decimal", s)
	}
	if !d.IsPositive() {
		return "", fmt.Errorf("amount %q must be greater than zero", s)
	}
	return s, nil
}

// Codec builds requirements against a registry: the network and asset must be
// registered, and the EIP-712 domain name/version default to the asset's.
type Codec struct {
	registry *registry.Registry
}

// NewCodec returns a Codec bound to reg.
func NewCodec(reg *registry.Registry) *Codec {
	return &Codec{registry: reg}
}

// Build validates input against the registry and builds the requirements.
func (c *Codec) Build(input MerchantInput) (model.PaymentRequirements, error) {
	const op = "request.Codec.Build"
	if _, err := c.registry.NetworkConfig(input.Network); err != nil {
		return model.PaymentRequirements{}, model.NewError(model.KindInvalidMerchantInput, op, err).WithNetwork(input.Network)
	}
	if input.Asset == "" {
		keys := c.registry.AssetsForNetwork(input.Network)
		if len(keys) == 1 {
			a, _ := c.registry.AssetConfig(keys[0])
			input.Asset = a.Address
		}
	}
	asset, err := c.registry.AssetByAddress(input.Network, input.Asset)
	if err != nil {
		return model.PaymentRequirements{}, model.NewError(model.KindInvalidMerchantInput, op, err).
			WithNetwork(input.Network).WithAddress(input.Asset)
	}
	if input.Extra.Name == "" {
		input.Extra.Name = asset.Name
	}
	if input.Extra.Version == "" {
		input.Extra.Version = asset.Version
	}
	return Build(input)
}

// Encode returns base64url (unpadded) of the canonical JSON of r.
func Encode(r model.PaymentRequirements) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", model.NewError(model.KindMalformedRequest, "request.Encode", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode is the inverse of Encode. It also accepts standard and padded base64.
// Unknown fields, wrong types, a scheme other than "exact", a missing network
// and malformed addresses are rejected with MalformedRequest.
func Decode(s string) (model.PaymentRequirements, error) {
	const op = "request.Decode"
	raw, err := decodeBase64(strings.TrimSpace(s))
	if err != nil {
		return model.PaymentRequirements{}, model.NewError(model.KindMalformedRequest, op, err)
	}

	var r model.PaymentRequirements
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return model.PaymentRequirements{}, model.NewError(model.KindMalformedRequest, op, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return model.PaymentRequirements{}, model.Errorf(model.KindMalformedRequest, op, "trailing data after requirements")
	}
	if err := checkDecoded(r); err != nil {
		return model.PaymentRequirements{}, model.NewError(model.KindMalformedRequest, op, err).
			WithResource(r.Resource).WithNetwork(r.Network)
	}
	return r, nil
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("request is not base64")
}

func checkDecoded(r model.PaymentRequirements) error {
	if r.Scheme != model.SchemeExact {
		return fmt.Errorf("unsupported scheme %q", r.Scheme)
	}
	if r.Network == "" {
		return errors.New("network is required")
	}
	if _, err := positiveDecimal(r.MaxAmountRequired); err != nil {
		return err
	}
	if _, err := blockchain.NormalizeAddress(r.PayTo); err != nil {
		return fmt.Errorf("payTo: %w", err)
	}
	if _, err := blockchain.NormalizeAddress(r.Asset); err != nil {
		return fmt.Errorf("asset: %w", err)
	}
	if r.MaxTimeoutSeconds <= 0 {
		return errors.New("maxTimeoutSeconds must be positive")
	}
	return nil
}

// PayURL returns https://<host>/pay?request=<encoded requirements>.
func PayURL(host string, r model.PaymentRequirements) (string, error) {
	enc, err := Encode(r)
	if err != nil {
		return "", err
	}
	base := host
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", model.NewError(model.KindInvalidMerchantInput, "request.PayURL", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/pay"
	u.RawQuery = url.Values{QueryParam: {enc}}.Encode()
	return u.String(), nil
}

// ParsePayURL extracts and decodes the requirements from a pay URL.
func ParsePayURL(raw string) (model.PaymentRequirements, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return model.PaymentRequirements{}, model.NewError(model.KindMalformedRequest, "request.ParsePayURL", err)
	}
	enc := u.Query().Get(QueryParam)
	if enc == "" {
		return model.PaymentRequirements{}, model.Errorf(model.KindMalformedRequest, "request.ParsePayURL", "missing %q parameter", QueryParam)
	}
	return Decode(enc)
}

// DecodeAny accepts either a pay URL or a bare encoded request.
func DecodeAny(s string) (model.PaymentRequirements, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") || strings.Contains(s, "?"+QueryParam+"=") {
		return ParsePayURL(s)
	}
	return Decode(s)
}

// FromPaymentRequired selects the first "exact" requirement for network from a
// 402 response body. An empty network accepts any.
func FromPaymentRequired(body model.PaymentRequired, network string) (model.PaymentRequirements, error) {
	for _, r := range body.Accepts {
		if r.Scheme != model.SchemeExact {
			continue
		}
		if network != "" && r.Network != network {
			continue
		}
		if err := checkDecoded(r); err != nil {
			return model.PaymentRequirements{}, model.NewError(model.KindMalformedRequest, "request.FromPaymentRequired", err)
		}
		return r, nil
	}
	return model.PaymentRequirements{}, model.Errorf(model.KindMalformedRequest, "request.FromPaymentRequired",
		"no exact requirements for network %q", network)
}
