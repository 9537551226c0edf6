package model

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an engine failure so callers can branch on it: user declined
// (no retry prompt), transient network failure (offer retry), insufficient
// funds (offer a funding path) and so on.
type Kind string

const (
	KindInvalidMerchantInput Kind = "InvalidMerchantInput"
	KindMalformedRequest     Kind = "MalformedRequest"
	KindInvalidAmount        Kind = "InvalidAmount"
	KindPrecisionLoss        Kind = "PrecisionLoss"
	KindDecimalsUnavailable  Kind = "DecimalsUnavailable"
	KindUserRejected         Kind = "UserRejected"
	KindAuthorizationExpired Kind = "AuthorizationExpired"
	KindInsufficientFunds    Kind = "InsufficientFunds"
	KindChainUnavailable     Kind = "ChainUnavailable"
	KindConfirmationTimeout  Kind = "ConfirmationTimeout"
	KindWatchTimedOut        Kind = "WatchTimedOut"
	KindUnknownNetwork       Kind = "UnknownNetwork"
	KindUnknownAsset         Kind = "UnknownAsset"

	KindInvalidPayload    Kind = "InvalidPayload"
	KindSignerUnavailable Kind = "SignerUnavailable"
	KindTransactionFailed Kind = "TransactionFailed"
	KindWatchCancelled    Kind = "WatchCancelled"
)

// Sentinels for errors.Is. A sentinel matches any *Error of the same kind.
var (
	ErrInvalidMerchantInput = &Error{Kind: KindInvalidMerchantInput}
	ErrMalformedRequest     = &Error{Kind: KindMalformedRequest}
	ErrInvalidAmount        = &Error{Kind: KindInvalidAmount}
	ErrPrecisionLoss        = &Error{Kind: KindPrecisionLoss}
	ErrDecimalsUnavailable  = &Error{Kind: KindDecimalsUnavailable}
	ErrUserRejected         = &Error{Kind: KindUserRejected}
	ErrAuthorizationExpired = &Error{Kind: KindAuthorizationExpired}
	ErrInsufficientFunds    = &Error{Kind: KindInsufficientFunds}
	ErrChainUnavailable     = &Error{Kind: KindChainUnavailable}
	ErrConfirmationTimeout  = &Error{Kind: KindConfirmationTimeout}
	ErrWatchTimedOut        = &Error{Kind: KindWatchTimedOut}
	ErrUnknownNetwork       = &Error{Kind: KindUnknownNetwork}
	ErrUnknownAsset         = &Error{Kind: KindUnknownAsset}
	ErrInvalidPayload       = &Error{Kind: KindInvalidPayload}
	ErrSignerUnavailable    = &Error{Kind: KindSignerUnavailable}
	ErrTransactionFailed    = &Error{Kind: KindTransactionFailed}
	ErrWatchCancelled       = &Error{Kind: KindWatchCancelled}
)

// Error is the classified error returned at package boundaries. Resource,
// Network and Address carry enough context for a user-facing message; they
// must never hold key material or full signatures.
type Error struct {
	Kind     Kind
	Op       string
	Resource string
	Network  string
	Address  string
	Msg      string
	Err      error
}

// NewError returns an *Error of the given kind wrapping err.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns an *Error of the given kind with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	var ctx []string
	if e.Resource != "" {
		ctx = append(ctx, "resource="+e.Resource)
	}
	if e.Network != "" {
		ctx = append(ctx, "network="+e.Network)
	}
	if e.Address != "" {
		ctx = append(ctx, "address="+e.Address)
	}
	if len(ctx) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(ctx, " "))
		b.WriteString("]")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// WithResource sets the requirements resource id and returns e.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithNetwork sets the network key and returns e.
func (e *Error) WithNetwork(network string) *Error {
	e.Network = network
	return e
}

// WithAddress sets the address the failure concerns and returns e.
func (e *Error) WithAddress(address string) *Error {
	e.Address = address
	return e
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether a caller may offer the user a retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindChainUnavailable, KindConfirmationTimeout:
		return true
	}
	return false
}
