package units

import (
	"math/big"

	"github.com/jpyc-labs/x402-go/pkg/model"
	"github.com/shopspring/decimal"
)

// Amount is a token amount that always knows its unit: the value is held in
// base units together with the token's decimal count. There is no guessing
// whether a string is base units or a decimal amount.
type Amount struct {
	value    *big.Int
	decimals uint8
}

// ParseDecimal builds an Amount from a human-readable decimal string.
func ParseDecimal(decimalAmount string, decimals uint8) (Amount, error) {
	v, err := parseBase(decimalAmount, decimals, "units.ParseDecimal")
	if err != nil {
		return Amount{}, err
	}
	return Amount{value: v, decimals: decimals}, nil
}

// ParseBaseUnits builds an Amount from a base-unit integer string.
func ParseBaseUnits(baseUnitAmount string, decimals uint8) (Amount, error) {
	var v *big.Int
	ok := integerPattern.MatchString(baseUnitAmount)
	if ok {
		v, ok = new(big.Int).SetString(baseUnitAmount, 10)
	}
	if !ok || decimals > MaxDecimals {
		return Amount{}, model.Errorf(model.KindInvalidAmount, "units.ParseBaseUnits", "%q is not a non-negative integer", baseUnitAmount)
	}
	return Amount{value: v, decimals: decimals}, nil
}

// FromBaseUnits wraps an on-chain value. A nil value is treated as zero.
func FromBaseUnits(v *big.Int, decimals uint8) Amount {
	if v == nil {
		v = new(big.Int)
	}
	return Amount{value: new(big.Int).Set(v), decimals: decimals}
}

// BaseUnits returns a copy of the base-unit value.
func (a Amount) BaseUnits() *big.Int {
	if a.value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.value)
}

// Decimals returns the token decimal count the amount is expressed in.
func (a Amount) Decimals() uint8 { return a.decimals }

// Decimal returns the amount in token units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.BaseUnits(), -int32(a.decimals))
}

// String renders the amount in token units, e.g. "100" or "0.5".
func (a Amount) String() string {
	return formatBase(a.BaseUnits(), a.decimals)
}

// BaseString renders the base-unit integer.
func (a Amount) BaseString() string {
	return a.BaseUnits().String()
}

// IsPositive reports whether the amount is greater than zero.
func (a Amount) IsPositive() bool {
	return a.value != nil && a.value.Sign() > 0
}

// Cmp compares two amounts by value in token units, so amounts with different
// decimal counts compare correctly.
func (a Amount) Cmp(b Amount) int {
	return a.Decimal().Cmp(b.Decimal())
}

// WithinTolerance reports whether |a - b| < tolerance, in token units.
func (a Amount) WithinTolerance(b Amount, tolerance decimal.Decimal) bool {
	return a.Decimal().Sub(b.Decimal()).Abs().LessThan(tolerance)
}
