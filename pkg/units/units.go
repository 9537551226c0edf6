// Package units converts between human-readable decimal token amounts and
// base-unit integers. All arithmetic is exact: amounts feed signed
// authorization values and must round-trip without floating-point drift.
package units

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/jpyc-labs/x402-go/pkg/model"
	"github.com/shopspring/decimal"
)

// MaxDecimals is the largest decimal count accepted. ERC-20 stores decimals as uint8.
const MaxDecimals = 77

var (
	decimalPattern  = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
	integerPattern  = regexp.MustCompile(`^[0-9]+$`)
	fractionPattern = regexp.MustCompile(`^\.[0-9]+$`)
)

// ToBaseUnits converts a non-negative decimal string into base units:
// amount * 10^decimals. It fails with PrecisionLoss when the amount has more
// fractional digits than decimals supports, and with InvalidAmount when the
// input is not a plain non-negative decimal.
func ToBaseUnits(decimalAmount string, decimals uint8) (string, error) {
	v, err := parseBase(decimalAmount, decimals, "units.ToBaseUnits")
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// ToDecimal converts a non-negative base-unit integer string into a decimal
// string. The output has no trailing fractional zeros, so
// ToDecimal(ToBaseUnits(a, d), d) == a for every canonical a.
func ToDecimal(baseUnitAmount string, decimals uint8) (string, error) {
	const op = "units.ToDecimal"
	if decimals > MaxDecimals {
		return "", model.Errorf(model.KindInvalidAmount, op, "decimals %d out of range", decimals)
	}
	s := strings.TrimSpace(baseUnitAmount)
	if !integerPattern.MatchString(s) {
		return "", model.Errorf(model.KindInvalidAmount, op, "%q is not a non-negative integer", baseUnitAmount)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return "", model.Errorf(model.KindInvalidAmount, op, "%q is not a non-negative integer", baseUnitAmount)
	}
	return formatBase(v, decimals), nil
}

// parseBase validates decimalAmount and scales it to base units.
func parseBase(decimalAmount string, decimals uint8, op string) (*big.Int, error) {
	if decimals > MaxDecimals {
		return nil, model.Errorf(model.KindInvalidAmount, op, "decimals %d out of range", decimals)
	}
	s := strings.TrimSpace(decimalAmount)
	if fractionPattern.MatchString(s) {
		s = "0" + s
	}
	if !decimalPattern.MatchString(s) {
		return nil, model.Errorf(model.KindInvalidAmount, op, "%q is not a non-negative decimal", decimalAmount)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, model.NewError(model.KindInvalidAmount, op, err)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		_, frac, _ := strings.Cut(s, ".")
		return nil, model.Errorf(model.KindPrecisionLoss, op,
			"%q has %d fractional digits, token supports %d", decimalAmount, len(strings.TrimRight(frac, "0")), decimals)
	}
	return scaled.BigInt(), nil
}

// formatBase renders v / 10^decimals without trailing fractional zeros.
func formatBase(v *big.Int, decimals uint8) string {
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}
