// Package units converts between human-readable coin amounts and wei.
//
// Both the native coin and the token use 18 decimals on either chain.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits of every asset handled here.
const Decimals = 18

var (
	ErrInvalidAmount = errors.New("units: invalid amount")
	ErrPrecision     = errors.New("units: more than 18 decimal places")
)

// ParseCoin turns "1.5" into 1500000000000000000 wei. A "wei" suffix
// ("42wei") takes the integer as-is.
func ParseCoin(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if raw, ok := strings.CutSuffix(s, "wei"); ok {
		v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		return v, nil
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	wei := d.Shift(Decimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q", ErrPrecision, s)
	}
	return wei.BigInt(), nil
}

// FormatWei renders wei as a coin amount without trailing zeros.
func FormatWei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -Decimals).String()
}
