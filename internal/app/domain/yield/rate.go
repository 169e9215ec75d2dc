package yield

import (
	"fmt"
	"math/big"
	"strings"
)

// RateDecimals is the fixed-point scale for all rates. Aggregation never
// leaves integer arithmetic at this scale.
const RateDecimals = 18

// RateUnit is 10^RateDecimals, the representation of 1.0.
var RateUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(RateDecimals), nil)

// ParseRate converts a non-negative decimal string such as "0.0425" into its
// 18-decimal fixed-point representation, truncating digits beyond the scale.
// Only plain decimal notation is accepted; fraction ("1/3") and exponent
// ("1e5") forms are rejected even though big.Rat could parse them.
func ParseRate(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if !isDecimal(s) {
		return nil, fmt.Errorf("malformed rate %q", s)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("malformed rate %q", s)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(RateUnit))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}

// isDecimal reports whether s is digits with at most one decimal point and
// digits on both sides of it. Signs are rejected along with everything else
// non-digit, so negative rates never parse.
func isDecimal(s string) bool {
	whole, frac, dot := strings.Cut(s, ".")
	if !isDigits(whole) {
		return false
	}
	return !dot || isDigits(frac)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// FormatRate renders a fixed-point rate as a decimal string with trailing
// zeros trimmed, e.g. 42500000000000000 -> "0.0425".
func FormatRate(rate *big.Int) string {
	if rate == nil {
		return "0"
	}
	whole, frac := new(big.Int).QuoRem(rate, RateUnit, new(big.Int))
	if frac.Sign() == 0 {
		return whole.String()
	}
	digits := strings.TrimRight(fmt.Sprintf("%018s", frac.String()), "0")
	return whole.String() + "." + digits
}
