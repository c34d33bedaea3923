package tollbooth

import (
	"fmt"
	"math/big"
	"strings"
)

// ParsePrice converts a price string to atomic units of the given asset.
//
// The optional leading "$" is stripped. A string without a decimal point is
// already in the asset's smallest unit ("10000" -> 10000). A string with a
// decimal point is a dollar amount whose fractional part is padded or
// truncated to the asset's decimal count ("$0.01" with USDC -> 10000).
// "0" and "$0" parse to zero, the free-route sentinel.
func ParsePrice(price, asset string) (*big.Int, error) {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(price), "$"))
	if s == "" {
		return nil, fmt.Errorf("%w: empty price", ErrInvalidPrice)
	}
	decimals := AssetDecimals(asset)

	whole, frac, hasPoint := strings.Cut(s, ".")
	if !hasPoint {
		n, ok := new(big.Int).SetString(s, 10)
		if !ok || n.Sign() < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPrice, price)
		}
		return n, nil
	}

	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		frac = frac[:decimals]
	} else {
		frac += strings.Repeat("0", decimals-len(frac))
	}

	n, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrice, price)
	}
	return n, nil
}
