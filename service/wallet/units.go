package wallet

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of base units (wei) per ether, as a power of ten.
const EtherDecimals = 18

// maxUnitDigits is the number of decimal digits of the largest uint256.
const maxUnitDigits = 78

// ParseUnits converts a decimal amount string into integer base units.
// Negative amounts and amounts finer than one base unit are rejected.
func ParseUnits(amount string, decimals int32) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, amount)
	}
	if d.IsZero() {
		return new(big.Int), nil
	}

	// bound the exponent before expanding it; "1e5000000" is ten bytes
	exp := int64(d.Exponent()) + int64(decimals)
	digits := int64(d.NumDigits())
	if digits+exp > maxUnitDigits {
		return nil, fmt.Errorf("%w: %q exceeds 256 bits", ErrInvalidAmount, amount)
	}
	// a nonzero coefficient of k digits has fewer than k trailing zeros
	if -exp >= digits {
		return nil, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, amount, decimals)
	}

	shifted := d.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, amount, decimals)
	}
	v := shifted.BigInt()
	if v.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %q exceeds 256 bits", ErrInvalidAmount, amount)
	}
	return v, nil
}

// ParseEther converts an ether amount string into wei.
func ParseEther(amount string) (*big.Int, error) {
	return ParseUnits(amount, EtherDecimals)
}

// ToDecimal scales integer base units down by 10^decimals.
func ToDecimal(value *big.Int, decimals int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -decimals)
}

// FormatUnits renders integer base units as a decimal string.
func FormatUnits(value *big.Int, decimals int32) string {
	return ToDecimal(value, decimals).String()
}

// FormatEther renders wei as an ether string.
func FormatEther(wei *big.Int) string {
	return FormatUnits(wei, EtherDecimals)
}
