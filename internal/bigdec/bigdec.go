// Package bigdec converts between the durable store's decimal-string
// columns and arbitrary-precision integers. All monetary arithmetic in this
// repository runs through *big.Int; floating point never touches a minor
// unit amount.
package bigdec

import (
	"fmt"
	"math/big"
)

// Parse decodes a decimal-string minor-unit amount. An empty string decodes
// to zero, matching freshly-zeroed schedule columns.
func Parse(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("bigdec: invalid decimal string %q", s)
	}
	return v, nil
}

// String encodes a minor-unit amount as a decimal string, the only
// serialisation form this repository ever persists or puts on the wire.
func String(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Add returns a + b without mutating either argument.
func Add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(nonNil(a), nonNil(b))
}

// Sub returns a - b without mutating either argument.
func Sub(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(nonNil(a), nonNil(b))
}

// Mul returns a * b without mutating either argument.
func Mul(a, b *big.Int) *big.Int {
	return new(big.Int).Mul(nonNil(a), nonNil(b))
}

// DivTrunc returns a / b truncated toward zero (never rounds up). Division
// by zero returns zero.
func DivTrunc(a, b *big.Int) *big.Int {
	b = nonNil(b)
	if b.Sign() == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(nonNil(a), b)
}

// Zero reports whether v is nil or equal to zero.
func Zero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// Max returns the larger of a and b.
func Max(a, b *big.Int) *big.Int {
	if nonNil(a).Cmp(nonNil(b)) >= 0 {
		return nonNil(a)
	}
	return nonNil(b)
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
