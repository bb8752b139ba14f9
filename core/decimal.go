// SPDX-License-Identifier: Apache-2.0
package core

// decimal.go – a fixed-precision amount with explicit overflow semantics.
// Backed by a plain uint64 mantissa: balances never go negative, so an
// unsigned representation is sufficient and keeps arithmetic cheap and
// bit-reproducible across nodes.

import (
	"errors"
	"fmt"
)

// ErrOverflow is returned by arithmetic that would wrap or underflow.
var ErrOverflow = errors.New("core: numeric overflow")

// Decimal is a non-negative fixed-point amount. Two decimals are only
// comparable/combinable when they share the same Scale (the asset
// definition's Decimals field); callers are responsible for matching scales,
// the same way the executor only ever operates on one asset at a time.
type Decimal struct {
	Mantissa uint64 `json:"mantissa"`
	Scale    uint8  `json:"scale"`
}

// ZeroDecimal returns the zero value at the given scale.
func ZeroDecimal(scale uint8) Decimal { return Decimal{Scale: scale} }

func (d Decimal) IsZero() bool { return d.Mantissa == 0 }

// Add returns d+o, failing on overflow or scale mismatch.
func (d Decimal) Add(o Decimal) (Decimal, error) {
	if d.Scale != o.Scale {
		return Decimal{}, fmt.Errorf("core: decimal scale mismatch (%d != %d)", d.Scale, o.Scale)
	}
	sum := d.Mantissa + o.Mantissa
	if sum < d.Mantissa { // wrapped
		return Decimal{}, ErrOverflow
	}
	return Decimal{Mantissa: sum, Scale: d.Scale}, nil
}

// Sub returns d-o, failing if the result would go negative.
func (d Decimal) Sub(o Decimal) (Decimal, error) {
	if d.Scale != o.Scale {
		return Decimal{}, fmt.Errorf("core: decimal scale mismatch (%d != %d)", d.Scale, o.Scale)
	}
	if o.Mantissa > d.Mantissa {
		return Decimal{}, ErrOverflow
	}
	return Decimal{Mantissa: d.Mantissa - o.Mantissa, Scale: d.Scale}, nil
}

// Cmp returns -1, 0, 1 comparing d to o (same scale required).
func (d Decimal) Cmp(o Decimal) int {
	switch {
	case d.Mantissa < o.Mantissa:
		return -1
	case d.Mantissa > o.Mantissa:
		return 1
	default:
		return 0
	}
}

// NewDecimal builds a Decimal from an integer amount already expressed in
// the asset's smallest unit (mantissa), e.g. mint "200" with Decimals=0 is
// NewDecimal(200, 0).
func NewDecimal(amount uint64, scale uint8) Decimal {
	return Decimal{Mantissa: amount, Scale: scale}
}

// String renders the decimal in human form, e.g. 12345 at scale 2 -> "123.45".
func (d Decimal) String() string {
	if d.Scale == 0 {
		return fmt.Sprintf("%d", d.Mantissa)
	}
	div := uint64(1)
	for i := uint8(0); i < d.Scale; i++ {
		div *= 10
	}
	whole := d.Mantissa / div
	frac := d.Mantissa % div
	return fmt.Sprintf("%d.%0*d", whole, d.Scale, frac)
}
