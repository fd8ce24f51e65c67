// Package tscmath implements the 64.64 fixed-point primitives used to turn a
// cycle counter into Hyper-V reference time.
package tscmath

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	ErrDivideByZero     = errors.New("tscmath: division by zero")
	ErrQuotientOverflow = errors.New("tscmath: quotient does not fit in 64 bits")
)

// CheckShlDiv64 reports whether ShlDiv64(dividend, divisor) is defined.
func CheckShlDiv64(dividend, divisor uint64) error {
	if divisor == 0 {
		return ErrDivideByZero
	}
	// (dividend << 64) / divisor < 2^64 iff dividend < divisor.
	if dividend >= divisor {
		return fmt.Errorf("%w: (0x%x << 64) / 0x%x", ErrQuotientOverflow, dividend, divisor)
	}
	return nil
}

// ShlDiv64 returns floor((dividend << 64) / divisor).
//
// The caller must ensure divisor != 0 and dividend < divisor. A violation is
// a programming error and panics.
func ShlDiv64(dividend, divisor uint64) uint64 {
	if err := CheckShlDiv64(dividend, divisor); err != nil {
		panic(err)
	}
	quo, _ := bits.Div64(dividend, 0, divisor)
	return quo
}

// MulShr64 returns the high 64 bits of the 128-bit product a*b.
func MulShr64(a, b uint64) uint64 {
	hi, _ := bits.Mul64(a, b)
	return hi
}
