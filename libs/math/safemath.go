package math

import (
	"errors"
	"math"
)

var ErrOverflowUint64 = errors.New("uint64 overflow")
var ErrOverflowInt64 = errors.New("int64 overflow")

// SafeAddUint64 adds two uint64 integers.
// If there is an overflow this will panic.
func SafeAddUint64(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		panic(ErrOverflowUint64)
	}
	return a + b
}

// SafeAddInt64 adds two int64 integers.
// If there is an overflow this will panic.
func SafeAddInt64(a, b int64) int64 {
	if b > 0 && (a > math.MaxInt64-b) {
		panic(ErrOverflowInt64)
	} else if b < 0 && (a < math.MinInt64-b) {
		panic(ErrOverflowInt64)
	}
	return a + b
}

// SafeConvertUint64 takes an int64 and checks if it is negative.
// If it is this will panic.
func SafeConvertUint64(a int64) uint64 {
	if a < 0 {
		panic(ErrOverflowUint64)
	}
	return uint64(a)
}
