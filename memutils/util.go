package memutils

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// CheckPow2 returns PowerOfTwoError, annotated with the provided name, if number is zero or
// not a power of two
func CheckPow2[T constraints.Integer](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return errors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T constraints.Integer](value T, alignment T) T {
	DebugCheckPow2(uint64(alignment), "alignment")
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown[T constraints.Integer](value T, alignment T) T {
	DebugCheckPow2(uint64(alignment), "alignment")
	return value &^ (alignment - 1)
}

// IsAligned reports whether value is a multiple of alignment, which must be a power of two
func IsAligned[T constraints.Integer](value T, alignment T) bool {
	return value&(alignment-1) == 0
}
