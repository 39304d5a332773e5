// Package convert provides safe integer conversions for configuration values.
package convert

import (
	"fmt"
	"math"
)

// IntToUint32 converts v, returning an error when it does not fit.
func IntToUint32(v int) (uint32, error) {
	if v < 0 || uint64(v) > math.MaxUint32 {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to uint32", v)
	}
	return uint32(v), nil
}

// IntToUint32Clamped converts v, clamping it to [floor, math.MaxUint32].
func IntToUint32Clamped(v int, floor uint32) uint32 {
	if v < int(floor) {
		return floor
	}
	if uint64(v) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

// Int64ToInt converts v, clamping it to the int range.
func Int64ToInt(v int64) int {
	if v > math.MaxInt {
		return math.MaxInt
	}
	if v < math.MinInt {
		return math.MinInt
	}
	return int(v)
}
