package safeconv

import (
	"math"
	"time"
)

// DurationToU64 converts a duration to an unsigned nanoseconds counter safely.
// Negative durations are mapped to 0.
func DurationToU64(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) // #nosec G115
}

// U64ToDuration converts an unsigned nanoseconds count to time.Duration safely.
// Values larger than MaxInt64 are clamped to time.Duration(math.MaxInt64).
func U64ToDuration(u uint64) time.Duration {
	if u > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(u))
}

// IntsToInt64s widens tensor dimensions for runtimes that describe shapes with int64.
func IntsToInt64s(input []int) []int64 {
	out := make([]int64, len(input))
	for i, v := range input {
		out[i] = int64(v)
	}
	return out
}

// Int64sToInts narrows int64 dimensions, clamping negative (dynamic) sizes to 0.
func Int64sToInts(input []int64) []int {
	out := make([]int, len(input))
	for i, v := range input {
		switch {
		case v < 0:
			out[i] = 0
		case v > math.MaxInt:
			out[i] = math.MaxInt
		default:
			out[i] = int(v)
		}
	}
	return out
}
