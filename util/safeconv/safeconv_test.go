package safeconv

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurations(t *testing.T) {
	assert.Equal(t, uint64(0), DurationToU64(-time.Second))
	assert.Equal(t, uint64(1500), DurationToU64(1500*time.Nanosecond))
	assert.Equal(t, time.Duration(math.MaxInt64), U64ToDuration(math.MaxUint64))
	assert.Equal(t, time.Millisecond, U64ToDuration(DurationToU64(time.Millisecond)))
}

func TestDims(t *testing.T) {
	assert.Equal(t, []int64{1, 3, 24, 94}, IntsToInt64s([]int{1, 3, 24, 94}))
	assert.Equal(t, []int{0, 67, 18}, Int64sToInts([]int64{-1, 67, 18}))
}
