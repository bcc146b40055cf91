package parallel

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForEachVisitsEveryIndex(t *testing.T) {
	for _, limit := range []int{0, 1, 3, 64} {
		seen := make([]int32, 50)
		err := ForEach(len(seen), limit, func(i int) error {
			atomic.AddInt32(&seen[i], 1)
			return nil
		})
		require.NoError(t, err)
		for i, n := range seen {
			assert.Equal(t, int32(1), n, "limit %d index %d", limit, i)
		}
	}
}

func TestForEachBoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	err := ForEach(40, 4, func(int) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		atomic.AddInt32(&inFlight, -1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, int32(4))
}

func TestForEachJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	err := ForEach(10, 3, func(i int) error {
		if i%4 == 0 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "item 0")
	assert.Contains(t, err.Error(), "item 8")
	assert.NotContains(t, err.Error(), "item 1:")
}

func TestForEachEmpty(t *testing.T) {
	assert.NoError(t, ForEach(0, 4, func(int) error { panic("unreachable") }))
}
