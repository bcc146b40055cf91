package vectorutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgMax(t *testing.T) {
	index, value, err := ArgMax([]float32{0.1, 3, -2, 3})
	require.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.Equal(t, float32(3), value)

	_, _, err = ArgMax(nil)
	assert.Error(t, err)
}

func TestSigmoid(t *testing.T) {
	in := []float32{0, 40, -40}
	out := Sigmoid(in)
	require.Len(t, out, 3)
	assert.InDelta(t, 0.5, out[0], 1e-6)
	assert.InDelta(t, 1, out[1], 1e-6)
	assert.InDelta(t, 0, out[2], 1e-6)
	assert.Equal(t, []float32{0, 40, -40}, in)
}
