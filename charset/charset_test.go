package charset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCharset(t *testing.T) {
	cs := Default()
	assert.Equal(t, 67, cs.Len())
	assert.Equal(t, 66, cs.BlankIndex())

	blank, err := cs.Symbol(cs.BlankIndex())
	require.NoError(t, err)
	assert.Equal(t, Blank, blank)

	i, hasI := cs.Index("I")
	_, hasO := cs.Index("O")
	assert.True(t, hasI)
	assert.Equal(t, 65, i)
	assert.False(t, hasO)
	z, ok := cs.Index("Z")
	require.True(t, ok)
	assert.Equal(t, 64, z)

	first, _ := cs.Symbol(0)
	assert.Equal(t, "京", first)
	zero, ok := cs.Index("0")
	require.True(t, ok)
	assert.Equal(t, 31, zero)
	a, ok := cs.Index("A")
	require.True(t, ok)
	assert.Equal(t, 41, a)
}

func TestEveryNonBlankIndexHasDistinctSymbol(t *testing.T) {
	cs := Default()
	seen := map[string]int{}
	for i := 0; i < cs.BlankIndex(); i++ {
		s, err := cs.Symbol(i)
		require.NoError(t, err)
		assert.NotEqual(t, Blank, s)
		prev, dup := seen[s]
		assert.False(t, dup, "symbol %q at %d and %d", s, prev, i)
		seen[s] = i
		back, ok := cs.Index(s)
		require.True(t, ok)
		assert.Equal(t, i, back)
	}
	assert.Len(t, seen, 66)
}

func TestNewValidation(t *testing.T) {
	_, err := New([]string{"A", "B"})
	assert.Error(t, err, "missing blank")
	_, err = New([]string{"A", "A", Blank})
	assert.Error(t, err, "duplicate")
	_, err = New([]string{"A", Blank, Blank})
	assert.Error(t, err, "blank twice")
	_, err = New([]string{Blank})
	assert.Error(t, err, "only blank")

	cs, err := New([]string{"A", "B", Blank})
	require.NoError(t, err)
	text, err := cs.Text([]int{1, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, "BAB", text)
	_, err = cs.Text([]int{2})
	assert.Error(t, err)
	_, err = cs.Text([]int{3})
	assert.Error(t, err)
}
