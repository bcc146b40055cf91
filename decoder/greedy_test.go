package decoder

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/platereader/charset"
)

const blank = 66

func TestCollapse(t *testing.T) {
	cases := []struct {
		name string
		raw  []int
		want []int
	}{
		{"runs and blanks", []int{5, 5, 66, 66, 12, 12, 12, 3}, []int{5, 12, 3}},
		{"blank separates equal runs", []int{7, 7, 7, 66, 7}, []int{7, 7}},
		{"only blanks", []int{66, 66, 66}, []int{}},
		{"leading blank", []int{66, 4, 4, 66}, []int{4}},
		{"no repeats", []int{1, 2, 3}, []int{1, 2, 3}},
		{"single symbol", []int{9}, []int{9}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Collapse(c.raw, blank)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestCollapseEmptyInput(t *testing.T) {
	_, err := Collapse(nil, blank)
	var invalid *InvalidInputError
	assert.True(t, errors.As(err, &invalid))
}

func TestDecodeLabels(t *testing.T) {
	cs := charset.Default()
	zero, _ := cs.Index("0")
	a, _ := cs.Index("A")
	res, err := DecodeLabels([]int{0, 0, blank, a, a, blank, a, zero}, cs)
	require.NoError(t, err)
	assert.Equal(t, "京AA0", res.Text)
	assert.Equal(t, []int{0, a, a, zero}, res.Labels)

	res, err = DecodeLabels([]int{blank, blank}, cs)
	require.NoError(t, err)
	assert.Equal(t, "", res.Text)

	_, err = DecodeLabels([]int{67}, cs)
	var invalid *InvalidInputError
	assert.True(t, errors.As(err, &invalid))
}

func TestDefaultCharsetBlankCollapses(t *testing.T) {
	cs := charset.Default()
	require.Equal(t, 67, cs.Len())
	require.Equal(t, blank, cs.BlankIndex())
	res, err := DecodeLabels([]int{5, 5, 66, 66, 12, 12, 12, 3}, cs)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 12, 3}, res.Labels)
}

func gridFor(raw []int, classes int) *tensor.Dense {
	data := make([]float32, classes*len(raw))
	for j, c := range raw {
		data[c*len(raw)+j] = 1
	}
	return tensor.New(tensor.WithShape(classes, len(raw)), tensor.WithBacking(data))
}

func TestDecodeGrid(t *testing.T) {
	cs := charset.Default()
	raw := []int{5, 5, 66, 66, 12, 12, 12, 3}
	res, err := Decode(gridFor(raw, cs.Len()), cs)
	require.NoError(t, err)
	assert.Equal(t, raw, res.Raw)
	assert.Equal(t, []int{5, 12, 3}, res.Labels)
	assert.Equal(t, "晋皖渝", res.Text)
}

func TestArgMaxTiesPickLowestClass(t *testing.T) {
	grid := tensor.New(tensor.WithShape(3, 2), tensor.WithBacking([]float32{
		1, 0,
		1, 2,
		0, 2,
	}))
	raw, err := ArgMax(grid)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, raw)
}

func TestDecodeRejectsMismatchedGrid(t *testing.T) {
	cs := charset.Default()
	_, err := Decode(gridFor([]int{1, 2}, 10), cs)
	var invalid *InvalidInputError
	assert.True(t, errors.As(err, &invalid))
}

func TestDecodeBatchIsPerSample(t *testing.T) {
	cs := charset.Default()
	grids := []*tensor.Dense{
		gridFor([]int{31, 31, blank, 32}, cs.Len()),
		gridFor([]int{blank, blank, blank, blank}, cs.Len()),
		gridFor([]int{41, blank, 41, 41}, cs.Len()),
	}
	results, err := DecodeBatch(grids, cs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "01", results[0].Text)
	assert.Equal(t, "", results[1].Text)
	assert.Equal(t, "AA", results[2].Text)
}
