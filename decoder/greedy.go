// Package decoder turns the network's (class, position) logit grid into plate text with a
// greedy CTC-style collapse.
package decoder

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/platereader/charset"
	"github.com/knights-analytics/platereader/util/vectorutil"
)

// InvalidInputError is returned for inputs the decoder cannot interpret, such as an empty
// sequence or a grid whose class count does not match the charset.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "decoder: invalid input: " + e.Reason
}

// Result is the decoded form of one logit grid.
type Result struct {
	Text string
	// Labels are the collapsed class indices that make up Text.
	Labels []int
	// Raw holds the arg-max class of every sequence position before collapsing.
	Raw []int
}

// ArgMax returns the highest scoring class for every position of a (classes, length) grid.
// Ties go to the lowest class index.
func ArgMax(grid *tensor.Dense) ([]int, error) {
	s := grid.Shape()
	if len(s) != 2 {
		return nil, &InvalidInputError{Reason: fmt.Sprintf("expected a (classes, length) grid, got shape %v", s)}
	}
	classes, length := s[0], s[1]
	if classes == 0 || length == 0 {
		return nil, &InvalidInputError{Reason: "empty logit grid"}
	}
	data, ok := grid.Data().([]float32)
	if !ok {
		return nil, &InvalidInputError{Reason: fmt.Sprintf("expected float32 logits, got %s", grid.Dtype())}
	}
	raw := make([]int, length)
	column := make([]float32, classes)
	for j := range length {
		for c := range classes {
			column[c] = data[c*length+j]
		}
		best, _, err := vectorutil.ArgMax(column)
		if err != nil {
			return nil, &InvalidInputError{Reason: err.Error()}
		}
		raw[j] = best
	}
	return raw, nil
}

// Collapse removes blanks and repeats from a raw label sequence. A symbol repeated on
// consecutive positions is emitted once; a blank between two equal symbols makes them
// count as two separate characters.
func Collapse(raw []int, blank int) ([]int, error) {
	if len(raw) == 0 {
		return nil, &InvalidInputError{Reason: "empty label sequence"}
	}
	labels := make([]int, 0, len(raw))
	prev := raw[0]
	if prev != blank {
		labels = append(labels, prev)
	}
	for _, c := range raw {
		if c == prev || c == blank {
			if c == blank {
				prev = c
			}
			continue
		}
		labels = append(labels, c)
		prev = c
	}
	return labels, nil
}

// DecodeLabels collapses a raw label sequence and maps it through cs.
func DecodeLabels(raw []int, cs charset.Charset) (Result, error) {
	for i, c := range raw {
		if c < 0 || c >= cs.Len() {
			return Result{}, &InvalidInputError{Reason: fmt.Sprintf("label %d at position %d outside charset of %d symbols", c, i, cs.Len())}
		}
	}
	labels, err := Collapse(raw, cs.BlankIndex())
	if err != nil {
		return Result{}, err
	}
	text, err := cs.Text(labels)
	if err != nil {
		return Result{}, err
	}
	return Result{Text: text, Labels: labels, Raw: raw}, nil
}

// Decode decodes a single (classes, length) logit grid.
func Decode(grid *tensor.Dense, cs charset.Charset) (Result, error) {
	s := grid.Shape()
	if len(s) == 2 && s[0] != cs.Len() {
		return Result{}, &InvalidInputError{Reason: fmt.Sprintf("grid has %d classes, charset has %d", s[0], cs.Len())}
	}
	raw, err := ArgMax(grid)
	if err != nil {
		return Result{}, err
	}
	return DecodeLabels(raw, cs)
}

// DecodeBatch decodes every grid independently and returns one result per grid, in order.
func DecodeBatch(grids []*tensor.Dense, cs charset.Charset) ([]Result, error) {
	results := make([]Result, len(grids))
	for i, g := range grids {
		r, err := Decode(g, cs)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		results[i] = r
	}
	return results, nil
}
