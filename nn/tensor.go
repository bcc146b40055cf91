// Package nn implements the tensor operations and layers needed to run the plate recognition
// network on the CPU. All feature maps are float32 gorgonia tensors in (channels, height, width)
// layout. Operations never modify their inputs.
package nn

import (
	"slices"

	"gorgonia.org/tensor"
)

// Layer is a single inference stage.
type Layer interface {
	// Forward computes the layer output for a (C, H, W) input.
	Forward(x *tensor.Dense) (*tensor.Dense, error)
	// OutputShape returns the output dimensions for the given input dimensions, or a
	// ShapeError if the input cannot be processed by the layer.
	OutputShape(in []int) ([]int, error)
}

// Named is a parameter tensor together with its fully qualified name in a weight blob.
type Named struct {
	Name   string
	Tensor *tensor.Dense
}

// Parameterized is implemented by layers that own trainable or running-statistics tensors.
type Parameterized interface {
	Params(prefix string) []Named
}

// New allocates a zero filled float32 tensor.
func New(shape ...int) *tensor.Dense {
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...))
}

// FromData wraps data in a tensor of the given shape. The slice is used as backing storage.
func FromData(data []float32, shape ...int) (*tensor.Dense, error) {
	size := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, &ShapeError{Op: "FromData", Got: shape, Reason: "dimensions must be positive"}
		}
		size *= d
	}
	if size != len(data) {
		return nil, &ShapeError{Op: "FromData", Got: shape, Reason: "data length does not match shape"}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}

// Full returns a tensor of the given shape with every element set to v.
func Full(v float32, shape ...int) *tensor.Dense {
	t := New(shape...)
	data := Float32s(t)
	for i := range data {
		data[i] = v
	}
	return t
}

// Float32s returns the backing slice of a float32 tensor.
func Float32s(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

// Shape returns a copy of the tensor dimensions as a plain int slice.
func Shape(t *tensor.Dense) []int {
	return slices.Clone([]int(t.Shape()))
}

// Clone returns a deep copy of t.
func Clone(t *tensor.Dense) *tensor.Dense {
	out := New(Shape(t)...)
	copy(Float32s(out), Float32s(t))
	return out
}

func dims3(op string, t *tensor.Dense) (int, int, int, error) {
	s := t.Shape()
	if len(s) != 3 {
		return 0, 0, 0, &ShapeError{Op: op, Got: Shape(t), Reason: "expected a (C, H, W) tensor"}
	}
	return s[0], s[1], s[2], nil
}

func shape3(op string, in []int) (int, int, int, error) {
	if len(in) != 3 {
		return 0, 0, 0, &ShapeError{Op: op, Got: in, Reason: "expected a (C, H, W) shape"}
	}
	return in[0], in[1], in[2], nil
}

// pooledSize is the number of windows of size k with stride s over n elements with no padding.
func pooledSize(n, k, s, pad int) int {
	return (n+2*pad-k)/s + 1
}
