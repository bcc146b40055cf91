package nn

import (
	"gorgonia.org/tensor"

	"github.com/knights-analytics/platereader/util/vectorutil"
)

// Activation is an element-wise function.
type Activation func(float32) float32

func ReLUFunc(v float32) float32 {
	if v > 0 {
		return v
	}
	return 0
}

// HardswishFunc computes x * relu6(x + 3) / 6.
func HardswishFunc(v float32) float32 {
	switch {
	case v <= -3:
		return 0
	case v >= 3:
		return v
	default:
		return v * (v + 3) / 6
	}
}

// Sigmoid returns a new tensor holding the logistic function of every element of x.
func Sigmoid(x *tensor.Dense) *tensor.Dense {
	return tensor.New(tensor.WithShape(Shape(x)...), tensor.WithBacking(vectorutil.Sigmoid(Float32s(x))))
}

func IdentityFunc(v float32) float32 {
	return v
}

// Apply returns a new tensor with f applied to every element of x.
func Apply(x *tensor.Dense, f Activation) *tensor.Dense {
	out := New(Shape(x)...)
	dst := Float32s(out)
	for i, v := range Float32s(x) {
		dst[i] = f(v)
	}
	return out
}

// ActivationLayer wraps an element-wise function as a Layer.
type ActivationLayer struct {
	Name string
	Fn   Activation
}

func ReLU() *ActivationLayer      { return &ActivationLayer{Name: "relu", Fn: ReLUFunc} }
func Hardswish() *ActivationLayer { return &ActivationLayer{Name: "hardswish", Fn: HardswishFunc} }

// OutputShape implements Layer.
func (a *ActivationLayer) OutputShape(in []int) ([]int, error) {
	return in, nil
}

// Forward implements Layer.
func (a *ActivationLayer) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	return Apply(x, a.Fn), nil
}

// Dropout is the identity at inference time. Rate is kept for completeness of the stage list.
type Dropout struct {
	Rate float32
}

// OutputShape implements Layer.
func (d *Dropout) OutputShape(in []int) ([]int, error) {
	return in, nil
}

// Forward implements Layer.
func (d *Dropout) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	return x, nil
}
