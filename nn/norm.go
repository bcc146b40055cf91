package nn

import (
	"fmt"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

// BatchNormEps matches the default epsilon of the exporting framework.
const BatchNormEps = 1e-5

// BatchNorm2D applies per-channel normalization with frozen running statistics.
type BatchNorm2D struct {
	Channels    int
	Eps         float32
	Weight      *tensor.Dense
	Bias        *tensor.Dense
	RunningMean *tensor.Dense
	RunningVar  *tensor.Dense
}

// NewBatchNorm2D returns an identity normalization (unit scale, zero shift, unit variance).
func NewBatchNorm2D(channels int) (*BatchNorm2D, error) {
	if channels <= 0 {
		return nil, &ConfigError{Component: "BatchNorm2D", Reason: fmt.Sprintf("channels must be positive, got %d", channels)}
	}
	return &BatchNorm2D{
		Channels:    channels,
		Eps:         BatchNormEps,
		Weight:      Full(1, channels),
		Bias:        New(channels),
		RunningMean: New(channels),
		RunningVar:  Full(1, channels),
	}, nil
}

// Params implements Parameterized.
func (b *BatchNorm2D) Params(prefix string) []Named {
	return []Named{
		{Name: prefix + ".weight", Tensor: b.Weight},
		{Name: prefix + ".bias", Tensor: b.Bias},
		{Name: prefix + ".running_mean", Tensor: b.RunningMean},
		{Name: prefix + ".running_var", Tensor: b.RunningVar},
	}
}

// OutputShape implements Layer.
func (b *BatchNorm2D) OutputShape(in []int) ([]int, error) {
	c, _, _, err := shape3("BatchNorm2D", in)
	if err != nil {
		return nil, err
	}
	if c != b.Channels {
		return nil, &ShapeError{Op: "BatchNorm2D", Got: in, Reason: fmt.Sprintf("expected %d channels", b.Channels)}
	}
	return in, nil
}

// Forward implements Layer.
func (b *BatchNorm2D) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	if _, err := b.OutputShape(Shape(x)); err != nil {
		return nil, err
	}
	c, h, w, _ := dims3("BatchNorm2D", x)
	src := Float32s(x)
	out := New(c, h, w)
	dst := Float32s(out)
	gamma, beta := Float32s(b.Weight), Float32s(b.Bias)
	mean, variance := Float32s(b.RunningMean), Float32s(b.RunningVar)
	plane := h * w
	for ch := 0; ch < c; ch++ {
		scale := gamma[ch] / math32.Sqrt(variance[ch]+b.Eps)
		shift := beta[ch] - mean[ch]*scale
		for i := ch * plane; i < (ch+1)*plane; i++ {
			dst[i] = src[i]*scale + shift
		}
	}
	return out, nil
}
