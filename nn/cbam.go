package nn

import (
	"gorgonia.org/tensor"
)

// GatedConvConfig configures a ConvCBAM block. Padding < 0 selects AutoPad(Kernel).
type GatedConvConfig struct {
	In, Out           int
	Kernel            int
	Stride            int
	Padding           int
	Groups            int
	Activation        bool
	SpatialKernelSize int
}

// DefaultGatedConvConfig is a 1x1, stride 1 block with activation and a 7x7 spatial gate.
func DefaultGatedConvConfig(in, out int) GatedConvConfig {
	return GatedConvConfig{
		In:                in,
		Out:               out,
		Kernel:            1,
		Stride:            1,
		Padding:           -1,
		Groups:            1,
		Activation:        true,
		SpatialKernelSize: 7,
	}
}

// ConvCBAM is a convolution, batch norm and hardswish stage followed by channel gating and
// then spatial gating of the channel gated result.
type ConvCBAM struct {
	Conv *Conv2D
	BN   *BatchNorm2D
	Act  Activation
	CA   *ChannelAttention
	SA   *SpatialAttention
	// Fused selects FusedForward in Forward.
	Fused bool
}

func NewConvCBAM(cfg GatedConvConfig) (*ConvCBAM, error) {
	padding := cfg.Padding
	if padding < 0 {
		padding = AutoPad(cfg.Kernel)
	}
	conv, err := NewConv2D(ConvConfig{
		In:      cfg.In,
		Out:     cfg.Out,
		Kernel:  [2]int{cfg.Kernel, cfg.Kernel},
		Stride:  [2]int{cfg.Stride, cfg.Stride},
		Padding: [2]int{padding, padding},
		Groups:  cfg.Groups,
	})
	if err != nil {
		return nil, err
	}
	bn, err := NewBatchNorm2D(cfg.Out)
	if err != nil {
		return nil, err
	}
	ca, err := NewChannelAttention(cfg.Out)
	if err != nil {
		return nil, err
	}
	sa, err := NewSpatialAttention(cfg.SpatialKernelSize)
	if err != nil {
		return nil, err
	}
	act := Activation(IdentityFunc)
	if cfg.Activation {
		act = HardswishFunc
	}
	return &ConvCBAM{Conv: conv, BN: bn, Act: act, CA: ca, SA: sa}, nil
}

// Params implements Parameterized.
func (b *ConvCBAM) Params(prefix string) []Named {
	params := b.Conv.Params(prefix + ".conv")
	params = append(params, b.BN.Params(prefix+".bn")...)
	params = append(params, b.CA.Params(prefix+".ca")...)
	return append(params, b.SA.Params(prefix+".sa")...)
}

// OutputShape implements Layer.
func (b *ConvCBAM) OutputShape(in []int) ([]int, error) {
	return b.Conv.OutputShape(in)
}

// Forward implements Layer.
func (b *ConvCBAM) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	if b.Fused {
		return b.FusedForward(x)
	}
	y, err := b.Conv.Forward(x)
	if err != nil {
		return nil, err
	}
	if y, err = b.BN.Forward(y); err != nil {
		return nil, err
	}
	y = Apply(y, b.Act)

	cw, err := b.CA.Weights(y)
	if err != nil {
		return nil, err
	}
	if y, err = ScaleChannels(y, cw); err != nil {
		return nil, err
	}
	sw, err := b.SA.Weights(y)
	if err != nil {
		return nil, err
	}
	return ScaleSpatial(y, sw)
}

// FusedForward is the fast path for weights whose normalization was folded into the
// convolution at export time: convolution and activation only, no gating.
func (b *ConvCBAM) FusedForward(x *tensor.Dense) (*tensor.Dense, error) {
	y, err := b.Conv.Forward(x)
	if err != nil {
		return nil, err
	}
	return Apply(y, b.Act), nil
}
