package nn

import (
	"fmt"

	"gorgonia.org/tensor"
)

// ChannelAttentionRatio is the bottleneck reduction of the channel gate.
const ChannelAttentionRatio = 16

// ChannelAttention produces (C, 1, 1) weights in [0, 1] from the average and max pooled
// descriptors of a feature map, passed through a shared two layer bottleneck.
type ChannelAttention struct {
	Channels int
	FC1      *Conv2D
	FC2      *Conv2D
}

func NewChannelAttention(channels int) (*ChannelAttention, error) {
	hidden := channels / ChannelAttentionRatio
	if hidden < 1 {
		return nil, &ConfigError{
			Component: "ChannelAttention",
			Reason:    fmt.Sprintf("%d channels leave no bottleneck width at reduction ratio %d", channels, ChannelAttentionRatio),
		}
	}
	fc1, err := NewConv2D(ConvConfig{In: channels, Out: hidden, Kernel: [2]int{1, 1}})
	if err != nil {
		return nil, err
	}
	fc2, err := NewConv2D(ConvConfig{In: hidden, Out: channels, Kernel: [2]int{1, 1}})
	if err != nil {
		return nil, err
	}
	return &ChannelAttention{Channels: channels, FC1: fc1, FC2: fc2}, nil
}

// Params implements Parameterized.
func (a *ChannelAttention) Params(prefix string) []Named {
	return append(a.FC1.Params(prefix+".fc1"), a.FC2.Params(prefix+".fc2")...)
}

// Weights computes the channel gate for x.
func (a *ChannelAttention) Weights(x *tensor.Dense) (*tensor.Dense, error) {
	avg, err := GlobalAvgPool(x)
	if err != nil {
		return nil, err
	}
	mx, err := GlobalMaxPool(x)
	if err != nil {
		return nil, err
	}
	avgOut, err := a.bottleneck(avg)
	if err != nil {
		return nil, err
	}
	maxOut, err := a.bottleneck(mx)
	if err != nil {
		return nil, err
	}
	sum, err := Add(avgOut, maxOut)
	if err != nil {
		return nil, err
	}
	return Sigmoid(sum), nil
}

func (a *ChannelAttention) bottleneck(x *tensor.Dense) (*tensor.Dense, error) {
	hidden, err := a.FC1.Forward(x)
	if err != nil {
		return nil, err
	}
	return a.FC2.Forward(Apply(hidden, ReLUFunc))
}

// SpatialAttention produces (1, H, W) weights in [0, 1] from the channel mean and max of a
// feature map, mixed by a single convolution.
type SpatialAttention struct {
	KernelSize int
	Conv       *Conv2D
}

// NewSpatialAttention accepts kernel sizes 3 and 7 only.
func NewSpatialAttention(kernelSize int) (*SpatialAttention, error) {
	var padding int
	switch kernelSize {
	case 7:
		padding = 3
	case 3:
		padding = 1
	default:
		return nil, &ConfigError{Component: "SpatialAttention", Reason: fmt.Sprintf("kernel size must be 3 or 7, got %d", kernelSize)}
	}
	conv, err := NewConv2D(ConvConfig{
		In:      2,
		Out:     1,
		Kernel:  [2]int{kernelSize, kernelSize},
		Padding: [2]int{padding, padding},
	})
	if err != nil {
		return nil, err
	}
	return &SpatialAttention{KernelSize: kernelSize, Conv: conv}, nil
}

// Params implements Parameterized.
func (a *SpatialAttention) Params(prefix string) []Named {
	return a.Conv.Params(prefix + ".conv1")
}

// Weights computes the spatial gate for x.
func (a *SpatialAttention) Weights(x *tensor.Dense) (*tensor.Dense, error) {
	pooled, err := ChannelMeanMax(x)
	if err != nil {
		return nil, err
	}
	mixed, err := a.Conv.Forward(pooled)
	if err != nil {
		return nil, err
	}
	return Sigmoid(mixed), nil
}
