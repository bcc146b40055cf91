// Package lprnet builds the attention-gated plate recognition network and runs its forward pass.
//
// The network is a fixed stage list (convolutions, batch norms, activations, channel-striding
// max pools, dropouts and three gated convolution blocks). Four stages are tagged as
// checkpoints; their outputs are pooled to a common scale, energy normalized, concatenated and
// projected to per-class logits by the fusion head.
package lprnet

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/platereader/charset"
	"github.com/knights-analytics/platereader/nn"
)

// Input geometry the network was designed for.
const (
	InputChannels = 3
	InputHeight   = 24
	InputWidth    = 94
)

// fusionChannels is the channel count of checkpoints A, B and C together (64 + 128 + 256).
const fusionChannels = 448

// Config selects the network variant.
type Config struct {
	// Charset is the symbol table; its length must equal ClassCount.
	Charset charset.Charset
	// ClassCount is the number of output classes. Zero means Charset.Len().
	ClassCount int
	// SpatialKernelSize is the kernel of the spatial attention gates, 3 or 7.
	SpatialKernelSize int
	// DropoutRate is recorded on the dropout stages; dropout is the identity at inference.
	DropoutRate float32
	// FusedGatedBlocks runs the gated blocks as convolution and activation only.
	FusedGatedBlocks bool
}

// DefaultConfig returns the configuration of the published model.
func DefaultConfig() Config {
	return Config{
		Charset:           charset.Default(),
		SpatialKernelSize: 7,
		DropoutRate:       0.5,
	}
}

// Stage is one step of the backbone. Checkpoint marks stages whose output feeds the fusion head.
type Stage struct {
	Index      int
	Layer      nn.Layer
	Checkpoint bool
}

// Network is an owned, independently loadable instance of the recognition model.
// After weights are bound it is read-only and Forward may be called concurrently.
type Network struct {
	Config         Config
	Stages         []Stage
	Head           *FusionHead
	classCount     int
	sequenceLength int
}

type stageBuilder struct {
	stages []Stage
	err    error
}

func (b *stageBuilder) add(layer nn.Layer, err error) {
	b.addStage(layer, err, false)
}

func (b *stageBuilder) checkpoint(layer nn.Layer, err error) {
	b.addStage(layer, err, true)
}

func (b *stageBuilder) addStage(layer nn.Layer, err error, checkpoint bool) {
	if b.err != nil {
		return
	}
	if err != nil {
		b.err = fmt.Errorf("stage %d: %w", len(b.stages), err)
		return
	}
	b.stages = append(b.stages, Stage{Index: len(b.stages), Layer: layer, Checkpoint: checkpoint})
}

func conv(in, out int, kernel [2]int) (nn.Layer, error) {
	return nn.NewConv2D(nn.ConvConfig{In: in, Out: out, Kernel: kernel, Bias: true})
}

func norm(channels int) (nn.Layer, error) {
	return nn.NewBatchNorm2D(channels)
}

func gated(in, out int, cfg Config) (nn.Layer, error) {
	gc := nn.DefaultGatedConvConfig(in, out)
	gc.SpatialKernelSize = cfg.SpatialKernelSize
	block, err := nn.NewConvCBAM(gc)
	if err != nil {
		return nil, err
	}
	block.Fused = cfg.FusedGatedBlocks
	return block, nil
}

func maxPool(stride [3]int) (nn.Layer, error) {
	return &nn.MaxPool3D{Kernel: [3]int{1, 3, 3}, Stride: stride}, nil
}

func relu() (nn.Layer, error) {
	return nn.ReLU(), nil
}

// Build constructs a network with identity normalizations and zero weights. Weights are bound
// afterwards with LoadWeights or BindWeights. Configuration problems are reported as
// *nn.ConfigError and architecture inconsistencies as *nn.ShapeError.
func Build(cfg Config) (*Network, error) {
	if cfg.Charset.Len() == 0 {
		return nil, &nn.ConfigError{Component: "lprnet", Reason: "charset is empty"}
	}
	classCount := cfg.ClassCount
	if classCount == 0 {
		classCount = cfg.Charset.Len()
	}
	if classCount != cfg.Charset.Len() {
		return nil, &nn.ConfigError{
			Component: "lprnet",
			Reason:    fmt.Sprintf("class count %d does not match charset length %d", classCount, cfg.Charset.Len()),
		}
	}
	cfg.ClassCount = classCount
	dropout := func() (nn.Layer, error) { return &nn.Dropout{Rate: cfg.DropoutRate}, nil }

	b := &stageBuilder{}
	b.add(conv(3, 64, [2]int{3, 3}))
	b.add(norm(64))
	b.checkpoint(relu())
	b.add(maxPool([3]int{1, 1, 1}))
	b.add(gated(64, 128, cfg))
	b.add(norm(128))
	b.checkpoint(relu())
	b.add(maxPool([3]int{2, 1, 2}))
	b.add(gated(64, 256, cfg))
	b.add(norm(256))
	b.add(relu())
	b.add(gated(256, 256, cfg))
	b.add(norm(256))
	b.checkpoint(relu())
	b.add(maxPool([3]int{4, 1, 2}))
	b.add(dropout())
	b.add(conv(64, 256, [2]int{1, 4}))
	b.add(norm(256))
	b.add(relu())
	b.add(dropout())
	b.add(conv(256, classCount, [2]int{13, 1}))
	b.add(norm(classCount))
	b.checkpoint(relu())
	if b.err != nil {
		return nil, b.err
	}

	head, err := newFusionHead(classCount)
	if err != nil {
		return nil, err
	}
	n := &Network{Config: cfg, Stages: b.stages, Head: head, classCount: classCount}
	gridShape, err := n.OutputShape([]int{InputChannels, InputHeight, InputWidth})
	if err != nil {
		return nil, err
	}
	n.sequenceLength = gridShape[1]
	return n, nil
}

// ClassCount is the number of logit rows.
func (n *Network) ClassCount() int {
	return n.classCount
}

// SequenceLength is the number of logit columns, the maximum decoded plate length.
func (n *Network) SequenceLength() int {
	return n.sequenceLength
}

// OutputShape propagates an input shape through every stage and the head.
func (n *Network) OutputShape(in []int) ([]int, error) {
	shape := in
	var checkpoints [][]int
	for _, s := range n.Stages {
		var err error
		if shape, err = s.Layer.OutputShape(shape); err != nil {
			return nil, fmt.Errorf("stage %d: %w", s.Index, err)
		}
		if s.Checkpoint {
			checkpoints = append(checkpoints, shape)
		}
	}
	return n.Head.OutputShape(checkpoints)
}

func validateInput(x *tensor.Dense) error {
	want := tensor.Shape{InputChannels, InputHeight, InputWidth}
	if !x.Shape().Eq(want) {
		return &nn.ShapeError{Op: "lprnet.Forward", Expected: want, Got: nn.Shape(x)}
	}
	if x.Dtype() != tensor.Float32 {
		return &nn.ShapeError{Op: "lprnet.Forward", Got: nn.Shape(x), Reason: fmt.Sprintf("expected float32 input, got %s", x.Dtype())}
	}
	return nil
}

// Features runs the backbone and returns the checkpointed feature maps in stage order.
func (n *Network) Features(x *tensor.Dense) ([]*tensor.Dense, error) {
	if err := validateInput(x); err != nil {
		return nil, err
	}
	var checkpoints []*tensor.Dense
	for _, s := range n.Stages {
		var err error
		if x, err = s.Layer.Forward(x); err != nil {
			return nil, fmt.Errorf("stage %d: %w", s.Index, err)
		}
		if s.Checkpoint {
			checkpoints = append(checkpoints, x)
		}
	}
	return checkpoints, nil
}

// Forward maps a (3, 24, 94) image tensor to a (classes, sequence length) logit grid.
func (n *Network) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	features, err := n.Features(x)
	if err != nil {
		return nil, err
	}
	return n.Head.Forward(features)
}

// Parameters lists every parameter tensor with its weight blob name.
func (n *Network) Parameters() []nn.Named {
	var params []nn.Named
	for _, s := range n.Stages {
		if p, ok := s.Layer.(nn.Parameterized); ok {
			params = append(params, p.Params(fmt.Sprintf("backbone.%d", s.Index))...)
		}
	}
	return append(params, n.Head.Params()...)
}
