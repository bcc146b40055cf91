package lprnet

import (
	"fmt"

	"github.com/phuslu/log"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/platereader/nn"
)

// FusionHead brings the checkpointed feature maps to a common scale, energy normalizes and
// concatenates them, then projects to per-class logits averaged over height.
type FusionHead struct {
	// Pools holds the pooling applied to each checkpoint; nil means the map is used as is.
	Pools []*nn.AvgPool2D
	// Container is the 1x1 projection to class logits.
	Container  *nn.Conv2D
	classCount int
}

func newFusionHead(classCount int) (*FusionHead, error) {
	container, err := nn.NewConv2D(nn.ConvConfig{
		In:     fusionChannels + classCount,
		Out:    classCount,
		Kernel: [2]int{1, 1},
		Bias:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("fusion head: %w", err)
	}
	return &FusionHead{
		Pools: []*nn.AvgPool2D{
			{Kernel: [2]int{5, 5}, Stride: [2]int{5, 5}},
			{Kernel: [2]int{5, 5}, Stride: [2]int{5, 5}},
			{Kernel: [2]int{4, 10}, Stride: [2]int{4, 2}},
			nil,
		},
		Container:  container,
		classCount: classCount,
	}, nil
}

// Params lists the projection parameters, named as index 0 of the container.
func (h *FusionHead) Params() []nn.Named {
	return h.Container.Params("container.0")
}

// OutputShape checks that the checkpoint shapes line up and returns the logit grid shape.
func (h *FusionHead) OutputShape(checkpoints [][]int) ([]int, error) {
	if len(checkpoints) != len(h.Pools) {
		return nil, &nn.ShapeError{Op: "FusionHead", Reason: fmt.Sprintf("expected %d checkpoints, got %d", len(h.Pools), len(checkpoints))}
	}
	var channels int
	var spatial []int
	for i, shape := range checkpoints {
		if h.Pools[i] != nil {
			var err error
			if shape, err = h.Pools[i].OutputShape(shape); err != nil {
				return nil, fmt.Errorf("checkpoint %d: %w", i, err)
			}
		}
		if spatial == nil {
			spatial = shape[1:]
		} else if shape[1] != spatial[0] || shape[2] != spatial[1] {
			return nil, &nn.ShapeError{
				Op:       "FusionHead",
				Expected: []int{shape[0], spatial[0], spatial[1]},
				Got:      shape,
				Reason:   fmt.Sprintf("checkpoint %d does not match the fused spatial size %v", i, spatial),
			}
		}
		channels += shape[0]
	}
	projected, err := h.Container.OutputShape([]int{channels, spatial[0], spatial[1]})
	if err != nil {
		return nil, err
	}
	return []int{projected[0], projected[2]}, nil
}

// Forward fuses the checkpoints into a (classes, sequence length) logit grid.
func (h *FusionHead) Forward(checkpoints []*tensor.Dense) (*tensor.Dense, error) {
	if len(checkpoints) != len(h.Pools) {
		return nil, &nn.ShapeError{Op: "FusionHead", Reason: fmt.Sprintf("expected %d checkpoints, got %d", len(h.Pools), len(checkpoints))}
	}
	context := make([]*tensor.Dense, len(checkpoints))
	for i, f := range checkpoints {
		if h.Pools[i] != nil {
			var err error
			if f, err = h.Pools[i].Forward(f); err != nil {
				return nil, fmt.Errorf("checkpoint %d: %w", i, err)
			}
		}
		var energy float32
		context[i], energy = nn.EnergyNormalize(f)
		if !nn.UsableEnergy(energy) {
			log.Debug().Int("checkpoint", i).Float32("energy", energy).Msg("feature map passed through without energy normalization")
		}
	}
	fused, err := nn.Concat(context...)
	if err != nil {
		return nil, err
	}
	projected, err := h.Container.Forward(fused)
	if err != nil {
		return nil, err
	}
	return nn.MeanOverHeight(projected)
}
