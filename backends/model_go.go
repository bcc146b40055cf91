package backends

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/platereader/lprnet"
	"github.com/knights-analytics/platereader/options"
	"github.com/knights-analytics/platereader/util/parallel"
	"github.com/knights-analytics/platereader/util/safeconv"
)

func createGoModelBackend(model *Model, options *options.Options) error {
	weightsPath, err := resolveModelFile(model.Path, model.WeightsFilename, lprnet.WeightsExtension)
	if err != nil {
		return err
	}
	model.WeightsPath = weightsPath

	config := lprnet.DefaultConfig()
	config.Charset = model.Charset
	config.ClassCount = model.ClassCount
	config.FusedGatedBlocks = options.GoOptions.FusedGatedBlocks
	switch {
	case options.GoOptions.SpatialKernelSize != 0:
		config.SpatialKernelSize = options.GoOptions.SpatialKernelSize
	case model.SpatialKernelSize != 0:
		config.SpatialKernelSize = model.SpatialKernelSize
	}
	model.SpatialKernelSize = config.SpatialKernelSize

	network, err := lprnet.Build(config)
	if err != nil {
		return err
	}
	if err = network.LoadWeights(weightsPath); err != nil {
		return err
	}
	model.Network = network
	model.SequenceLength = network.SequenceLength()
	model.NumThreads = options.GoOptions.IntraOpNumThreads
	model.InputsMeta = []InputOutputInfo{{
		Name:       "input",
		Dimensions: NewShape(-1, lprnet.InputChannels, lprnet.InputHeight, lprnet.InputWidth),
	}}
	gridShape, err := network.OutputShape([]int{lprnet.InputChannels, lprnet.InputHeight, lprnet.InputWidth})
	if err != nil {
		return err
	}
	model.OutputsMeta = []InputOutputInfo{{
		Name:       "logits",
		Dimensions: append(NewShape(-1), safeconv.IntsToInt64s(gridShape)...),
	}}
	return nil
}

// runGoSessionOnBatch runs one forward pass per sample, at most NumThreads at a time.
func runGoSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	network := p.Model.Network
	if network == nil {
		return fmt.Errorf("model %s has no network loaded", p.Model.ID)
	}
	outputs := make([]*tensor.Dense, len(batch.InputValues))
	err := parallel.ForEach(len(batch.InputValues), p.Model.NumThreads, func(i int) error {
		logits, err := network.Forward(batch.InputValues[i])
		outputs[i] = logits
		return err
	})
	if err != nil {
		return err
	}
	batch.OutputValues = outputs
	return nil
}
