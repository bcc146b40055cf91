package backends

import (
	"fmt"
	"sync"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/platereader/lprnet"
	"github.com/knights-analytics/platereader/nn"
	"github.com/knights-analytics/platereader/options"
	"github.com/knights-analytics/platereader/util/fileutil"
)

// ONNXModel runs an exported recognition graph with gonnx.
type ONNXModel struct {
	Model      *gonnx.Model
	InputName  string
	OutputName string
	// BatchSize is the fixed batch dimension of the graph, or 0 when it is dynamic.
	BatchSize int
	mu        sync.Mutex
}

func (m *ONNXModel) Destroy() error {
	m.Model = nil
	return nil
}

func createONNXModelBackend(model *Model, _ *options.Options) error {
	onnxPath, err := resolveModelFile(model.Path, model.OnnxFilename, ".onnx")
	if err != nil {
		return err
	}
	model.OnnxPath = onnxPath
	onnxBytes, err := fileutil.ReadFileBytes(onnxPath)
	if err != nil {
		return err
	}
	session, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", onnxPath, err)
	}
	model.InputsMeta, model.OutputsMeta = loadInputOutputMetaONNX(session)
	onnxModel, err := validateONNXMeta(model)
	if err != nil {
		return err
	}
	onnxModel.Model = session
	model.ONNXModel = onnxModel
	return nil
}

func loadInputOutputMetaONNX(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	return inputs, outputs
}

// validateONNXMeta checks that the graph takes (N, 3, 24, 94) images and returns
// (N, classes, sequence length) logits, and records the sequence length.
func validateONNXMeta(model *Model) (*ONNXModel, error) {
	if len(model.InputsMeta) != 1 || len(model.OutputsMeta) == 0 {
		return nil, fmt.Errorf("expected one input and at least one output, got %d and %d", len(model.InputsMeta), len(model.OutputsMeta))
	}
	input, output := model.InputsMeta[0], model.OutputsMeta[0]
	want := []int64{-1, lprnet.InputChannels, lprnet.InputHeight, lprnet.InputWidth}
	if len(input.Dimensions) != len(want) {
		return nil, &nn.ShapeError{Op: "onnx input " + input.Name, Expected: []int{-1, 3, 24, 94}, Got: input.Dimensions.ValuesInt()}
	}
	for i := 1; i < len(want); i++ {
		if input.Dimensions[i] > 0 && input.Dimensions[i] != want[i] {
			return nil, &nn.ShapeError{Op: "onnx input " + input.Name, Expected: []int{-1, 3, 24, 94}, Got: input.Dimensions.ValuesInt()}
		}
	}
	if len(output.Dimensions) != 3 {
		return nil, &nn.ShapeError{Op: "onnx output " + output.Name, Reason: "expected (batch, classes, sequence length) logits", Got: output.Dimensions.ValuesInt()}
	}
	if classes := output.Dimensions[1]; classes > 0 && int(classes) != model.ClassCount {
		return nil, &nn.ConfigError{
			Component: "onnx model",
			Reason:    fmt.Sprintf("graph emits %d classes, charset has %d", classes, model.ClassCount),
		}
	}
	if output.Dimensions[2] > 0 {
		model.SequenceLength = int(output.Dimensions[2])
	}
	onnxModel := &ONNXModel{InputName: input.Name, OutputName: output.Name}
	if input.Dimensions[0] > 0 {
		onnxModel.BatchSize = int(input.Dimensions[0])
	}
	return onnxModel, nil
}

// stackInputs packs samples [from, to) into one (size, 3, H, W) tensor, zero padding up to size.
func stackInputs(inputs []*tensor.Dense, from, to, size int) (*tensor.Dense, error) {
	per := lprnet.InputChannels * lprnet.InputHeight * lprnet.InputWidth
	backing := make([]float32, size*per)
	for i := from; i < to; i++ {
		want := tensor.Shape{lprnet.InputChannels, lprnet.InputHeight, lprnet.InputWidth}
		if !inputs[i].Shape().Eq(want) {
			return nil, &nn.ShapeError{Op: "onnx input", Expected: want, Got: nn.Shape(inputs[i])}
		}
		copy(backing[(i-from)*per:], nn.Float32s(inputs[i]))
	}
	return nn.FromData(backing, size, lprnet.InputChannels, lprnet.InputHeight, lprnet.InputWidth)
}

// splitOutput cuts an (N, classes, sequence length) result into the first count per-sample grids.
func splitOutput(output tensor.Tensor, count int) ([]*tensor.Dense, error) {
	shape := output.Shape()
	if len(shape) != 3 || shape[0] < count {
		return nil, &nn.ShapeError{Op: "onnx output", Reason: fmt.Sprintf("expected (%d, classes, sequence length) logits", count), Got: []int(shape)}
	}
	data, ok := output.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("onnx output type %T is not supported", output.Data())
	}
	per := shape[1] * shape[2]
	grids := make([]*tensor.Dense, count)
	for i := range count {
		grid := make([]float32, per)
		copy(grid, data[i*per:(i+1)*per])
		var err error
		if grids[i], err = nn.FromData(grid, shape[1], shape[2]); err != nil {
			return nil, err
		}
	}
	return grids, nil
}

// runONNXSessionOnBatch runs the graph on the whole batch, or in chunks of the graph's fixed batch size.
func runONNXSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	onnxModel := p.Model.ONNXModel
	if onnxModel == nil || onnxModel.Model == nil {
		return fmt.Errorf("model %s has no onnx graph loaded", p.Model.ID)
	}
	chunk := onnxModel.BatchSize
	if chunk == 0 {
		chunk = len(batch.InputValues)
	}
	outputs := make([]*tensor.Dense, 0, len(batch.InputValues))
	for from := 0; from < len(batch.InputValues); from += chunk {
		to := min(from+chunk, len(batch.InputValues))
		input, err := stackInputs(batch.InputValues, from, to, chunk)
		if err != nil {
			return err
		}
		onnxModel.mu.Lock()
		results, err := onnxModel.Model.Run(map[string]tensor.Tensor{onnxModel.InputName: input})
		onnxModel.mu.Unlock()
		if err != nil {
			return err
		}
		result, ok := results[onnxModel.OutputName]
		if !ok {
			return fmt.Errorf("onnx graph did not produce output %s", onnxModel.OutputName)
		}
		grids, err := splitOutput(result, to-from)
		if err != nil {
			return err
		}
		outputs = append(outputs, grids...)
	}
	batch.OutputValues = outputs
	return nil
}
