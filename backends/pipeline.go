package backends

import (
	"errors"
	"fmt"
	"math"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/platereader/options"
	"github.com/knights-analytics/platereader/util/safeconv"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BasePipeline can be embedded by a pipeline.
type BasePipeline struct {
	Model             *Model
	PipelineTimings   *timings
	PreprocessTimings *timings
	PipelineName      string
	Runtime           string
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The tensor dimensions. Negative or zero values are dynamic.
	Dimensions Shape
}
type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	return safeconv.Int64sToInts(s)
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

type OutputInfo struct {
	Name       string
	Dimensions []int64
}
type PipelineMetadata struct {
	OutputsInfo []OutputInfo
}
type PipelineBatchOutput interface {
	GetOutput() []any
}

// Pipeline is the interface that any pipeline must implement.
type Pipeline interface {
	GetStatistics() PipelineStatistics         // Get the pipeline running statistics
	Validate() error                           // Validate the pipeline for correctness
	GetMetadata() PipelineMetadata             // Return metadata information for the pipeline
	GetModel() *Model                          // Return the model used by the pipeline
	Run([]string) (PipelineBatchOutput, error) // Run the pipeline on image paths
}

type PipelineStatistics struct {
	PreprocessTotalTime      time.Duration
	PreprocessExecutionCount uint64
	PreprocessAvgQueryTime   time.Duration
	ForwardTotalTime         time.Duration
	ForwardExecutionCount    uint64
	ForwardAvgQueryTime      time.Duration
	TotalImages              uint64
	AverageBatchSize         float64
}

func (p *PipelineStatistics) ComputePreprocessStatistics(timings *timings) {
	p.PreprocessTotalTime = safeconv.U64ToDuration(timings.TotalNS)
	p.PreprocessExecutionCount = timings.NumCalls
	p.PreprocessAvgQueryTime = time.Duration(float64(timings.TotalNS) /
		math.Max(1, float64(timings.NumCalls)))
}

func (p *PipelineStatistics) ComputeForwardStatistics(timings *timings) {
	p.ForwardTotalTime = safeconv.U64ToDuration(timings.TotalNS)
	p.ForwardExecutionCount = timings.NumCalls
	p.ForwardAvgQueryTime = time.Duration(float64(timings.TotalNS) /
		math.Max(1, float64(timings.NumCalls)))
	p.TotalImages = timings.NumItems
	p.AverageBatchSize = float64(timings.NumItems) / math.Max(1, float64(timings.NumCalls))
}

func (p *PipelineStatistics) Print() {
	jsonData, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		fmt.Println(err)
	}
	fmt.Println(string(jsonData))
}

// PipelineOption is an option for a pipeline type.
type PipelineOption[T Pipeline] func(eo T) error

// PipelineConfig is a configuration for a pipeline type that can be used
// to create that pipeline.
type PipelineConfig[T Pipeline] struct {
	// ModelPath is a directory (local or s3://) holding the model files, or a weight file.
	ModelPath string
	Name      string
	// WeightsFilename picks the weight file when the directory holds several (GO backend).
	WeightsFilename string
	// OnnxFilename picks the .onnx file when the directory holds several (ONNX backend).
	OnnxFilename string
	Options      []PipelineOption[T]
}

type timings struct {
	NumCalls uint64
	NumItems uint64
	TotalNS  uint64
}

// PipelineBatch represents a batch of inputs that runs through the pipeline.
type PipelineBatch struct {
	// InputValues holds one (3, 24, 94) image tensor per sample.
	InputValues []*tensor.Dense
	// OutputValues holds one (classes, sequence length) logit grid per sample.
	OutputValues  []*tensor.Dense
	DestroyInputs func() error
	Size          int
}

func (b *PipelineBatch) Destroy() error {
	return b.DestroyInputs()
}

// NewBatch initializes a new batch for inference.
func NewBatch(size int) *PipelineBatch {
	return &PipelineBatch{
		DestroyInputs: func() error {
			return nil
		},
		Size: size,
	}
}

// RunSessionOnBatch runs the model on every input of the batch and fills OutputValues.
func RunSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	if len(batch.InputValues) != batch.Size {
		return fmt.Errorf("batch has %d inputs, expected %d", len(batch.InputValues), batch.Size)
	}
	if batch.Size == 0 {
		batch.OutputValues = nil
		return nil
	}
	switch p.Runtime {
	case "GO":
		return runGoSessionOnBatch(batch, p)
	case "ONNX":
		return runONNXSessionOnBatch(batch, p)
	}
	return fmt.Errorf("runtime %s is not supported", p.Runtime)
}

func NewBasePipeline[T Pipeline](config PipelineConfig[T], s *options.Options, model *Model) (*BasePipeline, error) {
	if model == nil {
		return nil, errors.New("pipeline requires a model")
	}
	pipeline := &BasePipeline{}
	pipeline.Runtime = s.Backend
	pipeline.PipelineName = config.Name
	pipeline.Model = model
	pipeline.PipelineTimings = &timings{}
	pipeline.PreprocessTimings = &timings{}
	return pipeline, nil
}

func CreateModelBackend(model *Model, s *options.Options) error {
	switch s.Backend {
	case "GO":
		return createGoModelBackend(model, s)
	case "ONNX":
		return createONNXModelBackend(model, s)
	}
	return fmt.Errorf("backend %s is not supported", s.Backend)
}
