package pipelines

import (
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/platereader/backends"
	"github.com/knights-analytics/platereader/decoder"
	"github.com/knights-analytics/platereader/lprnet"
	"github.com/knights-analytics/platereader/nn"
	"github.com/knights-analytics/platereader/options"
	"github.com/knights-analytics/platereader/util/imageutil"
	"github.com/knights-analytics/platereader/util/safeconv"
)

// PlateRecognitionPipeline reads the text of cropped license plate images.
// Images are resized to 94x24, converted to BGR order and normalized before the forward pass;
// the logit grid of each image is decoded greedily.
type PlateRecognitionPipeline struct {
	*backends.BasePipeline
	preprocessSteps    []imageutil.PreprocessStep
	normalizationSteps []imageutil.NormalizationStep
}

type PlateRecognitionResult struct {
	Plate  string `json:"plate"`
	Labels []int  `json:"labels"`
}

type PlateRecognitionOutput struct {
	Results []PlateRecognitionResult
}

func (o *PlateRecognitionOutput) GetOutput() []any {
	out := make([]any, len(o.Results))
	for i, result := range o.Results {
		out[i] = any(result)
	}
	return out
}

// WithPreprocessSteps replaces the default image steps (resize to 94x24).
func WithPreprocessSteps(steps ...imageutil.PreprocessStep) backends.PipelineOption[*PlateRecognitionPipeline] {
	return func(p *PlateRecognitionPipeline) error {
		p.preprocessSteps = steps
		return nil
	}
}

// WithNormalizationSteps replaces the default pixel steps (BGR order, plate normalization).
func WithNormalizationSteps(steps ...imageutil.NormalizationStep) backends.PipelineOption[*PlateRecognitionPipeline] {
	return func(p *PlateRecognitionPipeline) error {
		p.normalizationSteps = steps
		return nil
	}
}

// NewPlateRecognitionPipeline initializes a plate recognition pipeline.
func NewPlateRecognitionPipeline(config backends.PipelineConfig[*PlateRecognitionPipeline], s *options.Options, model *backends.Model) (*PlateRecognitionPipeline, error) {
	defaultPipeline, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}

	pipeline := &PlateRecognitionPipeline{
		BasePipeline:       defaultPipeline,
		preprocessSteps:    []imageutil.PreprocessStep{imageutil.ResizeStep(lprnet.InputWidth, lprnet.InputHeight)},
		normalizationSteps: []imageutil.NormalizationStep{imageutil.ChannelSwapStep(), imageutil.PlateNormalizationStep()},
	}
	for _, o := range config.Options {
		err = o(pipeline)
		if err != nil {
			return nil, err
		}
	}

	// validate pipeline
	err = pipeline.Validate()
	if err != nil {
		return nil, err
	}
	return pipeline, nil
}

// INTERFACE IMPLEMENTATIONS

func (p *PlateRecognitionPipeline) GetModel() *backends.Model {
	return p.BasePipeline.Model
}

func (p *PlateRecognitionPipeline) GetMetadata() backends.PipelineMetadata {
	return backends.PipelineMetadata{
		OutputsInfo: []backends.OutputInfo{
			{
				Name:       p.Model.OutputsMeta[0].Name,
				Dimensions: p.Model.OutputsMeta[0].Dimensions,
			},
		},
	}
}

func (p *PlateRecognitionPipeline) GetStatistics() backends.PipelineStatistics {
	statistics := backends.PipelineStatistics{}
	statistics.ComputePreprocessStatistics(p.PreprocessTimings)
	statistics.ComputeForwardStatistics(p.PipelineTimings)
	return statistics
}

func (p *PlateRecognitionPipeline) Validate() error {
	var validationErrors []error
	if len(p.Model.InputsMeta) != 1 {
		validationErrors = append(validationErrors, fmt.Errorf("expected one model input, got %d", len(p.Model.InputsMeta)))
	}
	if len(p.Model.OutputsMeta) == 0 {
		validationErrors = append(validationErrors, errors.New("model has no outputs"))
	}
	if p.Model.Charset.Len() != p.Model.ClassCount {
		validationErrors = append(validationErrors, fmt.Errorf("charset has %d symbols, model has %d classes", p.Model.Charset.Len(), p.Model.ClassCount))
	}
	if len(p.preprocessSteps) == 0 {
		validationErrors = append(validationErrors, errors.New("at least one preprocess step must bring images to 94x24"))
	}
	return errors.Join(validationErrors...)
}

// Preprocess turns images into (3, 24, 94) input tensors.
func (p *PlateRecognitionPipeline) Preprocess(batch *backends.PipelineBatch, inputs []image.Image) error {
	start := time.Now()
	tensors := make([]*tensor.Dense, len(inputs))
	for i, img := range inputs {
		processed := img
		for _, step := range p.preprocessSteps {
			var err error
			processed, err = step.Apply(processed)
			if err != nil {
				return fmt.Errorf("image %d: failed to apply preprocessing step: %w", i, err)
			}
		}
		data, height, width := imageutil.ToCHW(processed, p.normalizationSteps...)
		if height != lprnet.InputHeight || width != lprnet.InputWidth {
			return &nn.ShapeError{
				Op:       "Preprocess",
				Expected: []int{lprnet.InputChannels, lprnet.InputHeight, lprnet.InputWidth},
				Got:      []int{lprnet.InputChannels, height, width},
			}
		}
		var err error
		if tensors[i], err = nn.FromData(data, lprnet.InputChannels, height, width); err != nil {
			return err
		}
	}
	batch.InputValues = tensors
	atomic.AddUint64(&p.PreprocessTimings.NumCalls, 1)
	atomic.AddUint64(&p.PreprocessTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	return nil
}

// Forward runs inference.
func (p *PlateRecognitionPipeline) Forward(batch *backends.PipelineBatch) error {
	start := time.Now()
	if err := backends.RunSessionOnBatch(batch, p.BasePipeline); err != nil {
		return err
	}
	atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.NumItems, uint64(batch.Size))
	atomic.AddUint64(&p.PipelineTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	return nil
}

// Postprocess decodes every logit grid of the batch independently.
func (p *PlateRecognitionPipeline) Postprocess(batch *backends.PipelineBatch) (*PlateRecognitionOutput, error) {
	decoded, err := decoder.DecodeBatch(batch.OutputValues, p.Model.Charset)
	if err != nil {
		return nil, err
	}
	results := make([]PlateRecognitionResult, len(decoded))
	for i, d := range decoded {
		results[i] = PlateRecognitionResult{Plate: d.Text, Labels: d.Labels}
	}
	return &PlateRecognitionOutput{Results: results}, nil
}

// Run runs the pipeline on a batch of image file paths.
func (p *PlateRecognitionPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

// RunPipeline returns the concrete output type.
func (p *PlateRecognitionPipeline) RunPipeline(inputs []string) (*PlateRecognitionOutput, error) {
	images, err := imageutil.LoadImagesFromPaths(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to load images: %w", err)
	}
	return p.RunWithImages(images)
}

func (p *PlateRecognitionPipeline) RunWithImages(inputs []image.Image) (*PlateRecognitionOutput, error) {
	batch := backends.NewBatch(len(inputs))
	return p.runBatch(batch, func() error {
		return p.Preprocess(batch, inputs)
	})
}

// RunWithTensors runs already preprocessed (3, 24, 94) tensors.
func (p *PlateRecognitionPipeline) RunWithTensors(inputs []*tensor.Dense) (*PlateRecognitionOutput, error) {
	batch := backends.NewBatch(len(inputs))
	batch.InputValues = inputs
	return p.runBatch(batch, nil)
}

// runBatch fills the batch with prepare, when given, runs it and destroys it. A failure to
// destroy the batch is reported along with any run error.
func (p *PlateRecognitionPipeline) runBatch(batch *backends.PipelineBatch, prepare func() error) (output *PlateRecognitionOutput, err error) {
	defer func() {
		err = errors.Join(err, batch.Destroy())
	}()

	if prepare != nil {
		if err = prepare(); err != nil {
			return nil, err
		}
	}
	if err = p.Forward(batch); err != nil {
		return nil, err
	}
	return p.Postprocess(batch)
}
