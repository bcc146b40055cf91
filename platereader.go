// Package platereader reads license plate text from cropped plate images.
//
// A Session owns loaded models and the pipelines built on them. Models run either on the native
// Go implementation of the recognition network (NewGoSession) or as an exported ONNX graph
// (NewONNXSession).
package platereader

import (
	"errors"
	"fmt"
	"time"

	"github.com/knights-analytics/platereader/backends"
	"github.com/knights-analytics/platereader/options"
	"github.com/knights-analytics/platereader/pipelines"
)

// Session allows for the creation of new pipelines and holds the pipeline already created.
type Session struct {
	plateRecognitionPipelines pipelineMap[*pipelines.PlateRecognitionPipeline]
	models                    map[string]*backends.Model
	options                   *options.Options
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		err := option(parsedOptions)
		if err != nil {
			return nil, err
		}
	}

	session := &Session{
		plateRecognitionPipelines: map[string]*pipelines.PlateRecognitionPipeline{},
		models:                    map[string]*backends.Model{},
		options:                   parsedOptions,
	}
	return session, nil
}

// NewGoSession creates a session that runs the recognition network natively.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", opts...)
}

// NewONNXSession creates a session that runs exported .onnx graphs with gonnx.
func NewONNXSession(opts ...options.WithOption) (*Session, error) {
	return newSession("ONNX", opts...)
}

type pipelineMap[T backends.Pipeline] map[string]T

func (m pipelineMap[T]) GetStats() []string {
	var stats []string
	for name, p := range m {
		s := p.GetStatistics()
		stats = append(stats,
			fmt.Sprintf("Statistics for pipeline: %s", name),
			fmt.Sprintf("Preprocess: Total time=%s, Execution count=%d, Average query time=%s",
				s.PreprocessTotalTime, s.PreprocessExecutionCount, s.PreprocessAvgQueryTime),
			fmt.Sprintf("Forward: Total time=%s, Execution count=%d, Average query time=%s, Images=%d, Average batch size=%.2f",
				s.ForwardTotalTime, s.ForwardExecutionCount, s.ForwardAvgQueryTime.Round(time.Microsecond), s.TotalImages, s.AverageBatchSize),
		)
	}
	return stats
}

// PlateRecognitionConfig is the configuration for a plate recognition pipeline.
type PlateRecognitionConfig = backends.PipelineConfig[*pipelines.PlateRecognitionPipeline]

// PlateRecognitionOption is an option for a plate recognition pipeline.
type PlateRecognitionOption = backends.PipelineOption[*pipelines.PlateRecognitionPipeline]

func modelKey(path, weightsFilename, onnxFilename string) string {
	return path + ":" + weightsFilename + onnxFilename
}

// NewPipeline can be used to create a new pipeline of type T. The initialised pipeline will be returned and it
// will also be stored in the session object so that all created pipelines can be destroyed with session.Destroy()
// at once. Pipelines created from the same model path share the loaded model.
func NewPipeline[T backends.Pipeline](s *Session, pipelineConfig backends.PipelineConfig[T]) (T, error) {
	var pipeline T
	if pipelineConfig.Name == "" {
		return pipeline, errors.New("a name for the pipeline is required")
	}

	_, getError := GetPipeline[T](s, pipelineConfig.Name)
	var notFoundError *pipelineNotFoundError
	if getError == nil {
		return pipeline, fmt.Errorf("pipeline %s has already been initialised", pipelineConfig.Name)
	} else if !errors.As(getError, &notFoundError) {
		return pipeline, getError
	}

	// Load model if it has not been loaded already
	key := modelKey(pipelineConfig.ModelPath, pipelineConfig.WeightsFilename, pipelineConfig.OnnxFilename)
	model, ok := s.models[key]

	var err error
	var name string

	if !ok {
		model, err = backends.LoadModel(pipelineConfig.ModelPath, pipelineConfig.WeightsFilename, pipelineConfig.OnnxFilename, s.options)
		if err != nil {
			return pipeline, err
		}
		s.models[key] = model
	}

	pipeline, name, err = InitializePipeline(pipeline, pipelineConfig, s.options, model)
	if err != nil {
		if len(model.Pipelines) == 0 {
			delete(s.models, key)
			err = errors.Join(err, model.Destroy())
		}
		return pipeline, err
	}

	switch typedPipeline := any(pipeline).(type) {
	case *pipelines.PlateRecognitionPipeline:
		s.plateRecognitionPipelines[name] = typedPipeline
	default:
		return pipeline, fmt.Errorf("pipeline type not supported: %T", typedPipeline)
	}
	return pipeline, nil
}

func InitializePipeline[T backends.Pipeline](p T, pipelineConfig backends.PipelineConfig[T], options *options.Options, model *backends.Model) (T, string, error) {
	var pipeline T
	var name string

	switch any(p).(type) {
	case *pipelines.PlateRecognitionPipeline:
		config := any(pipelineConfig).(backends.PipelineConfig[*pipelines.PlateRecognitionPipeline])
		pipelineInitialised, err := pipelines.NewPlateRecognitionPipeline(config, options, model)
		if err != nil {
			return pipeline, name, err
		}
		pipeline = any(pipelineInitialised).(T)
		name = config.Name
	default:
		return pipeline, name, fmt.Errorf("not implemented")
	}

	model.Pipelines[name] = pipeline
	return pipeline, name, nil
}

// GetPipeline can be used to retrieve a pipeline of type T with the given name from the session.
func GetPipeline[T backends.Pipeline](s *Session, name string) (T, error) {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.PlateRecognitionPipeline:
		p, ok := s.plateRecognitionPipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	default:
		return pipeline, errors.New("pipeline type not supported")
	}
}

// ClosePipeline removes the pipeline from the session and destroys its model once no pipeline uses it.
func ClosePipeline[T backends.Pipeline](s *Session, name string) error {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.PlateRecognitionPipeline:
		p, ok := s.plateRecognitionPipelines[name]
		if ok {
			model := p.Model
			delete(s.plateRecognitionPipelines, name)
			delete(model.Pipelines, name)
			if len(model.Pipelines) == 0 {
				for key, m := range s.models {
					if m == model {
						delete(s.models, key)
					}
				}
				return model.Destroy()
			}
		}
	default:
		return errors.New("pipeline type not supported")
	}
	return nil
}

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

// GetStats returns runtime statistics for all initialized pipelines for profiling purposes. We currently record for each pipeline:
// the total runtime of the preprocessing step and its number of batch calls
// the total runtime of the forward pass, its number of batch calls and the number of images processed.
func (s *Session) GetStats() []string {
	return s.plateRecognitionPipelines.GetStats()
}

// Destroy deletes the session and all initialized pipelines, freeing memory.
// A session should be destroyed when not needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	var err error
	for _, model := range s.models {
		err = errors.Join(err, model.Destroy())
	}
	s.models = nil
	s.plateRecognitionPipelines = nil

	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}
	return err
}
