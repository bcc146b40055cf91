package backends

import (
	"errors"
	"fmt"
	"strings"

	"github.com/phuslu/log"

	"github.com/knights-analytics/platereader/charset"
	"github.com/knights-analytics/platereader/lprnet"
	"github.com/knights-analytics/platereader/nn"
	"github.com/knights-analytics/platereader/options"
	"github.com/knights-analytics/platereader/util/fileutil"
)

// ModelConfigFilename is the optional model description stored next to the weights.
const ModelConfigFilename = "config.json"

type Model struct {
	ID                string
	Network           *lprnet.Network
	ONNXModel         *ONNXModel
	Charset           charset.Charset
	Destroy           func() error
	Pipelines         map[string]Pipeline
	Path              string
	WeightsFilename   string
	WeightsPath       string
	OnnxFilename      string
	OnnxPath          string
	InputsMeta        []InputOutputInfo
	OutputsMeta       []InputOutputInfo
	ClassCount        int
	SequenceLength    int
	SpatialKernelSize int
	NumThreads        int
}

// ModelConfig is the content of config.json. Every field is optional.
type ModelConfig struct {
	Charset           []string `json:"charset,omitempty"`
	ClassCount        int      `json:"class_count,omitempty"`
	SpatialKernelSize int      `json:"spatial_kernel_size,omitempty"`
}

func LoadModel(path string, weightsFilename string, onnxFilename string, options *options.Options) (*Model, error) {
	model := &Model{
		ID:              path + ":" + weightsFilename + onnxFilename,
		Path:            path,
		WeightsFilename: weightsFilename,
		OnnxFilename:    onnxFilename,
		Pipelines:       map[string]Pipeline{},
	}

	config, err := loadModelConfig(model)
	if err != nil {
		return nil, fmt.Errorf("reading model config: %w", err)
	}
	if err = resolveCharset(model, config, options); err != nil {
		return nil, err
	}
	model.SpatialKernelSize = config.SpatialKernelSize
	if err = CreateModelBackend(model, options); err != nil {
		return nil, err
	}
	log.Info().Str("model", model.ID).Str("backend", options.Backend).Int("classes", model.ClassCount).
		Int("sequence_length", model.SequenceLength).Msg("loaded plate recognition model")

	model.Destroy = func() error {
		var destroyErr error
		switch options.Backend {
		case "GO":
			model.Network = nil
		case "ONNX":
			if model.ONNXModel != nil {
				destroyErr = errors.Join(destroyErr, model.ONNXModel.Destroy())
			}
			model.ONNXModel = nil
		}
		return destroyErr
	}
	return model, nil
}

// resolveCharset picks the session charset over the model's, and the model's over the default.
// A declared class count that differs from the charset length is a configuration error.
func resolveCharset(model *Model, config ModelConfig, options *options.Options) error {
	symbols := config.Charset
	if len(options.Charset) > 0 {
		symbols = options.Charset
	}
	cs := charset.Default()
	if len(symbols) > 0 {
		var err error
		if cs, err = charset.New(symbols); err != nil {
			return &nn.ConfigError{Component: "charset", Reason: err.Error()}
		}
	}
	classCount := config.ClassCount
	if options.ClassCount != 0 {
		classCount = options.ClassCount
	}
	if classCount != 0 && classCount != cs.Len() {
		return &nn.ConfigError{
			Component: "model",
			Reason:    fmt.Sprintf("class count %d does not match charset length %d", classCount, cs.Len()),
		}
	}
	model.Charset = cs
	model.ClassCount = cs.Len()
	return nil
}

// modelDir is the directory of the model path, or the path itself when it does not name a file.
func modelDir(path string) string {
	if strings.HasSuffix(path, lprnet.WeightsExtension) || strings.HasSuffix(path, ".onnx") {
		if i := strings.LastIndex(path, "/"); i > 0 {
			return path[:i]
		}
		return "."
	}
	return path
}

func loadModelConfig(model *Model) (ModelConfig, error) {
	var config ModelConfig
	configPath := fileutil.PathJoinSafe(modelDir(model.Path), ModelConfigFilename)
	exists, err := fileutil.FileExists(configPath)
	if err != nil || !exists {
		return config, err
	}
	configBytes, err := fileutil.ReadFileBytes(configPath)
	if err != nil {
		return config, err
	}
	if err = json.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("%s: %w", configPath, err)
	}
	return config, nil
}

// resolveModelFile returns path when it already names a file with the extension, otherwise the
// single file with that extension below path, or the one called filename.
func resolveModelFile(path string, filename string, extension string) (string, error) {
	if strings.HasSuffix(path, extension) {
		return path, nil
	}
	files, err := fileutil.FindFiles(path, extension)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no %s file detected at %s. There should be exactly one %s file", extension, path, extension)
	}
	if len(files) > 1 || filename != "" {
		if filename == "" {
			return "", fmt.Errorf("multiple %s files detected at %s and no filename specified", extension, path)
		}
		for i := range files {
			if files[i][1] == filename {
				return fileutil.PathJoinSafe(files[i]...), nil
			}
		}
		return "", fmt.Errorf("file %s not found at %s", filename, path)
	}
	return fileutil.PathJoinSafe(files[0]...), nil
}

// WriteModelConfig stores config.json in dir.
func WriteModelConfig(dir string, config ModelConfig) (err error) {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	writer, err := fileutil.NewFileWriter(fileutil.PathJoinSafe(dir, ModelConfigFilename), "application/json")
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, writer.Close())
	}()
	_, err = writer.Write(data)
	return err
}
