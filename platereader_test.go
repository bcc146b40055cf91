package platereader

import (
	"image"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/platereader/lprnet"
	"github.com/knights-analytics/platereader/nn"
	"github.com/knights-analytics/platereader/options"
	"github.com/knights-analytics/platereader/pipelines"
)

func check(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err.Error())
	}
}

func modelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	network, err := lprnet.Build(lprnet.DefaultConfig())
	check(t, err)
	network.InitRandom(2024)
	check(t, network.SaveWeights(filepath.Join(dir, "lprnet"+lprnet.WeightsExtension)))
	return dir
}

func grayPlate(v uint8) image.Image {
	img := image.NewGray(image.Rect(0, 0, 136, 36))
	for i := range img.Pix {
		img.Pix[i] = v + uint8(i%17)
	}
	return img
}

func TestPlateRecognitionPipelineGo(t *testing.T) {
	session, err := NewGoSession(options.WithIntraOpNumThreads(2))
	check(t, err)
	defer func(session *Session) {
		destroyErr := session.Destroy()
		check(t, destroyErr)
	}(session)

	config := PlateRecognitionConfig{
		ModelPath: modelDir(t),
		Name:      "plates",
	}
	pipeline, err := NewPipeline(session, config)
	check(t, err)

	output, err := pipeline.RunWithImages([]image.Image{grayPlate(10), grayPlate(120)})
	check(t, err)
	assert.Len(t, output.Results, 2)

	again, err := pipeline.RunWithImages([]image.Image{grayPlate(10), grayPlate(120)})
	check(t, err)
	assert.Equal(t, output, again)

	fetched, err := GetPipeline[*pipelines.PlateRecognitionPipeline](session, "plates")
	check(t, err)
	assert.Same(t, pipeline, fetched)

	stats := session.GetStats()
	require.Len(t, stats, 3)
	assert.Contains(t, stats[0], "plates")
	assert.Contains(t, stats[2], "Images=4")
}

func TestPipelineLifecycle(t *testing.T) {
	session, err := NewGoSession()
	check(t, err)
	defer func(session *Session) {
		check(t, session.Destroy())
	}(session)
	dir := modelDir(t)

	_, err = NewPipeline(session, PlateRecognitionConfig{ModelPath: dir})
	assert.ErrorContains(t, err, "name for the pipeline is required")

	first, err := NewPipeline(session, PlateRecognitionConfig{ModelPath: dir, Name: "first"})
	check(t, err)
	second, err := NewPipeline(session, PlateRecognitionConfig{ModelPath: dir, Name: "second"})
	check(t, err)
	assert.Same(t, first.Model, second.Model)
	assert.Len(t, session.models, 1)

	_, err = NewPipeline(session, PlateRecognitionConfig{ModelPath: dir, Name: "first"})
	assert.ErrorContains(t, err, "already been initialised")

	check(t, ClosePipeline[*pipelines.PlateRecognitionPipeline](session, "first"))
	_, err = GetPipeline[*pipelines.PlateRecognitionPipeline](session, "first")
	var notFound *pipelineNotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.Len(t, session.models, 1)
	assert.NotNil(t, second.Model.Network)

	check(t, ClosePipeline[*pipelines.PlateRecognitionPipeline](session, "second"))
	assert.Empty(t, session.models)
	assert.Nil(t, second.Model.Network)
}

func TestNewPipelineErrors(t *testing.T) {
	session, err := NewGoSession(options.WithClassCount(68))
	check(t, err)
	defer func(session *Session) {
		check(t, session.Destroy())
	}(session)

	_, err = NewPipeline(session, PlateRecognitionConfig{ModelPath: modelDir(t), Name: "plates"})
	var configErr *nn.ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Empty(t, session.models)

	_, err = NewPipeline(session, PlateRecognitionConfig{ModelPath: filepath.Join(t.TempDir(), "absent"), Name: "missing"})
	assert.Error(t, err)
}

func TestSessionOptions(t *testing.T) {
	_, err := NewONNXSession(options.WithSpatialKernelSize(3))
	assert.ErrorContains(t, err, "only supported for GO backend")

	_, err = NewGoSession(options.WithSpatialKernelSize(4))
	assert.Error(t, err)

	session, err := NewONNXSession(options.WithCharset([]string{"A", "B", "-"}))
	check(t, err)
	check(t, session.Destroy())
}

func TestPipelineUnloadedImage(t *testing.T) {
	session, err := NewGoSession()
	check(t, err)
	defer func(session *Session) {
		check(t, session.Destroy())
	}(session)
	pipeline, err := NewPipeline(session, PlateRecognitionConfig{ModelPath: modelDir(t), Name: "plates"})
	check(t, err)

	_, err = pipeline.RunWithImages([]image.Image{image.NewRGBA(image.Rect(0, 0, 0, 0))})
	assert.ErrorContains(t, err, "image 0")
}
