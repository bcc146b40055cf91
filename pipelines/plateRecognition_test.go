package pipelines

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/platereader/backends"
	"github.com/knights-analytics/platereader/lprnet"
	"github.com/knights-analytics/platereader/nn"
	"github.com/knights-analytics/platereader/options"
	"github.com/knights-analytics/platereader/util/imageutil"
)

func newTestPipeline(t *testing.T, opts ...backends.PipelineOption[*PlateRecognitionPipeline]) *PlateRecognitionPipeline {
	t.Helper()
	dir := t.TempDir()
	network, err := lprnet.Build(lprnet.DefaultConfig())
	require.NoError(t, err)
	network.InitRandom(42)
	require.NoError(t, network.SaveWeights(filepath.Join(dir, "lprnet"+lprnet.WeightsExtension)))

	s := options.Defaults()
	s.Backend = "GO"
	model, err := backends.LoadModel(dir, "", "", s)
	require.NoError(t, err)
	pipeline, err := NewPlateRecognitionPipeline(backends.PipelineConfig[*PlateRecognitionPipeline]{
		ModelPath: dir,
		Name:      "plates",
		Options:   opts,
	}, s, model)
	require.NoError(t, err)
	return pipeline
}

func plateImage(w, h int, seed uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x*7+y*13) + seed
			img.Set(x, y, color.RGBA{R: v, G: 255 - v, B: v / 2, A: 255})
		}
	}
	return img
}

func TestPreprocess(t *testing.T) {
	p := newTestPipeline(t)
	white := image.NewRGBA(image.Rect(0, 0, 140, 40))
	for i := range white.Pix {
		white.Pix[i] = 255
	}
	batch := backends.NewBatch(1)
	require.NoError(t, p.Preprocess(batch, []image.Image{white}))
	require.Len(t, batch.InputValues, 1)
	assert.Equal(t, []int{3, 24, 94}, nn.Shape(batch.InputValues[0]))
	for _, v := range nn.Float32s(batch.InputValues[0]) {
		require.InDelta(t, 0.99609375, v, 1e-6)
	}
}

func TestPreprocessChannelOrder(t *testing.T) {
	p := newTestPipeline(t)
	red := image.NewRGBA(image.Rect(0, 0, 94, 24))
	for i := 0; i < len(red.Pix); i += 4 {
		red.Pix[i], red.Pix[i+3] = 255, 255
	}
	batch := backends.NewBatch(1)
	require.NoError(t, p.Preprocess(batch, []image.Image{red}))
	data := nn.Float32s(batch.InputValues[0])
	plane := 24 * 94
	assert.InDelta(t, -0.99609375, data[0], 1e-6, "blue plane first")
	assert.InDelta(t, 0.99609375, data[2*plane], 1e-6, "red plane last")
}

func TestPreprocessWrongSize(t *testing.T) {
	p := newTestPipeline(t, WithPreprocessSteps(imageutil.ResizeStep(50, 20)))
	batch := backends.NewBatch(1)
	err := p.Preprocess(batch, []image.Image{plateImage(94, 24, 0)})
	var shapeErr *nn.ShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, []int{3, 20, 50}, shapeErr.Got)
}

func TestRunWithImages(t *testing.T) {
	p := newTestPipeline(t)
	images := []image.Image{plateImage(188, 48, 0), plateImage(94, 24, 90), plateImage(120, 30, 200)}
	first, err := p.RunWithImages(images)
	require.NoError(t, err)
	require.Len(t, first.Results, 3)
	second, err := p.RunWithImages(images)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	cs := p.Model.Charset
	for _, result := range first.Results {
		assert.LessOrEqual(t, utf8.RuneCountInString(result.Plate), p.Model.SequenceLength)
		text, err := cs.Text(result.Labels)
		require.NoError(t, err)
		assert.Equal(t, text, result.Plate)
	}
	assert.Len(t, first.GetOutput(), 3)

	stats := p.GetStatistics()
	assert.Equal(t, uint64(2), stats.ForwardExecutionCount)
	assert.Equal(t, uint64(6), stats.TotalImages)
	assert.Equal(t, uint64(2), stats.PreprocessExecutionCount)
}

func TestRunWithTensors(t *testing.T) {
	p := newTestPipeline(t)
	img := plateImage(94, 24, 30)
	fromImages, err := p.RunWithImages([]image.Image{img})
	require.NoError(t, err)

	data, h, w := imageutil.ToCHW(img, imageutil.ChannelSwapStep(), imageutil.PlateNormalizationStep())
	x, err := nn.FromData(data, 3, h, w)
	require.NoError(t, err)
	fromTensors, err := p.RunWithTensors([]*tensor.Dense{x})
	require.NoError(t, err)
	assert.Equal(t, fromImages, fromTensors)

	_, err = p.RunWithTensors([]*tensor.Dense{nn.New(3, 24, 95)})
	var shapeErr *nn.ShapeError
	require.ErrorAs(t, err, &shapeErr)

	empty, err := p.RunWithTensors(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Results)
}

func TestRunPipeline(t *testing.T) {
	p := newTestPipeline(t)
	dir := t.TempDir()
	var paths []string
	for i, seed := range []uint8{1, 2} {
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, plateImage(94, 24, seed)))
		path := filepath.Join(dir, string(rune('a'+i))+".png")
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
		paths = append(paths, path)
	}
	output, err := p.Run(paths)
	require.NoError(t, err)
	assert.Len(t, output.GetOutput(), 2)

	_, err = p.RunPipeline([]string{filepath.Join(dir, "missing.png")})
	assert.ErrorContains(t, err, "failed to load images")
}

func TestMetadataAndValidate(t *testing.T) {
	p := newTestPipeline(t)
	meta := p.GetMetadata()
	require.Len(t, meta.OutputsInfo, 1)
	assert.Equal(t, []int64{-1, 67, 18}, meta.OutputsInfo[0].Dimensions)

	_, err := NewPlateRecognitionPipeline(backends.PipelineConfig[*PlateRecognitionPipeline]{
		Name:    "no steps",
		Options: []backends.PipelineOption[*PlateRecognitionPipeline]{WithPreprocessSteps()},
	}, &options.Options{Backend: "GO"}, p.Model)
	assert.ErrorContains(t, err, "preprocess step")
}

func TestBatchDestroyErrorIsReported(t *testing.T) {
	p := newTestPipeline(t)
	batch := backends.NewBatch(1)
	batch.InputValues = []*tensor.Dense{nn.New(3, 24, 94)}
	released := false
	batch.DestroyInputs = func() error {
		released = true
		return errors.New("releasing inputs failed")
	}

	output, err := p.runBatch(batch, nil)
	assert.True(t, released)
	require.ErrorContains(t, err, "releasing inputs failed")
	require.NotNil(t, output)
	assert.Len(t, output.Results, 1)

	batch = backends.NewBatch(1)
	batch.DestroyInputs = func() error { return errors.New("releasing inputs failed") }
	_, err = p.runBatch(batch, func() error { return errors.New("preprocess failed") })
	assert.ErrorContains(t, err, "preprocess failed")
	assert.ErrorContains(t, err, "releasing inputs failed")
}
