package main

import (
	"bufio"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/platereader/lprnet"
)

func check(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err.Error())
	}
}

func writeModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	network, err := lprnet.Build(lprnet.DefaultConfig())
	check(t, err)
	network.InitRandom(7)
	check(t, network.SaveWeights(filepath.Join(dir, "lprnet"+lprnet.WeightsExtension)))
	return dir
}

func writePlate(t *testing.T, path string, shade uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 94, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 94; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: uint8(x * 2), B: uint8(y * 8), A: 255})
		}
	}
	f, err := os.Create(path)
	check(t, err)
	check(t, png.Encode(f, img))
	check(t, f.Close())
}

func readResults(t *testing.T, path string) []result {
	t.Helper()
	f, err := os.Open(path)
	check(t, err)
	defer f.Close()
	var results []result
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r result
		check(t, json.Unmarshal(scanner.Bytes(), &r))
		results = append(results, r)
	}
	check(t, scanner.Err())
	return results
}

func TestListImagesSortedAndCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c.JPG", "a.png", "b.PNG", "notes.txt", "d.webp"} {
		check(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}
	files, err := listImages(dir)
	check(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.png"),
		filepath.Join(dir, "b.PNG"),
		filepath.Join(dir, "c.JPG"),
		filepath.Join(dir, "d.webp"),
	}, files)
}

func TestRunCommandFolder(t *testing.T) {
	model := writeModel(t)
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writePlate(t, filepath.Join(inputDir, "b.PNG"), 200)
	writePlate(t, filepath.Join(inputDir, "a.png"), 10)
	writePlate(t, filepath.Join(inputDir, "c.png"), 90)
	check(t, os.WriteFile(filepath.Join(inputDir, "notes.txt"), []byte("skip"), 0o600))

	args := append(os.Args[0:1], "run",
		"--model", model,
		"--input", inputDir,
		"--output", outputDir,
		"--batchSize", "2",
		"--threads", "2")
	check(t, newApp().Run(args))

	results := readResults(t, filepath.Join(outputDir, "result-0.jsonl"))
	require.Len(t, results, 3)
	inputs := []string{results[0].Input, results[1].Input, results[2].Input}
	assert.Equal(t, []string{
		filepath.Join(inputDir, "a.png"),
		filepath.Join(inputDir, "b.PNG"),
		filepath.Join(inputDir, "c.png"),
	}, inputs)
	for _, r := range results {
		assert.NotNil(t, r.Labels)
		assert.LessOrEqual(t, len([]rune(r.Output)), 18)
	}
}

func TestRunCommandSingleFile(t *testing.T) {
	model := writeModel(t)
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	path := filepath.Join(inputDir, "plate.png")
	writePlate(t, path, 90)

	args := append(os.Args[0:1], "run", "--model", model, "--input", path, "--output", outputDir)
	check(t, newApp().Run(args))

	results := readResults(t, filepath.Join(outputDir, "result-0.jsonl"))
	require.Len(t, results, 1)
	assert.Equal(t, path, results[0].Input)
}

func TestRunCommandErrors(t *testing.T) {
	model := writeModel(t)

	err := newApp().Run(append(os.Args[0:1], "run", "--model", model, "--input", filepath.Join(t.TempDir(), "missing.png")))
	assert.Error(t, err)

	err = newApp().Run(append(os.Args[0:1], "run", "--model", model, "--backend", "TPU"))
	assert.ErrorContains(t, err, "backend TPU not implemented")

	err = newApp().Run(append(os.Args[0:1], "run", "--model", t.TempDir()))
	assert.Error(t, err)
}
