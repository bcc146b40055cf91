// Package imageutil turns plate images into normalized channel-first float32 planes.
package imageutil

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/knights-analytics/platereader/util/fileutil"
)

func LoadImagesFromPaths(paths []string) ([]image.Image, error) {
	images := make([]image.Image, 0, len(paths))

	for _, path := range paths {
		b, err := fileutil.ReadFileBytes(path)
		if err != nil {
			return nil, err
		}
		img, err := DecodeImage(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		images = append(images, img)
	}
	return images, nil
}

// DecodeImage decodes a JPEG, PNG, BMP or WebP image.
func DecodeImage(b []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(b))
	return img, err
}

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

// ResizePreprocessor scales an image to an exact size with bilinear interpolation, ignoring the aspect ratio.
type ResizePreprocessor struct {
	width  int
	height int
}

func ResizeStep(width, height int) *ResizePreprocessor {
	return &ResizePreprocessor{width: width, height: height}
}

func (s *ResizePreprocessor) Apply(img image.Image) (image.Image, error) {
	if s.width <= 0 || s.height <= 0 {
		return nil, fmt.Errorf("invalid resize target %dx%d", s.width, s.height)
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("cannot resize an empty image")
	}
	if bounds.Dx() == s.width && bounds.Dy() == s.height {
		return img, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst, nil
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

// ChannelSwapPreprocessor reverses the channel order, so RGB pixels are emitted as BGR.
type ChannelSwapPreprocessor struct{}

func (s *ChannelSwapPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	return b, g, r
}

func ChannelSwapStep() *ChannelSwapPreprocessor {
	return &ChannelSwapPreprocessor{}
}

type PixelNormalizationPreprocessor struct {
	mean [3]float32
	std  [3]float32
}

func (s *PixelNormalizationPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	r = (r - s.mean[0]) / s.std[0]
	g = (g - s.mean[1]) / s.std[1]
	b = (b - s.mean[2]) / s.std[2]
	return r, g, b
}

func PixelNormalizationStep(mean, std [3]float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

// PlateNormalizationStep maps 8-bit values v to (v - 127.5) * 0.0078125.
func PlateNormalizationStep() *PixelNormalizationPreprocessor {
	return PixelNormalizationStep([3]float32{127.5, 127.5, 127.5}, [3]float32{128, 128, 128})
}

// ToCHW converts an image to a channel-first (3, height, width) float32 plane in 8-bit value
// range, chaining the normalization steps on every pixel.
func ToCHW(img image.Image, steps ...NormalizationStep) (data []float32, height int, width int) {
	bounds := img.Bounds()
	height, width = bounds.Dy(), bounds.Dx()
	plane := height * width
	data = make([]float32, 3*plane)
	for y := range height {
		for x := range width {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rf := float32(r >> 8)
			gf := float32(g >> 8)
			bf := float32(b >> 8)
			for _, step := range steps {
				rf, gf, bf = step.Apply(rf, gf, bf)
			}
			i := y*width + x
			data[i] = rf
			data[plane+i] = gf
			data[2*plane+i] = bf
		}
	}
	return data, height, width
}
