package nn

import (
	"fmt"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

// MaxPool3D max-pools a (C, H, W) map viewed as a single (depth, height, width) volume, so the
// depth kernel and stride run across channels. With Stride[0] = s the output keeps channels
// 0, s, 2s, ... which is how the backbone halves or quarters its channel count.
type MaxPool3D struct {
	Kernel [3]int
	Stride [3]int
}

// OutputShape implements Layer.
func (p *MaxPool3D) OutputShape(in []int) ([]int, error) {
	d, h, w, err := shape3("MaxPool3D", in)
	if err != nil {
		return nil, err
	}
	dims := [3]int{d, h, w}
	out := make([]int, 3)
	for i := range dims {
		if p.Kernel[i] <= 0 || p.Stride[i] <= 0 {
			return nil, &ConfigError{Component: "MaxPool3D", Reason: fmt.Sprintf("kernel %v and stride %v must be positive", p.Kernel, p.Stride)}
		}
		if dims[i] < p.Kernel[i] {
			return nil, &ShapeError{Op: "MaxPool3D", Got: in, Reason: fmt.Sprintf("input smaller than kernel %v", p.Kernel)}
		}
		out[i] = pooledSize(dims[i], p.Kernel[i], p.Stride[i], 0)
	}
	return out, nil
}

// Forward implements Layer.
func (p *MaxPool3D) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	outShape, err := p.OutputShape(Shape(x))
	if err != nil {
		return nil, err
	}
	_, h, w, _ := dims3("MaxPool3D", x)
	od, oh, ow := outShape[0], outShape[1], outShape[2]
	src := Float32s(x)
	out := New(outShape...)
	dst := Float32s(out)
	for z := 0; z < od; z++ {
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				best := math32.Inf(-1)
				for kz := 0; kz < p.Kernel[0]; kz++ {
					d := z*p.Stride[0] + kz
					for ky := 0; ky < p.Kernel[1]; ky++ {
						row := (d*h + y*p.Stride[1] + ky) * w
						for kx := 0; kx < p.Kernel[2]; kx++ {
							if v := src[row+xx*p.Stride[2]+kx]; v > best {
								best = v
							}
						}
					}
				}
				dst[(z*oh+y)*ow+xx] = best
			}
		}
	}
	return out, nil
}

// AvgPool2D averages non-overlapping or strided windows within each channel, without padding.
type AvgPool2D struct {
	Kernel [2]int
	Stride [2]int
}

// OutputShape implements Layer.
func (p *AvgPool2D) OutputShape(in []int) ([]int, error) {
	c, h, w, err := shape3("AvgPool2D", in)
	if err != nil {
		return nil, err
	}
	if p.Kernel[0] <= 0 || p.Kernel[1] <= 0 || p.Stride[0] <= 0 || p.Stride[1] <= 0 {
		return nil, &ConfigError{Component: "AvgPool2D", Reason: fmt.Sprintf("kernel %v and stride %v must be positive", p.Kernel, p.Stride)}
	}
	if h < p.Kernel[0] || w < p.Kernel[1] {
		return nil, &ShapeError{Op: "AvgPool2D", Got: in, Reason: fmt.Sprintf("input smaller than kernel %v", p.Kernel)}
	}
	return []int{c, pooledSize(h, p.Kernel[0], p.Stride[0], 0), pooledSize(w, p.Kernel[1], p.Stride[1], 0)}, nil
}

// Forward implements Layer.
func (p *AvgPool2D) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	outShape, err := p.OutputShape(Shape(x))
	if err != nil {
		return nil, err
	}
	c, h, w, _ := dims3("AvgPool2D", x)
	oh, ow := outShape[1], outShape[2]
	src := Float32s(x)
	out := New(outShape...)
	dst := Float32s(out)
	area := float32(p.Kernel[0] * p.Kernel[1])
	for ch := 0; ch < c; ch++ {
		plane := src[ch*h*w : (ch+1)*h*w]
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				var sum float32
				for ky := 0; ky < p.Kernel[0]; ky++ {
					row := (y*p.Stride[0] + ky) * w
					for kx := 0; kx < p.Kernel[1]; kx++ {
						sum += plane[row+xx*p.Stride[1]+kx]
					}
				}
				dst[(ch*oh+y)*ow+xx] = sum / area
			}
		}
	}
	return out, nil
}

// GlobalAvgPool reduces every channel to its mean, giving a (C, 1, 1) tensor.
func GlobalAvgPool(x *tensor.Dense) (*tensor.Dense, error) {
	c, h, w, err := dims3("GlobalAvgPool", x)
	if err != nil {
		return nil, err
	}
	src := Float32s(x)
	out := New(c, 1, 1)
	dst := Float32s(out)
	plane := h * w
	for ch := 0; ch < c; ch++ {
		var sum float32
		for _, v := range src[ch*plane : (ch+1)*plane] {
			sum += v
		}
		dst[ch] = sum / float32(plane)
	}
	return out, nil
}

// GlobalMaxPool reduces every channel to its maximum, giving a (C, 1, 1) tensor.
func GlobalMaxPool(x *tensor.Dense) (*tensor.Dense, error) {
	c, h, w, err := dims3("GlobalMaxPool", x)
	if err != nil {
		return nil, err
	}
	src := Float32s(x)
	out := New(c, 1, 1)
	dst := Float32s(out)
	plane := h * w
	for ch := 0; ch < c; ch++ {
		best := math32.Inf(-1)
		for _, v := range src[ch*plane : (ch+1)*plane] {
			best = math32.Max(best, v)
		}
		dst[ch] = best
	}
	return out, nil
}

// ChannelMeanMax returns a (2, H, W) tensor holding the per-pixel mean across channels in
// channel 0 and the per-pixel maximum across channels in channel 1.
func ChannelMeanMax(x *tensor.Dense) (*tensor.Dense, error) {
	c, h, w, err := dims3("ChannelMeanMax", x)
	if err != nil {
		return nil, err
	}
	src := Float32s(x)
	plane := h * w
	out := New(2, h, w)
	dst := Float32s(out)
	means, maxes := dst[:plane], dst[plane:]
	for i := range maxes {
		maxes[i] = math32.Inf(-1)
	}
	for ch := 0; ch < c; ch++ {
		for i, v := range src[ch*plane : (ch+1)*plane] {
			means[i] += v
			if v > maxes[i] {
				maxes[i] = v
			}
		}
	}
	for i := range means {
		means[i] /= float32(c)
	}
	return out, nil
}
