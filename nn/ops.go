package nn

import (
	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

// Concat stacks (C_i, H, W) tensors along the channel dimension.
func Concat(maps ...*tensor.Dense) (*tensor.Dense, error) {
	if len(maps) == 0 {
		return nil, &ShapeError{Op: "Concat", Reason: "no tensors to concatenate"}
	}
	_, h, w, err := dims3("Concat", maps[0])
	if err != nil {
		return nil, err
	}
	total := 0
	for _, m := range maps {
		c, mh, mw, err := dims3("Concat", m)
		if err != nil {
			return nil, err
		}
		if mh != h || mw != w {
			return nil, &ShapeError{Op: "Concat", Expected: []int{c, h, w}, Got: Shape(m), Reason: "spatial dimensions differ"}
		}
		total += c
	}
	out := New(total, h, w)
	dst := Float32s(out)
	offset := 0
	for _, m := range maps {
		offset += copy(dst[offset:], Float32s(m))
	}
	return out, nil
}

// Add returns a + b for tensors of identical shape.
func Add(a, b *tensor.Dense) (*tensor.Dense, error) {
	if !a.Shape().Eq(b.Shape()) {
		return nil, shapeErr("Add", Shape(a), Shape(b))
	}
	out := New(Shape(a)...)
	dst := Float32s(out)
	bs := Float32s(b)
	for i, v := range Float32s(a) {
		dst[i] = v + bs[i]
	}
	return out, nil
}

// ScaleChannels multiplies every channel of x (C, H, W) by the matching weight in w (C, 1, 1).
func ScaleChannels(x, w *tensor.Dense) (*tensor.Dense, error) {
	c, h, wd, err := dims3("ScaleChannels", x)
	if err != nil {
		return nil, err
	}
	if !w.Shape().Eq(tensor.Shape{c, 1, 1}) {
		return nil, shapeErr("ScaleChannels", []int{c, 1, 1}, Shape(w))
	}
	src, weights := Float32s(x), Float32s(w)
	out := New(c, h, wd)
	dst := Float32s(out)
	plane := h * wd
	for ch := 0; ch < c; ch++ {
		for i := ch * plane; i < (ch+1)*plane; i++ {
			dst[i] = src[i] * weights[ch]
		}
	}
	return out, nil
}

// ScaleSpatial multiplies every pixel of x (C, H, W) by the matching weight in w (1, H, W).
func ScaleSpatial(x, w *tensor.Dense) (*tensor.Dense, error) {
	c, h, wd, err := dims3("ScaleSpatial", x)
	if err != nil {
		return nil, err
	}
	if !w.Shape().Eq(tensor.Shape{1, h, wd}) {
		return nil, shapeErr("ScaleSpatial", []int{1, h, wd}, Shape(w))
	}
	src, weights := Float32s(x), Float32s(w)
	out := New(c, h, wd)
	dst := Float32s(out)
	plane := h * wd
	for ch := 0; ch < c; ch++ {
		base := ch * plane
		for i := 0; i < plane; i++ {
			dst[base+i] = src[base+i] * weights[i]
		}
	}
	return out, nil
}

// EnergyNormalize divides x by the global mean of its squared elements and returns that mean.
// A zero or non-finite energy leaves the map unchanged, so an all-zero feature map never turns
// into NaNs.
func EnergyNormalize(x *tensor.Dense) (*tensor.Dense, float32) {
	src := Float32s(x)
	var sum float64
	for _, v := range src {
		sum += float64(v) * float64(v)
	}
	energy := float32(sum / float64(len(src)))
	if !UsableEnergy(energy) {
		return Clone(x), energy
	}
	out := New(Shape(x)...)
	dst := Float32s(out)
	for i, v := range src {
		dst[i] = v / energy
	}
	return out, energy
}

// UsableEnergy reports whether EnergyNormalize divides by energy rather than passing the map through.
func UsableEnergy(energy float32) bool {
	return energy != 0 && !math32.IsNaN(energy) && !math32.IsInf(energy, 0)
}

// MeanOverHeight averages a (C, H, W) map over H, giving (C, W).
func MeanOverHeight(x *tensor.Dense) (*tensor.Dense, error) {
	c, h, w, err := dims3("MeanOverHeight", x)
	if err != nil {
		return nil, err
	}
	src := Float32s(x)
	out := New(c, w)
	dst := Float32s(out)
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			row := src[(ch*h+y)*w : (ch*h+y+1)*w]
			for xx, v := range row {
				dst[ch*w+xx] += v
			}
		}
		for xx := 0; xx < w; xx++ {
			dst[ch*w+xx] /= float32(h)
		}
	}
	return out, nil
}
