package nn

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gorgonia.org/tensor"
)

// ConvConfig describes a 2D convolution. Kernel, Stride and Padding are (height, width) pairs.
type ConvConfig struct {
	In      int
	Out     int
	Kernel  [2]int
	Stride  [2]int
	Padding [2]int
	Groups  int
	Bias    bool
}

// Conv2D is a grouped 2D convolution computed as im2col followed by a matrix product.
// Weight has shape (out, in/groups, kh, kw) and Bias, when present, shape (out).
type Conv2D struct {
	In, Out int
	Kernel  [2]int
	Stride  [2]int
	Padding [2]int
	Groups  int
	Weight  *tensor.Dense
	Bias    *tensor.Dense
}

// AutoPad returns the padding that preserves spatial size for an odd kernel at stride 1.
func AutoPad(k int) int {
	return k / 2
}

// NewConv2D validates the configuration and allocates zeroed parameters.
func NewConv2D(cfg ConvConfig) (*Conv2D, error) {
	if cfg.Groups == 0 {
		cfg.Groups = 1
	}
	if cfg.Stride == [2]int{} {
		cfg.Stride = [2]int{1, 1}
	}
	switch {
	case cfg.In <= 0 || cfg.Out <= 0:
		return nil, &ConfigError{Component: "Conv2D", Reason: fmt.Sprintf("channels must be positive, got %d->%d", cfg.In, cfg.Out)}
	case cfg.Kernel[0] <= 0 || cfg.Kernel[1] <= 0:
		return nil, &ConfigError{Component: "Conv2D", Reason: fmt.Sprintf("kernel must be positive, got %v", cfg.Kernel)}
	case cfg.Stride[0] <= 0 || cfg.Stride[1] <= 0:
		return nil, &ConfigError{Component: "Conv2D", Reason: fmt.Sprintf("stride must be positive, got %v", cfg.Stride)}
	case cfg.Padding[0] < 0 || cfg.Padding[1] < 0:
		return nil, &ConfigError{Component: "Conv2D", Reason: fmt.Sprintf("padding must not be negative, got %v", cfg.Padding)}
	case cfg.In%cfg.Groups != 0 || cfg.Out%cfg.Groups != 0:
		return nil, &ConfigError{Component: "Conv2D", Reason: fmt.Sprintf("channels %d->%d not divisible by %d groups", cfg.In, cfg.Out, cfg.Groups)}
	}
	c := &Conv2D{
		In:      cfg.In,
		Out:     cfg.Out,
		Kernel:  cfg.Kernel,
		Stride:  cfg.Stride,
		Padding: cfg.Padding,
		Groups:  cfg.Groups,
		Weight:  New(cfg.Out, cfg.In/cfg.Groups, cfg.Kernel[0], cfg.Kernel[1]),
	}
	if cfg.Bias {
		c.Bias = New(cfg.Out)
	}
	return c, nil
}

// Params implements Parameterized.
func (c *Conv2D) Params(prefix string) []Named {
	params := []Named{{Name: prefix + ".weight", Tensor: c.Weight}}
	if c.Bias != nil {
		params = append(params, Named{Name: prefix + ".bias", Tensor: c.Bias})
	}
	return params
}

// OutputShape implements Layer.
func (c *Conv2D) OutputShape(in []int) ([]int, error) {
	ch, h, w, err := shape3("Conv2D", in)
	if err != nil {
		return nil, err
	}
	if ch != c.In {
		return nil, &ShapeError{Op: "Conv2D", Expected: []int{c.In, h, w}, Got: in, Reason: fmt.Sprintf("expected %d input channels", c.In)}
	}
	if h+2*c.Padding[0] < c.Kernel[0] || w+2*c.Padding[1] < c.Kernel[1] {
		return nil, &ShapeError{Op: "Conv2D", Got: in, Reason: fmt.Sprintf("input smaller than kernel %v", c.Kernel)}
	}
	return []int{
		c.Out,
		pooledSize(h, c.Kernel[0], c.Stride[0], c.Padding[0]),
		pooledSize(w, c.Kernel[1], c.Stride[1], c.Padding[1]),
	}, nil
}

// Forward implements Layer.
func (c *Conv2D) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	outShape, err := c.OutputShape(Shape(x))
	if err != nil {
		return nil, err
	}
	h, w := x.Shape()[1], x.Shape()[2]
	oh, ow := outShape[1], outShape[2]
	n := oh * ow
	icg := c.In / c.Groups
	ocg := c.Out / c.Groups
	k := icg * c.Kernel[0] * c.Kernel[1]

	src := Float32s(x)
	weights := Float32s(c.Weight)
	out := New(outShape...)
	dst := Float32s(out)

	pointwise := c.Kernel == [2]int{1, 1} && c.Stride == [2]int{1, 1} && c.Padding == [2]int{}
	var cols []float32
	if !pointwise {
		cols = make([]float32, k*n)
	}
	for g := 0; g < c.Groups; g++ {
		in := src[g*icg*h*w : (g+1)*icg*h*w]
		if pointwise {
			cols = in
		} else {
			c.im2col(in, icg, h, w, oh, ow, cols)
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: ocg, Cols: k, Stride: k, Data: weights[g*ocg*k : (g+1)*ocg*k]},
			blas32.General{Rows: k, Cols: n, Stride: n, Data: cols},
			0,
			blas32.General{Rows: ocg, Cols: n, Stride: n, Data: dst[g*ocg*n : (g+1)*ocg*n]},
		)
	}
	if c.Bias != nil {
		bias := Float32s(c.Bias)
		for o := 0; o < c.Out; o++ {
			row := dst[o*n : (o+1)*n]
			for i := range row {
				row[i] += bias[o]
			}
		}
	}
	return out, nil
}

// im2col lays out every receptive field as a column: row (ci, ky, kx), column (oy, ox).
// Positions that fall into the padding read as zero.
func (c *Conv2D) im2col(src []float32, channels, h, w, oh, ow int, cols []float32) {
	kh, kw := c.Kernel[0], c.Kernel[1]
	n := oh * ow
	row := 0
	for ci := 0; ci < channels; ci++ {
		plane := src[ci*h*w : (ci+1)*h*w]
		for ky := 0; ky < kh; ky++ {
			for kx := 0; kx < kw; kx++ {
				dst := cols[row*n : (row+1)*n]
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.Stride[0] - c.Padding[0] + ky
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.Stride[1] - c.Padding[1] + kx
						if iy < 0 || iy >= h || ix < 0 || ix >= w {
							dst[oy*ow+ox] = 0
							continue
						}
						dst[oy*ow+ox] = plane[iy*w+ix]
					}
				}
				row++
			}
		}
	}
}
