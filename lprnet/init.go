package lprnet

import (
	"math/rand/v2"
	"strings"

	"github.com/chewxy/math32"

	"github.com/knights-analytics/platereader/nn"
)

// InitRandom fills the parameters with seeded values in the ranges a freshly constructed model
// would have: convolution weights uniform in ±1/sqrt(fan in), normalization statistics near
// identity. It exists for tests and benchmarks that need a non-trivial network without a blob.
func (n *Network) InitRandom(seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	uniform := func(bound float32) float32 {
		return (rng.Float32()*2 - 1) * bound
	}
	for _, p := range n.Parameters() {
		data := nn.Float32s(p.Tensor)
		shape := nn.Shape(p.Tensor)
		switch {
		case strings.HasSuffix(p.Name, "running_var"):
			for i := range data {
				data[i] = 0.5 + rng.Float32()
			}
		case strings.HasSuffix(p.Name, "running_mean"):
			for i := range data {
				data[i] = uniform(0.1)
			}
		case len(shape) == 1 && strings.HasSuffix(p.Name, "weight"):
			for i := range data {
				data[i] = 1 + uniform(0.1)
			}
		case len(shape) == 4:
			fanIn := shape[1] * shape[2] * shape[3]
			bound := 1 / math32.Sqrt(float32(fanIn))
			for i := range data {
				data[i] = uniform(bound)
			}
		default:
			for i := range data {
				data[i] = uniform(0.1)
			}
		}
	}
}
