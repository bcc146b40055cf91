package options

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

type Options struct {
	GoOptions *GoOptions
	// Charset overrides the model's character set. The blank must be the last symbol.
	Charset []string
	// ClassCount is checked against the charset length when a model is built. Zero skips the check.
	ClassCount int
	Destroy    func() error
	Backend    string
}

// GoOptions configures the native backend.
type GoOptions struct {
	// IntraOpNumThreads bounds the number of samples of a batch run concurrently.
	IntraOpNumThreads int
	// SpatialKernelSize is the spatial attention kernel of the gated blocks, 3 or 7. Zero takes
	// the value from the model's config.json, or 7.
	SpatialKernelSize int
	// FusedGatedBlocks runs the gated blocks as convolution and activation only. Valid only for
	// weights exported for the fused form.
	FusedGatedBlocks bool
}

func Defaults() *Options {
	return &Options{
		GoOptions: &GoOptions{
			IntraOpNumThreads: DefaultNumThreads(),
		},
		Destroy: func() error {
			return nil
		},
	}
}

// DefaultNumThreads is the number of physical cores, or logical CPUs when that is unknown.
func DefaultNumThreads() int {
	if cores := cpuid.CPU.PhysicalCores; cores > 0 {
		return cores
	}
	return runtime.NumCPU()
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithIntraOpNumThreads (GO only) sets how many samples of a batch are run concurrently.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "GO" {
			return fmt.Errorf("WithIntraOpNumThreads is only supported for GO backend")
		}
		if numThreads < 1 {
			return fmt.Errorf("number of threads must be positive, got %d", numThreads)
		}
		o.GoOptions.IntraOpNumThreads = numThreads
		return nil
	}
}

// WithSpatialKernelSize (GO only) sets the kernel of the spatial attention gates, 3 or 7.
// It must match the kernel the weights were trained with.
func WithSpatialKernelSize(kernelSize int) WithOption {
	return func(o *Options) error {
		if o.Backend != "GO" {
			return fmt.Errorf("WithSpatialKernelSize is only supported for GO backend")
		}
		if kernelSize != 3 && kernelSize != 7 {
			return fmt.Errorf("spatial kernel size must be 3 or 7, got %d", kernelSize)
		}
		o.GoOptions.SpatialKernelSize = kernelSize
		return nil
	}
}

// WithFusedGatedBlocks (GO only) enables the convolution and activation only form of the gated blocks.
func WithFusedGatedBlocks() WithOption {
	return func(o *Options) error {
		if o.Backend != "GO" {
			return fmt.Errorf("WithFusedGatedBlocks is only supported for GO backend")
		}
		o.GoOptions.FusedGatedBlocks = true
		return nil
	}
}

// WithCharset replaces the character set. Weights must have been trained with the same symbols in the same order.
func WithCharset(symbols []string) WithOption {
	return func(o *Options) error {
		if len(symbols) == 0 {
			return errors.New("charset must not be empty")
		}
		o.Charset = symbols
		return nil
	}
}

// WithClassCount declares the number of output classes of the model. Building a model fails
// when it differs from the charset length.
func WithClassCount(classCount int) WithOption {
	return func(o *Options) error {
		if classCount < 2 {
			return fmt.Errorf("class count must be at least 2, got %d", classCount)
		}
		o.ClassCount = classCount
		return nil
	}
}
