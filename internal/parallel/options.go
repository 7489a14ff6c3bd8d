package parallel

import "github.com/23skdu/longbow-volley/internal/tensor"

type layerOptions struct {
	bias            bool
	gatherOutput    bool
	inputIsParallel bool
	stride          int
	keepMaster      bool
	init            tensor.InitFunc
	margin          float64
	scale           float64
}

// Option configures a sharded layer constructor. Each constructor
// starts from its own defaults; options override them.
type Option func(*layerOptions)

// WithoutBias disables the bias parameter.
func WithoutBias() Option {
	return func(o *layerOptions) { o.bias = false }
}

// WithBias enables the bias parameter (for heads that default it off).
func WithBias() Option {
	return func(o *layerOptions) { o.bias = true }
}

// WithGatherOutput controls whether forward concatenation-gathers the
// partial output across ranks. Disable it when feeding a row parallel
// layer directly.
func WithGatherOutput(gather bool) Option {
	return func(o *layerOptions) { o.gatherOutput = gather }
}

// WithInputParallel marks the row parallel input as already split
// along the feature dimension, skipping the scatter.
func WithInputParallel() Option {
	return func(o *layerOptions) { o.inputIsParallel = true }
}

// WithStride requests interleaved slicing for fused or grouped weight
// layouts: the master weight is cut into worldSize*stride chunks and
// each rank takes every worldSize-th chunk.
func WithStride(stride int) Option {
	return func(o *layerOptions) { o.stride = stride }
}

// WithKeepMaster keeps the full master weight on the layer after
// initialization. Verification only; it doubles the memory.
func WithKeepMaster() Option {
	return func(o *layerOptions) { o.keepMaster = true }
}

// WithInit replaces the default Xavier-normal initializer.
func WithInit(fn tensor.InitFunc) Option {
	return func(o *layerOptions) { o.init = fn }
}

// WithMargin sets the angular margin m of the classification head.
func WithMargin(m float64) Option {
	return func(o *layerOptions) { o.margin = m }
}

// WithScale sets the logit scale s of the classification head.
func WithScale(s float64) Option {
	return func(o *layerOptions) { o.scale = s }
}

func applyOptions(defaults layerOptions, opts []Option) layerOptions {
	o := defaults
	for _, fn := range opts {
		fn(&o)
	}
	if o.init == nil {
		o.init = tensor.XavierNormal(1.0)
	}
	if o.stride <= 0 {
		o.stride = 1
	}
	return o
}
